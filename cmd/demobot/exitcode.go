package demobot

import (
	"errors"

	"github.com/quakearchive/demobot/internal/orchestrator"
)

// exitCodeFor maps a returned error to spec.md §6's documented process exit
// codes: 1 for an uncaught on_ready/startup exception, 2 for an unhandled
// chat-library error, 1 for anything else unrecognized (config errors,
// lock-acquisition failures).
func exitCodeFor(err error) int {
	var chatErr *orchestrator.ChatLibraryError
	if errors.As(err, &chatErr) {
		return 2
	}
	return 1
}
