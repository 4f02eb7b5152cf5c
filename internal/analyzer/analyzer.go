// Package analyzer wraps the external demo-metadata analyzer binary
// (component D of spec.md): spawn it, clean up the two host-specific quirks
// in its XML output, and yield a {element -> {attribute -> value}} map for
// the demo's root element's children. Grounded on
// discord_downloader/demo_analyzer.py's DemoAnalyzer, using
// avast/retry-go/v4 the way api/pkg/openai/openai_client.go wraps flaky
// calls, and zerolog for the "benign locale warning" log line.
package analyzer

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
)

// endMarker is the closing tag `_clean_stdout_mess` trims trailing noise
// after, on the host family where the analyzer's runtime appends garbage
// past the well-formed document.
const endMarker = "</demoFile>"

// benignStderr is the sole stderr output _analyze tolerates as non-fatal.
const benignStderr = "Could not set X locale modifiers\n"

// Attributes is the two-level mapping this adapter yields: element name to
// its attribute name/value pairs.
type Attributes map[string]map[string]string

// Analyzer spawns the analyzer binary and parses its output.
type Analyzer struct {
	exePath string
	retries uint
}

// New returns an Analyzer that invokes exePath.
func New(exePath string) *Analyzer {
	return &Analyzer{exePath: exePath, retries: 2}
}

// Analyze runs `exePath --xml file` and parses the result. A non-empty
// stderr other than benignStderr is fatal, matching the original's check.
// Transient process-spawn failures (not analysis failures) are retried a
// couple of times via avast/retry-go, since the original's subprocess
// create can flake under load.
func (a *Analyzer) Analyze(ctx context.Context, file string) (Attributes, error) {
	var stdout, stderr bytes.Buffer

	err := retry.Do(
		func() error {
			stdout.Reset()
			stderr.Reset()
			cmd := exec.CommandContext(ctx, a.exePath, "--xml", file)
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			return cmd.Run()
		},
		retry.Attempts(a.retries+1),
		retry.RetryIf(func(err error) bool {
			// A non-zero exit is an analysis failure, not a spawn failure.
			var exitErr *exec.ExitError
			return !errors.As(err, &exitErr)
		}),
		retry.Context(ctx),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("analyzer: spawn %s: %w", a.exePath, err)
	}

	if errText := stderr.String(); errText != "" {
		if errText != benignStderr {
			return nil, fmt.Errorf("analyzer: error analyzing demo: %s", errText)
		}
		log.Debug().Str("file", file).Msg("analyzer emitted benign locale warning")
	}

	cleaned := cleanStdoutMess(stdout.Bytes())
	cleaned = removeRawElement(cleaned)
	escaped := escapeInvalidNumericRefs(cleaned)

	attrs, err := parseRootChildren(escaped)
	if err != nil {
		return nil, fmt.Errorf("analyzer: parse xml: %w", err)
	}
	return unescapeAttributes(attrs), nil
}

// cleanStdoutMess trims trailing noise after the last </demoFile>, the
// "Mono's mess" quirk from _clean_stdout_mess.
func cleanStdoutMess(stdout []byte) []byte {
	idx := bytes.LastIndex(stdout, []byte(endMarker))
	if idx < 0 {
		return stdout
	}
	return stdout[:idx+len(endMarker)]
}

// removeRawElement strips any self-closing <raw .../> element the analyzer
// sometimes emits, mirroring DemoAnalyzer._remove_raw's regex.
func removeRawElement(doc []byte) []byte {
	for {
		start := bytes.Index(doc, []byte("<raw "))
		if start < 0 {
			return doc
		}
		end := bytes.Index(doc[start:], []byte("/>"))
		if end < 0 {
			return doc
		}
		doc = append(doc[:start], doc[start+end+2:]...)
	}
}

func parseRootChildren(doc []byte) (Attributes, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	result := Attributes{}
	depth := 0
	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				current = t.Name.Local
				m := make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					m[a.Name.Local] = a.Value
				}
				result[current] = m
			}
		case xml.EndElement:
			depth--
		}
	}
	return result, nil
}

// escapeInvalidNumericRefs replaces literal '@' with "@40;" and every
// numeric character reference whose code point falls below the XML 1.0
// permitted range with "@<hex>;", so the XML parser (which would otherwise
// reject the document) never sees the offending code point directly.
func escapeInvalidNumericRefs(doc []byte) []byte {
	s := strings.ReplaceAll(string(doc), "@", "@40;")

	var out strings.Builder
	for {
		start := strings.Index(s, "&#")
		if start < 0 {
			out.WriteString(s)
			break
		}
		out.WriteString(s[:start])
		end := strings.IndexByte(s[start:], ';')
		if end < 0 {
			out.WriteString(s[start:])
			break
		}
		end += start
		ref := s[start+2 : end] // between "&#" and ";"
		cp, ok := parseCharRef(ref)
		if ok && isBelowXMLRange(cp) {
			out.WriteString(fmt.Sprintf("@%x;", cp))
		} else {
			out.WriteString(s[start : end+1])
		}
		s = s[end+1:]
	}
	return []byte(out.String())
}

func parseCharRef(ref string) (rune, bool) {
	if strings.HasPrefix(ref, "x") || strings.HasPrefix(ref, "X") {
		n, err := strconv.ParseInt(ref[1:], 16, 32)
		if err != nil {
			return 0, false
		}
		return rune(n), true
	}
	n, err := strconv.ParseInt(ref, 10, 32)
	if err != nil {
		return 0, false
	}
	return rune(n), true
}

// isBelowXMLRange reports whether cp is not a legal XML 1.0 character,
// restricted (for this adapter's purposes) to the control-character range
// that trips up the upstream parser: below 0x20 and not tab/LF/CR.
func isBelowXMLRange(cp rune) bool {
	if cp == 0x9 || cp == 0xA || cp == 0xD {
		return false
	}
	return cp < 0x20
}

// unescapeAttributes reverses escapeInvalidNumericRefs on every attribute
// name and value, turning "@<hex>;" back into the original byte and "@40;"
// back into a literal '@'.
func unescapeAttributes(attrs Attributes) Attributes {
	out := make(Attributes, len(attrs))
	for element, kv := range attrs {
		nm := make(map[string]string, len(kv))
		for k, v := range kv {
			nm[unescapeMarker(k)] = unescapeMarker(v)
		}
		out[unescapeMarker(element)] = nm
	}
	return out
}

func unescapeMarker(s string) string {
	var out strings.Builder
	for {
		start := strings.Index(s, "@")
		if start < 0 {
			out.WriteString(s)
			break
		}
		out.WriteString(s[:start])
		end := strings.IndexByte(s[start:], ';')
		if end < 0 {
			out.WriteString(s[start:])
			break
		}
		end += start
		hex := s[start+1 : end]
		n, err := strconv.ParseInt(hex, 16, 32)
		if err != nil {
			out.WriteString(s[start : end+1])
		} else {
			out.WriteRune(rune(n))
		}
		s = s[end+1:]
	}
	return out.String()
}
