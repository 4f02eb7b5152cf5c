package remotequeue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNopClientCompletesImmediatelyWithDistinctIDs(t *testing.T) {
	client := &NopClient{}

	id1, err := client.Submit(context.Background(), "https://demo/a.dm_68", 48, "a", "desc a")
	require.NoError(t, err)
	id2, err := client.Submit(context.Background(), "https://demo/b.dm_68", 48, "b", "desc b")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	url, done, err := client.CheckStatus(context.Background(), id1)
	require.NoError(t, err)
	require.True(t, done)
	require.NotEmpty(t, url)
}
