package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutRawStoresCopy(t *testing.T) {
	t.Parallel()

	store := NewStore()
	payload := []byte(`{"id":"a"}`)

	uri, err := store.PutRaw(context.Background(), "runs/run-1/item.json", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://runs/run-1/item.json", uri)

	// Mutating the caller's slice must not change the archived payload.
	payload[0] = 'X'
	stored, ok := store.Get("runs/run-1/item.json")
	require.True(t, ok)
	require.Equal(t, `{"id":"a"}`, string(stored))
	require.Equal(t, 1, store.Len())
}

func TestPutRawRequiresPath(t *testing.T) {
	t.Parallel()

	store := NewStore()
	_, err := store.PutRaw(context.Background(), "", []byte("x"))
	require.Error(t, err)
}
