package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutAndDelete(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "blobs/1", "text/plain", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://blobs/1", uri)

	payload[0] = 'C'
	stored, ok := store.Object("blobs/1")
	require.True(t, ok)
	require.Equal(t, "content", string(stored), "stored copy must not alias the caller's buffer")

	require.NoError(t, store.DeleteObject(context.Background(), "blobs/1"))
	_, ok = store.Object("blobs/1")
	require.False(t, ok)
	require.NoError(t, store.DeleteObject(context.Background(), "blobs/1"), "deleting a missing key is fine")
}

func TestBlobStoreReaderErrorStoresNothing(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	r := io.MultiReader(bytes.NewReader([]byte("partial")), &failingReader{})
	_, err := store.PutObject(context.Background(), "blobs/2", "", r)
	require.Error(t, err)
	require.Zero(t, store.Len())
}

type failingReader struct{}

func (*failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}
