package snapshot

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgalecki/raft/model"
)

func stores(t *testing.T) map[string]Store {
	dir := t.TempDir()
	fs, err := OpenFilesystem(dir)
	require.NoError(t, err)
	return map[string]Store{
		"memory":     NewMemoryStore(),
		"filesystem": fs,
	}
}

func TestWriteThenRead(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			assert.False(t, store.HasSnapshot())
			header := Header{
				LastIncludedIndex: 42,
				LastIncludedTerm:  3,
				LastIncludedConfiguration: model.Configuration{
					Old: []model.Server{{Id: 1, Addresses: "a:1"}},
				},
			}
			w, err := store.NewWriter(header)
			require.NoError(t, err)
			_, err = w.Write([]byte("hello world"))
			require.NoError(t, err)
			assert.Equal(t, uint64(len("hello world")), w.BytesWritten())
			size, err := w.Save()
			require.NoError(t, err)
			assert.Greater(t, size, uint64(0))

			assert.True(t, store.HasSnapshot())
			r, err := store.OpenReader()
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, header, r.Header())
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, "hello world", string(data))
		})
	}
}

func TestDiscardLeavesNoSnapshot(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			w, err := store.NewWriter(Header{LastIncludedIndex: 1})
			require.NoError(t, err)
			_, _ = w.Write([]byte("partial"))
			require.NoError(t, w.Discard())
			assert.False(t, store.HasSnapshot())
		})
	}
}

func TestOpenReaderNoSnapshot(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.OpenReader()
			assert.ErrorIs(t, err, ErrNoSnapshot)
		})
	}
}

func TestFilesystemSweepsPartialOnOpen(t *testing.T) {
	dir := t.TempDir()
	fs, err := OpenFilesystem(dir)
	require.NoError(t, err)
	w, err := fs.NewWriter(Header{LastIncludedIndex: 1})
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	fsw := w.(*fsWriter)
	partialPath := fsw.path
	_, err = os.Stat(partialPath)
	require.NoError(t, err)

	reopened, err := OpenFilesystem(dir)
	require.NoError(t, err)
	_ = reopened

	_, err = os.Stat(partialPath)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, filepath.Join(dir, "snapshots"), reopened.dir)
}
