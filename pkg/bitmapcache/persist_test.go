package bitmapcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlushThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := NewPersistentStore(filepath.Join(dir, "bitmapcache.bin"), nil)

	entries := []PersistedEntry{
		{Key64: 0x0102030405060708, Width: 64, Height: 48, BPP: 16, Pixels: []byte{1, 2, 3, 4}},
		{Key64: 0xAABBCCDD, Width: 16, Height: 16, BPP: 24, Pixels: make([]byte, 768)},
	}

	written, err := store.Flush(entries)
	require.NoError(t, err)
	require.Equal(t, 2, written)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, entries[0].Key64, loaded[0].Key64)
	require.Equal(t, entries[0].Pixels, loaded[0].Pixels)
	require.Equal(t, entries[1].Width, loaded[1].Width)
	require.Equal(t, entries[1].BPP, loaded[1].BPP)
}

func TestFlushSkipsZeroKeyEntries(t *testing.T) {
	dir := t.TempDir()
	store := NewPersistentStore(filepath.Join(dir, "bitmapcache.bin"), nil)

	written, err := store.Flush([]PersistedEntry{
		{Key64: 0, Width: 1, Height: 1, Pixels: []byte{1}},
		{Key64: 42, Width: 1, Height: 1, Pixels: []byte{1}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, written)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.EqualValues(t, 42, loaded[0].Key64)
}

func TestLoadMissingFileReturnsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	store := NewPersistentStore(filepath.Join(dir, "does-not-exist.bin"), nil)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, loaded)
}
