package kvstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := Open(Options{Path: path, AutoSaveInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTemp(t)

	type rec struct {
		Volume int `json:"volume"`
	}

	require.NoError(t, s.Set("guild:1", rec{Volume: 70}))

	var got rec
	ok, err := s.Get("guild:1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 70, got.Volume)

	ok, err = s.Get("guild:2", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := Open(Options{Path: path, AutoSaveInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Set("k", 42))
	require.NoError(t, s.Close())

	s2, err := Open(Options{Path: path, AutoSaveInterval: time.Hour})
	require.NoError(t, err)
	defer s2.Close()

	var v int
	ok, err := s2.Get("k", &v)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestDelete(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Set("k", "v"))
	s.Delete("k")

	var v string
	ok, err := s.Get("k", &v)
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting again is a no-op
	s.Delete("k")
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	s, err := Open(Options{Path: path, AutoSaveInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Set("k", 1))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFlushAfterCloseFails(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Flush(), ErrClosed)
}
