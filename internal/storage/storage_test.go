package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	s, err := NewLocalStorage(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)

	require.NoError(t, s.Write("session/b.frame", []byte("two")))
	require.NoError(t, s.Write("session/a.frame", []byte("one")))

	data, err := s.Read("session/a.frame")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	rs, err := s.ReadSeeker("session/b.frame")
	require.NoError(t, err)
	all, err := io.ReadAll(rs)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), all)
	rs.(io.Closer).Close()

	files, err := s.List("session")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.frame", "b.frame"}, files)

	ok, err := s.Exists("session/a.frame")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete("session/a.frame"))
	require.NoError(t, s.Delete("session/a.frame"))
	ok, err = s.Exists("session/a.frame")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStorageNotFound(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ReadSeeker("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	files, err := s.List("nothing-here")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLocalStorageWriteReplacesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	require.NoError(t, err)

	require.NoError(t, s.Write("value", []byte("first value")))
	require.NoError(t, s.Write("value", []byte("2nd")))

	data, err := s.Read("value")
	require.NoError(t, err)
	assert.Equal(t, []byte("2nd"), data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are renamed away")
}

func TestSharedDefaultsFPS(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	d := NewSharedDefaults(s)

	_, ok, err := d.FPS()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.SetFPS(24))
	fps, ok, err := d.FPS()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint(24), fps)

	require.NoError(t, d.ClearFPS())
	_, ok, err = d.FPS()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSharedDefaultsVisibleAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	hostStore, err := NewLocalStorage(dir)
	require.NoError(t, err)
	extensionStore, err := NewLocalStorage(dir)
	require.NoError(t, err)

	host := NewSharedDefaults(hostStore)
	extension := NewSharedDefaults(extensionStore)

	now := time.Now()
	require.NoError(t, host.SetKeepAlive(now))

	at, ok, err := extension.KeepAlive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(now), "got %v want %v", at, now)

	require.NoError(t, host.ClearKeepAlive())
	_, ok, err = extension.KeepAlive()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSharedDefaultsCorruptValue(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Write(fpsKey, []byte{0xc1}))

	_, _, err = NewSharedDefaults(s).FPS()
	assert.Error(t, err)
}
