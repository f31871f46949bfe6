package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenRead(t *testing.T) {
	s := New(t.TempDir(), true, zerolog.Nop())

	key, err := s.Write("what do you see", "a login form")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	got, ok := s.Read("what do you see")
	require.True(t, ok)
	assert.Equal(t, "a login form", got)
}

func TestRemoveThenMiss(t *testing.T) {
	s := New(t.TempDir(), true, zerolog.Nop())

	key, err := s.Write("prompt", "response")
	require.NoError(t, err)

	s.Remove(key)
	_, ok := s.Read("prompt")
	assert.False(t, ok)

	// Removing again is a no-op.
	s.Remove(key)
}

func TestKeyIsDeterministic(t *testing.T) {
	s := New(t.TempDir(), true, zerolog.Nop())
	assert.Equal(t, s.Key("same prompt"), s.Key("same prompt"))
	assert.NotEqual(t, s.Key("prompt a"), s.Key("prompt b"))
}

func TestWriteReplacesWholesale(t *testing.T) {
	s := New(t.TempDir(), true, zerolog.Nop())

	_, err := s.Write("p", "first")
	require.NoError(t, err)
	_, err = s.Write("p", "second")
	require.NoError(t, err)

	got, ok := s.Read("p")
	require.True(t, ok)
	assert.Equal(t, "second", got)
}

func TestCorruptFileIsMiss(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, true, zerolog.Nop())

	key, err := s.Write("p", "r")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, key+".txt"), []byte("not json"), 0o644))

	_, ok := s.Read("p")
	assert.False(t, ok)
}

func TestDisabledStoreIsNoOp(t *testing.T) {
	s := New(t.TempDir(), false, zerolog.Nop())

	key, err := s.Write("p", "r")
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, s.Key("p"))

	_, ok := s.Read("p")
	assert.False(t, ok)
	s.Remove("anything")
}
