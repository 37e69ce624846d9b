package titles

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "titles.json"))
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("p:abc", "Fix the login flow"))

	title, ok := s.Get("p:abc")
	require.True(t, ok)
	assert.Equal(t, "Fix the login flow", title)

	_, ok = s.Get("p:other")
	assert.False(t, ok)
}

func TestMissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	titles, err := s.All()
	require.NoError(t, err)
	assert.Empty(t, titles)
}

func TestEmptyTitleDeletes(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("abc", "First"))
	require.NoError(t, s.Set("abc", ""))

	_, ok := s.Get("abc")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("abc", "First"))
	require.NoError(t, s.Delete("abc"))

	titles, err := s.All()
	require.NoError(t, err)
	assert.Empty(t, titles)
}

func TestEditPreservesOtherEntries(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("a", "One"))
	require.NoError(t, s.Set("b", "Two"))
	require.NoError(t, s.Set("a", "One updated"))

	titles, err := s.All()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "One updated", "b": "Two"}, titles)
}

func TestCorruptFileSurfacesError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "titles.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	s := NewStore(path)
	_, err := s.All()
	assert.Error(t, err)
	// A corrupt file must not be silently overwritten.
	assert.Error(t, s.Set("a", "One"))
}

func TestConcurrentWriters(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n))
			assert.NoError(t, s.Set(key, "title "+key))
		}(i)
	}
	wg.Wait()

	titles, err := s.All()
	require.NoError(t, err)
	assert.Len(t, titles, 8)
}
