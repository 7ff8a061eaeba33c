package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedStore_ServesRepeatReadsFromCache(t *testing.T) {
	store := NewCachedStore(NewMemoryStore(), 10, 0)
	defer store.Close()

	k := key("the", "cat")
	require.NoError(t, store.Append(k, Word("sat")))

	for i := 0; i < 3; i++ {
		list, err := store.Get(k)
		require.NoError(t, err)
		assert.Equal(t, SuccessorList{Word("sat")}, list)
	}

	stats := store.CacheStats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCachedStore_WritesInvalidate(t *testing.T) {
	store := NewCachedStore(NewMemoryStore(), 10, 0)
	defer store.Close()

	k := key("the", "cat")
	require.NoError(t, store.Append(k, Word("sat")))
	_, err := store.Get(k)
	require.NoError(t, err)

	require.NoError(t, store.Append(k, EndOfSequence()))
	list, err := store.Get(k)
	require.NoError(t, err)
	assert.Equal(t, SuccessorList{Word("sat"), EndOfSequence()}, list)

	_, err = store.Remove(k, Word("sat"))
	require.NoError(t, err)
	list, err = store.Get(k)
	require.NoError(t, err)
	assert.Equal(t, SuccessorList{EndOfSequence()}, list)
}

func TestCachedStore_ReturnsCopies(t *testing.T) {
	store := NewCachedStore(NewMemoryStore(), 10, 0)
	defer store.Close()

	k := key("a", "b")
	require.NoError(t, store.Append(k, Word("c")))

	first, err := store.Get(k)
	require.NoError(t, err)
	first[0] = Word("mutated")

	second, err := store.Get(k)
	require.NoError(t, err)
	assert.Equal(t, SuccessorList{Word("c")}, second)
}
