package kv

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetSetDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "a", "1"))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, s.Delete(ctx, "a", "never-existed"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreScan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "bp:1", "x"))
	require.NoError(t, s.Set(ctx, "bp:2", "y"))
	require.NoError(t, s.Set(ctx, "run:1", "z"))

	keys, err := s.Scan(ctx, "bp:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bp:1", "bp:2"}, keys)
}

func TestCheckAndSetCreateSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.CheckAndSet(ctx, "v", "l", "", "lock-1", "first")
	require.NoError(t, err)
	assert.True(t, ok)

	// A second create against the same lock key loses.
	ok, err = s.CheckAndSet(ctx, "v", "l", "", "lock-2", "second")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := s.Get(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestCheckAndSetUpdateSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.CheckAndSet(ctx, "v", "l", "", "lock-1", "first")
	require.NoError(t, err)
	require.True(t, ok)

	// Stale lock loses.
	ok, err = s.CheckAndSet(ctx, "v", "l", "stale", "lock-2", "bad")
	require.NoError(t, err)
	assert.False(t, ok)

	// Matching lock wins and rotates.
	ok, err = s.CheckAndSet(ctx, "v", "l", "lock-1", "lock-2", "updated")
	require.NoError(t, err)
	assert.True(t, ok)

	// The old lock no longer works.
	ok, err = s.CheckAndSet(ctx, "v", "l", "lock-1", "lock-3", "replayed")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := s.Get(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, "updated", v)
}

func TestCheckAndSetOneWinnerUnderContention(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.CheckAndSet(ctx, "v", "l", "", "base", "v0")
	require.NoError(t, err)

	const writers = 32
	var wg sync.WaitGroup
	wins := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.CheckAndSet(ctx, "v", "l", "base", "new", "winner")
			if err == nil && ok {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}
