package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUIndexBasic(t *testing.T) {
	r := NewLRUIndex[string, int]()

	require.NoError(t, r.Add("d", 0))
	require.NoError(t, r.Add("a", 0))
	require.NoError(t, r.Add("c", 0))
	require.NoError(t, r.Add("b", 0))

	require.NoError(t, r.MakeMostRecent("a"))
	require.NoError(t, r.MakeMostRecent("d"))
	require.NoError(t, r.MakeMostRecent("b"))
	require.NoError(t, r.MakeMostRecent("c"))
	require.NoError(t, r.MakeMostRecent("d"))
	require.NoError(t, r.MakeMostRecent("c"))

	for _, want := range []string{"a", "b", "d", "c"} {
		oldest, err := r.GetOldest()
		require.NoError(t, err)
		assert.Equal(t, want, oldest)

		key, _, err := r.RemoveOldest()
		require.NoError(t, err)
		assert.Equal(t, want, key)
	}

	assert.True(t, r.IsEmpty())
	_, err := r.GetOldest()
	assert.Error(t, err)
	_, _, err = r.RemoveOldest()
	assert.Error(t, err)
}

func TestLRUIndexPayload(t *testing.T) {
	r := NewLRUIndex[string, int]()

	require.NoError(t, r.Add("a", 420))
	require.NoError(t, r.Add("b", 421))
	require.NoError(t, r.Add("c", 422))
	require.NoError(t, r.Add("d", 423))

	require.NoError(t, r.MakeMostRecent("a"))
	require.NoError(t, r.MakeMostRecent("d"))
	require.NoError(t, r.MakeMostRecent("b"))
	require.NoError(t, r.MakeMostRecent("c"))
	require.NoError(t, r.MakeMostRecent("d"))
	require.NoError(t, r.MakeMostRecent("c"))

	p, ok := r.Invalidate("b")
	assert.True(t, ok)
	assert.Equal(t, 421, p)
	_, ok = r.Contains("b")
	assert.False(t, ok)

	p, ok = r.Contains("a")
	assert.True(t, ok)
	assert.Equal(t, 420, p)

	key, p, err := r.RemoveOldest()
	require.NoError(t, err)
	assert.Equal(t, "a", key)
	assert.Equal(t, 420, p)
}

func TestLRUIndexAddOrMakeMostRecent(t *testing.T) {
	r := NewLRUIndex[string, int]()

	r.AddOrMakeMostRecent("a", 420)
	r.AddOrMakeMostRecent("b", 421)
	r.AddOrMakeMostRecent("d", 423)
	r.AddOrMakeMostRecent("a", 424)
	r.AddOrMakeMostRecent("d", 421)

	expected := []struct {
		key     string
		payload int
	}{
		{"b", 421},
		{"a", 424},
		{"d", 421},
	}
	for _, want := range expected {
		key, p, err := r.RemoveOldest()
		require.NoError(t, err)
		assert.Equal(t, want.key, key)
		assert.Equal(t, want.payload, p)
	}
	assert.True(t, r.IsEmpty())
}

func TestInstanceCacheSequence(t *testing.T) {
	var built []string
	var destroyed []string

	cache := NewInstanceCache(3,
		func(key string) (interface{}, error) {
			built = append(built, key)
			return "parsed-" + key, nil
		},
		func(key string, _ interface{}) {
			destroyed = append(destroyed, key)
		})

	access := func(key string) {
		guard, err := cache.Access(key)
		require.NoError(t, err)
		assert.Equal(t, "parsed-"+key, guard.Value())
		guard.Release()
	}

	for _, key := range []string{"42", "43", "45", "42", "43", "47", "44", "42"} {
		access(key)
	}

	cache.Close()

	// 45 evicted by 47, 42 evicted by 44 and rebuilt afterwards; the final
	// close destroys the remainder oldest first.
	assert.Equal(t, []string{"45", "42", "43", "47", "44", "42"}, destroyed)
	assert.Equal(t, []string{"42", "43", "45", "47", "44", "42"}, built)
}

func TestInstanceCacheCapacityBound(t *testing.T) {
	cache := NewInstanceCache(3,
		func(key string) (interface{}, error) { return key, nil },
		nil)

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		guard, err := cache.Access(key)
		require.NoError(t, err)
		guard.Release()
	}
	assert.Equal(t, 3, cache.Len())
}

func TestInstanceCacheTouchPreventsEviction(t *testing.T) {
	var destroyed []string
	cache := NewInstanceCache(2,
		func(key string) (interface{}, error) { return key, nil },
		func(key string, _ interface{}) { destroyed = append(destroyed, key) })

	access := func(key string) {
		guard, err := cache.Access(key)
		require.NoError(t, err)
		guard.Release()
	}

	access("a")
	access("b")
	access("a") // refresh "a": "b" becomes the eviction candidate
	access("c")

	assert.Equal(t, []string{"b"}, destroyed)
}

func TestInstanceCacheSingleBuilder(t *testing.T) {
	var builds int32
	release := make(chan struct{})

	cache := NewInstanceCache(4,
		func(key string) (interface{}, error) {
			atomic.AddInt32(&builds, 1)
			<-release
			return key, nil
		},
		nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard, err := cache.Access("shared")
			require.NoError(t, err)
			guard.Release()
		}()
	}

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&builds),
		"concurrent accesses of one key must run a single builder")
}

func TestInstanceCacheInvalidate(t *testing.T) {
	var destroyed []string
	cache := NewInstanceCache(4,
		func(key string) (interface{}, error) { return key, nil },
		func(key string, _ interface{}) { destroyed = append(destroyed, key) })

	guard, err := cache.Access("x")
	require.NoError(t, err)
	guard.Release()

	cache.Invalidate("x")
	assert.Equal(t, []string{"x"}, destroyed)
	assert.Zero(t, cache.Len())
}
