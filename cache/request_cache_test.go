package cache

import (
	"math/rand"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func byteSize(b []byte) int {
	return len(b)
}

func TestRequestCacheInsert(t *testing.T) {
	t.Run("evicts the least recently used entry", func(t *testing.T) {
		c := New[string, int](3)

		for i, k := range []string{"A", "B", "C", "D"} {
			require.NoError(t, c.Insert(k, i))
		}

		require.False(t, c.Has("A"))
		require.True(t, c.Has("D"))
		require.Equal(t, 3, c.Len())
		require.Equal(t, []string{"D", "C", "B"}, c.Keys())
		require.Equal(t, uint64(1), c.Stats().Evictions)
	})

	t.Run("get refreshes recency", func(t *testing.T) {
		c := New[string, int](3)
		require.NoError(t, c.Insert("A", 1))
		require.NoError(t, c.Insert("B", 2))
		require.NoError(t, c.Insert("C", 3))

		v, err := c.Get("A")
		require.NoError(t, err)
		require.Equal(t, 1, v)

		require.NoError(t, c.Insert("D", 4))
		require.True(t, c.Has("A"))
		require.False(t, c.Has("B"))
	})

	t.Run("replaces an existing entry", func(t *testing.T) {
		c := New[string, []byte](10, WithSizeFunc[string](byteSize))
		require.NoError(t, c.Insert("A", make([]byte, 4)))
		require.NoError(t, c.Insert("A", make([]byte, 6)))

		require.Equal(t, 1, c.Len())
		require.Equal(t, 6, c.Size())
	})

	t.Run("entry larger than the capacity", func(t *testing.T) {
		c := New[string, []byte](10, WithSizeFunc[string](byteSize))
		require.NoError(t, c.Insert("A", make([]byte, 4)))

		err := c.Insert("B", make([]byte, 11))
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeCapacityExceeded))
		require.True(t, c.Has("A"))
		require.False(t, c.Has("B"))
		require.Equal(t, uint64(1), c.Stats().Rejections)
	})

	t.Run("pinned entries leave no room", func(t *testing.T) {
		c := New[string, []byte](10, WithSizeFunc[string](byteSize))
		require.NoError(t, c.Insert("A", make([]byte, 6)))
		require.NoError(t, c.Insert("B", make([]byte, 2)))
		c.Pin("A")

		err := c.Insert("C", make([]byte, 5))
		require.True(t, errors.IsType(err, ErrTypeCapacityExceeded))
		require.True(t, c.Has("B"), "a rejected insert does not evict")

		require.NoError(t, c.Insert("C", make([]byte, 4)))
		require.True(t, c.Has("A"))
		require.False(t, c.Has("B"))
		require.Equal(t, 10, c.Size())
	})

	t.Run("calls the evict handler", func(t *testing.T) {
		var evicted []string
		c := New[string, int](2, WithEvictHandler(func(k string, v int) {
			evicted = append(evicted, k)
		}))

		require.NoError(t, c.Insert("A", 1))
		require.NoError(t, c.Insert("B", 2))
		require.NoError(t, c.Insert("C", 3))
		c.Remove("B")

		require.Equal(t, []string{"A"}, evicted)
	})
}

func TestRequestCacheForceInsert(t *testing.T) {
	c := New[string, []byte](10,
		WithSizeFunc[string](byteSize),
		WithHardLimit[string, []byte](15),
	)
	require.Equal(t, 15, c.HardLimit())

	require.NoError(t, c.Insert("A", make([]byte, 8)))
	c.Pin("A")
	require.NoError(t, c.Insert("B", make([]byte, 2)))

	require.NoError(t, c.ForceInsert("C", make([]byte, 6)))
	require.False(t, c.Has("B"), "unpinned entries are evicted first")
	require.True(t, c.Has("C"))
	require.Equal(t, 14, c.Size())
	require.True(t, c.IsFull())

	c.Pin("C")
	err := c.ForceInsert("D", make([]byte, 2))
	require.Error(t, err)
	require.True(t, errors.IsType(err, ErrTypeCapacityExceeded))
	require.Equal(t, 14, c.Size())
}

func TestRequestCacheDefaultHardLimit(t *testing.T) {
	c := New[string, int](4)
	require.Equal(t, 8, c.HardLimit())
}

func TestRequestCacheGet(t *testing.T) {
	c := New[string, int](2)

	_, err := c.Get("A")
	require.Error(t, err)
	require.True(t, errors.IsType(err, ErrTypeNotFound))

	require.NoError(t, c.Insert("A", 42))
	v, err := c.Get("A")
	require.NoError(t, err)
	require.Equal(t, 42, v)

	require.Equal(t, Stats{Hits: 1, Misses: 1}, c.Stats())
}

func TestRequestCacheCleanCache(t *testing.T) {
	c := New[string, int](5)
	for i, k := range []string{"A", "B", "C", "D", "E"} {
		require.NoError(t, c.Insert(k, i))
	}
	c.Pin("A")
	c.Pin("C")

	require.Equal(t, 2, c.CleanCache(2))
	require.Equal(t, []string{"E", "C", "A"}, c.Keys())

	require.Equal(t, 1, c.CleanCache(10))
	require.Equal(t, []string{"C", "A"}, c.Keys())
	require.True(t, c.IsPinned("A"))

	c.UnpinAll()
	require.False(t, c.IsPinned("A"))
	require.Equal(t, 2, c.CleanCache(10))
	require.Zero(t, c.Len())
	require.Zero(t, c.Size())
}

func TestRequestCacheDemote(t *testing.T) {
	c := New[string, int](3)
	require.NoError(t, c.Insert("A", 1))
	require.NoError(t, c.Insert("B", 2))
	require.NoError(t, c.Insert("C", 3))

	c.Demote("C")
	require.NoError(t, c.Insert("D", 4))

	require.False(t, c.Has("C"))
	require.True(t, c.Has("A"))
}

func TestRequestCacheClear(t *testing.T) {
	c := New[string, int](3)
	require.NoError(t, c.Insert("A", 1))
	c.Pin("A")
	require.NoError(t, c.Insert("B", 2))

	c.Clear()
	require.Zero(t, c.Len())
	require.Zero(t, c.Size())
	require.False(t, c.Has("A"))
	require.False(t, c.Pin("A"))
}

func TestRequestCacheProperties(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	c := New[int, []byte](64, WithSizeFunc[int](byteSize))

	for i := 0; i < 5000; i++ {
		key := rnd.Intn(40)

		switch op := rnd.Intn(10); {
		case op < 5:
			err := c.Insert(key, make([]byte, 1+rnd.Intn(16)))
			if err == nil {
				require.True(t, c.Has(key))
				require.LessOrEqual(t, c.Size(), c.Capacity())
			} else {
				require.True(t, errors.IsType(err, ErrTypeCapacityExceeded))
			}

		case op < 7:
			c.Remove(key)
			require.False(t, c.Has(key))

		case op < 8:
			c.Pin(key)

		case op < 9:
			c.Unpin(key)

		default:
			unpinned := 0
			for _, e := range c.Entries() {
				if !e.Pinned {
					unpinned++
				}
			}
			pinned := c.Len() - unpinned

			n := 1 + rnd.Intn(3)
			evicted := c.CleanCache(n)
			require.Equal(t, min(n, unpinned), evicted)
			require.Equal(t, pinned, c.Len()-(unpinned-evicted), "pinned entries are never cleaned")
		}

		size := 0
		for _, e := range c.Entries() {
			size += e.Size
		}
		require.Equal(t, size, c.Size())
	}
}
