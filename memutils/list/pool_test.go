package list_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils/list"
)

func TestPoolAllocReusesFreedSlots(t *testing.T) {
	pool := list.NewPoolAllocator[int](4)

	first := pool.Alloc()
	second := pool.Alloc()
	*pool.Get(first) = 10
	*pool.Get(second) = 20

	require.Equal(t, 2, pool.Len())
	require.Equal(t, 4, pool.Capacity())

	pool.Free(first)
	require.Equal(t, 1, pool.Len())

	third := pool.Alloc()
	require.Equal(t, first, third)
	require.Equal(t, 0, *pool.Get(third))
	require.Equal(t, 20, *pool.Get(second))
}

func TestPoolGrowsByBlocks(t *testing.T) {
	pool := list.NewPoolAllocator[int](2)

	handles := make([]list.Handle, 0, 5)
	for i := 0; i < 5; i++ {
		h := pool.Alloc()
		*pool.Get(h) = i
		handles = append(handles, h)
	}

	require.Equal(t, 6, pool.Capacity())
	require.Equal(t, 5, pool.Len())

	for i, h := range handles {
		require.Equal(t, i, *pool.Get(h))
	}
}

func TestPoolPointersStayStable(t *testing.T) {
	pool := list.NewPoolAllocator[int](2)

	h := pool.Alloc()
	ptr := pool.Get(h)
	*ptr = 42

	for i := 0; i < 100; i++ {
		pool.Alloc()
	}

	require.Same(t, ptr, pool.Get(h))
	require.Equal(t, 42, *ptr)
}

func TestPoolClear(t *testing.T) {
	pool := list.NewPoolAllocator[int](3)
	for i := 0; i < 7; i++ {
		pool.Alloc()
	}
	capacity := pool.Capacity()

	pool.Clear()
	require.Equal(t, 0, pool.Len())
	require.Equal(t, capacity, pool.Capacity())

	for i := 0; i < capacity; i++ {
		pool.Alloc()
	}
	require.Equal(t, capacity, pool.Capacity())
}

func TestPoolDoubleFreePanics(t *testing.T) {
	pool := list.NewPoolAllocator[int](2)
	h := pool.Alloc()
	pool.Free(h)

	require.Panics(t, func() {
		pool.Free(h)
	})
	require.Panics(t, func() {
		pool.Get(h)
	})
	require.Panics(t, func() {
		pool.Get(list.NoHandle)
	})
}
