package gra

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
)

func testBlock(id int, size int) *memoryBlock {
	block := &memoryBlock{
		id:       id,
		metadata: metadata.NewBlockMetadata(metadata.Options{}),
	}
	block.metadata.Init(size)
	return block
}

func blockIDs(l *memoryBlockList) []int {
	var ids []int
	for _, block := range l.blocks {
		ids = append(ids, block.id)
	}
	return ids
}

func TestIncrementallySortBlocks(t *testing.T) {
	l := newMemoryBlockList(slog.New(slog.NewJSONHandler(io.Discard, nil)), 0, BlockVectorTypeUnmapped)
	l.Append(testBlock(0, 300))
	l.Append(testBlock(1, 100))
	l.Append(testBlock(2, 200))

	// Each call performs at most one swap
	l.IncrementallySortBlocks()
	require.Equal(t, []int{1, 0, 2}, blockIDs(l))

	l.IncrementallySortBlocks()
	require.Equal(t, []int{1, 2, 0}, blockIDs(l))

	l.IncrementallySortBlocks()
	require.Equal(t, []int{1, 2, 0}, blockIDs(l))
}

func TestBlockListRemove(t *testing.T) {
	l := newMemoryBlockList(slog.New(slog.NewJSONHandler(io.Discard, nil)), 0, BlockVectorTypeUnmapped)
	first := testBlock(l.NextBlockID(), 100)
	second := testBlock(l.NextBlockID(), 100)
	l.Append(first)
	l.Append(second)
	require.Equal(t, 2, l.BlockCount())
	require.Equal(t, 2, l.EmptyBlockCount())

	l.Remove(first)
	require.Equal(t, []int{1}, blockIDs(l))

	require.Panics(t, func() {
		l.Remove(first)
	})

	l.Remove(second)
	require.True(t, l.IsEmpty())
}
