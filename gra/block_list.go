package gra

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpumem/memutils"
)

// memoryBlockList is the vector of blocks for one memory type and one mapping bucket. It is
// guarded by the owning memoryTypeData's blocksMutex.
type memoryBlockList struct {
	logger          *slog.Logger
	memoryTypeIndex int
	blockVectorType BlockVectorType

	nextBlockID int
	blocks      []*memoryBlock
}

func newMemoryBlockList(logger *slog.Logger, memoryTypeIndex int, blockVectorType BlockVectorType) *memoryBlockList {
	return &memoryBlockList{
		logger:          logger,
		memoryTypeIndex: memoryTypeIndex,
		blockVectorType: blockVectorType,
	}
}

func (l *memoryBlockList) BlockCount() int { return len(l.blocks) }

func (l *memoryBlockList) IsEmpty() bool {
	return len(l.blocks) == 0
}

// NextBlockID reserves an id for a block that is about to be appended
func (l *memoryBlockList) NextBlockID() int {
	id := l.nextBlockID
	l.nextBlockID++
	return id
}

func (l *memoryBlockList) Append(block *memoryBlock) {
	l.blocks = append(l.blocks, block)
}

func (l *memoryBlockList) Remove(block *memoryBlock) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex] == block {
			l.blocks = append(l.blocks[0:blockIndex], l.blocks[blockIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a block from a block list that did not belong to it")
}

// IncrementallySortBlocks performs a single bubble-sort pass by ascending free size, stopping at
// the first swap. Repeated calls converge on a sorted list without paying for a full sort on
// every free.
func (l *memoryBlockList) IncrementallySortBlocks() {
	for i := 1; i < len(l.blocks); i++ {
		if l.blocks[i-1].metadata.SumFreeSize() > l.blocks[i].metadata.SumFreeSize() {
			l.blocks[i-1], l.blocks[i] = l.blocks[i], l.blocks[i-1]
			return
		}
	}
}

// EmptyBlockCount returns the number of blocks with no live allocations
func (l *memoryBlockList) EmptyBlockCount() int {
	count := 0
	for _, block := range l.blocks {
		if block.metadata.IsEmpty() {
			count++
		}
	}
	return count
}

func (l *memoryBlockList) AddStatInfo(stats *memutils.StatInfo) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatInfo(stats)
	}
}

func (l *memoryBlockList) Validate() error {
	for blockIndex, block := range l.blocks {
		if block == nil {
			return errors.Errorf("block list for memory type %d contains a nil block at index %d", l.memoryTypeIndex, blockIndex)
		}
		if block.memoryTypeIndex != l.memoryTypeIndex || block.blockVectorType != l.blockVectorType {
			return errors.Errorf("block %d belongs to memory type %d/%s but is in the list for %d/%s",
				block.id, block.memoryTypeIndex, block.blockVectorType, l.memoryTypeIndex, l.blockVectorType)
		}

		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "block %d", block.id)
		}
	}

	return nil
}

func (l *memoryBlockList) PrintDetailedMap(json jwriter.ObjectState) {
	for _, block := range l.blocks {
		blockObj := json.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("MapReferences").Int(block.memory.References())
		blockObj.Name("PersistentMap").Bool(block.persistentMap)
		block.metadata.BlockJsonData(blockObj)

		blockObj.End()
	}
}

// CheckCorruption validates the debug margin after every allocation in every block
func (l *memoryBlockList) CheckCorruption() error {
	for _, block := range l.blocks {
		err := block.CheckCorruption()
		if err != nil {
			return errors.Wrapf(err, "memory type %d block %d", l.memoryTypeIndex, block.id)
		}
	}

	return nil
}

func (l *memoryBlockList) Destroy() error {
	var leaked error
	for _, block := range l.blocks {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "BlockList::Destroy",
			slog.Int("memoryTypeIndex", l.memoryTypeIndex),
			slog.String("blockVectorType", l.blockVectorType.String()),
			slog.Int("block.id", block.id),
		)

		err := block.Destroy()
		if err != nil && leaked == nil {
			leaked = err
		}
	}
	l.blocks = nil
	return leaked
}
