package gra

import (
	"context"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpumem/gra/internal/devicemem"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
)

// memoryBlock is one native allocation, subdivided among many resources by its metadata
type memoryBlock struct {
	id              int
	memory          *devicemem.SynchronizedMemory
	memoryTypeIndex int
	blockVectorType BlockVectorType
	persistentMap   bool
	logger          *slog.Logger

	metadata *metadata.BlockMetadata
}

func (b *memoryBlock) Init(
	logger *slog.Logger,
	newMemoryTypeIndex int,
	blockVectorType BlockVectorType,
	newMemory *devicemem.SynchronizedMemory,
	newSize int,
	id int,
	persistentMap bool,
	metadataOptions metadata.Options,
) {
	if b.memory != nil {
		panic("attempting to initialize a memory block that is already in use")
	}

	b.memoryTypeIndex = newMemoryTypeIndex
	b.blockVectorType = blockVectorType
	b.id = id
	b.memory = newMemory
	b.persistentMap = persistentMap
	b.logger = logger

	b.metadata = metadata.NewBlockMetadata(metadataOptions)
	b.metadata.Init(newSize)
}

// MappedData returns the start of the block's persistent mapping, or nil if the block is
// not persistently mapped
func (b *memoryBlock) MappedData() unsafe.Pointer {
	if !b.persistentMap {
		return nil
	}
	return b.memory.MappedData()
}

func (b *memoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		// Log all remaining allocations
		err := b.metadata.VisitAllRegions(func(offset int, size int, suballocType metadata.SuballocationType, userData any) error {
			if suballocType == metadata.SuballocationFree {
				return nil
			}

			b.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Errorf("%d allocations were not freed before the destruction of memory block %d",
			b.metadata.AllocationCount(), b.id)
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing native memory handle")
	}

	b.memory.Free(b.memoryTypeIndex)

	b.memory = nil
	b.metadata = nil
	return nil
}

func (b *memoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	allocation := userData.(*Allocation)
	name := allocation.Name()
	if name == "" {
		name = "empty"
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("block.id", b.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", allocation.UserData()),
		slog.String("name", name),
	)
}

func (b *memoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}
	if b.persistentMap && b.memory.MappedData() == nil {
		return errors.Errorf("memory block %d is persistently mapped but has no mapped data", b.id)
	}

	err := b.metadata.VisitAllRegions(func(offset, size int, suballocType metadata.SuballocationType, userData any) error {
		allocation, isAllocation := userData.(*Allocation)
		free := suballocType == metadata.SuballocationFree
		if free && isAllocation {
			return errors.Errorf("an allocation at offset %d is marked as free but contains an allocation object", offset)
		} else if !free && (!isAllocation || allocation == nil) {
			return errors.Errorf("an allocation at offset %d is marked as allocated but has no allocation object", offset)
		} else if !free && allocation.Offset() != offset {
			return errors.Errorf("the allocation at offset %d believes its offset is %d", offset, allocation.Offset())
		}

		return nil
	})

	if err != nil {
		return err
	}

	return b.metadata.Validate()
}

func (b *memoryBlock) CheckCorruption() (err error) {
	data, err := b.memory.Map(1)
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.memory.Unmap(1)
		if err == nil && unmapErr != nil {
			err = unmapErr
		}
	}()

	return b.metadata.CheckCorruption(data)
}

func (b *memoryBlock) WriteMagicValueAfterAllocation(allocOffset, allocSize, margin int) (err error) {
	if margin == 0 {
		return errors.New("attempting to write a debug margin block outside debug mode")
	} else if margin%4 != 0 {
		panic(fmt.Sprintf("invalid debug margin: debug margin %d must be a multiple of 4", margin))
	}

	// There is no margin after the last allocation of a block
	if allocOffset+allocSize+margin > b.metadata.Size() {
		return nil
	}

	data, err := b.memory.Map(1)
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.memory.Unmap(1)
		if err == nil && unmapErr != nil {
			err = unmapErr
		}
	}()

	memutils.WriteMagicValue(data, allocOffset+allocSize, margin)

	return nil
}

func (b *memoryBlock) ValidateMagicValueAfterAllocation(allocOffset, allocSize, margin int) (err error) {
	if margin == 0 {
		panic("attempting to validate a debug margin block outside debug mode")
	} else if margin%4 != 0 {
		panic(fmt.Sprintf("invalid debug margin: debug margin %d must be a multiple of 4", margin))
	}

	if allocOffset+allocSize+margin > b.metadata.Size() {
		return nil
	}

	data, err := b.memory.Map(1)
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.memory.Unmap(1)
		if err == nil && unmapErr != nil {
			err = unmapErr
		}
	}()

	if !memutils.ValidateMagicValue(data, allocOffset+allocSize, margin) {
		panic(fmt.Sprintf("MEMORY CORRUPTION DETECTED AFTER FREED ALLOCATION at offset %d of block %d", allocOffset, b.id))
	}

	return nil
}
