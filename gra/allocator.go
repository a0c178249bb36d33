package gra

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/gra/internal/devicemem"
	"github.com/vkngwrapper/gpumem/gra/internal/utils"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/native"
)

// memoryTypeData holds every block and own allocation of one memory type. blocksMutex covers
// both block lists and hasEmptyBlock, so that the single empty block a type may keep can live
// in either list.
type memoryTypeData struct {
	blocksMutex        utils.OptionalRWMutex
	preferredBlockSize int
	blockLists         [blockVectorTypeCount]*memoryBlockList
	hasEmptyBlock      bool

	ownAllocations ownAllocationList
}

// Allocator sub-allocates resources out of large native allocations. It keeps a list of blocks
// per memory type, and gives resources that are too large to share a block their own native
// allocation.
type Allocator struct {
	useMutex    bool
	logger      *slog.Logger
	createFlags CreateFlags
	debug       DebugOptions
	globalMutex utils.OptionalMutex

	preferredLargeHeapBlockSize int
	preferredSmallHeapBlockSize int
	smallHeapMaxSize            int
	ownMemoryThresholdDivisor   int
	blockSizeBackoffSteps       int

	deviceMemory           *devicemem.DeviceMemoryProperties
	memoryTypes            *MemoryTypeTable
	bufferImageGranularity int
	metadataOptions        metadata.Options

	nextAllocationID atomic.Uint64
	memoryTypeData   []memoryTypeData
}

// MemoryTypes returns the table used to resolve resources to memory types
func (a *Allocator) MemoryTypes() *MemoryTypeTable {
	return a.memoryTypes
}

// MemoryProperties returns the memory layout reported by the native provider
func (a *Allocator) MemoryProperties() *native.MemoryProperties {
	return a.deviceMemory.MemoryProperties()
}

// PreferredBlockSize returns the size of new blocks created for a memory type
func (a *Allocator) PreferredBlockSize(memoryTypeIndex int) int {
	return a.memoryTypeData[memoryTypeIndex].preferredBlockSize
}

func (a *Allocator) isCorruptionDetectionEnabled(memoryTypeIndex int) bool {
	return a.debug.Margin > 0 && a.deviceMemory.IsMemoryTypeHostVisible(memoryTypeIndex)
}

func (a *Allocator) cacheMode(memoryTypeIndex int) native.CacheMode {
	flags := a.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags
	if flags&native.MemoryPropertyHostVisible != 0 && flags&native.MemoryPropertyHostCached == 0 {
		return native.CacheModeWriteCombined
	}

	return native.CacheModeDefault
}

// AllocateMemory allocates memory for a resource with the given requirements. The memory type
// is chosen by looking up suballocType and createInfo.Usage in the allocator's MemoryTypeTable.
//
// Errors can be matched with errors.Is against ErrNoCompatibleMemoryType, ErrOutOfDeviceMemory,
// ErrInvalidFlags and ErrNeverAllocate.
func (a *Allocator) AllocateMemory(memoryRequirements MemoryRequirements, createInfo AllocationCreateInfo, suballocType metadata.SuballocationType) (*Allocation, error) {
	a.globalMutex.Lock()
	defer a.globalMutex.Unlock()

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::AllocateMemory",
		slog.Int("Size", memoryRequirements.Size),
		slog.Uint64("Alignment", uint64(memoryRequirements.Alignment)),
		slog.String("Usage", createInfo.Usage.String()),
		slog.String("SuballocationType", suballocType.String()),
		slog.String("Flags", createInfo.Flags.String()),
	)

	if memoryRequirements.Size <= 0 {
		return nil, errors.Newf("invalid allocation size %d", memoryRequirements.Size)
	}
	if suballocType == metadata.SuballocationFree {
		return nil, errors.New("attempted to allocate memory with the free suballocation type")
	}

	alignment := memoryRequirements.Alignment
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "MemoryRequirements.Alignment")
	if err != nil {
		return nil, err
	}

	if createInfo.Flags&AllocationCreateOwnMemory != 0 && createInfo.Flags&AllocationCreateNeverAllocate != 0 {
		return nil, errors.WithStack(ErrInvalidFlags)
	}

	memoryTypeIndex, ok := a.memoryTypes.Lookup(suballocType, createInfo.Usage)
	if !ok {
		return nil, errors.Wrapf(ErrNoCompatibleMemoryType, "usage %s, suballocation type %s", createInfo.Usage, suballocType)
	}

	alloc, err := a.allocateMemoryOfType(memoryRequirements.Size, alignment, &createInfo, memoryTypeIndex, suballocType)
	if err != nil {
		a.logger.Debug("  AllocateMemory FAILED", slog.Any("error", err))
		return nil, err
	}

	return alloc, nil
}

// AllocateMemoryForBuffer allocates memory for a buffer
func (a *Allocator) AllocateMemoryForBuffer(memoryRequirements MemoryRequirements, createInfo AllocationCreateInfo) (*Allocation, error) {
	return a.AllocateMemory(memoryRequirements, createInfo, metadata.SuballocationBuffer)
}

// AllocateMemoryForImage allocates memory for an image with the given tiling
func (a *Allocator) AllocateMemoryForImage(memoryRequirements MemoryRequirements, createInfo AllocationCreateInfo, tiling ImageTiling) (*Allocation, error) {
	suballocType := metadata.SuballocationImageOptimal
	if tiling == ImageTilingLinear {
		suballocType = metadata.SuballocationImageLinear
	}

	return a.AllocateMemory(memoryRequirements, createInfo, suballocType)
}

func (a *Allocator) allocateMemoryOfType(
	size int,
	alignment uint,
	createInfo *AllocationCreateInfo,
	memoryTypeIndex int,
	suballocType metadata.SuballocationType,
) (*Allocation, error) {
	a.logger.Debug("Allocator::allocateMemoryOfType", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("Size", size))

	typeData := &a.memoryTypeData[memoryTypeIndex]
	neverAllocate := createInfo.Flags&AllocationCreateNeverAllocate != 0

	if a.isCorruptionDetectionEnabled(memoryTypeIndex) {
		size = memutils.AlignUp(size, 4)
		alignment = uint(memutils.AlignUp(int(alignment), 4))
	}

	// Persistent mapping is quietly ignored for memory the host can't see
	persistentMap := createInfo.Flags&AllocationCreatePersistentMap != 0 &&
		a.deviceMemory.IsMemoryTypeHostVisible(memoryTypeIndex)
	blockVectorType := BlockVectorTypeUnmapped
	if persistentMap {
		blockVectorType = BlockVectorTypeMapped
	}

	preferOwnMemory := createInfo.Flags&AllocationCreateOwnMemory != 0 ||
		a.debug.AlwaysOwnMemory ||
		!a.deviceMemory.CanSuballocate(memoryTypeIndex) ||
		(!neverAllocate && size > typeData.preferredBlockSize/a.ownMemoryThresholdDivisor)

	if preferOwnMemory {
		if neverAllocate {
			return nil, errors.Wrapf(ErrNeverAllocate, "allocating %d bytes from memory type %d", size, memoryTypeIndex)
		}

		alloc, err := a.allocateOwnMemory(size, alignment, createInfo, memoryTypeIndex, persistentMap, suballocType)
		if err != nil {
			return nil, a.outOfMemory(err, size, memoryTypeIndex)
		}

		a.logger.Debug("  Allocated as OwnMemory")
		return alloc, nil
	}

	alloc, err := a.allocateFromBlocks(typeData, blockVectorType, size, alignment, createInfo, suballocType, neverAllocate)
	if err != nil {
		return nil, err
	} else if alloc != nil {
		return alloc, nil
	}

	if neverAllocate {
		return nil, errors.Wrapf(ErrOutOfDeviceMemory,
			"no existing block of memory type %d can hold %d bytes, and AllocationCreateNeverAllocate was specified",
			memoryTypeIndex, size)
	}

	// Every block size we were willing to try failed, so try a native allocation sized to the request
	alloc, err = a.allocateOwnMemory(size, alignment, createInfo, memoryTypeIndex, persistentMap, suballocType)
	if err != nil {
		return nil, a.outOfMemory(err, size, memoryTypeIndex)
	}

	a.logger.Debug("  Allocated as OwnMemory")
	return alloc, nil
}

func (a *Allocator) outOfMemory(err error, size int, memoryTypeIndex int) error {
	return errors.Mark(
		errors.Wrapf(err, "allocating %d bytes from memory type %d", size, memoryTypeIndex),
		ErrOutOfDeviceMemory,
	)
}

// allocateFromBlocks tries to place an allocation in an existing block, and then in a new block.
// It returns a nil allocation and a nil error if neither succeeded.
func (a *Allocator) allocateFromBlocks(
	typeData *memoryTypeData,
	blockVectorType BlockVectorType,
	size int,
	alignment uint,
	createInfo *AllocationCreateInfo,
	suballocType metadata.SuballocationType,
	neverAllocate bool,
) (*Allocation, error) {
	typeData.blocksMutex.Lock()
	defer typeData.blocksMutex.Unlock()

	blockList := typeData.blockLists[blockVectorType]

	// Blocks are kept roughly sorted from fullest to emptiest, so the first fit is the tightest
	for _, block := range blockList.blocks {
		wasEmpty := block.metadata.IsEmpty()

		alloc, err := a.allocateFromBlock(block, size, alignment, createInfo, suballocType)
		if err != nil {
			return nil, err
		} else if alloc != nil {
			// The held empty block is in use again. A block made by createBlock below is never
			// the held one, so only this path clears the flag.
			if wasEmpty {
				typeData.hasEmptyBlock = false
			}

			a.logger.Debug("  Returned from existing block", slog.Int("block.id", block.id))
			return alloc, nil
		}
	}

	if neverAllocate {
		return nil, nil
	}

	block := a.createBlock(typeData, blockList, size)
	if block == nil {
		return nil, nil
	}

	alloc, err := a.allocateFromBlock(block, size, alignment, createInfo, suballocType)
	if err != nil || alloc == nil {
		// The new block is empty: keep it only if it is the memory type's one empty block
		if typeData.hasEmptyBlock {
			blockList.Remove(block)
			destroyErr := block.Destroy()
			if destroyErr != nil {
				panic(fmt.Sprintf("unexpected error when destroying an empty block: %+v", destroyErr))
			}
		} else {
			typeData.hasEmptyBlock = true
		}

		return nil, err
	}

	a.logger.Debug("  Created new block", slog.Int("block.id", block.id), slog.Int("Size", block.metadata.Size()))
	return alloc, nil
}

// createBlock makes a new block for blockList at the preferred block size, halving the size after
// every failure for up to blockSizeBackoffSteps attempts as long as the block would still hold
// the allocation. It returns nil if no block could be made.
func (a *Allocator) createBlock(typeData *memoryTypeData, blockList *memoryBlockList, allocSize int) *memoryBlock {
	blockSize := typeData.preferredBlockSize

	for step := 0; step <= a.blockSizeBackoffSteps; step++ {
		if step > 0 {
			if blockSize/2 < allocSize {
				break
			}
			blockSize /= 2
		}

		block, err := a.allocateBlock(blockList, blockSize)
		if err == nil {
			blockList.Append(block)
			return block
		}

		a.logger.Debug("  Failed to create block",
			slog.Int("MemoryTypeIndex", blockList.memoryTypeIndex),
			slog.Int("BlockSize", blockSize),
			slog.Any("error", err),
		)
	}

	return nil
}

func (a *Allocator) allocateBlock(blockList *memoryBlockList, blockSize int) (*memoryBlock, error) {
	memoryTypeIndex := blockList.memoryTypeIndex

	memory, err := a.deviceMemory.AllocateMemory(native.AllocateInfo{
		Size:            blockSize,
		MemoryTypeIndex: memoryTypeIndex,
		CacheMode:       a.cacheMode(memoryTypeIndex),
	})
	if err != nil {
		return nil, err
	}

	syncMemory := devicemem.NewSynchronizedMemory(a.deviceMemory, memory, blockSize, a.useMutex)

	persistentMap := blockList.blockVectorType == BlockVectorTypeMapped
	if persistentMap {
		_, err = syncMemory.Map(1)
		if err != nil {
			syncMemory.Free(memoryTypeIndex)
			return nil, err
		}
	}

	block := &memoryBlock{}
	block.Init(
		a.logger,
		memoryTypeIndex,
		blockList.blockVectorType,
		syncMemory,
		blockSize,
		blockList.NextBlockID(),
		persistentMap,
		a.metadataOptions,
	)

	return block, nil
}

// allocateFromBlock places an allocation in block. It returns a nil allocation and a nil error if
// the block has no room. The caller must hold the memory type's blocksMutex.
func (a *Allocator) allocateFromBlock(
	block *memoryBlock,
	size int,
	alignment uint,
	createInfo *AllocationCreateInfo,
	suballocType metadata.SuballocationType,
) (*Allocation, error) {
	found, request := block.metadata.CreateAllocationRequest(a.bufferImageGranularity, size, alignment, suballocType)
	if !found {
		return nil, nil
	}

	alloc := &Allocation{}
	alloc.initBlockAllocation(a, a.nextAllocationID.Add(1), block, request.Offset, size, alignment, suballocType, createInfo)

	err := block.metadata.Alloc(request, suballocType, size, alloc)
	if err != nil {
		return nil, err
	}
	memutils.DebugValidate(block)

	if a.isCorruptionDetectionEnabled(block.memoryTypeIndex) {
		err = block.WriteMagicValueAfterAllocation(request.Offset, size, a.debug.Margin)
		if err != nil {
			freeErr := block.metadata.Free(request.Offset)
			if freeErr != nil {
				panic(fmt.Sprintf("unexpected error when rolling back an allocation: %+v", freeErr))
			}
			return nil, err
		}
	}

	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(block.memoryTypeIndex)
	a.deviceMemory.AddAllocation(heapIndex, size)

	return alloc, nil
}

func (a *Allocator) allocateOwnMemory(
	size int,
	alignment uint,
	createInfo *AllocationCreateInfo,
	memoryTypeIndex int,
	persistentMap bool,
	suballocType metadata.SuballocationType,
) (*Allocation, error) {
	memory, err := a.deviceMemory.AllocateMemory(native.AllocateInfo{
		Size:            size,
		MemoryTypeIndex: memoryTypeIndex,
		CacheMode:       a.cacheMode(memoryTypeIndex),
	})
	if err != nil {
		return nil, err
	}

	syncMemory := devicemem.NewSynchronizedMemory(a.deviceMemory, memory, size, a.useMutex)
	if persistentMap {
		_, err = syncMemory.Map(1)
		if err != nil {
			syncMemory.Free(memoryTypeIndex)
			return nil, err
		}
	}

	alloc := &Allocation{}
	alloc.initOwnAllocation(a, a.nextAllocationID.Add(1), memoryTypeIndex, syncMemory, persistentMap, size, alignment, suballocType, createInfo)

	a.memoryTypeData[memoryTypeIndex].ownAllocations.Register(alloc)

	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	a.deviceMemory.AddAllocation(heapIndex, size)

	return alloc, nil
}

// FreeMemory returns an allocation's memory to the allocator. Blocks left empty are kept around,
// one per memory type, to absorb the next allocation without a native allocation.
func (a *Allocator) FreeMemory(alloc *Allocation) error {
	if alloc == nil || alloc.payload == nil {
		return errors.WithStack(ErrAllocationFreed)
	}

	a.globalMutex.Lock()
	defer a.globalMutex.Unlock()

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::FreeMemory",
		slog.Uint64("allocation.id", alloc.id),
		slog.String("Type", alloc.Type().String()),
		slog.Int("Size", alloc.size),
	)

	alloc.releaseMappings()

	switch payload := alloc.payload.(type) {
	case *blockPayload:
		a.freeBlockAllocation(alloc, payload)
	case *ownPayload:
		a.freeOwnMemory(alloc, payload)
	}

	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(alloc.memoryTypeIndex)
	a.deviceMemory.RemoveAllocation(heapIndex, alloc.size)

	alloc.payload = nil
	return nil
}

func (a *Allocator) freeBlockAllocation(alloc *Allocation, payload *blockPayload) {
	block := payload.block
	typeData := &a.memoryTypeData[block.memoryTypeIndex]

	if a.isCorruptionDetectionEnabled(block.memoryTypeIndex) {
		err := block.ValidateMagicValueAfterAllocation(payload.blockOffset, alloc.size, a.debug.Margin)
		if err != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to validate the debug margin of a freed allocation",
				slog.Uint64("allocation.id", alloc.id),
				slog.Any("error", err),
			)
		}
	}

	var blockToDelete *memoryBlock

	func() {
		typeData.blocksMutex.Lock()
		defer typeData.blocksMutex.Unlock()

		blockList := typeData.blockLists[block.blockVectorType]

		err := block.metadata.Free(payload.blockOffset)
		if err != nil {
			panic(fmt.Sprintf("failed to free allocation %d from block %d: %+v", alloc.id, block.id, err))
		}
		memutils.DebugValidate(block)

		if block.metadata.IsEmpty() {
			if typeData.hasEmptyBlock {
				blockList.Remove(block)
				blockToDelete = block
			} else {
				typeData.hasEmptyBlock = true
			}
		}

		blockList.IncrementallySortBlocks()
	}()

	// Destruction of the native memory happens outside the lock
	if blockToDelete != nil {
		a.logger.Debug("    Deleted empty block", slog.Int("block.id", blockToDelete.id))

		err := blockToDelete.Destroy()
		if err != nil {
			panic(fmt.Sprintf("unexpected error when destroying an empty block: %+v", err))
		}
	}
}

func (a *Allocator) freeOwnMemory(alloc *Allocation, payload *ownPayload) {
	a.memoryTypeData[alloc.memoryTypeIndex].ownAllocations.Unregister(alloc)
	payload.memory.Free(alloc.memoryTypeIndex)

	a.logger.Debug("    Freed OwnMemory", slog.Int("MemoryTypeIndex", alloc.memoryTypeIndex))
}

// Validate checks the internal consistency of every block and own allocation list
func (a *Allocator) Validate() error {
	a.globalMutex.Lock()
	defer a.globalMutex.Unlock()

	for memoryTypeIndex := range a.memoryTypeData {
		err := a.validateMemoryType(memoryTypeIndex)
		if err != nil {
			return errors.Wrapf(err, "memory type %d", memoryTypeIndex)
		}
	}

	return nil
}

func (a *Allocator) validateMemoryType(memoryTypeIndex int) error {
	typeData := &a.memoryTypeData[memoryTypeIndex]

	typeData.blocksMutex.RLock()
	defer typeData.blocksMutex.RUnlock()

	emptyBlocks := 0
	for _, blockList := range typeData.blockLists {
		err := blockList.Validate()
		if err != nil {
			return err
		}
		emptyBlocks += blockList.EmptyBlockCount()
	}

	if emptyBlocks > 1 {
		return errors.Newf("memory type has %d empty blocks, but only one may be kept", emptyBlocks)
	}
	if typeData.hasEmptyBlock != (emptyBlocks == 1) {
		return errors.Newf("memory type has %d empty blocks, but hasEmptyBlock is %t", emptyBlocks, typeData.hasEmptyBlock)
	}

	return typeData.ownAllocations.Validate()
}

// CheckCorruption verifies the debug margin after every allocation in every host-visible block.
// ErrCorruptionDetectionDisabled is returned if DebugOptions.Margin is 0.
func (a *Allocator) CheckCorruption() error {
	a.logger.Debug("Allocator::CheckCorruption")

	if a.debug.Margin == 0 {
		return errors.WithStack(ErrCorruptionDetectionDisabled)
	}

	a.globalMutex.Lock()
	defer a.globalMutex.Unlock()

	for memoryTypeIndex := range a.memoryTypeData {
		if !a.isCorruptionDetectionEnabled(memoryTypeIndex) {
			continue
		}

		err := a.checkMemoryTypeCorruption(memoryTypeIndex)
		if err != nil {
			return err
		}
	}

	return nil
}

func (a *Allocator) checkMemoryTypeCorruption(memoryTypeIndex int) error {
	typeData := &a.memoryTypeData[memoryTypeIndex]

	typeData.blocksMutex.RLock()
	defer typeData.blocksMutex.RUnlock()

	for _, blockList := range typeData.blockLists {
		err := blockList.CheckCorruption()
		if err != nil {
			return err
		}
	}

	return nil
}

// HeapStatistics returns the running native allocation and suballocation totals for each heap
func (a *Allocator) HeapStatistics() []memutils.Statistics {
	stats := make([]memutils.Statistics, a.deviceMemory.MemoryHeapCount())
	a.deviceMemory.HeapStatistics(0, stats)
	return stats
}

// Destroy frees every block and own allocation. If any allocation was never freed, it is logged
// at error level and an error is returned, but every native allocation without live
// suballocations is still released.
func (a *Allocator) Destroy() error {
	a.globalMutex.Lock()
	defer a.globalMutex.Unlock()

	a.logger.Debug("Allocator::Destroy")

	var err error
	for memoryTypeIndex := range a.memoryTypeData {
		typeData := &a.memoryTypeData[memoryTypeIndex]
		memutils.DebugValidate(&typeData.ownAllocations)

		for _, alloc := range typeData.ownAllocations.Drain() {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed own allocation",
				slog.Int("memoryTypeIndex", memoryTypeIndex),
				slog.Uint64("allocation.id", alloc.id),
				slog.Int("size", alloc.size),
				slog.Any("userData", alloc.userData),
				slog.String("name", alloc.name),
			)
			err = errors.CombineErrors(err, errors.Newf("own allocation %d of memory type %d was not freed", alloc.id, memoryTypeIndex))

			alloc.releaseMappings()
			alloc.payload.(*ownPayload).memory.Free(memoryTypeIndex)
			alloc.payload = nil
		}

		typeData.blocksMutex.Lock()
		for _, blockList := range typeData.blockLists {
			err = errors.CombineErrors(err, blockList.Destroy())
		}
		typeData.hasEmptyBlock = false
		typeData.blocksMutex.Unlock()
	}

	return err
}
