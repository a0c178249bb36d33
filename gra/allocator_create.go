package gra

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/gra/internal/devicemem"
	"github.com/vkngwrapper/gpumem/gra/internal/utils"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/native"
)

const (
	// DefaultLargeHeapBlockSize is the value that is used as the PreferredLargeHeapBlockSize when none
	// is provided via CreateOptions. It is equal to 256Mb.
	DefaultLargeHeapBlockSize int = 256 * 1024 * 1024
	// DefaultSmallHeapBlockSize is the value that is used as the PreferredSmallHeapBlockSize when none
	// is provided via CreateOptions. It is equal to 64Mb.
	DefaultSmallHeapBlockSize int = 64 * 1024 * 1024
	// DefaultSmallHeapMaxSize is the largest heap that is considered small when no SmallHeapMaxSize
	// is provided via CreateOptions. It is equal to 512Mb.
	DefaultSmallHeapMaxSize int = 512 * 1024 * 1024

	// DefaultOwnMemoryThresholdDivisor places allocations larger than half the preferred block
	// size in their own memory
	DefaultOwnMemoryThresholdDivisor int = 2
	// DefaultBlockSizeBackoffSteps allows new blocks to be tried at full, half and quarter size
	DefaultBlockSizeBackoffSteps int = 2
)

// DebugOptions are settings that trade performance for easier diagnosis of memory problems
type DebugOptions struct {
	// AlwaysOwnMemory gives every allocation its own native allocation
	AlwaysOwnMemory bool
	// Alignment is an alignment floor applied to every allocation within a block. It must be a
	// power of two.
	Alignment uint
	// Margin is a number of guard bytes placed between allocations within a block. It must be a
	// multiple of 4. In host-visible memory, a marker is written into the margin after every
	// allocation and verified when the allocation is freed and by Allocator.CheckCorruption.
	Margin int
	// GlobalMutex serializes every allocator entry point with a single mutex
	GlobalMutex bool
}

// CreateOptions contains optional settings when creating an allocator. It is valid to leave all
// the fields blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// PreferredLargeHeapBlockSize is the block size to use when allocating from heaps larger
	// than SmallHeapMaxSize
	PreferredLargeHeapBlockSize int
	// PreferredSmallHeapBlockSize is the block size to use when allocating from heaps no larger
	// than SmallHeapMaxSize
	PreferredSmallHeapBlockSize int
	// SmallHeapMaxSize is the size of the largest heap that uses PreferredSmallHeapBlockSize
	SmallHeapMaxSize int

	// MemoryTypes resolves resources to memory types. If it is nil, NewMemoryTypeTable is used
	// to build one from the provider's memory properties.
	MemoryTypes *MemoryTypeTable
	// Strategy selects how free regions of a block are searched
	Strategy metadata.AllocationStrategy
	// MinBufferImageGranularity is a floor applied to the provider's buffer-image granularity
	MinBufferImageGranularity int
	// MinFreeSuballocationSizeToRegister is the smallest free region of a block that will be
	// considered for new allocations
	MinFreeSuballocationSizeToRegister int

	Debug DebugOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps reported by the
	// native provider. Each entry must be either the maximum number of bytes that should
	// be allocated from the corresponding heap, or -1 indicating no limit.
	//
	// Heap memory limits will be enforced at runtime (the allocator will go so far as to
	// return an out of memory error when attempting to allocate beyond the limit).
	HeapSizeLimits []int

	// MemoryCallbacks is an optional set of callbacks that will be executed when native memory
	// is allocated or freed by this allocator
	MemoryCallbacks *MemoryCallbackOptions

	// OwnMemoryThresholdDivisor places allocations larger than the preferred block size divided
	// by this value in their own memory
	OwnMemoryThresholdDivisor int
	// BlockSizeBackoffSteps is the number of times the size of a new block is halved when the
	// native allocation fails before falling back to own memory. -1 disables back-off.
	BlockSizeBackoffSteps int
}

// New creates a new Allocator
//
// logger - Allocation traces are logged at debug level and leaked memory at error level
//
// provider - The backend that native memory will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, provider native.Provider, options CreateOptions) (*Allocator, error) {
	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	if options.Debug.Margin < 0 || options.Debug.Margin%4 != 0 {
		return nil, errors.Newf("invalid debug margin: debug margin %d must be a non-negative multiple of 4", options.Debug.Margin)
	}

	if options.Debug.Alignment == 0 {
		options.Debug.Alignment = 1
	}
	err := memutils.CheckPow2(options.Debug.Alignment, "gra.DebugOptions.Alignment")
	if err != nil {
		return nil, err
	}

	if options.MinBufferImageGranularity > 1 {
		err = memutils.CheckPow2(options.MinBufferImageGranularity, "gra.CreateOptions.MinBufferImageGranularity")
		if err != nil {
			return nil, err
		}
	}

	if options.Strategy != metadata.AllocationStrategyBestFit && options.Strategy != metadata.AllocationStrategyWorstFit {
		return nil, errors.Newf("unknown allocation strategy %d", options.Strategy)
	}

	allocator := &Allocator{
		useMutex:    useMutex,
		logger:      logger,
		createFlags: options.Flags,
		debug:       options.Debug,
		globalMutex: utils.OptionalMutex{UseMutex: options.Debug.GlobalMutex},

		preferredLargeHeapBlockSize: defaultIfZero(options.PreferredLargeHeapBlockSize, DefaultLargeHeapBlockSize),
		preferredSmallHeapBlockSize: defaultIfZero(options.PreferredSmallHeapBlockSize, DefaultSmallHeapBlockSize),
		smallHeapMaxSize:            defaultIfZero(options.SmallHeapMaxSize, DefaultSmallHeapMaxSize),
		ownMemoryThresholdDivisor:   defaultIfZero(options.OwnMemoryThresholdDivisor, DefaultOwnMemoryThresholdDivisor),
		blockSizeBackoffSteps:       defaultIfZero(options.BlockSizeBackoffSteps, DefaultBlockSizeBackoffSteps),
	}

	if allocator.ownMemoryThresholdDivisor < 1 {
		return nil, errors.Newf("invalid own memory threshold divisor %d: it must be at least 1", options.OwnMemoryThresholdDivisor)
	}
	if allocator.blockSizeBackoffSteps < 0 {
		allocator.blockSizeBackoffSteps = 0
	}

	allocator.deviceMemory, err = devicemem.NewDeviceMemoryProperties(
		provider,
		&nativeMemoryNotifier{
			options:   options.MemoryCallbacks,
			allocator: allocator,
		},
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	allocator.memoryTypes = options.MemoryTypes
	if allocator.memoryTypes == nil {
		allocator.memoryTypes = NewMemoryTypeTable(allocator.deviceMemory.MemoryProperties())
	}
	err = allocator.memoryTypes.validate(allocator.deviceMemory.MemoryTypeCount())
	if err != nil {
		return nil, err
	}

	allocator.bufferImageGranularity = allocator.deviceMemory.BufferImageGranularity()
	if options.MinBufferImageGranularity > allocator.bufferImageGranularity {
		allocator.bufferImageGranularity = options.MinBufferImageGranularity
	}

	allocator.metadataOptions = metadata.Options{
		Strategy:                           options.Strategy,
		MinFreeSuballocationSizeToRegister: options.MinFreeSuballocationSizeToRegister,
		DebugMargin:                        options.Debug.Margin,
		DebugAlignment:                     options.Debug.Alignment,
	}

	typeCount := allocator.deviceMemory.MemoryTypeCount()
	allocator.memoryTypeData = make([]memoryTypeData, typeCount)
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		data := &allocator.memoryTypeData[typeIndex]
		data.blocksMutex = utils.OptionalRWMutex{UseMutex: useMutex}
		data.preferredBlockSize = allocator.calculatePreferredBlockSize(typeIndex)

		for vectorType := BlockVectorTypeUnmapped; vectorType < blockVectorTypeCount; vectorType++ {
			data.blockLists[vectorType] = newMemoryBlockList(logger, typeIndex, vectorType)
		}

		data.ownAllocations.Init(useMutex)
	}

	logger.Debug("Allocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.Int("MemoryTypes", typeCount),
		slog.Int("BufferImageGranularity", allocator.bufferImageGranularity),
	)

	return allocator, nil
}

func defaultIfZero(value, defaultValue int) int {
	if value == 0 {
		return defaultValue
	}
	return value
}

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.deviceMemory.MemoryHeapProperties(heapIndex).Size
	if heapSize <= a.smallHeapMaxSize {
		return a.preferredSmallHeapBlockSize
	}

	return a.preferredLargeHeapBlockSize
}
