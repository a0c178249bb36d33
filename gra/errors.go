package gra

import "github.com/cockroachdb/errors"

var (
	// ErrNoCompatibleMemoryType is returned when the MemoryTypeTable has no memory type for the
	// requested usage and suballocation type
	ErrNoCompatibleMemoryType = errors.New("no compatible memory type")
	// ErrOutOfDeviceMemory is returned when neither an existing block, a new block, nor an own
	// allocation could satisfy a request
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	// ErrInvalidFlags is returned when AllocationCreateOwnMemory and AllocationCreateNeverAllocate
	// are combined
	ErrInvalidFlags = errors.New("AllocationCreateOwnMemory and AllocationCreateNeverAllocate cannot be specified together")
	// ErrNeverAllocate is returned when an allocation requires its own native memory but
	// AllocationCreateNeverAllocate was specified
	ErrNeverAllocate = errors.New("allocation requires its own memory, but AllocationCreateNeverAllocate was specified")
	// ErrAllocationFreed is returned when operating on an allocation that was already freed
	ErrAllocationFreed = errors.New("allocation has already been freed")
	// ErrNotMappable is returned when mapping an allocation whose memory is not host visible
	ErrNotMappable = errors.New("allocation memory is not host visible")
	// ErrCorruptionDetectionDisabled is returned by CheckCorruption when no debug margin is configured
	ErrCorruptionDetectionDisabled = errors.New("corruption detection is disabled: DebugOptions.Margin is 0")
)
