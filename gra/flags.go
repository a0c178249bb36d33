package gra

import "github.com/vkngwrapper/core/v2/common"

// AllocationCreateFlags exposes several options for allocation behavior that can be applied.
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateOwnMemory instructs the allocator to give this allocation its own native
	// allocation instead of placing it in a shared block
	AllocationCreateOwnMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate instructs the allocator to only try to allocate from existing
	// blocks and never make a new native allocation
	//
	// If the allocation cannot be placed in any of the existing blocks, allocation fails with
	// ErrOutOfDeviceMemory. It cannot be combined with AllocationCreateOwnMemory.
	AllocationCreateNeverAllocate
	// AllocationCreatePersistentMap instructs the allocator to place the allocation in memory that
	// stays mapped for its entire lifetime. The pointer is available via Allocation.MappedData.
	//
	// It is valid to use this flag for an allocation made from a memory type that is not host
	// visible. The flag is then ignored and the memory is not mapped.
	AllocationCreatePersistentMap
)

func init() {
	AllocationCreateOwnMemory.Register("AllocationCreateOwnMemory")
	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreatePersistentMap.Register("AllocationCreatePersistentMap")
}

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}
