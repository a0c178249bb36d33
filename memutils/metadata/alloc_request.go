package metadata

import "github.com/vkngwrapper/gpumem/memutils/list"

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and indicates where the
// metadata intends to place a new allocation. It can be committed with BlockMetadata.Alloc as long
// as the block has not been modified in the meantime.
type AllocationRequest struct {
	// FreeSuballocation is the free region the allocation will be carved out of
	FreeSuballocation list.Handle
	// Offset is the resolved offset of the allocation from the start of the block, after margins,
	// alignment and page conflicts have been applied
	Offset int
}
