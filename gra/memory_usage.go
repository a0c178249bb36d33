package gra

// MemoryUsage describes how a resource's memory will be accessed. It is used, along with the
// resource's suballocation type, to pick a memory type.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown has no particular requirements. The first memory type is used unless the
	// MemoryTypeTable has an override.
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGPUOnly is memory that is only accessed by the GPU, such as render targets and
	// textures. Device-local memory is preferred.
	MemoryUsageGPUOnly
	// MemoryUsageCPUOnly is memory that is mapped on the host and only read by the GPU through
	// transfers, such as staging buffers
	MemoryUsageCPUOnly
	// MemoryUsageCPUToGPU is memory that is written by the CPU and read by the GPU every frame,
	// such as uniform buffers. It must be host visible, and device-local is preferred.
	MemoryUsageCPUToGPU
	// MemoryUsageGPUToCPU is memory written by the GPU and read back by the CPU. It must be host
	// visible, and host-cached is preferred.
	MemoryUsageGPUToCPU
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:  "MemoryUsageUnknown",
	MemoryUsageGPUOnly:  "MemoryUsageGPUOnly",
	MemoryUsageCPUOnly:  "MemoryUsageCPUOnly",
	MemoryUsageCPUToGPU: "MemoryUsageCPUToGPU",
	MemoryUsageGPUToCPU: "MemoryUsageGPUToCPU",
}

func (u MemoryUsage) String() string {
	return memoryUsageMapping[u]
}

// BlockVectorType separates persistently-mapped blocks from unmapped blocks of the same memory type
type BlockVectorType int

const (
	BlockVectorTypeUnmapped BlockVectorType = iota
	BlockVectorTypeMapped

	blockVectorTypeCount
)

var blockVectorTypeMapping = map[BlockVectorType]string{
	BlockVectorTypeUnmapped: "Unmapped",
	BlockVectorTypeMapped:   "Mapped",
}

func (t BlockVectorType) String() string {
	return blockVectorTypeMapping[t]
}

// AllocationType indicates where an Allocation's memory lives
type AllocationType byte

const (
	// AllocationTypeNone is reported by allocations that have been freed
	AllocationTypeNone AllocationType = iota
	// AllocationTypeBlock is a region of a block shared with other allocations
	AllocationTypeBlock
	// AllocationTypeOwn is an allocation with its own native memory
	AllocationTypeOwn
)

var allocationTypeMapping = map[AllocationType]string{
	AllocationTypeNone:  "AllocationTypeNone",
	AllocationTypeBlock: "AllocationTypeBlock",
	AllocationTypeOwn:   "AllocationTypeOwn",
}

func (t AllocationType) String() string {
	return allocationTypeMapping[t]
}
