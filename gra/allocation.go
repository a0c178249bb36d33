package gra

import (
	"context"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/gra/internal/devicemem"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/native"
)

// allocationPayload is where an Allocation's memory lives: either a region of a shared block
// or its own native allocation
type allocationPayload interface {
	nativeMemory() *devicemem.SynchronizedMemory
	offset() int
}

type blockPayload struct {
	block       *memoryBlock
	blockOffset int
}

func (p *blockPayload) nativeMemory() *devicemem.SynchronizedMemory { return p.block.memory }
func (p *blockPayload) offset() int                                 { return p.blockOffset }

type ownPayload struct {
	memory        *devicemem.SynchronizedMemory
	persistentMap bool
}

func (p *ownPayload) nativeMemory() *devicemem.SynchronizedMemory { return p.memory }
func (p *ownPayload) offset() int                                 { return 0 }

// Allocation is a region of native memory handed out by an Allocator. It is valid until it is
// passed to Allocator.FreeMemory or Allocation.Free.
type Allocation struct {
	id                uint64
	size              int
	alignment         uint
	memoryTypeIndex   int
	suballocationType metadata.SuballocationType

	userData any
	name     string

	allocator *Allocator
	payload   allocationPayload
	mapCount  int
}

func (a *Allocation) initBlockAllocation(
	allocator *Allocator,
	id uint64,
	block *memoryBlock,
	offset int,
	size int,
	alignment uint,
	suballocationType metadata.SuballocationType,
	createInfo *AllocationCreateInfo,
) {
	a.init(allocator, id, block.memoryTypeIndex, size, alignment, suballocationType, createInfo)
	a.payload = &blockPayload{
		block:       block,
		blockOffset: offset,
	}
}

func (a *Allocation) initOwnAllocation(
	allocator *Allocator,
	id uint64,
	memoryTypeIndex int,
	memory *devicemem.SynchronizedMemory,
	persistentMap bool,
	size int,
	alignment uint,
	suballocationType metadata.SuballocationType,
	createInfo *AllocationCreateInfo,
) {
	a.init(allocator, id, memoryTypeIndex, size, alignment, suballocationType, createInfo)
	a.payload = &ownPayload{
		memory:        memory,
		persistentMap: persistentMap,
	}
}

func (a *Allocation) init(
	allocator *Allocator,
	id uint64,
	memoryTypeIndex int,
	size int,
	alignment uint,
	suballocationType metadata.SuballocationType,
	createInfo *AllocationCreateInfo,
) {
	a.allocator = allocator
	a.id = id
	a.memoryTypeIndex = memoryTypeIndex
	a.size = size
	a.alignment = alignment
	a.suballocationType = suballocationType
	a.userData = createInfo.UserData
	a.name = createInfo.Name
	a.mapCount = 0
}

// Type returns whether the allocation lives in a shared block or its own native memory.
// Freed allocations report AllocationTypeNone.
func (a *Allocation) Type() AllocationType {
	switch a.payload.(type) {
	case *blockPayload:
		return AllocationTypeBlock
	case *ownPayload:
		return AllocationTypeOwn
	}

	return AllocationTypeNone
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) Name() string {
	return a.name
}

func (a *Allocation) ID() uint64                                    { return a.id }
func (a *Allocation) MemoryTypeIndex() int                          { return a.memoryTypeIndex }
func (a *Allocation) Size() int                                     { return a.size }
func (a *Allocation) Alignment() uint                               { return a.alignment }
func (a *Allocation) SuballocationType() metadata.SuballocationType { return a.suballocationType }

// Offset returns the allocation's offset from the start of its native memory. Own allocations
// are always at offset 0.
func (a *Allocation) Offset() int {
	if a.payload == nil {
		return 0
	}
	return a.payload.offset()
}

// Memory returns the native memory the allocation lives in, or nil if it has been freed. Resources
// should be bound to this memory at Offset.
func (a *Allocation) Memory() native.Memory {
	if a.payload == nil {
		return nil
	}
	return a.payload.nativeMemory().NativeMemory()
}

func (a *Allocation) isPersistentMap() bool {
	switch payload := a.payload.(type) {
	case *blockPayload:
		return payload.block.persistentMap
	case *ownPayload:
		return payload.persistentMap
	}
	return false
}

// MappedData returns a pointer to the start of the allocation if it is persistently mapped, or
// nil otherwise
func (a *Allocation) MappedData() unsafe.Pointer {
	if !a.isPersistentMap() {
		return nil
	}

	data := a.payload.nativeMemory().MappedData()
	if data == nil {
		return nil
	}
	return unsafe.Add(data, a.payload.offset())
}

// Map maps the allocation's memory into host address space and returns a pointer to the start
// of the allocation. Mappings are reference counted per native allocation, so any number of
// allocations sharing a block may be mapped at once. Every successful call must be paired with
// Unmap.
func (a *Allocation) Map() (unsafe.Pointer, error) {
	a.allocator.logger.Debug("Allocation::Map")

	if a.payload == nil {
		return nil, ErrAllocationFreed
	}
	if !a.allocator.deviceMemory.IsMemoryTypeHostVisible(a.memoryTypeIndex) {
		return nil, errors.Wrapf(ErrNotMappable, "memory type %d", a.memoryTypeIndex)
	}

	ptr, err := a.payload.nativeMemory().Map(1)
	if err != nil {
		return nil, err
	}
	a.mapCount++

	return unsafe.Add(ptr, a.payload.offset()), nil
}

func (a *Allocation) Unmap() error {
	a.allocator.logger.Debug("Allocation::Unmap")

	if a.payload == nil {
		return ErrAllocationFreed
	}
	if a.mapCount == 0 {
		return errors.New("attempted to unmap an allocation that is not mapped")
	}

	err := a.payload.nativeMemory().Unmap(1)
	if err != nil {
		return err
	}
	a.mapCount--
	return nil
}

// Free returns the allocation's memory to its allocator
func (a *Allocation) Free() error {
	if a.allocator == nil {
		return ErrAllocationFreed
	}
	return a.allocator.FreeMemory(a)
}

// releaseMappings drops any mapping references the consumer failed to unmap
func (a *Allocation) releaseMappings() {
	if a.mapCount == 0 {
		return
	}

	a.allocator.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocation::releaseMappings",
		slog.Uint64("allocation.id", a.id),
		slog.Int("mapCount", a.mapCount),
	)

	err := a.payload.nativeMemory().Unmap(a.mapCount)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when releasing the mappings of a freed allocation: %+v", err))
	}
	a.mapCount = 0
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Id").Int(int(a.id))
	json.Name("Type").String(a.suballocationType.String())
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
