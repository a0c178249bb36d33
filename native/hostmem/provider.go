// Package hostmem implements a native.Provider over ordinary Go memory. It is useful for tests,
// tools and CPU backends that want the allocator's bookkeeping without a GPU.
package hostmem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpumem/native"
)

const defaultHeapSize int = 1024 * 1024 * 1024

// Options configures the memory layout a Provider reports. Zero values select a layout with a
// device-local heap and a host-visible heap of one gigabyte each.
type Options struct {
	MemoryTypes []native.MemoryType
	MemoryHeaps []native.MemoryHeap

	BufferImageGranularity int
	// DisableHostVisibleSuballocation makes the Provider report that host-visible memory can't be
	// shared between resources
	DisableHostVisibleSuballocation bool

	// MaxAllocationSize rejects any single allocation larger than this many bytes with
	// native.ErrOutOfMemory. 0 means no limit beyond the heap size.
	MaxAllocationSize int
}

// DefaultOptions returns the layout used when Options is left empty
func DefaultOptions() Options {
	return Options{
		MemoryTypes: []native.MemoryType{
			{PropertyFlags: native.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: native.MemoryPropertyHostVisible | native.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: native.MemoryPropertyHostVisible | native.MemoryPropertyHostCoherent | native.MemoryPropertyHostCached, HeapIndex: 1},
		},
		MemoryHeaps: []native.MemoryHeap{
			{Size: defaultHeapSize, DeviceLocal: true},
			{Size: defaultHeapSize},
		},
		BufferImageGranularity: 1,
	}
}

// Memory is a native allocation made by a Provider
type Memory struct {
	id              uint64
	memoryTypeIndex int
	data            []byte
	mapCount        int
}

func (m *Memory) Size() int {
	return len(m.data)
}

// MemoryTypeIndex returns the memory type this allocation was made from
func (m *Memory) MemoryTypeIndex() int {
	return m.memoryTypeIndex
}

// Provider hands out native allocations backed by byte slices. Every heap's size is enforced as
// a hard limit.
type Provider struct {
	properties        native.MemoryProperties
	maxAllocationSize int

	lock      sync.Mutex
	nextID    uint64
	live      *swiss.Map[uint64, *Memory]
	heapUsage []int
}

var _ native.Provider = &Provider{}

// New creates a Provider. An error is returned if the memory types and heaps are inconsistent.
func New(options Options) (*Provider, error) {
	if len(options.MemoryTypes) == 0 && len(options.MemoryHeaps) == 0 {
		defaults := DefaultOptions()
		options.MemoryTypes = defaults.MemoryTypes
		options.MemoryHeaps = defaults.MemoryHeaps
		if options.BufferImageGranularity == 0 {
			options.BufferImageGranularity = defaults.BufferImageGranularity
		}
	}

	if len(options.MemoryTypes) == 0 {
		return nil, errors.New("hostmem.Options.MemoryTypes must contain at least one memory type")
	}

	for typeIndex, memoryType := range options.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(options.MemoryHeaps) {
			return nil, errors.Newf("memory type %d refers to heap %d, but only %d heaps were provided",
				typeIndex, memoryType.HeapIndex, len(options.MemoryHeaps))
		}
	}

	for heapIndex, heap := range options.MemoryHeaps {
		if heap.Size <= 0 {
			return nil, errors.Newf("memory heap %d has invalid size %d", heapIndex, heap.Size)
		}
	}

	if options.BufferImageGranularity < 1 {
		options.BufferImageGranularity = 1
	}

	return &Provider{
		properties: native.MemoryProperties{
			MemoryTypes:              options.MemoryTypes,
			MemoryHeaps:              options.MemoryHeaps,
			BufferImageGranularity:   options.BufferImageGranularity,
			HostVisibleSuballocation: !options.DisableHostVisibleSuballocation,
		},
		maxAllocationSize: options.MaxAllocationSize,
		live:              swiss.NewMap[uint64, *Memory](42),
		heapUsage:         make([]int, len(options.MemoryHeaps)),
	}, nil
}

func (p *Provider) MemoryProperties() (*native.MemoryProperties, error) {
	properties := p.properties
	return &properties, nil
}

func (p *Provider) Allocate(info native.AllocateInfo) (native.Memory, error) {
	if info.Size <= 0 {
		return nil, errors.Newf("attempted to allocate invalid size %d", info.Size)
	}
	if info.MemoryTypeIndex < 0 || info.MemoryTypeIndex >= len(p.properties.MemoryTypes) {
		return nil, errors.Newf("attempted to allocate from invalid memory type %d", info.MemoryTypeIndex)
	}
	if p.maxAllocationSize > 0 && info.Size > p.maxAllocationSize {
		return nil, errors.Wrapf(native.ErrOutOfMemory, "allocation of %d bytes exceeds the maximum allocation size %d",
			info.Size, p.maxAllocationSize)
	}

	heapIndex := p.properties.MemoryTypes[info.MemoryTypeIndex].HeapIndex

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.heapUsage[heapIndex]+info.Size > p.properties.MemoryHeaps[heapIndex].Size {
		return nil, errors.Wrapf(native.ErrOutOfMemory, "heap %d has %d of %d bytes in use, cannot allocate %d more",
			heapIndex, p.heapUsage[heapIndex], p.properties.MemoryHeaps[heapIndex].Size, info.Size)
	}

	p.nextID++
	memory := &Memory{
		id:              p.nextID,
		memoryTypeIndex: info.MemoryTypeIndex,
		data:            make([]byte, info.Size),
	}
	p.live.Put(memory.id, memory)
	p.heapUsage[heapIndex] += info.Size

	return memory, nil
}

func (p *Provider) lookup(memory native.Memory) *Memory {
	hostMemory, ok := memory.(*Memory)
	if !ok {
		panic(fmt.Sprintf("hostmem provider received foreign memory of type %T", memory))
	}

	live, ok := p.live.Get(hostMemory.id)
	if !ok || live != hostMemory {
		panic(fmt.Sprintf("hostmem provider received memory %d, which is not live", hostMemory.id))
	}

	return hostMemory
}

func (p *Provider) Map(memory native.Memory) (unsafe.Pointer, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	hostMemory := p.lookup(memory)
	flags := p.properties.MemoryTypes[hostMemory.memoryTypeIndex].PropertyFlags
	if flags&native.MemoryPropertyHostVisible == 0 {
		return nil, errors.Wrapf(native.ErrNotHostVisible, "memory type %d has flags %s",
			hostMemory.memoryTypeIndex, flags.String())
	}

	hostMemory.mapCount++
	return unsafe.Pointer(&hostMemory.data[0]), nil
}

func (p *Provider) Unmap(memory native.Memory) {
	p.lock.Lock()
	defer p.lock.Unlock()

	hostMemory := p.lookup(memory)
	if hostMemory.mapCount == 0 {
		panic(fmt.Sprintf("attempted to unmap memory %d, which is not mapped", hostMemory.id))
	}
	hostMemory.mapCount--
}

func (p *Provider) Free(memory native.Memory) {
	p.lock.Lock()
	defer p.lock.Unlock()

	hostMemory := p.lookup(memory)
	if hostMemory.mapCount > 0 {
		panic(fmt.Sprintf("attempted to free memory %d while it is still mapped", hostMemory.id))
	}

	heapIndex := p.properties.MemoryTypes[hostMemory.memoryTypeIndex].HeapIndex
	p.heapUsage[heapIndex] -= len(hostMemory.data)
	p.live.Delete(hostMemory.id)
	hostMemory.data = nil
}

// LiveCount returns the number of native allocations that have not been freed
func (p *Provider) LiveCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.live.Count()
}

// HeapUsage returns the number of bytes currently allocated from the heap
func (p *Provider) HeapUsage(heapIndex int) int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.heapUsage[heapIndex]
}

// MappedCount returns the number of live native allocations that are currently mapped
func (p *Provider) MappedCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	mapped := 0
	p.live.Iter(func(id uint64, memory *Memory) (stop bool) {
		if memory.mapCount > 0 {
			mapped++
		}
		return false
	})

	return mapped
}
