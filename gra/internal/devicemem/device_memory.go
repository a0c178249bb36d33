package devicemem

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/native"
)

// MemoryCallbacks receives a notification whenever a native allocation is made or released
type MemoryCallbacks interface {
	Allocate(memoryType int, memory native.Memory, size int)
	Free(memoryType int, memory native.Memory, size int)
}

type heapCounters struct {
	// Number of native allocations made from the heap
	blockCount atomic.Int32
	// Number of allocations handed out to consumers- own allocations + block suballocations
	allocationCount atomic.Int32
	// Size of native allocations made from the heap
	blockBytes atomic.Int64
	// Size of allocations handed out to consumers
	allocationBytes atomic.Int64
}

// DeviceMemoryProperties sits between the allocator and its native.Provider. It caches the
// provider's memory layout, enforces heap size limits and tracks per-heap statistics.
type DeviceMemoryProperties struct {
	heaps      []heapCounters
	heapLimits []int

	memoryCount     atomic.Int32
	memoryCallbacks MemoryCallbacks

	provider         native.Provider
	memoryProperties *native.MemoryProperties
}

func NewDeviceMemoryProperties(
	provider native.Provider,
	memoryCallbacks MemoryCallbacks,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	memoryProperties, err := provider.MemoryProperties()
	if err != nil {
		return nil, errors.Wrap(err, "retrieving native memory properties")
	}

	if len(memoryProperties.MemoryTypes) == 0 {
		return nil, errors.New("the native provider reported no memory types")
	}

	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(memoryProperties.MemoryHeaps) {
			return nil, errors.Newf("memory type %d refers to heap %d, but the native provider reported %d heaps",
				typeIndex, memoryType.HeapIndex, len(memoryProperties.MemoryHeaps))
		}
	}

	err = memutils.CheckPow2(memoryProperties.BufferImageGranularity, "native bufferImageGranularity")
	if err != nil {
		return nil, err
	}

	heapCount := len(memoryProperties.MemoryHeaps)
	heapLimitCount := len(heapSizeLimits)

	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.New("gra.CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of native memory heaps")
	}

	heapLimits := make([]int, heapCount)
	for heapIndex := 0; heapIndex < heapLimitCount; heapIndex++ {
		limit := heapSizeLimits[heapIndex]
		heapSize := memoryProperties.MemoryHeaps[heapIndex].Size
		if limit <= 0 || limit > heapSize {
			continue
		}

		heapLimits[heapIndex] = limit
	}

	return &DeviceMemoryProperties{
		heaps:           make([]heapCounters, heapCount),
		heapLimits:      heapLimits,
		memoryCallbacks: memoryCallbacks,

		provider:         provider,
		memoryProperties: memoryProperties,
	}, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) native.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) native.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) MemoryProperties() *native.MemoryProperties {
	return m.memoryProperties
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags&native.MemoryPropertyHostVisible != 0
}

// CanSuballocate returns false for memory types whose native allocations may only ever hold
// a single resource
func (m *DeviceMemoryProperties) CanSuballocate(memoryTypeIndex int) bool {
	return m.memoryProperties.HostVisibleSuballocation || !m.IsMemoryTypeHostVisible(memoryTypeIndex)
}

func (m *DeviceMemoryProperties) BufferImageGranularity() int {
	return m.memoryProperties.BufferImageGranularity
}

// HeapLimit returns the maximum number of bytes that can be allocated from the heap
func (m *DeviceMemoryProperties) HeapLimit(heapIndex int) int {
	if m.heapLimits[heapIndex] > 0 {
		return m.heapLimits[heapIndex]
	}
	return m.memoryProperties.MemoryHeaps[heapIndex].Size
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	m.heaps[heapIndex].blockBytes.Add(int64(allocationSize))
	m.heaps[heapIndex].blockCount.Add(1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithLimit(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := m.heaps[heapIndex].blockBytes.Load()
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return errors.Wrapf(native.ErrOutOfMemory, "allocating %d bytes would exceed the %d byte limit of heap %d",
				allocationSize, maxAllocatable, heapIndex)
		}

		if m.heaps[heapIndex].blockBytes.CompareAndSwap(currentVal, targetVal) {
			break
		}
	}

	m.heaps[heapIndex].blockCount.Add(1)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := m.heaps[heapIndex].blockBytes.Add(int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := m.heaps[heapIndex].blockCount.Add(-1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count for heapIndex %d went negative", heapIndex))
	}
}

// AllocateMemory makes a native allocation, respecting any heap size limit. Failures match
// native.ErrOutOfMemory when the heap or the provider is out of memory.
func (m *DeviceMemoryProperties) AllocateMemory(allocateInfo native.AllocateInfo) (memory native.Memory, err error) {
	heapIndex := m.MemoryTypeIndexToHeapIndex(allocateInfo.MemoryTypeIndex)
	heapLimit := m.heapLimits[heapIndex]
	if heapLimit == 0 {
		m.addBlockAllocation(heapIndex, allocateInfo.Size)
	} else {
		err = m.addBlockAllocationWithLimit(heapIndex, allocateInfo.Size, heapLimit)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(heapIndex, allocateInfo.Size)
		}
	}()

	memory, err = m.provider.Allocate(allocateInfo)
	if err != nil {
		return nil, err
	}

	m.memoryCount.Add(1)

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(
			allocateInfo.MemoryTypeIndex,
			memory,
			allocateInfo.Size,
		)
	}

	return memory, nil
}

func (m *DeviceMemoryProperties) FreeMemory(memoryType int, size int, memory native.Memory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(
			memoryType,
			memory,
			size,
		)
	}

	m.provider.Free(memory)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryType)
	m.removeBlockAllocation(heapIndex, size)
	m.memoryCount.Add(-1)
}

func (m *DeviceMemoryProperties) MapMemory(memory native.Memory) (unsafe.Pointer, error) {
	return m.provider.Map(memory)
}

func (m *DeviceMemoryProperties) UnmapMemory(memory native.Memory) {
	m.provider.Unmap(memory)
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	m.heaps[heapIndex].allocationBytes.Add(int64(size))
	m.heaps[heapIndex].allocationCount.Add(1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := m.heaps[heapIndex].allocationBytes.Add(int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := m.heaps[heapIndex].allocationCount.Add(-1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count for heapIndex %d went negative", heapIndex))
	}
}

// HeapStatistics fills one memutils.Statistics per heap, starting from firstHeap
func (m *DeviceMemoryProperties) HeapStatistics(firstHeap int, stats []memutils.Statistics) {
	for i := 0; i < len(stats); i++ {
		heapIndex := firstHeap + i

		stats[i].BlockCount = int(m.heaps[heapIndex].blockCount.Load())
		stats[i].AllocationCount = int(m.heaps[heapIndex].allocationCount.Load())
		stats[i].BlockBytes = int(m.heaps[heapIndex].blockBytes.Load())
		stats[i].AllocationBytes = int(m.heaps[heapIndex].allocationBytes.Load())
	}
}

// AllocationCount returns the number of live native allocations
func (m *DeviceMemoryProperties) AllocationCount() int {
	return int(m.memoryCount.Load())
}
