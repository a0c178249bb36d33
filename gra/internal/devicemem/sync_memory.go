package devicemem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/gra/internal/utils"
	"github.com/vkngwrapper/gpumem/native"
)

// SynchronizedMemory wraps a native allocation with a reference-counted mapping. Every
// allocation sharing the native memory maps and unmaps through it, and the native memory
// is only mapped while at least one reference is held.
type SynchronizedMemory struct {
	mapReferences int
	mapData       unsafe.Pointer

	mapMutex     utils.OptionalMutex
	memory       native.Memory
	size         int
	deviceMemory *DeviceMemoryProperties
}

func NewSynchronizedMemory(deviceMemory *DeviceMemoryProperties, memory native.Memory, size int, useMutex bool) *SynchronizedMemory {
	return &SynchronizedMemory{
		memory: memory,
		size:   size,
		mapMutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
		deviceMemory: deviceMemory,
	}
}

func (m *SynchronizedMemory) NativeMemory() native.Memory {
	return m.memory
}

func (m *SynchronizedMemory) Size() int {
	return m.size
}

func (m *SynchronizedMemory) References() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapReferences
}

func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapData
}

// Map adds references to the memory's mapping, mapping it through the provider if it was not
// already mapped, and returns a pointer to the start of the native allocation
func (m *SynchronizedMemory) Map(references int) (unsafe.Pointer, error) {
	if references == 0 {
		return nil, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.mapReferences += references
		if m.mapData == nil {
			return nil, errors.New("the memory is showing existing mapping references, but no mapped memory")
		}

		return m.mapData, nil
	}

	mappedData, err := m.deviceMemory.MapMemory(m.memory)
	if err != nil {
		return nil, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, nil
}

// Unmap removes references from the memory's mapping, unmapping it through the provider when
// the last reference is released
func (m *SynchronizedMemory) Unmap(references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences < references {
		return errors.Newf("attempted to release %d mapping references, but only %d are held", references, m.mapReferences)
	}

	m.mapReferences -= references
	if m.mapReferences == 0 && m.mapData != nil {
		m.deviceMemory.UnmapMemory(m.memory)
		m.mapData = nil
	}

	return nil
}

// Free releases the native allocation. Any outstanding mapping is released first.
func (m *SynchronizedMemory) Free(memoryTypeIndex int) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.deviceMemory.UnmapMemory(m.memory)
		m.mapReferences = 0
		m.mapData = nil
	}

	m.deviceMemory.FreeMemory(memoryTypeIndex, m.size, m.memory)
	m.memory = nil
}
