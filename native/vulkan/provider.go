// Package vulkan implements native.Provider for a Vulkan device
package vulkan

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/native"
)

// Memory wraps a core1_0.DeviceMemory allocated through a Provider
type Memory struct {
	memory          core1_0.DeviceMemory
	size            int
	memoryTypeIndex int
}

func (m *Memory) Size() int {
	return m.size
}

// DeviceMemory returns the Vulkan object, which can be used to bind buffers and images
func (m *Memory) DeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

// Provider allocates device memory from a Vulkan device
type Provider struct {
	device              core1_0.Device
	physicalDevice      core1_0.PhysicalDevice
	allocationCallbacks *driver.AllocationCallbacks
}

var _ native.Provider = &Provider{}

// New creates a Provider. allocationCallbacks may be nil.
func New(device core1_0.Device, physicalDevice core1_0.PhysicalDevice, allocationCallbacks *driver.AllocationCallbacks) *Provider {
	return &Provider{
		device:              device,
		physicalDevice:      physicalDevice,
		allocationCallbacks: allocationCallbacks,
	}
}

func convertPropertyFlags(flags core1_0.MemoryPropertyFlags) native.MemoryPropertyFlags {
	var out native.MemoryPropertyFlags
	if flags&core1_0.MemoryPropertyDeviceLocal != 0 {
		out |= native.MemoryPropertyDeviceLocal
	}
	if flags&core1_0.MemoryPropertyHostVisible != 0 {
		out |= native.MemoryPropertyHostVisible
	}
	if flags&core1_0.MemoryPropertyHostCoherent != 0 {
		out |= native.MemoryPropertyHostCoherent
	}
	if flags&core1_0.MemoryPropertyHostCached != 0 {
		out |= native.MemoryPropertyHostCached
	}
	return out
}

func (p *Provider) MemoryProperties() (*native.MemoryProperties, error) {
	deviceProperties, err := p.physicalDevice.Properties()
	if err != nil {
		return nil, err
	}

	granularity := deviceProperties.Limits.BufferImageGranularity
	if granularity < 1 {
		granularity = 1
	}
	err = memutils.CheckPow2(granularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}

	memoryProperties := p.physicalDevice.MemoryProperties()
	props := &native.MemoryProperties{
		BufferImageGranularity:   granularity,
		HostVisibleSuballocation: true,
	}

	for _, memoryType := range memoryProperties.MemoryTypes {
		props.MemoryTypes = append(props.MemoryTypes, native.MemoryType{
			PropertyFlags: convertPropertyFlags(memoryType.PropertyFlags),
			HeapIndex:     memoryType.HeapIndex,
		})
	}

	for _, heap := range memoryProperties.MemoryHeaps {
		props.MemoryHeaps = append(props.MemoryHeaps, native.MemoryHeap{
			Size:        heap.Size,
			DeviceLocal: heap.Flags&core1_0.MemoryHeapDeviceLocal != 0,
		})
	}

	return props, nil
}

func (p *Provider) Allocate(info native.AllocateInfo) (native.Memory, error) {
	memory, res, err := p.device.AllocateMemory(p.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  info.Size,
		MemoryTypeIndex: info.MemoryTypeIndex,
	})
	if res == core1_0.VKErrorOutOfDeviceMemory || res == core1_0.VKErrorOutOfHostMemory {
		return nil, errors.Mark(errors.Wrapf(err, "allocating %d bytes from memory type %d", info.Size, info.MemoryTypeIndex), native.ErrOutOfMemory)
	} else if err != nil {
		return nil, err
	}

	return &Memory{
		memory:          memory,
		size:            info.Size,
		memoryTypeIndex: info.MemoryTypeIndex,
	}, nil
}

func deviceMemory(memory native.Memory) *Memory {
	vulkanMemory, ok := memory.(*Memory)
	if !ok {
		panic(fmt.Sprintf("vulkan provider received foreign memory of type %T", memory))
	}
	return vulkanMemory
}

func (p *Provider) Map(memory native.Memory) (unsafe.Pointer, error) {
	vulkanMemory := deviceMemory(memory)

	ptr, _, err := vulkanMemory.memory.Map(0, -1, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping memory of type %d", vulkanMemory.memoryTypeIndex)
	}

	return ptr, nil
}

func (p *Provider) Unmap(memory native.Memory) {
	deviceMemory(memory).memory.Unmap()
}

func (p *Provider) Free(memory native.Memory) {
	deviceMemory(memory).memory.Free(p.allocationCallbacks)
}
