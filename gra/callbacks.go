package gra

import "github.com/vkngwrapper/gpumem/native"

// NativeMemoryEvent describes one native allocation made or released by an Allocator
type NativeMemoryEvent struct {
	Allocator       *Allocator
	MemoryTypeIndex int
	HeapIndex       int
	Memory          native.Memory
	Size            int
}

// NativeMemoryCallback receives a NativeMemoryEvent along with MemoryCallbackOptions.UserData
type NativeMemoryCallback func(event NativeMemoryEvent, userData any)

// MemoryCallbackOptions is a set of callbacks executed whenever the allocator makes or releases
// a native allocation. Allocations made by the consumer do not map 1:1 with native allocations,
// so these are only called when a block or own allocation is created or destroyed. Free is called
// before the memory is returned to the provider.
type MemoryCallbackOptions struct {
	Allocate NativeMemoryCallback
	Free     NativeMemoryCallback
	UserData any
}

// nativeMemoryNotifier adapts MemoryCallbackOptions to devicemem.MemoryCallbacks
type nativeMemoryNotifier struct {
	options   *MemoryCallbackOptions
	allocator *Allocator
}

func (n *nativeMemoryNotifier) notify(callback NativeMemoryCallback, memoryTypeIndex int, memory native.Memory, size int) {
	if callback == nil {
		return
	}

	callback(NativeMemoryEvent{
		Allocator:       n.allocator,
		MemoryTypeIndex: memoryTypeIndex,
		HeapIndex:       n.allocator.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex),
		Memory:          memory,
		Size:            size,
	}, n.options.UserData)
}

func (n *nativeMemoryNotifier) Allocate(memoryTypeIndex int, memory native.Memory, size int) {
	if n.options != nil {
		n.notify(n.options.Allocate, memoryTypeIndex, memory, size)
	}
}

func (n *nativeMemoryNotifier) Free(memoryTypeIndex int, memory native.Memory, size int) {
	if n.options != nil {
		n.notify(n.options.Free, memoryTypeIndex, memory, size)
	}
}
