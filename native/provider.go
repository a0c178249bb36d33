package native

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
)

//go:generate mockgen -source provider.go -destination ./mocks/provider.go -package mocks

// ErrOutOfMemory is returned by a Provider when the backend has no memory left to satisfy an
// allocation. Providers may wrap it with additional detail.
var ErrOutOfMemory = errors.New("native memory exhausted")

// ErrNotHostVisible is returned when a Provider is asked to map memory that the CPU cannot see
var ErrNotHostVisible = errors.New("memory is not host visible")

// MemoryPropertyFlags describes how a memory type can be accessed
type MemoryPropertyFlags int32

var memoryPropertyFlagsMapping = common.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyFlagsMapping.Register(f, str)
}
func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

const (
	// MemoryPropertyDeviceLocal indicates memory that is fastest for the GPU to access
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible indicates memory that can be mapped for CPU access
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent indicates host-visible memory that does not require explicit
	// flushes to make CPU writes visible to the GPU
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached indicates host-visible memory that is cached on the CPU side, which
	// makes reads back from the GPU faster
	MemoryPropertyHostCached
)

func init() {
	MemoryPropertyDeviceLocal.Register("DeviceLocal")
	MemoryPropertyHostVisible.Register("HostVisible")
	MemoryPropertyHostCoherent.Register("HostCoherent")
	MemoryPropertyHostCached.Register("HostCached")
}

// MemoryType is one kind of memory the backend can allocate
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     int
}

// MemoryHeap is a pool of physical memory that one or more memory types draw from
type MemoryHeap struct {
	Size        int
	DeviceLocal bool
}

// MemoryProperties describes everything the allocator needs to know about a backend's memory
type MemoryProperties struct {
	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap

	// BufferImageGranularity is the page size at which linear and optimal resources may not be
	// mixed. A value of 1 means resources never conflict.
	BufferImageGranularity int
	// HostVisibleSuballocation is true if the backend allows host-visible memory to be shared between
	// several resources. When it is false, every allocation from a host-visible type receives its
	// own native allocation.
	HostVisibleSuballocation bool
}

// CacheMode selects how the CPU caches a native allocation when the backend offers a choice
type CacheMode uint32

const (
	CacheModeDefault CacheMode = iota
	// CacheModeWriteCombined requests uncached, write-combined CPU access
	CacheModeWriteCombined
)

var cacheModeMapping = map[CacheMode]string{
	CacheModeDefault:       "Default",
	CacheModeWriteCombined: "WriteCombined",
}

func (m CacheMode) String() string {
	return cacheModeMapping[m]
}

// AllocateInfo describes a single native allocation
type AllocateInfo struct {
	Size            int
	MemoryTypeIndex int
	CacheMode       CacheMode
}

// Memory is an opaque native allocation handed out by a Provider
type Memory interface {
	Size() int
}

// Provider is the capability set the allocator requires from a graphics backend. Implementations
// must be safe for concurrent use.
type Provider interface {
	// MemoryProperties reports the memory types and heaps available from this backend
	MemoryProperties() (*MemoryProperties, error)
	// Allocate creates a new native allocation. It should return an error that matches
	// ErrOutOfMemory with errors.Is when the backend is out of memory.
	Allocate(info AllocateInfo) (Memory, error)
	// Map returns a CPU pointer to the start of a host-visible native allocation. The allocator
	// reference counts mappings and never maps the same native allocation twice without unmapping.
	Map(memory Memory) (unsafe.Pointer, error)
	// Unmap releases a pointer acquired with Map
	Unmap(memory Memory)
	// Free releases a native allocation. The memory must not be mapped.
	Free(memory Memory)
}
