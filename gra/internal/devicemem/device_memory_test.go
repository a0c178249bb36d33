package devicemem

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/native"
	"github.com/vkngwrapper/gpumem/native/mocks"
	"go.uber.org/mock/gomock"
)

type recordingCallbacks struct {
	allocated []int
	freed     []int
}

func (c *recordingCallbacks) Allocate(memoryType int, memory native.Memory, size int) {
	c.allocated = append(c.allocated, size)
}

func (c *recordingCallbacks) Free(memoryType int, memory native.Memory, size int) {
	c.freed = append(c.freed, size)
}

func testProperties() *native.MemoryProperties {
	return &native.MemoryProperties{
		MemoryTypes: []native.MemoryType{
			{PropertyFlags: native.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: native.MemoryPropertyHostVisible | native.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
		MemoryHeaps: []native.MemoryHeap{
			{Size: 1000000, DeviceLocal: true},
			{Size: 1000000},
		},
		BufferImageGranularity:   1,
		HostVisibleSuballocation: true,
	}
}

func TestAllocateAndFree(t *testing.T) {
	ctrl := gomock.NewController(t)

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().MemoryProperties().Return(testProperties(), nil)

	callbacks := &recordingCallbacks{}
	props, err := NewDeviceMemoryProperties(provider, callbacks, nil)
	require.NoError(t, err)

	memory := mocks.NewMockMemory(ctrl)
	provider.EXPECT().Allocate(native.AllocateInfo{Size: 4096, MemoryTypeIndex: 1}).Return(memory, nil)
	provider.EXPECT().Free(memory)

	allocated, err := props.AllocateMemory(native.AllocateInfo{Size: 4096, MemoryTypeIndex: 1})
	require.NoError(t, err)
	require.Equal(t, memory, allocated)
	require.Equal(t, 1, props.AllocationCount())

	stats := make([]memutils.Statistics, 2)
	props.HeapStatistics(0, stats)
	require.Equal(t, memutils.Statistics{}, stats[0])
	require.Equal(t, memutils.Statistics{BlockCount: 1, BlockBytes: 4096}, stats[1])

	props.AddAllocation(1, 100)
	props.HeapStatistics(0, stats)
	require.Equal(t, memutils.Statistics{BlockCount: 1, BlockBytes: 4096, AllocationCount: 1, AllocationBytes: 100}, stats[1])
	props.RemoveAllocation(1, 100)

	props.FreeMemory(1, 4096, allocated)
	require.Equal(t, 0, props.AllocationCount())

	props.HeapStatistics(0, stats)
	require.Equal(t, memutils.Statistics{}, stats[1])

	require.Equal(t, []int{4096}, callbacks.allocated)
	require.Equal(t, []int{4096}, callbacks.freed)
}

func TestProviderFailureRollsBack(t *testing.T) {
	ctrl := gomock.NewController(t)

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().MemoryProperties().Return(testProperties(), nil)

	props, err := NewDeviceMemoryProperties(provider, nil, nil)
	require.NoError(t, err)

	provider.EXPECT().Allocate(gomock.Any()).Return(nil, native.ErrOutOfMemory)

	_, err = props.AllocateMemory(native.AllocateInfo{Size: 4096, MemoryTypeIndex: 0})
	require.True(t, errors.Is(err, native.ErrOutOfMemory))

	stats := make([]memutils.Statistics, 1)
	props.HeapStatistics(0, stats)
	require.Equal(t, memutils.Statistics{}, stats[0])
	require.Equal(t, 0, props.AllocationCount())
}

func TestHeapLimit(t *testing.T) {
	ctrl := gomock.NewController(t)

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().MemoryProperties().Return(testProperties(), nil)

	props, err := NewDeviceMemoryProperties(provider, nil, []int{5000, -1})
	require.NoError(t, err)
	require.Equal(t, 5000, props.HeapLimit(0))
	require.Equal(t, 1000000, props.HeapLimit(1))

	memory := mocks.NewMockMemory(ctrl)
	provider.EXPECT().Allocate(native.AllocateInfo{Size: 4096, MemoryTypeIndex: 0}).Return(memory, nil)

	_, err = props.AllocateMemory(native.AllocateInfo{Size: 4096, MemoryTypeIndex: 0})
	require.NoError(t, err)

	// The provider is never consulted when the limit would be exceeded
	_, err = props.AllocateMemory(native.AllocateInfo{Size: 4096, MemoryTypeIndex: 0})
	require.True(t, errors.Is(err, native.ErrOutOfMemory))
}

func TestHeapLimitLargerThanHeapIsIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().MemoryProperties().Return(testProperties(), nil)

	props, err := NewDeviceMemoryProperties(provider, nil, []int{5000000, 0})
	require.NoError(t, err)
	require.Equal(t, 1000000, props.HeapLimit(0))
}

func TestHeapLimitLengthMismatch(t *testing.T) {
	ctrl := gomock.NewController(t)

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().MemoryProperties().Return(testProperties(), nil)

	_, err := NewDeviceMemoryProperties(provider, nil, []int{5000})
	require.Error(t, err)
}

func TestInvalidGranularity(t *testing.T) {
	ctrl := gomock.NewController(t)

	properties := testProperties()
	properties.BufferImageGranularity = 3

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().MemoryProperties().Return(properties, nil)

	_, err := NewDeviceMemoryProperties(provider, nil, nil)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
}

func TestCanSuballocate(t *testing.T) {
	ctrl := gomock.NewController(t)

	properties := testProperties()
	properties.HostVisibleSuballocation = false

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().MemoryProperties().Return(properties, nil)

	props, err := NewDeviceMemoryProperties(provider, nil, nil)
	require.NoError(t, err)

	require.True(t, props.CanSuballocate(0))
	require.False(t, props.CanSuballocate(1))
}

func TestSynchronizedMemoryMapping(t *testing.T) {
	ctrl := gomock.NewController(t)

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().MemoryProperties().Return(testProperties(), nil)

	props, err := NewDeviceMemoryProperties(provider, nil, nil)
	require.NoError(t, err)

	memory := mocks.NewMockMemory(ctrl)
	provider.EXPECT().Allocate(gomock.Any()).Return(memory, nil)

	allocated, err := props.AllocateMemory(native.AllocateInfo{Size: 256, MemoryTypeIndex: 1})
	require.NoError(t, err)

	syncMemory := NewSynchronizedMemory(props, allocated, 256, true)
	require.Equal(t, 256, syncMemory.Size())

	data := make([]byte, 256)
	dataPtr := unsafe.Pointer(&data[0])

	// Only the first reference maps, and only the last release unmaps
	provider.EXPECT().Map(memory).Return(dataPtr, nil).Times(1)
	provider.EXPECT().Unmap(memory).Times(1)

	ptr, err := syncMemory.Map(1)
	require.NoError(t, err)
	require.Equal(t, dataPtr, ptr)

	ptr, err = syncMemory.Map(2)
	require.NoError(t, err)
	require.Equal(t, dataPtr, ptr)
	require.Equal(t, 3, syncMemory.References())

	require.NoError(t, syncMemory.Unmap(2))
	require.Equal(t, dataPtr, syncMemory.MappedData())

	require.Error(t, syncMemory.Unmap(2))

	require.NoError(t, syncMemory.Unmap(1))
	require.Nil(t, syncMemory.MappedData())
	require.Equal(t, 0, syncMemory.References())

	provider.EXPECT().Free(memory)
	syncMemory.Free(1)
	require.Equal(t, 0, props.AllocationCount())
}

func TestSynchronizedMemoryFreeWhileMapped(t *testing.T) {
	ctrl := gomock.NewController(t)

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().MemoryProperties().Return(testProperties(), nil)

	props, err := NewDeviceMemoryProperties(provider, nil, nil)
	require.NoError(t, err)

	memory := mocks.NewMockMemory(ctrl)
	provider.EXPECT().Allocate(gomock.Any()).Return(memory, nil)

	allocated, err := props.AllocateMemory(native.AllocateInfo{Size: 256, MemoryTypeIndex: 1})
	require.NoError(t, err)

	syncMemory := NewSynchronizedMemory(props, allocated, 256, false)

	data := make([]byte, 256)
	gomock.InOrder(
		provider.EXPECT().Map(memory).Return(unsafe.Pointer(&data[0]), nil),
		provider.EXPECT().Unmap(memory),
		provider.EXPECT().Free(memory),
	)

	_, err = syncMemory.Map(1)
	require.NoError(t, err)

	syncMemory.Free(1)
}
