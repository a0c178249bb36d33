package gra

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/native"
	"github.com/vkngwrapper/gpumem/native/hostmem"
)

func TestDefaultMemoryTypeTable(t *testing.T) {
	options := hostmem.DefaultOptions()
	props := &native.MemoryProperties{
		MemoryTypes: options.MemoryTypes,
		MemoryHeaps: options.MemoryHeaps,
	}

	table := NewMemoryTypeTable(props)

	testCases := map[MemoryUsage]int{
		MemoryUsageUnknown:  0,
		MemoryUsageGPUOnly:  0,
		MemoryUsageCPUOnly:  1,
		MemoryUsageCPUToGPU: 1,
		MemoryUsageGPUToCPU: 2,
	}

	for usage, expected := range testCases {
		t.Run(usage.String(), func(t *testing.T) {
			memoryTypeIndex, ok := table.Lookup(metadata.SuballocationBuffer, usage)
			require.True(t, ok)
			require.Equal(t, expected, memoryTypeIndex)

			memoryTypeIndex, ok = table.Lookup(metadata.SuballocationImageOptimal, usage)
			require.True(t, ok)
			require.Equal(t, expected, memoryTypeIndex)
		})
	}
}

func TestMemoryTypeTablePreferredFlags(t *testing.T) {
	// A unified-memory layout where one type is both device local and host visible
	props := &native.MemoryProperties{
		MemoryTypes: []native.MemoryType{
			{PropertyFlags: native.MemoryPropertyHostVisible | native.MemoryPropertyHostCoherent, HeapIndex: 0},
			{PropertyFlags: native.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: native.MemoryPropertyDeviceLocal | native.MemoryPropertyHostVisible | native.MemoryPropertyHostCoherent, HeapIndex: 0},
		},
		MemoryHeaps: []native.MemoryHeap{
			{Size: 256 * mib, DeviceLocal: true},
		},
	}

	table := NewMemoryTypeTable(props)

	memoryTypeIndex, ok := table.Lookup(metadata.SuballocationBuffer, MemoryUsageGPUOnly)
	require.True(t, ok)
	require.Equal(t, 1, memoryTypeIndex)

	memoryTypeIndex, ok = table.Lookup(metadata.SuballocationBuffer, MemoryUsageCPUToGPU)
	require.True(t, ok)
	require.Equal(t, 2, memoryTypeIndex)

	memoryTypeIndex, ok = table.Lookup(metadata.SuballocationBuffer, MemoryUsageCPUOnly)
	require.True(t, ok)
	require.Equal(t, 0, memoryTypeIndex)

	// Nothing is host cached, so the first host-visible type wins
	memoryTypeIndex, ok = table.Lookup(metadata.SuballocationBuffer, MemoryUsageGPUToCPU)
	require.True(t, ok)
	require.Equal(t, 0, memoryTypeIndex)
}

func TestMemoryTypeTableOverrides(t *testing.T) {
	options := hostmem.DefaultOptions()
	table := NewMemoryTypeTable(&native.MemoryProperties{
		MemoryTypes: options.MemoryTypes,
		MemoryHeaps: options.MemoryHeaps,
	})

	table.Set(metadata.SuballocationImageRTVDSV, MemoryUsageGPUOnly, 2)
	table.SetUsage(MemoryUsageUnknown, 1)

	memoryTypeIndex, ok := table.Lookup(metadata.SuballocationImageRTVDSV, MemoryUsageGPUOnly)
	require.True(t, ok)
	require.Equal(t, 2, memoryTypeIndex)

	memoryTypeIndex, ok = table.Lookup(metadata.SuballocationImageOptimal, MemoryUsageGPUOnly)
	require.True(t, ok)
	require.Equal(t, 0, memoryTypeIndex)

	memoryTypeIndex, ok = table.Lookup(metadata.SuballocationBuffer, MemoryUsageUnknown)
	require.True(t, ok)
	require.Equal(t, 1, memoryTypeIndex)

	require.NoError(t, table.validate(3))
	require.Error(t, table.validate(2))
}

func TestMemoryTypeTableMissingUsage(t *testing.T) {
	table := NewMemoryTypeTable(&native.MemoryProperties{
		MemoryTypes: []native.MemoryType{
			{PropertyFlags: native.MemoryPropertyDeviceLocal, HeapIndex: 0},
		},
		MemoryHeaps: []native.MemoryHeap{
			{Size: 256 * mib, DeviceLocal: true},
		},
	})

	_, ok := table.Lookup(metadata.SuballocationBuffer, MemoryUsageCPUOnly)
	require.False(t, ok)

	table.Set(metadata.SuballocationBuffer, MemoryUsageCPUOnly, 0)
	memoryTypeIndex, ok := table.Lookup(metadata.SuballocationBuffer, MemoryUsageCPUOnly)
	require.True(t, ok)
	require.Equal(t, 0, memoryTypeIndex)

	_, ok = table.Lookup(metadata.SuballocationImageOptimal, MemoryUsageCPUOnly)
	require.False(t, ok)
}
