package gra

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/native/hostmem"
)

func emptyBlockCount(allocator *Allocator, memoryTypeIndex int) int {
	count := 0
	for _, blockList := range allocator.memoryTypeData[memoryTypeIndex].blockLists {
		count += blockList.EmptyBlockCount()
	}
	return count
}

func persistentCPUOnly() AllocationCreateInfo {
	return AllocationCreateInfo{
		Usage: MemoryUsageCPUOnly,
		Flags: AllocationCreatePersistentMap,
	}
}

func TestEmptyBlockHeldAcrossBlockVectorTypes(t *testing.T) {
	provider, allocator := readyAllocator(t, AllocatorSetup{})
	reqs := MemoryRequirements{Size: 100, Alignment: 1}

	unmapped, err := allocator.AllocateMemoryForBuffer(reqs, cpuOnly())
	require.NoError(t, err)
	require.Equal(t, 1, unmapped.MemoryTypeIndex())
	require.NoError(t, unmapped.Free())

	require.True(t, allocator.memoryTypeData[1].hasEmptyBlock)
	require.Equal(t, 1, emptyBlockCount(allocator, 1))
	require.Equal(t, 1, provider.LiveCount())

	// The held block is unmapped, so a persistently mapped allocation gets a new block, and the
	// unmapped block is still the held empty one
	mapped, err := allocator.AllocateMemoryForBuffer(reqs, persistentCPUOnly())
	require.NoError(t, err)
	require.Equal(t, AllocationTypeBlock, mapped.Type())
	require.NotNil(t, mapped.MappedData())
	require.Equal(t, 2, provider.LiveCount())
	require.True(t, allocator.memoryTypeData[1].hasEmptyBlock)
	require.NoError(t, allocator.Validate())

	// Emptying the mapped block releases it
	require.NoError(t, mapped.Free())
	require.Equal(t, 1, provider.LiveCount())
	require.Equal(t, 1, emptyBlockCount(allocator, 1))
	require.Equal(t, 0, allocator.memoryTypeData[1].blockLists[BlockVectorTypeMapped].BlockCount())
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, provider.LiveCount())
}

func TestEmptyBlockReusedAcrossBlockVectorTypes(t *testing.T) {
	provider, allocator := readyAllocator(t, AllocatorSetup{})
	reqs := MemoryRequirements{Size: 100, Alignment: 1}

	mapped, err := allocator.AllocateMemoryForBuffer(reqs, persistentCPUOnly())
	require.NoError(t, err)
	require.NoError(t, mapped.Free())

	unmapped, err := allocator.AllocateMemoryForBuffer(reqs, cpuOnly())
	require.NoError(t, err)
	require.True(t, allocator.memoryTypeData[1].hasEmptyBlock)
	require.NoError(t, allocator.Validate())

	// Reusing the held mapped block clears the flag
	mapped, err = allocator.AllocateMemoryForBuffer(reqs, persistentCPUOnly())
	require.NoError(t, err)
	require.False(t, allocator.memoryTypeData[1].hasEmptyBlock)
	require.Equal(t, 0, emptyBlockCount(allocator, 1))
	require.Equal(t, 2, provider.LiveCount())
	require.NoError(t, allocator.Validate())

	require.NoError(t, mapped.Free())
	require.NoError(t, unmapped.Free())
	require.Equal(t, 1, provider.LiveCount())
	require.Equal(t, 1, emptyBlockCount(allocator, 1))
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Destroy())
}

var hysteresisCreateInfos = []AllocationCreateInfo{
	gpuOnly(),
	cpuOnly(),
	persistentCPUOnly(),
	{Usage: MemoryUsageGPUToCPU},
	{Usage: MemoryUsageGPUToCPU, Flags: AllocationCreatePersistentMap},
}

func runHysteresisOperations(t *testing.T, options CreateOptions, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	provider, allocator := readyAllocator(t, AllocatorSetup{
		Provider:         hostmem.DefaultOptions(),
		AllocatorOptions: options,
	})

	var live []*Allocation

	for op := 0; op < 500; op++ {
		if len(live) == 0 || rng.Intn(100) < 55 {
			size := 1 + rng.Intn(300*kib)
			alignment := uint(1) << rng.Intn(9)
			createInfo := hysteresisCreateInfos[rng.Intn(len(hysteresisCreateInfos))]

			alloc, err := allocator.AllocateMemoryForBuffer(MemoryRequirements{Size: size, Alignment: alignment}, createInfo)
			require.NoError(t, err)
			require.Zero(t, alloc.Offset()%int(alignment))
			live = append(live, alloc)
		} else {
			index := rng.Intn(len(live))
			require.NoError(t, live[index].Free())
			live = append(live[:index], live[index+1:]...)
		}

		require.NoError(t, allocator.Validate(), "operation %d", op)
		for memoryTypeIndex := range allocator.memoryTypeData {
			require.LessOrEqual(t, emptyBlockCount(allocator, memoryTypeIndex), 1)
		}
	}

	for _, alloc := range live {
		require.NoError(t, alloc.Free())
		require.NoError(t, allocator.Validate())
	}

	// Only the held empty blocks remain
	liveBlocks := 0
	for memoryTypeIndex := range allocator.memoryTypeData {
		require.LessOrEqual(t, emptyBlockCount(allocator, memoryTypeIndex), 1)
		for _, blockList := range allocator.memoryTypeData[memoryTypeIndex].blockLists {
			liveBlocks += blockList.BlockCount()
		}
	}
	require.Equal(t, liveBlocks, provider.LiveCount())

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, provider.LiveCount())
}

func TestEmptyBlockHysteresisRandomOperations(t *testing.T) {
	testCases := map[string]CreateOptions{
		"Best Fit": {},
		"Worst Fit": {
			Strategy: metadata.AllocationStrategyWorstFit,
		},
		"Small Blocks": {
			PreferredLargeHeapBlockSize: 512 * kib,
		},
		"Debug Margin": {
			Debug: DebugOptions{Margin: 16},
		},
	}

	for name, options := range testCases {
		t.Run(name, func(t *testing.T) {
			for seed := int64(1); seed <= 5; seed++ {
				runHysteresisOperations(t, options, seed)
			}
		})
	}
}
