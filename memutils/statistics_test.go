package memutils_test

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpumem/memutils"
)

func TestStatInfoAccumulate(t *testing.T) {
	var stats memutils.StatInfo
	stats.Clear()

	stats.AllocationCount++
	stats.AddSuballocation(64)
	stats.AddSuballocation(128)
	stats.AddSuballocation(32)
	stats.AddUnusedRange(800)

	var other memutils.StatInfo
	other.Clear()
	other.AllocationCount++
	other.AddUnusedRange(1000)

	stats.AddStatInfo(&other)
	stats.PostProcess()

	require.Equal(t, memutils.StatInfo{
		AllocationCount:      2,
		SuballocationCount:   3,
		UnusedRangeCount:     2,
		UsedBytes:            224,
		UnusedBytes:          1800,
		SuballocationSizeMin: 32,
		SuballocationSizeAvg: 75,
		SuballocationSizeMax: 128,
		UnusedRangeSizeMin:   800,
		UnusedRangeSizeAvg:   900,
		UnusedRangeSizeMax:   1000,
	}, stats)
}

func TestStatInfoEmptyPostProcess(t *testing.T) {
	var stats memutils.StatInfo
	stats.Clear()
	require.Equal(t, math.MaxInt, stats.SuballocationSizeMin)

	stats.PostProcess()
	require.Equal(t, memutils.StatInfo{}, stats)
}

func TestStatInfoPrintJson(t *testing.T) {
	var stats memutils.StatInfo
	stats.Clear()
	stats.AllocationCount = 1
	stats.AddSuballocation(64)
	stats.AddUnusedRange(960)
	stats.PostProcess()

	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.PrintJson(obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{"Allocations":1,"Suballocations":1,"UnusedRanges":1,"UsedBytes":64,"UnusedBytes":960}`, string(writer.Bytes()))
}

func TestNewStats(t *testing.T) {
	stats := memutils.NewStats(3, 2)
	require.Len(t, stats.MemoryType, 3)
	require.Len(t, stats.MemoryHeap, 2)

	stats.MemoryType[1].AllocationCount = 1
	stats.MemoryType[1].AddSuballocation(10)
	stats.PostProcess()

	require.Equal(t, 10, stats.MemoryType[1].SuballocationSizeAvg)
	require.Equal(t, 0, stats.MemoryType[0].SuballocationSizeMin)
	require.Equal(t, 0, stats.Total.UnusedRangeSizeMin)
}
