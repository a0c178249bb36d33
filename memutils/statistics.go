package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics is a cheap running tally of native allocations and the suballocations handed out
// from them. It is kept per memory heap.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// StatInfo is the detailed statistics record produced when walking blocks and own allocations.
// AllocationCount counts native allocations (blocks and own allocations), SuballocationCount counts
// the regions handed out to resources.
type StatInfo struct {
	AllocationCount    int
	SuballocationCount int
	UnusedRangeCount   int
	UsedBytes          int
	UnusedBytes        int

	SuballocationSizeMin int
	SuballocationSizeAvg int
	SuballocationSizeMax int
	UnusedRangeSizeMin   int
	UnusedRangeSizeAvg   int
	UnusedRangeSizeMax   int
}

func (s *StatInfo) Clear() {
	*s = StatInfo{
		SuballocationSizeMin: math.MaxInt,
		UnusedRangeSizeMin:   math.MaxInt,
	}
}

func (s *StatInfo) AddSuballocation(size int) {
	s.SuballocationCount++
	s.UsedBytes += size

	if size < s.SuballocationSizeMin {
		s.SuballocationSizeMin = size
	}

	if size > s.SuballocationSizeMax {
		s.SuballocationSizeMax = size
	}
}

func (s *StatInfo) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedBytes += size

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *StatInfo) AddStatInfo(other *StatInfo) {
	s.AllocationCount += other.AllocationCount
	s.SuballocationCount += other.SuballocationCount
	s.UnusedRangeCount += other.UnusedRangeCount
	s.UsedBytes += other.UsedBytes
	s.UnusedBytes += other.UnusedBytes

	if other.SuballocationSizeMin < s.SuballocationSizeMin {
		s.SuballocationSizeMin = other.SuballocationSizeMin
	}

	if other.SuballocationSizeMax > s.SuballocationSizeMax {
		s.SuballocationSizeMax = other.SuballocationSizeMax
	}

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}
}

// PostProcess computes the averages. Minimums that were never lowered are reset to 0 so that
// empty records read naturally.
func (s *StatInfo) PostProcess() {
	s.SuballocationSizeAvg = roundDiv(s.UsedBytes, s.SuballocationCount)
	s.UnusedRangeSizeAvg = roundDiv(s.UnusedBytes, s.UnusedRangeCount)

	if s.SuballocationCount == 0 {
		s.SuballocationSizeMin = 0
	}
	if s.UnusedRangeCount == 0 {
		s.UnusedRangeSizeMin = 0
	}
}

func roundDiv(x, y int) int {
	if y == 0 {
		return 0
	}
	return (x + y/2) / y
}

// PrintJson writes this record's fields into an open json object
func (s *StatInfo) PrintJson(json jwriter.ObjectState) {
	json.Name("Allocations").Int(s.AllocationCount)
	json.Name("Suballocations").Int(s.SuballocationCount)
	json.Name("UnusedRanges").Int(s.UnusedRangeCount)
	json.Name("UsedBytes").Int(s.UsedBytes)
	json.Name("UnusedBytes").Int(s.UnusedBytes)

	if s.SuballocationCount > 1 {
		sizes := json.Name("SuballocationSize").Object()
		sizes.Name("Min").Int(s.SuballocationSizeMin)
		sizes.Name("Avg").Int(s.SuballocationSizeAvg)
		sizes.Name("Max").Int(s.SuballocationSizeMax)
		sizes.End()
	}

	if s.UnusedRangeCount > 1 {
		sizes := json.Name("UnusedRangeSize").Object()
		sizes.Name("Min").Int(s.UnusedRangeSizeMin)
		sizes.Name("Avg").Int(s.UnusedRangeSizeAvg)
		sizes.Name("Max").Int(s.UnusedRangeSizeMax)
		sizes.End()
	}
}

// Stats is the full statistics report for an allocator: one record per memory type, one per
// memory heap, and a total
type Stats struct {
	MemoryType []StatInfo
	MemoryHeap []StatInfo
	Total      StatInfo
}

func NewStats(memoryTypeCount, memoryHeapCount int) Stats {
	stats := Stats{
		MemoryType: make([]StatInfo, memoryTypeCount),
		MemoryHeap: make([]StatInfo, memoryHeapCount),
	}
	stats.Total.Clear()
	for i := range stats.MemoryType {
		stats.MemoryType[i].Clear()
	}
	for i := range stats.MemoryHeap {
		stats.MemoryHeap[i].Clear()
	}
	return stats
}

func (s *Stats) PostProcess() {
	s.Total.PostProcess()
	for i := range s.MemoryType {
		s.MemoryType[i].PostProcess()
	}
	for i := range s.MemoryHeap {
		s.MemoryHeap[i].PostProcess()
	}
}
