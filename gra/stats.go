package gra

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/memutils"
)

// CalculateStats walks every block and own allocation and produces detailed statistics per
// memory type, per memory heap, and in total
func (a *Allocator) CalculateStats() memutils.Stats {
	a.globalMutex.Lock()
	defer a.globalMutex.Unlock()

	stats := memutils.NewStats(a.deviceMemory.MemoryTypeCount(), a.deviceMemory.MemoryHeapCount())

	for memoryTypeIndex := range a.memoryTypeData {
		typeStats := &stats.MemoryType[memoryTypeIndex]
		a.addMemoryTypeStatInfo(memoryTypeIndex, typeStats)

		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
		stats.MemoryHeap[heapIndex].AddStatInfo(typeStats)
		stats.Total.AddStatInfo(typeStats)
	}

	stats.PostProcess()
	return stats
}

func (a *Allocator) addMemoryTypeStatInfo(memoryTypeIndex int, stats *memutils.StatInfo) {
	typeData := &a.memoryTypeData[memoryTypeIndex]

	typeData.blocksMutex.RLock()
	for _, blockList := range typeData.blockLists {
		blockList.AddStatInfo(stats)
	}
	typeData.blocksMutex.RUnlock()

	typeData.ownAllocations.AddStatInfo(stats)
}

// BuildStatsString produces a JSON document describing the allocator's memory layout and
// statistics. If detailedMap is true, every block's regions and every own allocation are listed.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	stats := a.CalculateStats()

	a.globalMutex.Lock()
	defer a.globalMutex.Unlock()

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	totalObj := rootObj.Name("Total").Object()
	stats.Total.PrintJson(totalObj)
	totalObj.End()

	heapStats := make([]memutils.Statistics, a.deviceMemory.MemoryHeapCount())
	a.deviceMemory.HeapStatistics(0, heapStats)

	heapsObj := rootObj.Name("MemoryHeaps").Object()
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		heap := a.deviceMemory.MemoryHeapProperties(heapIndex)

		heapObj := heapsObj.Name("Heap " + strconv.Itoa(heapIndex)).Object()
		heapObj.Name("Size").Int(heap.Size)
		heapObj.Name("DeviceLocal").Bool(heap.DeviceLocal)
		if limit := a.deviceMemory.HeapLimit(heapIndex); limit != heap.Size {
			heapObj.Name("Limit").Int(limit)
		}

		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("BlockCount").Int(heapStats[heapIndex].BlockCount)
		budgetObj.Name("BlockBytes").Int(heapStats[heapIndex].BlockBytes)
		budgetObj.Name("AllocationCount").Int(heapStats[heapIndex].AllocationCount)
		budgetObj.Name("AllocationBytes").Int(heapStats[heapIndex].AllocationBytes)
		budgetObj.End()

		statsObj := heapObj.Name("Stats").Object()
		stats.MemoryHeap[heapIndex].PrintJson(statsObj)
		statsObj.End()

		typesObj := heapObj.Name("MemoryTypes").Object()
		for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex) != heapIndex {
				continue
			}

			memoryType := a.deviceMemory.MemoryTypeProperties(memoryTypeIndex)
			typeObj := typesObj.Name("Type " + strconv.Itoa(memoryTypeIndex)).Object()
			typeObj.Name("Flags").String(memoryType.PropertyFlags.String())
			typeObj.Name("PreferredBlockSize").Int(a.memoryTypeData[memoryTypeIndex].preferredBlockSize)

			typeStatsObj := typeObj.Name("Stats").Object()
			stats.MemoryType[memoryTypeIndex].PrintJson(typeStatsObj)
			typeStatsObj.End()

			typeObj.End()
		}
		typesObj.End()

		heapObj.End()
	}
	heapsObj.End()

	if detailedMap {
		a.printDetailedMap(&rootObj)
	}

	rootObj.End()

	return string(writer.Bytes())
}

func (a *Allocator) printDetailedMap(json *jwriter.ObjectState) {
	mapObj := json.Name("DefaultPools").Object()
	defer mapObj.End()

	for memoryTypeIndex := range a.memoryTypeData {
		typeData := &a.memoryTypeData[memoryTypeIndex]

		typeObj := mapObj.Name("Type " + strconv.Itoa(memoryTypeIndex)).Object()

		typeData.blocksMutex.RLock()
		typeObj.Name("PreferredBlockSize").Int(typeData.preferredBlockSize)
		for _, blockList := range typeData.blockLists {
			blocksObj := typeObj.Name(blockList.blockVectorType.String() + "Blocks").Object()
			blockList.PrintDetailedMap(blocksObj)
			blocksObj.End()
		}
		typeData.blocksMutex.RUnlock()

		typeData.ownAllocations.BuildStatsString(typeObj)

		typeObj.End()
	}
}
