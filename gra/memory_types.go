package gra

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/native"
)

type memoryTypeKey struct {
	suballocType metadata.SuballocationType
	usage        MemoryUsage
}

// MemoryTypeTable resolves a resource's suballocation type and memory usage to a memory type
// index. The defaults are chosen from memory type flags, and backends that need a finer mapping
// (separate heaps for render targets, for instance) can override individual entries with Set.
type MemoryTypeTable struct {
	byUsage   map[MemoryUsage]int
	overrides *swiss.Map[memoryTypeKey, int]
}

type memoryUsageFlags struct {
	required  native.MemoryPropertyFlags
	preferred native.MemoryPropertyFlags
}

var defaultUsageFlags = map[MemoryUsage]memoryUsageFlags{
	MemoryUsageUnknown: {},
	MemoryUsageGPUOnly: {
		preferred: native.MemoryPropertyDeviceLocal,
	},
	MemoryUsageCPUOnly: {
		required: native.MemoryPropertyHostVisible | native.MemoryPropertyHostCoherent,
	},
	MemoryUsageCPUToGPU: {
		required:  native.MemoryPropertyHostVisible,
		preferred: native.MemoryPropertyDeviceLocal,
	},
	MemoryUsageGPUToCPU: {
		required:  native.MemoryPropertyHostVisible,
		preferred: native.MemoryPropertyHostCached,
	},
}

// findMemoryTypeIndex returns the lowest-index memory type that has all the required flags and
// is missing the fewest preferred flags
func findMemoryTypeIndex(props *native.MemoryProperties, required, preferred native.MemoryPropertyFlags) (int, bool) {
	bestIndex := -1
	bestCost := -1

	for typeIndex, memoryType := range props.MemoryTypes {
		if memoryType.PropertyFlags&required != required {
			continue
		}

		cost := bits.OnesCount32(uint32(preferred &^ memoryType.PropertyFlags))
		if bestIndex < 0 || cost < bestCost {
			bestIndex = typeIndex
			bestCost = cost

			if cost == 0 {
				break
			}
		}
	}

	return bestIndex, bestIndex >= 0
}

// NewMemoryTypeTable builds the default table for a set of memory properties
func NewMemoryTypeTable(props *native.MemoryProperties) *MemoryTypeTable {
	table := &MemoryTypeTable{
		byUsage:   make(map[MemoryUsage]int),
		overrides: swiss.NewMap[memoryTypeKey, int](8),
	}

	for usage, flags := range defaultUsageFlags {
		memoryTypeIndex, ok := findMemoryTypeIndex(props, flags.required, flags.preferred)
		if ok {
			table.byUsage[usage] = memoryTypeIndex
		}
	}

	return table
}

// SetUsage changes the memory type used for a usage when there is no more specific override
func (t *MemoryTypeTable) SetUsage(usage MemoryUsage, memoryTypeIndex int) {
	t.byUsage[usage] = memoryTypeIndex
}

// Set overrides the memory type used for a single suballocation type and usage
func (t *MemoryTypeTable) Set(suballocType metadata.SuballocationType, usage MemoryUsage, memoryTypeIndex int) {
	t.overrides.Put(memoryTypeKey{suballocType: suballocType, usage: usage}, memoryTypeIndex)
}

// Lookup returns the memory type for a resource, or false if none is compatible
func (t *MemoryTypeTable) Lookup(suballocType metadata.SuballocationType, usage MemoryUsage) (int, bool) {
	memoryTypeIndex, ok := t.overrides.Get(memoryTypeKey{suballocType: suballocType, usage: usage})
	if ok {
		return memoryTypeIndex, true
	}

	memoryTypeIndex, ok = t.byUsage[usage]
	return memoryTypeIndex, ok
}

func (t *MemoryTypeTable) validate(memoryTypeCount int) error {
	for usage, memoryTypeIndex := range t.byUsage {
		if memoryTypeIndex < 0 || memoryTypeIndex >= memoryTypeCount {
			return errors.Newf("memory type table maps %s to memory type %d, but there are only %d memory types",
				usage, memoryTypeIndex, memoryTypeCount)
		}
	}

	var err error
	t.overrides.Iter(func(key memoryTypeKey, memoryTypeIndex int) (stop bool) {
		if memoryTypeIndex < 0 || memoryTypeIndex >= memoryTypeCount {
			err = errors.Newf("memory type table maps %s/%s to memory type %d, but there are only %d memory types",
				key.suballocType, key.usage, memoryTypeIndex, memoryTypeCount)
			return true
		}
		return false
	})

	return err
}
