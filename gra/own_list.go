package gra

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpumem/gra/internal/utils"
	"github.com/vkngwrapper/gpumem/memutils"
	"golang.org/x/exp/slices"
)

// ownAllocationList holds the allocations of one memory type that have their own native memory,
// sorted by allocation id
type ownAllocationList struct {
	mutex utils.OptionalRWMutex

	allocations []*Allocation
}

func (l *ownAllocationList) Init(useMutex bool) {
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
}

func compareAllocationID(alloc *Allocation, id uint64) int {
	if alloc.id < id {
		return -1
	} else if alloc.id > id {
		return 1
	}
	return 0
}

func (l *ownAllocationList) Register(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	index, found := slices.BinarySearchFunc(l.allocations, alloc.id, compareAllocationID)
	if found {
		panic("attempted to register an own allocation that was already registered")
	}
	l.allocations = slices.Insert(l.allocations, index, alloc)
}

func (l *ownAllocationList) Unregister(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	index, found := slices.BinarySearchFunc(l.allocations, alloc.id, compareAllocationID)
	if !found || l.allocations[index] != alloc {
		panic("attempted to unregister an own allocation that was not registered")
	}
	l.allocations = slices.Delete(l.allocations, index, index+1)
}

func (l *ownAllocationList) Count() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.allocations)
}

func (l *ownAllocationList) IsEmpty() bool {
	return l.Count() == 0
}

func (l *ownAllocationList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for i, alloc := range l.allocations {
		if alloc.Type() != AllocationTypeOwn {
			return errors.Errorf("allocation %d in the own allocation list has type %s", alloc.id, alloc.Type())
		}
		if i > 0 && l.allocations[i-1].id >= alloc.id {
			return errors.Errorf("own allocations are out of order: %d precedes %d", l.allocations[i-1].id, alloc.id)
		}
	}

	return nil
}

func (l *ownAllocationList) AddStatInfo(stats *memutils.StatInfo) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, alloc := range l.allocations {
		stats.AllocationCount++
		stats.AddSuballocation(alloc.size)
	}
}

func (l *ownAllocationList) BuildStatsString(json jwriter.ObjectState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	s := json.Name("OwnAllocations").Array()
	defer s.End()

	for _, alloc := range l.allocations {
		o := s.Object()
		alloc.printParameters(&o)
		o.End()
	}
}

// Drain removes every allocation from the list and returns them
func (l *ownAllocationList) Drain() []*Allocation {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	allocations := l.allocations
	l.allocations = nil
	return allocations
}
