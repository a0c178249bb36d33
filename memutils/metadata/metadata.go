package metadata

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/list"
	"golang.org/x/exp/slices"
)

const (
	// DefaultMinFreeSuballocationSizeToRegister is the smallest free region, in bytes, that is
	// tracked by the size index when Options does not specify otherwise
	DefaultMinFreeSuballocationSizeToRegister int = 16

	suballocationsPerPoolBlock int = 64
)

// Options configures a BlockMetadata
type Options struct {
	// Strategy selects best-fit or worst-fit search
	Strategy AllocationStrategy
	// MinFreeSuballocationSizeToRegister is the smallest free region that can be handed out to a
	// new allocation. Smaller free slivers still count toward SumFreeSize and are merged on free.
	// 0 selects DefaultMinFreeSuballocationSizeToRegister.
	MinFreeSuballocationSizeToRegister int
	// DebugMargin is a number of guard bytes placed before and after every allocation, except at
	// the very start and very end of the block
	DebugMargin int
	// DebugAlignment is an alignment floor applied to every allocation
	DebugAlignment uint
}

// BlockMetadata manages the layout of a single block of memory. The block is tiled by an ordered
// list of suballocations, each free or used, and free regions above a size threshold are indexed
// in a slice sorted by size so that a fitting region can be found with a binary search.
//
// BlockMetadata is not safe for concurrent use.
type BlockMetadata struct {
	options     Options
	size        int
	freeCount   int
	sumFreeSize int

	suballocations           *list.OrderedList[Suballocation]
	freeSuballocationsBySize []list.Handle
}

// NewBlockMetadata creates metadata that must be sized with Init before use
func NewBlockMetadata(options Options) *BlockMetadata {
	if options.MinFreeSuballocationSizeToRegister <= 0 {
		options.MinFreeSuballocationSizeToRegister = DefaultMinFreeSuballocationSizeToRegister
	}
	if options.DebugAlignment == 0 {
		options.DebugAlignment = 1
	}

	return &BlockMetadata{
		options:        options,
		suballocations: list.NewOrderedList[Suballocation](suballocationsPerPoolBlock),
	}
}

// Init prepares the metadata to manage a block of the provided size in bytes. The block starts
// out as a single free region.
func (m *BlockMetadata) Init(size int) {
	if m.size != 0 || !m.suballocations.IsEmpty() {
		panic("attempted to initialize block metadata that has already been initialized")
	}
	if size <= 0 {
		panic(fmt.Sprintf("attempted to initialize block metadata with invalid size %d", size))
	}

	m.size = size
	m.freeCount = 1
	m.sumFreeSize = size

	handle := m.suballocations.PushBack(Suballocation{
		Offset: 0,
		Size:   size,
		Type:   SuballocationFree,
	})
	m.registerFreeSuballocation(handle)
}

// Size retrieves the size in bytes that the block was initialized with
func (m *BlockMetadata) Size() int { return m.size }

// SumFreeSize returns the number of free bytes in the block
func (m *BlockMetadata) SumFreeSize() int { return m.sumFreeSize }

// FreeCount returns the number of free regions in the block
func (m *BlockMetadata) FreeCount() int { return m.freeCount }

// AllocationCount returns the number of live allocations in the block
func (m *BlockMetadata) AllocationCount() int { return m.suballocations.Len() - m.freeCount }

// SuballocationCount returns the number of regions, free and used, that tile the block
func (m *BlockMetadata) SuballocationCount() int { return m.suballocations.Len() }

// IsEmpty returns true if the block consists of a single free region
func (m *BlockMetadata) IsEmpty() bool {
	return m.suballocations.Len() == 1 && m.freeCount == 1
}

// CreateAllocationRequest finds a place in the block for a new allocation without modifying the
// block. It returns false if no free region can hold the allocation once alignment, debug margins,
// and page conflicts with neighboring resources are taken into account.
//
// pageGranularity is the page size at which conflicting resource types (see AllocationsConflict)
// may not share memory. A pageGranularity of 1 disables the check.
func (m *BlockMetadata) CreateAllocationRequest(
	pageGranularity int,
	allocSize int,
	allocAlignment uint,
	allocType SuballocationType,
) (bool, AllocationRequest) {
	if allocSize <= 0 {
		panic(fmt.Sprintf("attempted to create an allocation request with invalid size %d", allocSize))
	}
	if allocType == SuballocationFree {
		panic("attempted to create an allocation request for a free suballocation")
	}
	memutils.DebugCheckPow2(allocAlignment, "allocAlignment")
	memutils.DebugValidate(m)

	// Early out: there is not enough free space in the whole block. Margins depend on where the
	// allocation lands, so checkAllocation accounts for them.
	if m.sumFreeSize < allocSize {
		return false, AllocationRequest{}
	}

	freeSuballocCount := len(m.freeSuballocationsBySize)
	if freeSuballocCount == 0 {
		return false, AllocationRequest{}
	}

	if m.options.Strategy == AllocationStrategyWorstFit {
		for index := freeSuballocCount - 1; index >= 0; index-- {
			handle := m.freeSuballocationsBySize[index]
			offset, ok := m.checkAllocation(pageGranularity, allocSize, allocAlignment, allocType, handle)
			if ok {
				return true, AllocationRequest{FreeSuballocation: handle, Offset: offset}
			}
		}

		return false, AllocationRequest{}
	}

	// Find the first free region large enough to hold the allocation
	index := sort.Search(freeSuballocCount, func(i int) bool {
		return m.suballocations.Get(m.freeSuballocationsBySize[i]).Size >= allocSize
	})

	// The index is sorted by size only, so alignment and page conflicts may still disqualify
	// the smallest candidates
	for ; index < freeSuballocCount; index++ {
		handle := m.freeSuballocationsBySize[index]
		offset, ok := m.checkAllocation(pageGranularity, allocSize, allocAlignment, allocType, handle)
		if ok {
			return true, AllocationRequest{FreeSuballocation: handle, Offset: offset}
		}
	}

	return false, AllocationRequest{}
}

func (m *BlockMetadata) checkAllocation(
	pageGranularity int,
	allocSize int,
	allocAlignment uint,
	allocType SuballocationType,
	freeHandle list.Handle,
) (int, bool) {
	suballoc := m.suballocations.Get(freeHandle)
	if suballoc.Type != SuballocationFree {
		panic(fmt.Sprintf("free suballocation index references a used suballocation at offset %d", suballoc.Offset))
	}

	if suballoc.Size < allocSize {
		return 0, false
	}

	margin := m.options.DebugMargin
	offset := suballoc.Offset

	// Apply the debug margin at the beginning, unless this is the start of the block: there is
	// nothing before it to protect
	if margin > 0 && m.suballocations.Prev(freeHandle) != list.NoHandle {
		offset += margin
	}

	alignment := allocAlignment
	if m.options.DebugAlignment > alignment {
		alignment = m.options.DebugAlignment
	}
	offset = memutils.AlignUp(offset, alignment)

	// Check previous suballocations for page conflicts. If one is found, the allocation has to
	// start on the next page
	if pageGranularity > 1 {
		conflictFound := false
		for prev := m.suballocations.Prev(freeHandle); prev != list.NoHandle; prev = m.suballocations.Prev(prev) {
			prevSuballoc := m.suballocations.Get(prev)
			if !memutils.BlocksOnSamePage(prevSuballoc.Offset, prevSuballoc.Size, offset, uint(pageGranularity)) {
				break
			}

			if AllocationsConflict(prevSuballoc.Type, allocType) {
				conflictFound = true
				break
			}
		}

		if conflictFound {
			offset = memutils.AlignUp(offset, uint(pageGranularity))
		}
	}

	paddingBegin := offset - suballoc.Offset

	requiredEndMargin := 0
	if m.suballocations.Next(freeHandle) != list.NoHandle {
		requiredEndMargin = margin
	}

	if paddingBegin+allocSize+requiredEndMargin > suballoc.Size {
		return 0, false
	}

	// Check following suballocations for page conflicts. The conflict is past the end of this
	// allocation, so moving the allocation forward can't help
	if pageGranularity > 1 {
		for next := m.suballocations.Next(freeHandle); next != list.NoHandle; next = m.suballocations.Next(next) {
			nextSuballoc := m.suballocations.Get(next)
			if !memutils.BlocksOnSamePage(offset, allocSize, nextSuballoc.Offset, uint(pageGranularity)) {
				break
			}

			if AllocationsConflict(allocType, nextSuballoc.Type) {
				return 0, false
			}
		}
	}

	return offset, true
}

// Alloc commits an AllocationRequest created by CreateAllocationRequest. The free region is
// converted into the new allocation, and any space left over before or after it becomes a new
// free region. An error is returned if the request no longer describes a valid placement.
func (m *BlockMetadata) Alloc(request AllocationRequest, allocType SuballocationType, allocSize int, userData any) error {
	if allocType == SuballocationFree {
		return errors.New("attempted to allocate a suballocation with the free type")
	}

	handle := request.FreeSuballocation
	suballoc := m.suballocations.Get(handle)
	if suballoc.Type != SuballocationFree {
		return errors.Errorf("allocation request at offset %d refers to a suballocation that is no longer free", request.Offset)
	}
	if request.Offset < suballoc.Offset {
		return errors.Errorf("allocation request offset %d precedes its free suballocation at offset %d", request.Offset, suballoc.Offset)
	}

	paddingBegin := request.Offset - suballoc.Offset
	if paddingBegin+allocSize > suballoc.Size {
		return errors.Errorf("allocation request of size %d at offset %d does not fit in free suballocation of size %d at offset %d",
			allocSize, request.Offset, suballoc.Size, suballoc.Offset)
	}
	paddingEnd := suballoc.Size - paddingBegin - allocSize

	// Unregister before modifying the size
	m.unregisterFreeSuballocation(handle)

	suballoc.Offset = request.Offset
	suballoc.Size = allocSize
	suballoc.Type = allocType
	suballoc.UserData = userData

	if paddingEnd > 0 {
		paddingHandle := m.suballocations.InsertAfter(handle, Suballocation{
			Offset: request.Offset + allocSize,
			Size:   paddingEnd,
			Type:   SuballocationFree,
		})
		m.registerFreeSuballocation(paddingHandle)
	}

	if paddingBegin > 0 {
		paddingHandle := m.suballocations.InsertBefore(handle, Suballocation{
			Offset: request.Offset - paddingBegin,
			Size:   paddingBegin,
			Type:   SuballocationFree,
		})
		m.registerFreeSuballocation(paddingHandle)
	}

	m.freeCount--
	if paddingBegin > 0 {
		m.freeCount++
	}
	if paddingEnd > 0 {
		m.freeCount++
	}
	m.sumFreeSize -= allocSize

	return nil
}

// Free releases the allocation that starts at offset, merging the region with free neighbors.
// Blocks hold a bounded number of live allocations, so the region is found with a linear scan.
// An error is returned if no live allocation starts at offset.
func (m *BlockMetadata) Free(offset int) error {
	for handle := m.suballocations.Front(); handle != list.NoHandle; handle = m.suballocations.Next(handle) {
		suballoc := m.suballocations.Get(handle)
		if suballoc.Offset != offset {
			continue
		}

		if suballoc.Type == SuballocationFree {
			return errors.Errorf("attempted to free the suballocation at offset %d, which is already free", offset)
		}

		m.freeSuballocation(handle)
		return nil
	}

	return errors.Errorf("no allocation found at offset %d", offset)
}

func (m *BlockMetadata) freeSuballocation(handle list.Handle) {
	suballoc := m.suballocations.Get(handle)
	suballoc.Type = SuballocationFree
	suballoc.UserData = nil

	m.freeCount++
	m.sumFreeSize += suballoc.Size

	next := m.suballocations.Next(handle)
	prev := m.suballocations.Prev(handle)

	if next != list.NoHandle && m.suballocations.Get(next).Type == SuballocationFree {
		m.unregisterFreeSuballocation(next)
		m.mergeFreeWithNext(handle)
	}

	if prev != list.NoHandle && m.suballocations.Get(prev).Type == SuballocationFree {
		m.unregisterFreeSuballocation(prev)
		m.mergeFreeWithNext(prev)
		m.registerFreeSuballocation(prev)
		return
	}

	m.registerFreeSuballocation(handle)
}

func (m *BlockMetadata) mergeFreeWithNext(handle list.Handle) {
	next := m.suballocations.Next(handle)
	if next == list.NoHandle {
		panic("attempted to merge the last suballocation in a block with its successor")
	}

	suballoc := m.suballocations.Get(handle)
	nextSuballoc := m.suballocations.Get(next)
	if nextSuballoc.Type != SuballocationFree {
		panic(fmt.Sprintf("attempted to merge with a used suballocation at offset %d", nextSuballoc.Offset))
	}

	suballoc.Size += nextSuballoc.Size
	m.freeCount--
	m.suballocations.Remove(next)
}

func (m *BlockMetadata) registerFreeSuballocation(handle list.Handle) {
	size := m.suballocations.Get(handle).Size
	if size < m.options.MinFreeSuballocationSizeToRegister {
		return
	}

	index := sort.Search(len(m.freeSuballocationsBySize), func(i int) bool {
		return m.suballocations.Get(m.freeSuballocationsBySize[i]).Size >= size
	})
	m.freeSuballocationsBySize = slices.Insert(m.freeSuballocationsBySize, index, handle)
}

func (m *BlockMetadata) unregisterFreeSuballocation(handle list.Handle) {
	size := m.suballocations.Get(handle).Size
	if size < m.options.MinFreeSuballocationSizeToRegister {
		return
	}

	index := sort.Search(len(m.freeSuballocationsBySize), func(i int) bool {
		return m.suballocations.Get(m.freeSuballocationsBySize[i]).Size >= size
	})

	for ; index < len(m.freeSuballocationsBySize); index++ {
		current := m.freeSuballocationsBySize[index]
		if current == handle {
			m.freeSuballocationsBySize = slices.Delete(m.freeSuballocationsBySize, index, index+1)
			return
		}

		if m.suballocations.Get(current).Size != size {
			break
		}
	}

	panic(fmt.Sprintf("free suballocation at offset %d was not found in the size index", m.suballocations.Get(handle).Offset))
}

// Validate performs a full consistency check of the block and returns an error describing the
// first problem found. It is expensive and intended for debugging.
func (m *BlockMetadata) Validate() error {
	if m.suballocations.IsEmpty() {
		return errors.New("block metadata has no suballocations")
	}

	calculatedOffset := 0
	calculatedFreeCount := 0
	calculatedSumFreeSize := 0
	freeSuballocationsToRegister := 0
	prevFree := false

	for handle := m.suballocations.Front(); handle != list.NoHandle; handle = m.suballocations.Next(handle) {
		suballoc := m.suballocations.Get(handle)

		if suballoc.Offset != calculatedOffset {
			return errors.Errorf("suballocation has offset %d but the expected offset was %d", suballoc.Offset, calculatedOffset)
		}
		if suballoc.Size <= 0 {
			return errors.Errorf("suballocation at offset %d has invalid size %d", suballoc.Offset, suballoc.Size)
		}

		currFree := suballoc.Type == SuballocationFree
		if prevFree && currFree {
			return errors.Errorf("two adjacent free suballocations were found at offset %d", suballoc.Offset)
		}

		if currFree {
			if suballoc.UserData != nil {
				return errors.Errorf("free suballocation at offset %d has user data", suballoc.Offset)
			}

			calculatedSumFreeSize += suballoc.Size
			calculatedFreeCount++
			if suballoc.Size >= m.options.MinFreeSuballocationSizeToRegister {
				freeSuballocationsToRegister++
			}
		}

		calculatedOffset += suballoc.Size
		prevFree = currFree
	}

	if len(m.freeSuballocationsBySize) != freeSuballocationsToRegister {
		return errors.Errorf("size index holds %d free suballocations but %d are large enough to register",
			len(m.freeSuballocationsBySize), freeSuballocationsToRegister)
	}

	seen := make(map[list.Handle]struct{}, len(m.freeSuballocationsBySize))
	lastSize := 0
	for _, handle := range m.freeSuballocationsBySize {
		suballoc := m.suballocations.Get(handle)
		if suballoc.Type != SuballocationFree {
			return errors.Errorf("size index references a used suballocation at offset %d", suballoc.Offset)
		}
		if suballoc.Size < m.options.MinFreeSuballocationSizeToRegister {
			return errors.Errorf("size index references a free suballocation of size %d, below the registration threshold", suballoc.Size)
		}
		if suballoc.Size < lastSize {
			return errors.Errorf("size index is not sorted: size %d follows size %d", suballoc.Size, lastSize)
		}
		if _, duplicate := seen[handle]; duplicate {
			return errors.Errorf("size index references the free suballocation at offset %d twice", suballoc.Offset)
		}

		seen[handle] = struct{}{}
		lastSize = suballoc.Size
	}

	if calculatedOffset != m.size {
		return errors.Errorf("suballocations cover %d bytes but the block size is %d", calculatedOffset, m.size)
	}
	if calculatedSumFreeSize != m.sumFreeSize {
		return errors.Errorf("free suballocations sum to %d bytes but the block reports %d", calculatedSumFreeSize, m.sumFreeSize)
	}
	if calculatedFreeCount != m.freeCount {
		return errors.Errorf("found %d free suballocations but the block reports %d", calculatedFreeCount, m.freeCount)
	}

	return nil
}

// VisitAllRegions calls the provided callback once for each region of the block, free or used,
// in offset order. Iteration stops at the first error, which is returned.
func (m *BlockMetadata) VisitAllRegions(handleRegion func(offset int, size int, suballocType SuballocationType, userData any) error) error {
	for handle := m.suballocations.Front(); handle != list.NoHandle; handle = m.suballocations.Next(handle) {
		suballoc := m.suballocations.Get(handle)
		err := handleRegion(suballoc.Offset, suballoc.Size, suballoc.Type, suballoc.UserData)
		if err != nil {
			return err
		}
	}

	return nil
}

// AddStatInfo sums this block's statistics into stats. The block counts as one native allocation.
func (m *BlockMetadata) AddStatInfo(stats *memutils.StatInfo) {
	stats.AllocationCount++

	for handle := m.suballocations.Front(); handle != list.NoHandle; handle = m.suballocations.Next(handle) {
		suballoc := m.suballocations.Get(handle)
		if suballoc.Type == SuballocationFree {
			stats.AddUnusedRange(suballoc.Size)
		} else {
			stats.AddSuballocation(suballoc.Size)
		}
	}
}

// BlockJsonData populates a json object with a summary of this block and a listing of its regions
func (m *BlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.sumFreeSize)
	json.Name("Allocations").Int(m.AllocationCount())
	json.Name("UnusedRanges").Int(m.freeCount)

	suballocations := json.Name("Suballocations").Array()
	defer suballocations.End()

	for handle := m.suballocations.Front(); handle != list.NoHandle; handle = m.suballocations.Next(handle) {
		suballoc := m.suballocations.Get(handle)

		obj := suballocations.Object()
		obj.Name("Type").String(suballoc.Type.String())
		obj.Name("Size").Int(suballoc.Size)
		obj.Name("Offset").Int(suballoc.Offset)
		obj.End()
	}
}

// CheckCorruption accepts a pointer to the mapped memory of the block and verifies that the
// marker written with memutils.WriteMagicValue after every allocation is intact. Allocations that
// end too close to the end of the block to carry a marker are skipped.
func (m *BlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	margin := m.options.DebugMargin
	if margin == 0 {
		return nil
	}

	for handle := m.suballocations.Front(); handle != list.NoHandle; handle = m.suballocations.Next(handle) {
		suballoc := m.suballocations.Get(handle)
		if suballoc.Type == SuballocationFree {
			continue
		}

		markerOffset := suballoc.Offset + suballoc.Size
		if markerOffset+margin > m.size {
			continue
		}

		if !memutils.ValidateMagicValue(blockData, markerOffset, margin) {
			return errors.Wrapf(memutils.CorruptionError, "allocation at offset %d", suballoc.Offset)
		}
	}

	return nil
}
