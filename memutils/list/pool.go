package list

import (
	"fmt"
	"math"
)

// Handle is a stable reference to a slot in a PoolAllocator. Handles stay valid until the slot
// is freed, no matter how many other slots are allocated or freed in the meantime.
type Handle uint32

// NoHandle is the zero-value for handles: it never refers to a live slot
const NoHandle Handle = math.MaxUint32

type poolSlot[T any] struct {
	value    T
	nextFree Handle
	used     bool
}

// PoolAllocator hands out fixed-size slots for values of T. Slots are carved out of blocks of
// itemsPerBlock items; blocks are never moved or released, so a pointer retrieved with Get stays
// valid for as long as the slot is live. Freed slots are threaded onto an internal free list and
// reused before any new block is created.
type PoolAllocator[T any] struct {
	itemsPerBlock int
	blocks        [][]poolSlot[T]
	firstFree     Handle
	count         int
}

// NewPoolAllocator creates an empty pool. No memory is reserved until the first Alloc.
func NewPoolAllocator[T any](itemsPerBlock int) *PoolAllocator[T] {
	if itemsPerBlock < 1 {
		panic(fmt.Sprintf("pool allocator requires at least one item per block, received %d", itemsPerBlock))
	}

	return &PoolAllocator[T]{
		itemsPerBlock: itemsPerBlock,
		firstFree:     NoHandle,
	}
}

// Alloc reserves a zeroed slot and returns its handle
func (p *PoolAllocator[T]) Alloc() Handle {
	if p.firstFree == NoHandle {
		p.grow()
	}

	handle := p.firstFree
	slot := p.slot(handle)
	p.firstFree = slot.nextFree

	var zero T
	slot.value = zero
	slot.nextFree = NoHandle
	slot.used = true
	p.count++

	return handle
}

// Free returns a slot to the pool. Freeing a slot that is not live panics.
func (p *PoolAllocator[T]) Free(handle Handle) {
	slot := p.slot(handle)
	if !slot.used {
		panic(fmt.Sprintf("attempted to free pool slot %d, which is not in use", handle))
	}

	var zero T
	slot.value = zero
	slot.used = false
	slot.nextFree = p.firstFree
	p.firstFree = handle
	p.count--
}

// Get retrieves a pointer to the value stored in a live slot
func (p *PoolAllocator[T]) Get(handle Handle) *T {
	slot := p.slot(handle)
	if !slot.used {
		panic(fmt.Sprintf("attempted to access pool slot %d, which is not in use", handle))
	}

	return &slot.value
}

// Clear marks every slot free without releasing any blocks
func (p *PoolAllocator[T]) Clear() {
	var zero T
	p.firstFree = NoHandle

	for blockIndex := len(p.blocks) - 1; blockIndex >= 0; blockIndex-- {
		block := p.blocks[blockIndex]
		base := blockIndex * p.itemsPerBlock
		for i := len(block) - 1; i >= 0; i-- {
			block[i].value = zero
			block[i].used = false
			block[i].nextFree = p.firstFree
			p.firstFree = Handle(base + i)
		}
	}

	p.count = 0
}

// Len returns the number of live slots
func (p *PoolAllocator[T]) Len() int { return p.count }

// Capacity returns the number of slots, live or free, across all blocks
func (p *PoolAllocator[T]) Capacity() int { return len(p.blocks) * p.itemsPerBlock }

func (p *PoolAllocator[T]) slot(handle Handle) *poolSlot[T] {
	if handle == NoHandle {
		panic("attempted to access a pool slot with NoHandle")
	}

	blockIndex := int(handle) / p.itemsPerBlock
	if blockIndex >= len(p.blocks) {
		panic(fmt.Sprintf("pool slot %d is out of range", handle))
	}

	return &p.blocks[blockIndex][int(handle)%p.itemsPerBlock]
}

func (p *PoolAllocator[T]) grow() {
	base := len(p.blocks) * p.itemsPerBlock
	if base+p.itemsPerBlock >= int(NoHandle) {
		panic("pool allocator exhausted its handle space")
	}

	block := make([]poolSlot[T], p.itemsPerBlock)
	for i := 0; i < len(block)-1; i++ {
		block[i].nextFree = Handle(base + i + 1)
	}
	block[len(block)-1].nextFree = p.firstFree

	p.blocks = append(p.blocks, block)
	p.firstFree = Handle(base)
}
