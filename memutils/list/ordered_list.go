package list

type listNode[T any] struct {
	value T
	prev  Handle
	next  Handle
}

// OrderedList is a doubly-linked list whose nodes live in a PoolAllocator. Handles returned
// from the insert methods stay valid until that node is removed, regardless of what else is
// inserted or removed.
type OrderedList[T any] struct {
	nodes *PoolAllocator[listNode[T]]
	front Handle
	back  Handle
	count int
}

func NewOrderedList[T any](itemsPerBlock int) *OrderedList[T] {
	return &OrderedList[T]{
		nodes: NewPoolAllocator[listNode[T]](itemsPerBlock),
		front: NoHandle,
		back:  NoHandle,
	}
}

func (l *OrderedList[T]) Len() int        { return l.count }
func (l *OrderedList[T]) IsEmpty() bool   { return l.count == 0 }
func (l *OrderedList[T]) Front() Handle   { return l.front }
func (l *OrderedList[T]) Back() Handle    { return l.back }
func (l *OrderedList[T]) Get(h Handle) *T { return &l.nodes.Get(h).value }

// Next returns the handle after h, or NoHandle if h is the back of the list
func (l *OrderedList[T]) Next(h Handle) Handle { return l.nodes.Get(h).next }

// Prev returns the handle before h, or NoHandle if h is the front of the list
func (l *OrderedList[T]) Prev(h Handle) Handle { return l.nodes.Get(h).prev }

func (l *OrderedList[T]) PushBack(value T) Handle {
	handle := l.nodes.Alloc()
	node := l.nodes.Get(handle)
	node.value = value
	node.next = NoHandle
	node.prev = l.back

	if l.back == NoHandle {
		l.front = handle
	} else {
		l.nodes.Get(l.back).next = handle
	}

	l.back = handle
	l.count++
	return handle
}

func (l *OrderedList[T]) PushFront(value T) Handle {
	handle := l.nodes.Alloc()
	node := l.nodes.Get(handle)
	node.value = value
	node.prev = NoHandle
	node.next = l.front

	if l.front == NoHandle {
		l.back = handle
	} else {
		l.nodes.Get(l.front).prev = handle
	}

	l.front = handle
	l.count++
	return handle
}

// InsertBefore inserts value immediately before the node at h. If h is NoHandle, the value is
// pushed onto the back of the list.
func (l *OrderedList[T]) InsertBefore(h Handle, value T) Handle {
	if h == NoHandle {
		return l.PushBack(value)
	}

	prev := l.nodes.Get(h).prev
	if prev == NoHandle {
		return l.PushFront(value)
	}

	handle := l.nodes.Alloc()
	node := l.nodes.Get(handle)
	node.value = value
	node.prev = prev
	node.next = h

	l.nodes.Get(prev).next = handle
	l.nodes.Get(h).prev = handle
	l.count++
	return handle
}

// InsertAfter inserts value immediately after the node at h. If h is NoHandle, the value is
// pushed onto the front of the list.
func (l *OrderedList[T]) InsertAfter(h Handle, value T) Handle {
	if h == NoHandle {
		return l.PushFront(value)
	}

	next := l.nodes.Get(h).next
	if next == NoHandle {
		return l.PushBack(value)
	}

	handle := l.nodes.Alloc()
	node := l.nodes.Get(handle)
	node.value = value
	node.prev = h
	node.next = next

	l.nodes.Get(next).prev = handle
	l.nodes.Get(h).next = handle
	l.count++
	return handle
}

// Remove unlinks the node at h and returns it to the pool
func (l *OrderedList[T]) Remove(h Handle) {
	node := l.nodes.Get(h)

	if node.prev == NoHandle {
		l.front = node.next
	} else {
		l.nodes.Get(node.prev).next = node.next
	}

	if node.next == NoHandle {
		l.back = node.prev
	} else {
		l.nodes.Get(node.next).prev = node.prev
	}

	l.nodes.Free(h)
	l.count--
}

// PopFront removes the front node and returns its value
func (l *OrderedList[T]) PopFront() T {
	if l.front == NoHandle {
		panic("attempted to pop from the front of an empty list")
	}

	value := l.nodes.Get(l.front).value
	l.Remove(l.front)
	return value
}

// PopBack removes the back node and returns its value
func (l *OrderedList[T]) PopBack() T {
	if l.back == NoHandle {
		panic("attempted to pop from the back of an empty list")
	}

	value := l.nodes.Get(l.back).value
	l.Remove(l.back)
	return value
}

// Clear removes every node. The pool keeps its blocks for reuse.
func (l *OrderedList[T]) Clear() {
	l.nodes.Clear()
	l.front = NoHandle
	l.back = NoHandle
	l.count = 0
}
