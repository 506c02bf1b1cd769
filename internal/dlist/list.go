// Package dlist implements an intrusive doubly linked list with a sentinel
// node, giving O(1) insert, move and remove. Queue membership is carried by
// the node itself rather than by a separate container, matching the way the
// peer's acknowledgement/outgoing/sent/dispatched queues share one
// lightweight node type instead of allocating wrapper elements per queue.
package dlist

// Node is allocated by the List and holds one stored value; keep the
// returned *Node to remove or move that value in O(1).
type Node[T any] struct {
	next, prev *Node[T]
	list       *List[T]
	value      T
}

// Value returns the payload carried by this node.
func (n *Node[T]) Value() T { return n.value }

// InList reports whether the node currently belongs to some list.
func (n *Node[T]) InList() bool { return n.list != nil }

// List is a circular doubly linked list with a sentinel head node, so
// empty-check, push and remove never need nil checks on the neighbors.
type List[T any] struct {
	sentinel Node[T]
	size     int
}

// New returns an initialized empty list.
func New[T any]() *List[T] {
	l := &List[T]{}
	l.sentinel.next = &l.sentinel
	l.sentinel.prev = &l.sentinel
	return l
}

// Len returns the number of elements currently queued.
func (l *List[T]) Len() int { return l.size }

// Empty reports whether the list has no elements.
func (l *List[T]) Empty() bool { return l.size == 0 }

func (l *List[T]) insertBefore(at *Node[T], n *Node[T], value T) *Node[T] {
	if n == nil {
		n = &Node[T]{}
	}
	n.value = value
	n.prev = at.prev
	n.next = at
	at.prev.next = n
	at.prev = n
	n.list = l
	l.size++
	return n
}

// PushBack appends value and returns its node.
func (l *List[T]) PushBack(value T) *Node[T] {
	return l.insertBefore(&l.sentinel, nil, value)
}

// PushFront prepends value and returns its node.
func (l *List[T]) PushFront(value T) *Node[T] {
	return l.insertBefore(l.sentinel.next, nil, value)
}

// InsertBefore inserts value immediately before mark and returns its node.
// mark must currently belong to l.
func (l *List[T]) InsertBefore(mark *Node[T], value T) *Node[T] {
	return l.insertBefore(mark, nil, value)
}

// Front returns the first node, or nil if the list is empty.
func (l *List[T]) Front() *Node[T] {
	if l.size == 0 {
		return nil
	}
	return l.sentinel.next
}

// Back returns the last node, or nil if the list is empty.
func (l *List[T]) Back() *Node[T] {
	if l.size == 0 {
		return nil
	}
	return l.sentinel.prev
}

// Next returns the node following n, or nil at the end of the list.
func (l *List[T]) Next(n *Node[T]) *Node[T] {
	if n.next == &l.sentinel {
		return nil
	}
	return n.next
}

// Remove detaches n from whichever list it belongs to. It is a no-op if n is
// not currently in a list, so double-removal is safe.
func Remove[T any](n *Node[T]) {
	if n == nil || n.list == nil {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.list.size--
	n.list = nil
	n.next = nil
	n.prev = nil
}

// MoveToList detaches n from its current list (if any) and appends it to
// dst, without ever leaving n unreachable from both queues at once.
func MoveToList[T any](n *Node[T], dst *List[T]) {
	Remove(n)
	dst.insertBefore(&dst.sentinel, n, n.value)
}

// Each calls fn for every node from front to back. fn may remove the current
// node (and only the current node) during iteration.
func (l *List[T]) Each(fn func(n *Node[T]) bool) {
	n := l.sentinel.next
	for n != &l.sentinel {
		next := n.next
		if !fn(n) {
			return
		}
		n = next
	}
}
