// Package dlist is a small intrusive doubly linked list. The event loop keeps
// its connections in one, ordered by last activity.
package dlist

type Node[T any] struct {
	Prev  *Node[T]
	Next  *Node[T]
	Value T
	list  *List[T]
}

type List[T any] struct {
	Head   *Node[T]
	Tail   *Node[T]
	Length int
}

func New[T any]() *List[T] {
	return &List[T]{}
}

// PushTail appends value and returns its node.
func (l *List[T]) PushTail(value T) *Node[T] {
	node := &Node[T]{Value: value, list: l}
	l.linkTail(node)
	return node
}

// MoveToTail moves node to the end of the list. Nodes of other lists are ignored.
func (l *List[T]) MoveToTail(node *Node[T]) {
	if node == nil || node.list != l || l.Tail == node {
		return
	}
	l.unlink(node)
	l.linkTail(node)
}

// Remove unlinks node. Removing a node twice is a no-op.
func (l *List[T]) Remove(node *Node[T]) bool {
	if node == nil || node.list != l {
		return false
	}
	l.unlink(node)
	node.list = nil
	return true
}

func (l *List[T]) Len() int {
	return l.Length
}

func (l *List[T]) linkTail(node *Node[T]) {
	if l.Tail == nil {
		l.Head, l.Tail = node, node
	} else {
		node.Prev, l.Tail.Next, l.Tail = l.Tail, node, node
	}
	l.Length++
}

func (l *List[T]) unlink(node *Node[T]) {
	if node.Prev != nil {
		node.Prev.Next = node.Next
	} else {
		l.Head = node.Next
	}
	if node.Next != nil {
		node.Next.Prev = node.Prev
	} else {
		l.Tail = node.Prev
	}
	node.Next, node.Prev = nil, nil
	l.Length--
}
