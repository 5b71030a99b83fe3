//go:build linux

// Package registry provides the per-resource tables used by the kernel package.
//
// A Registry is an intrusive doubly linked list of records guarded by a
// single-word reader/writer Lock. Lookups are linear scans; tables are expected
// to hold at most a few dozen live entries per process.
//
// Callers hold the lock themselves: RLock around FindBy/Each, Lock around
// Insert/Remove. A record found under RLock may be removed by another thread as
// soon as the lock is released.
package registry

// Node links one record into a Registry.
type Node[T any] struct {
	Value      T
	prev, next *Node[T]
	owner      *Registry[T]
}

// Linked reports whether the node is still part of its registry.
func (n *Node[T]) Linked() bool {
	return n != nil && n.owner != nil
}

// Registry is a lock-guarded intrusive list of records.
type Registry[T any] struct {
	lock       Lock
	head, tail *Node[T]
	len        int
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Lock acquires the registry for writing.
func (r *Registry[T]) Lock() { r.lock.Lock() }

// Unlock releases the write lock.
func (r *Registry[T]) Unlock() { r.lock.Unlock() }

// RLock acquires the registry for reading.
func (r *Registry[T]) RLock() { r.lock.RLock() }

// RUnlock releases a read lock.
func (r *Registry[T]) RUnlock() { r.lock.RUnlock() }

// Insert appends v and returns its node. Requires the write lock.
func (r *Registry[T]) Insert(v T) *Node[T] {
	n := &Node[T]{Value: v, owner: r}
	if r.tail == nil {
		r.head = n
	} else {
		n.prev = r.tail
		r.tail.next = n
	}
	r.tail = n
	r.len++
	return n
}

// InsertFront prepends v so FindBy sees it before older records. Requires the write lock.
func (r *Registry[T]) InsertFront(v T) *Node[T] {
	n := &Node[T]{Value: v, owner: r, next: r.head}
	if r.head == nil {
		r.tail = n
	} else {
		r.head.prev = n
	}
	r.head = n
	r.len++
	return n
}

// Remove unlinks n. Removing a node twice is a no-op. Requires the write lock.
func (r *Registry[T]) Remove(n *Node[T]) bool {
	if n == nil || n.owner != r {
		return false
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		r.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		r.tail = n.prev
	}
	n.prev, n.next, n.owner = nil, nil, nil
	r.len--
	return true
}

// FindBy returns the first node whose value satisfies match. Requires at least the read lock.
func (r *Registry[T]) FindBy(match func(T) bool) *Node[T] {
	for n := r.head; n != nil; n = n.next {
		if match(n.Value) {
			return n
		}
	}
	return nil
}

// Each visits values in insertion order until fn returns false. Requires at least the read lock.
func (r *Registry[T]) Each(fn func(T) bool) {
	for n := r.head; n != nil; n = n.next {
		if !fn(n.Value) {
			return
		}
	}
}

// At returns the value at position i in insertion order.
func (r *Registry[T]) At(i int) (T, bool) {
	var zero T
	if i < 0 {
		return zero, false
	}
	for n := r.head; n != nil; n = n.next {
		if i == 0 {
			return n.Value, true
		}
		i--
	}
	return zero, false
}

// Len returns the number of linked records.
func (r *Registry[T]) Len() int {
	return r.len
}
