// Package dtable provides a sparse, descriptor-id-indexed table of
// lazily-materialized slots with automatic growth.
//
// Slots are keyed by the descriptor id itself, so lookup is O(1) index
// access instead of a map, and the backing slice grows by doubling.
package dtable

import (
	"github.com/Math2/io-event/internal/locker"
)

const initialSize = 256

// Table is a sparse table mapping a nonnegative id to a *T, materializing
// slots on first use and growing automatically. The zero value is usable.
type Table[T any] struct {
	mu    locker.Locker
	slots []*T
}

// New returns an empty Table.
func New[T any]() *Table[T] {
	return &Table[T]{}
}

func (t *Table[T]) grow(id int) {
	if id < len(t.slots) {
		return
	}
	n := len(t.slots)
	if n == 0 {
		n = initialSize
	}
	for n <= id {
		n *= 2
	}
	grown := make([]*T, n)
	copy(grown, t.slots)
	t.slots = grown
}

// Ensure returns the slot for id, materializing it by calling new_ if this
// is the first use of id.
func (t *Table[T]) Ensure(id int, new_ func() *T) *T {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.grow(id)
	if t.slots[id] == nil {
		t.slots[id] = new_()
	}
	return t.slots[id]
}

// Lookup returns the slot for id, or nil if it has never been materialized
// (or id is out of range).
func (t *Table[T]) Lookup(id int) *T {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

// Delete clears the slot for id. A later Ensure re-materializes it.
func (t *Table[T]) Delete(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= 0 && id < len(t.slots) {
		t.slots[id] = nil
	}
}
