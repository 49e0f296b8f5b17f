package kvblock

import (
	"container/list"
)

// Evictor holds the set of Cached blocks (ref_count == 0, freed but
// retained for prefix reuse) and selects LRU victims. Every block it holds
// is simultaneously indexed in a private PrefixIndex under its current
// content; add/remove always touch both structures in the same operation,
// so the two never drift apart.
//
// Ordering is maintained with a doubly linked list (container/list, the
// same structure the admission driver's queues use): add appends to the
// back, so with insertion order preserved the front of the list is always
// the least-recently-added block. Because timestamps only move forward,
// this also breaks ties between equal timestamps deterministically by
// insertion order, as required by the spec.
type Evictor struct {
	order *list.List // front = oldest
	index *PrefixIndex
	elems map[int]*list.Element
}

// NewEvictor returns an empty Evictor.
func NewEvictor() *Evictor {
	return &Evictor{
		order: list.New(),
		index: NewPrefixIndex(),
		elems: make(map[int]*list.Element),
	}
}

// Add inserts block, which must have ref_count == 0, timestamping it with
// "now" and indexing it under its current content.
func (e *Evictor) Add(block *Block) {
	if !block.IsFree() {
		panic("kvblock: Evictor.Add on block with non-zero ref_count")
	}
	block.touch()
	elem := e.order.PushBack(block)
	e.elems[block.Index()] = elem
	e.index.Insert(block.Content(), block)
}

// TakeByContent removes and returns the Cached block whose content equals
// tokens, re-timestamping it and raising ref_count to 1. Returns (nil,
// false) on a miss — an ordinary cache miss, not an error.
func (e *Evictor) TakeByContent(tokens []int64) (*Block, bool) {
	block, ok := e.index.Lookup(tokens)
	if !ok {
		return nil, false
	}
	e.remove(block)
	block.touch()
	block.increment()
	return block, true
}

// TakeLRU removes and returns the oldest Cached block. Returns (nil,
// false) only when the Evictor is empty.
func (e *Evictor) TakeLRU() (*Block, bool) {
	front := e.order.Front()
	if front == nil {
		return nil, false
	}
	block := front.Value.(*Block)
	e.removeElement(block, front)
	block.touch()
	block.increment()
	return block, true
}

// Size returns the number of Cached blocks held.
func (e *Evictor) Size() int { return e.order.Len() }

// remove takes block out of both the ordered set and the content index.
func (e *Evictor) remove(block *Block) {
	elem := e.elems[block.Index()]
	e.removeElement(block, elem)
}

func (e *Evictor) removeElement(block *Block, elem *list.Element) {
	e.order.Remove(elem)
	delete(e.elems, block.Index())
	e.index.Erase(block.Content())
}
