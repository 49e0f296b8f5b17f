package kvblock

import "container/list"

// Allocator owns a fixed pool of capacity blocks, indices 0..capacity-1,
// all initially Free. It maintains a free list and one Evictor, and routes
// frees to whichever of the two prefix caching calls for.
type Allocator struct {
	blocks              []*Block
	freeList            *list.List // of *Block
	evictor             *Evictor
	enablePrefixCaching bool
}

// NewAllocator materializes capacity Free blocks.
func NewAllocator(capacity int, enablePrefixCaching bool) *Allocator {
	a := &Allocator{
		blocks:              make([]*Block, capacity),
		freeList:            list.New(),
		evictor:             NewEvictor(),
		enablePrefixCaching: enablePrefixCaching,
	}
	for i := 0; i < capacity; i++ {
		b := newBlock(i)
		a.blocks[i] = b
		a.freeList.PushBack(b)
	}
	return a
}

// NumFree returns the free list plus Evictor size.
func (a *Allocator) NumFree() int {
	return a.freeList.Len() + a.evictor.Size()
}

// CanAllocate reports whether n blocks are currently available.
func (a *Allocator) CanAllocate(n int) bool {
	return a.NumFree() >= n
}

// UsedPercentage is (capacity - num_free) / capacity.
func (a *Allocator) UsedPercentage() float64 {
	return float64(len(a.blocks)-a.NumFree()) / float64(len(a.blocks))
}

// AllocatePlain pops the head of the free list. Caching must be off.
func (a *Allocator) AllocatePlain() *Block {
	if a.enablePrefixCaching {
		panic("kvblock: AllocatePlain called with prefix caching enabled")
	}
	if !a.CanAllocate(1) {
		panic("kvblock: AllocatePlain precondition violated: no free blocks")
	}
	block := a.popFree()
	block.increment()
	return block
}

// AllocateIndexed services an allocation with caching on: pop the free
// list if non-empty; otherwise take the LRU victim from the Evictor (whose
// old content is erased from the Evictor's PrefixIndex as part of that
// take); either way, set the block's content to the given slice and
// insert it into liveIndex under that content. Returns ok == false only
// when both the free list and the Evictor are empty. evicted reports
// whether servicing the request required taking an LRU victim, for
// callers that want to count evictions.
func (a *Allocator) AllocateIndexed(liveIndex *PrefixIndex, prompt, generated []int64, contentLen int) (block *Block, ok bool, evicted bool) {
	if !a.enablePrefixCaching {
		panic("kvblock: AllocateIndexed called with prefix caching disabled")
	}
	content := concatContent(prompt, generated, contentLen)

	if a.freeList.Len() > 0 {
		block = a.popFree()
		block.increment()
		block.setContent(content)
		liveIndex.Insert(content, block)
		return block, true, false
	}
	if block, ok = a.evictor.TakeLRU(); ok {
		block.setContent(content)
		liveIndex.Insert(content, block)
		return block, true, true
	}
	return nil, false, false
}

// Free decrements block's ref_count. If it reaches zero, the block goes to
// the free list (caching off) or is handed to the Evictor (caching on),
// still carrying its last content.
func (a *Allocator) Free(block *Block) {
	block.release()
	if !block.IsFree() {
		return
	}
	if a.enablePrefixCaching {
		a.evictor.Add(block)
	} else {
		a.freeList.PushBack(block)
	}
}

// LookupCached first tries the Evictor; on a hit the block is removed from
// the Evictor and returned Live with ref_count 1. On a miss it consults
// liveIndex: a hit there increments ref_count on an already-shared block.
// A miss in both returns (nil, false) — an ordinary cache miss.
func (a *Allocator) LookupCached(liveIndex *PrefixIndex, tokens []int64) (*Block, bool) {
	if block, ok := a.evictor.TakeByContent(tokens); ok {
		return block, true
	}
	block, ok := liveIndex.Lookup(tokens)
	if !ok {
		return nil, false
	}
	block.increment()
	return block, true
}

func (a *Allocator) popFree() *Block {
	front := a.freeList.Front()
	a.freeList.Remove(front)
	return front.Value.(*Block)
}

// concatContent returns a defensive copy of (prompt ++ generated)[:contentLen].
func concatContent(prompt, generated []int64, contentLen int) []int64 {
	content := make([]int64, contentLen)
	n := copy(content, prompt)
	if n < contentLen {
		copy(content[n:], generated)
	}
	return content
}
