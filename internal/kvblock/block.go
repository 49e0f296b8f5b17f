package kvblock

import "time"

// Block is a fixed-size physical slot holding KV-cache tensors for up to
// blockSize consecutive tokens of one sequence. index is stable and dense
// in [0, capacity) and never changes after construction.
//
// A block is in exactly one of three states: Free (refCount == 0, not
// indexed anywhere), Cached (refCount == 0, held by an Evictor and present
// in its PrefixIndex), or Live (refCount >= 1).
type Block struct {
	index     int
	refCount  int
	timestamp time.Time
	content   []int64
}

// newBlock creates a Free block with the given stable index.
func newBlock(index int) *Block {
	return &Block{index: index, timestamp: time.Now()}
}

// Index returns the block's immutable pool position.
func (b *Block) Index() int { return b.index }

// RefCount returns the number of sequence-table occurrences referencing b.
func (b *Block) RefCount() int { return b.refCount }

// IsFree reports whether no sequence currently references b.
func (b *Block) IsFree() bool { return b.refCount == 0 }

// CopyOnWrite reports whether a write to b must first clone it.
func (b *Block) CopyOnWrite() bool { return b.refCount > 1 }

// Content returns the exact token sequence b currently represents.
func (b *Block) Content() []int64 { return b.content }

// Timestamp returns the wall-clock time b last transitioned into the
// Evictor or was reused.
func (b *Block) Timestamp() time.Time { return b.timestamp }

func (b *Block) increment() { b.refCount++ }

// release lowers refCount by one. Releasing an already-free block is a
// programming error in the caller and must fail loudly rather than silently
// underflow the count.
func (b *Block) release() {
	if b.refCount == 0 {
		panic("kvblock: release of block with ref_count == 0")
	}
	b.refCount--
}

func (b *Block) setContent(content []int64) { b.content = content }

func (b *Block) setTimestamp(t time.Time) { b.timestamp = t }

func (b *Block) touch() { b.timestamp = time.Now() }
