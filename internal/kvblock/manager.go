package kvblock

import (
	"log/slog"
)

// Recorder receives observability events as the manager mutates the pool.
// It exists so a metrics backend (internal/kvblock/metrics) can be wired in
// without this package depending on it; a BlockManager built by
// NewBlockManager uses a no-op recorder until SetRecorder is called.
type Recorder interface {
	ObserveOccupancy(numFree, capacity int)
	IncCacheHit()
	IncCacheMiss()
	IncEviction()
}

type noopRecorder struct{}

func (noopRecorder) ObserveOccupancy(int, int) {}
func (noopRecorder) IncCacheHit()              {}
func (noopRecorder) IncCacheMiss()             {}
func (noopRecorder) IncEviction()              {}

// BlockManager owns the Allocator, the process-wide Live PrefixIndex, and
// the per-sequence block tables. It is the only component the spec's
// external collaborators (the scheduler, the cache-tensor manager) talk
// to.
type BlockManager struct {
	allocator           *Allocator
	liveIndex           *PrefixIndex
	blockSize           int
	enablePrefixCaching bool
	tables              map[int][]*Block
	recorder            Recorder
	log                 *slog.Logger
}

// NewBlockManager initializes an empty sequence-table map, an Allocator of
// the given capacity, and an empty Live PrefixIndex.
func NewBlockManager(capacity int, enablePrefixCaching bool, blockSize int) *BlockManager {
	return &BlockManager{
		allocator:           NewAllocator(capacity, enablePrefixCaching),
		liveIndex:           NewPrefixIndex(),
		blockSize:           blockSize,
		enablePrefixCaching: enablePrefixCaching,
		tables:              make(map[int][]*Block),
		recorder:            noopRecorder{},
		log:                 slog.Default(),
	}
}

// SetRecorder installs a metrics recorder; passing nil restores the no-op.
func (m *BlockManager) SetRecorder(r Recorder) {
	if r == nil {
		r = noopRecorder{}
	}
	m.recorder = r
}

// SetLogger overrides the structured logger used for diagnostics.
func (m *BlockManager) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	m.log = l
}

// NumFreeBlocks is the free-list-plus-Evictor count.
func (m *BlockManager) NumFreeBlocks() int { return m.allocator.NumFree() }

// UsedPercentage is (capacity - num_free_blocks) / capacity.
func (m *BlockManager) UsedPercentage() float64 { return m.allocator.UsedPercentage() }

// CanAllocateBlocks reports whether n blocks are currently available.
func (m *BlockManager) CanAllocateBlocks(n int) bool { return m.allocator.CanAllocate(n) }

// HasBlockTable reports whether seqID currently has a (non-empty) table.
func (m *BlockManager) HasBlockTable(seqID int) bool {
	_, ok := m.tables[seqID]
	return ok
}

// BlockTable returns the ordered blocks currently attached to seqID.
func (m *BlockManager) BlockTable(seqID int) []*Block {
	return m.tables[seqID]
}

// Allocate grows seq's table by n blocks, computing each new block's
// content window from the prompt-then-generated concatenation and routing
// through the indexed or plain allocation path depending on whether
// prefix caching is enabled.
func (m *BlockManager) Allocate(seq *Sequence, n int, promptIDs []int64) {
	if n <= 0 {
		panic("kvblock: Allocate precondition violated: n must be > 0")
	}
	if !m.allocator.CanAllocate(n) {
		panic("kvblock: Allocate precondition violated: insufficient free blocks")
	}
	if m.enablePrefixCaching && len(promptIDs) == 0 {
		panic("kvblock: Allocate precondition violated: prompt_ids required when prefix caching is enabled")
	}

	table := m.tables[seq.ID]
	contentLength := seq.GeneratedLen() + len(promptIDs)
	numHashedTokens := len(table) * m.blockSize

	for i := 0; i < n; i++ {
		var block *Block
		if m.enablePrefixCaching {
			numHashedTokens += m.blockSize
			if numHashedTokens > contentLength {
				numHashedTokens = contentLength
			}
			var ok, evicted bool
			block, ok, evicted = m.allocator.AllocateIndexed(m.liveIndex, promptIDs, seq.GeneratedIDs, numHashedTokens)
			if !ok {
				panic("kvblock: Allocate: Allocator.AllocateIndexed returned no block despite satisfied precondition")
			}
			if evicted {
				m.recorder.IncEviction()
			}
		} else {
			block = m.allocator.AllocatePlain()
		}
		table = append(table, block)
		m.tables[seq.ID] = table
	}
	m.recorder.ObserveOccupancy(m.allocator.NumFree(), len(m.allocator.blocks))
}

// ForkSequence copies parent's table of block references into child's,
// incrementing each block's ref_count. After this call every block shared
// by parent and child has CopyOnWrite() == true.
func (m *BlockManager) ForkSequence(parentID, childID int) {
	if _, exists := m.tables[childID]; exists {
		panic("kvblock: ForkSequence precondition violated: child already has a block table")
	}
	parent := m.tables[parentID]
	child := make([]*Block, len(parent))
	for i, block := range parent {
		block.increment()
		child[i] = block
	}
	m.tables[childID] = child
}

// FreeSequence releases every block in seqID's table through the
// Allocator, then deletes the entry.
func (m *BlockManager) FreeSequence(seqID int) {
	for _, block := range m.tables[seqID] {
		m.freeBlock(block)
	}
	delete(m.tables, seqID)
	m.recorder.ObserveOccupancy(m.allocator.NumFree(), len(m.allocator.blocks))
}

// FreeLastBlock releases the tail block of seqID's table and truncates it
// by one, deleting the entry if it becomes empty. Returns whether the
// released block's ref_count reached zero, i.e. it left the Live state
// (to Free, or to Cached when prefix caching is enabled).
func (m *BlockManager) FreeLastBlock(seqID int) bool {
	table := m.tables[seqID]
	if len(table) < 1 {
		panic("kvblock: FreeLastBlock precondition violated: empty block table")
	}
	last := table[len(table)-1]
	m.freeBlock(last)
	table = table[:len(table)-1]
	if len(table) == 0 {
		delete(m.tables, seqID)
	} else {
		m.tables[seqID] = table
	}
	m.recorder.ObserveOccupancy(m.allocator.NumFree(), len(m.allocator.blocks))
	return last.IsFree()
}

// FreeSequencePartially releases the last k blocks of seqID's table and
// truncates it by k, deleting the entry if it becomes empty.
func (m *BlockManager) FreeSequencePartially(seqID, k int) {
	table := m.tables[seqID]
	if len(table) < k {
		panic("kvblock: FreeSequencePartially precondition violated: table shorter than k")
	}
	for i := 0; i < k; i++ {
		m.freeBlock(table[len(table)-1-i])
	}
	table = table[:len(table)-k]
	if len(table) == 0 {
		delete(m.tables, seqID)
	} else {
		m.tables[seqID] = table
	}
	m.recorder.ObserveOccupancy(m.allocator.NumFree(), len(m.allocator.blocks))
}

// FreeGroupPartially frees ceil(numRequired / len(group.ActiveSequences))
// tail blocks from each active sequence in group, and returns that
// per-sequence count. This is advisory: callers use it to recover
// capacity after a failed admission check.
//
// The source this is grounded on computes the block count with integer
// division that floors; that under-frees whenever numRequired doesn't
// divide evenly. This implementation uses a true ceiling.
func (m *BlockManager) FreeGroupPartially(group *SequenceGroup, numRequired int) int {
	if len(group.ActiveSequences) == 0 {
		panic("kvblock: FreeGroupPartially precondition violated: group has no active sequences")
	}
	blocksPerSeq := ceilDiv(numRequired, len(group.ActiveSequences))
	for _, seq := range group.ActiveSequences {
		if _, ok := m.tables[seq.ID]; !ok {
			panic("kvblock: FreeGroupPartially: invalid sequence group, missing block table")
		}
		m.FreeSequencePartially(seq.ID, blocksPerSeq)
	}
	return blocksPerSeq
}

// RequiredBlocksCount computes how many additional physical blocks an
// append step would need across every running sequence in group.
func (m *BlockManager) RequiredBlocksCount(group *SequenceGroup) int {
	numLogical := group.NumLogicalBlocks()
	total := 0
	seenTail := make(map[int]struct{})

	for _, seq := range group.ActiveSequences {
		table, ok := m.tables[seq.ID]
		if !ok {
			total += numLogical
			continue
		}
		numPhysical := len(table)
		if numPhysical > numLogical {
			continue
		}
		last := table[numPhysical-1]
		if _, already := seenTail[last.Index()]; already {
			continue
		}
		seenTail[last.Index()] = struct{}{}

		need := numLogical - numPhysical
		if last.CopyOnWrite() {
			refs := last.RefCount()
			if need == 0 {
				total += refs - 1
			} else {
				total += need * refs
			}
		} else {
			total += need
		}
	}
	return total
}

// CanAppendSlots is the admission predicate the scheduler calls before a
// batch step.
func (m *BlockManager) CanAppendSlots(group *SequenceGroup) bool {
	return m.RequiredBlocksCount(group) <= m.allocator.NumFree()
}

// AppendSlots grows or copy-on-write-forks each running sequence's tail
// block for one batch step, returning a map from the old block index to
// the new indices the external cache-tensor manager must memcpy into.
// Precondition: CanAppendSlots(group) must hold.
func (m *BlockManager) AppendSlots(group *SequenceGroup) map[int][]int {
	if !m.CanAppendSlots(group) {
		panic("kvblock: AppendSlots precondition violated: admission check failed")
	}

	numLogical := group.NumLogicalBlocks()
	copyMap := make(map[int][]int)

	for _, seq := range group.ActiveSequences {
		table := m.tables[seq.ID]
		numPhysical := len(table)

		if numLogical > numPhysical {
			m.Allocate(seq, numLogical-numPhysical, group.PromptIDs)
			continue
		}
		if numLogical != numPhysical {
			panic("kvblock: AppendSlots: physical block count exceeds logical block count")
		}

		tailIdx := numPhysical - 1
		last := table[tailIdx]
		fullContent := len(group.PromptIDs) + seq.GeneratedLen()

		if last.CopyOnWrite() {
			var fresh *Block
			if m.enablePrefixCaching {
				var ok, evicted bool
				fresh, ok, evicted = m.allocator.AllocateIndexed(m.liveIndex, group.PromptIDs, seq.GeneratedIDs, fullContent)
				if !ok {
					panic("kvblock: AppendSlots: out of blocks despite satisfied admission check")
				}
				if evicted {
					m.recorder.IncEviction()
				}
			} else {
				fresh = m.allocator.AllocatePlain()
			}
			table[tailIdx] = fresh
			m.tables[seq.ID] = table
			copyMap[last.Index()] = append(copyMap[last.Index()], fresh.Index())
			m.freeBlock(last)
		} else if m.enablePrefixCaching {
			m.liveIndex.Erase(last.Content())
			last.setContent(concatContent(group.PromptIDs, seq.GeneratedIDs, fullContent))
			m.liveIndex.Insert(last.Content(), last)
		}
	}
	m.recorder.ObserveOccupancy(m.allocator.NumFree(), len(m.allocator.blocks))
	return copyMap
}

// RestoreCachedBlocks walks group's prompt in steps of blockSize,
// reattaching any cached block whose content matches a prefix of it.
// group must have exactly one active sequence not yet processed.
func (m *BlockManager) RestoreCachedBlocks(group *SequenceGroup) {
	if len(group.ActiveSequences) != 1 {
		panic("kvblock: RestoreCachedBlocks precondition violated: group must have exactly one active sequence")
	}
	seq := group.ActiveSequences[0]
	prompt := group.PromptIDs
	promptLen := len(prompt)

	contentLen := 0
	for contentLen < promptLen {
		prevContentLen := contentLen
		contentLen += m.blockSize
		if contentLen > promptLen {
			contentLen = promptLen
		}

		block, ok := m.allocator.LookupCached(m.liveIndex, prompt[:contentLen])
		if ok {
			m.recorder.IncCacheHit()
			block.touch()
			m.tables[seq.ID] = append(m.tables[seq.ID], block)
			group.UpdateProcessedTokensNum(contentLen)
			continue
		}
		m.recorder.IncCacheMiss()

		restoredPartial := false
		for i := 1; i < m.blockSize; i++ {
			candidateLen := prevContentLen + i
			if candidateLen > promptLen {
				break
			}
			block, ok := m.allocator.LookupCached(m.liveIndex, prompt[:candidateLen])
			if !ok {
				continue
			}
			m.recorder.IncCacheHit()
			block.touch()

			newContent := make([]int64, candidateLen)
			copy(newContent, prompt[:candidateLen])
			m.liveIndex.Erase(block.Content())
			block.setContent(newContent)
			m.liveIndex.Insert(block.Content(), block)

			m.tables[seq.ID] = append(m.tables[seq.ID], block)
			group.UpdateProcessedTokensNum(candidateLen)
			restoredPartial = true
			break
		}
		if !restoredPartial {
			m.log.Debug("kvblock: restore_cached_blocks stopped on full miss",
				"seq_id", seq.ID, "processed_tokens", group.ProcessedTokens, "prompt_len", promptLen)
		}
		break
	}
}

func (m *BlockManager) freeBlock(block *Block) {
	m.allocator.Free(block)
	if m.enablePrefixCaching && block.IsFree() {
		m.log.Debug("kvblock: block cached for reuse", "index", block.Index(), "content_digest", contentDigest(block.Content()))
	}
}
