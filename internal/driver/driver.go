// Package driver plays the admission loop a real scheduler would run
// against kvblock.BlockManager. It owns no scheduling policy — no
// priority, no fairness, no preemption order beyond plain FIFO — it
// exists only to give the block manager real callers for the CLI demo
// and for integration tests that exercise spec.md's §8 scenarios
// end-to-end rather than by calling the manager directly.
package driver

import (
	"container/list"
	"log/slog"

	"github.com/pagedkv/pagedkv-go/internal/kvblock"
)

// Driver is grounded in the teacher's Scheduler (internal/engine/scheduler.go):
// two container/list queues, a prefill-then-decode step function. The
// scheduling policy it implemented (max batch size, token budget,
// preemption) is out of this spec's scope; what's kept is the shape of
// "ask the block manager, then move the group between queues".
type Driver struct {
	manager *kvblock.BlockManager
	waiting *list.List
	running *list.List
	log     *slog.Logger
}

// New returns a Driver fronting manager.
func New(manager *kvblock.BlockManager) *Driver {
	return &Driver{
		manager: manager,
		waiting: list.New(),
		running: list.New(),
		log:     slog.Default(),
	}
}

// Add enqueues group for prefill.
func (d *Driver) Add(group *kvblock.SequenceGroup) {
	d.waiting.PushBack(group)
}

// IsFinished reports whether both queues are empty.
func (d *Driver) IsFinished() bool {
	return d.waiting.Len() == 0 && d.running.Len() == 0
}

// Pending reports how many groups are still waiting for prefill.
func (d *Driver) Pending() int {
	return d.waiting.Len()
}

// StepResult reports what one Step call did, for callers (the CLI, tests)
// that want to narrate progress.
type StepResult struct {
	Prefilled []*kvblock.SequenceGroup
	Appended  []*kvblock.SequenceGroup
	Deferred  []*kvblock.SequenceGroup
}

// Step admits, in FIFO order, every waiting group whose prompt blocks
// currently fit (prefill). If none was admitted, it instead advances every
// running group by one decode slot, freeing partial capacity and deferring
// groups that still don't fit.
func (d *Driver) Step() StepResult {
	var result StepResult

	for elem := d.waiting.Front(); elem != nil; {
		group := elem.Value.(*kvblock.SequenceGroup)
		next := elem.Next()

		needed := group.NumLogicalBlocks()
		if !d.manager.CanAllocateBlocks(needed) {
			elem = next
			continue
		}
		seq := group.ActiveSequences[0]
		d.manager.RestoreCachedBlocks(group)
		remaining := needed - len(d.manager.BlockTable(seq.ID))
		if remaining > 0 {
			d.manager.Allocate(seq, remaining, group.PromptIDs)
		}
		d.waiting.Remove(elem)
		d.running.PushBack(group)
		result.Prefilled = append(result.Prefilled, group)
		elem = next
	}
	if len(result.Prefilled) > 0 {
		return result
	}

	for elem := d.running.Front(); elem != nil; elem = elem.Next() {
		group := elem.Value.(*kvblock.SequenceGroup)
		if d.manager.CanAppendSlots(group) {
			d.manager.AppendSlots(group)
			result.Appended = append(result.Appended, group)
			continue
		}

		required := d.manager.RequiredBlocksCount(group)
		freedPerSeq := d.manager.FreeGroupPartially(group, required)
		d.log.Debug("driver: freed partial capacity under pressure",
			"group_id", group.ID, "required", required, "freed_per_sequence", freedPerSeq)

		if d.manager.CanAppendSlots(group) {
			d.manager.AppendSlots(group)
			result.Appended = append(result.Appended, group)
		} else {
			result.Deferred = append(result.Deferred, group)
		}
	}
	return result
}

// Finish releases every block held by group's sequences and removes it
// from the running queue.
func (d *Driver) Finish(group *kvblock.SequenceGroup) {
	for _, seq := range group.ActiveSequences {
		d.manager.FreeSequence(seq.ID)
	}
	for elem := d.running.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*kvblock.SequenceGroup).ID == group.ID {
			d.running.Remove(elem)
			break
		}
	}
}
