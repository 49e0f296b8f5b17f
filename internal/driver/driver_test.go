package driver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagedkv/pagedkv-go/internal/driver"
	"github.com/pagedkv/pagedkv-go/internal/kvblock"
)

func newPrompt(n int, base int64) []int64 {
	p := make([]int64, n)
	for i := range p {
		p[i] = base + int64(i)
	}
	return p
}

func TestDriverPrefillsThenDecodesToCompletion(t *testing.T) {
	manager := kvblock.NewBlockManager(8, true, 4)
	drv := driver.New(manager)

	prompt := newPrompt(4, 100)
	seq := &kvblock.Sequence{ID: 1, PromptIDs: prompt}
	group := &kvblock.SequenceGroup{ID: 1, PromptIDs: prompt, BlockSize: 4, ActiveSequences: []*kvblock.Sequence{seq}}
	drv.Add(group)

	require.False(t, drv.IsFinished())
	result := drv.Step()
	assert.Len(t, result.Prefilled, 1)
	assert.Len(t, manager.BlockTable(1), 1)

	seq.GeneratedIDs = append(seq.GeneratedIDs, 900)
	result = drv.Step()
	assert.Len(t, result.Appended, 1)

	drv.Finish(group)
	assert.True(t, drv.IsFinished())
	assert.False(t, manager.HasBlockTable(1))
}

func TestDriverRestoresSharedPromptPrefixOnSecondGroup(t *testing.T) {
	manager := kvblock.NewBlockManager(8, true, 4)
	drv := driver.New(manager)
	prompt := newPrompt(8, 200)

	seq1 := &kvblock.Sequence{ID: 1, PromptIDs: prompt}
	group1 := &kvblock.SequenceGroup{ID: 1, PromptIDs: prompt, BlockSize: 4, ActiveSequences: []*kvblock.Sequence{seq1}}
	drv.Add(group1)
	drv.Step()
	drv.Finish(group1)

	seq2 := &kvblock.Sequence{ID: 2, PromptIDs: prompt}
	group2 := &kvblock.SequenceGroup{ID: 2, PromptIDs: prompt, BlockSize: 4, ActiveSequences: []*kvblock.Sequence{seq2}}
	drv.Add(group2)
	result := drv.Step()

	require.Len(t, result.Prefilled, 1)
	assert.Len(t, manager.BlockTable(2), 2, "both blocks should come back from the cache, none freshly allocated")
}

// Admission refusal played through the driver: a second group can't fit
// while the first holds the whole pool, so it stays waiting; once the first
// group is finished, the next step prefills the second.
func TestDriverDefersThenRecoversUnderPressure(t *testing.T) {
	manager := kvblock.NewBlockManager(1, true, 4)
	drv := driver.New(manager)

	promptA := newPrompt(4, 1)
	seqA := &kvblock.Sequence{ID: 1, PromptIDs: promptA}
	groupA := &kvblock.SequenceGroup{ID: 1, PromptIDs: promptA, BlockSize: 4, ActiveSequences: []*kvblock.Sequence{seqA}}
	drv.Add(groupA)
	drv.Step()

	promptB := newPrompt(4, 50)
	seqB := &kvblock.Sequence{ID: 2, PromptIDs: promptB}
	groupB := &kvblock.SequenceGroup{ID: 2, PromptIDs: promptB, BlockSize: 4, ActiveSequences: []*kvblock.Sequence{seqB}}
	drv.Add(groupB)
	require.False(t, manager.CanAllocateBlocks(1), "pool is fully committed to groupA")

	// groupB stays waiting until capacity frees up
	result := drv.Step()
	assert.Empty(t, result.Prefilled)

	drv.Finish(groupA)
	result = drv.Step()
	assert.Len(t, result.Prefilled, 1)
	assert.Equal(t, groupB.ID, result.Prefilled[0].ID)

	drv.Finish(groupB)
	assert.True(t, drv.IsFinished())
}

func TestDriverDefersAGroupWithNoRecoverableCapacity(t *testing.T) {
	manager := kvblock.NewBlockManager(1, true, 4)
	drv := driver.New(manager)

	prompt := newPrompt(4, 1)
	seq := &kvblock.Sequence{ID: 1, PromptIDs: prompt}
	group := &kvblock.SequenceGroup{ID: 1, PromptIDs: prompt, BlockSize: 4, ActiveSequences: []*kvblock.Sequence{seq}}
	drv.Add(group)
	drv.Step()
	require.Len(t, manager.BlockTable(1), 1)

	// the group's token count now needs a second block, but the pool has
	// exactly one block and no other group to preempt: freeing the
	// group's own tail can't reduce its own token count, so the retry
	// inside the same step still fails and the group is deferred.
	seq.GeneratedIDs = append(seq.GeneratedIDs, 900, 901, 902, 903)

	result := drv.Step()
	assert.Len(t, result.Deferred, 1)
	assert.Empty(t, result.Appended)
}

func TestDriverAddEnqueuesToWaiting(t *testing.T) {
	manager := kvblock.NewBlockManager(4, true, 4)
	drv := driver.New(manager)
	assert.True(t, drv.IsFinished())

	group := &kvblock.SequenceGroup{ID: 1, PromptIDs: []int64{1}, BlockSize: 4,
		ActiveSequences: []*kvblock.Sequence{{ID: 1, PromptIDs: []int64{1}}}}
	drv.Add(group)
	assert.False(t, drv.IsFinished())
}
