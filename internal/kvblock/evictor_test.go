package kvblock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvictorAddRequiresFreeBlock(t *testing.T) {
	ev := NewEvictor()
	b := newBlock(0)
	b.increment()
	assert.Panics(t, func() { ev.Add(b) })
}

func TestEvictorTakeByContentHitAndMiss(t *testing.T) {
	ev := NewEvictor()
	b := newBlock(0)
	b.setContent([]int64{7, 8, 9})
	ev.Add(b)

	got, ok := ev.TakeByContent([]int64{7, 8, 9})
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, 1, got.RefCount())
	assert.Equal(t, 0, ev.Size())

	// content is gone now, a second take misses
	_, ok = ev.TakeByContent([]int64{7, 8, 9})
	assert.False(t, ok)
}

func TestEvictorKeyIntegrity(t *testing.T) {
	ev := NewEvictor()
	blocks := make([]*Block, 3)
	for i := range blocks {
		b := newBlock(i)
		b.setContent([]int64{int64(i), int64(i) + 1})
		blocks[i] = b
		ev.Add(b)
		time.Sleep(time.Millisecond)
	}
	for _, b := range blocks {
		found, ok := ev.index.Lookup(b.Content())
		require.True(t, ok)
		assert.Same(t, b, found)
	}
}

func TestEvictorTakeLRUMonotonic(t *testing.T) {
	ev := NewEvictor()
	for i := 0; i < 5; i++ {
		b := newBlock(i)
		b.setContent([]int64{int64(i)})
		ev.Add(b)
		time.Sleep(time.Millisecond)
	}

	var last time.Time
	for ev.Size() > 0 {
		b, ok := ev.TakeLRU()
		require.True(t, ok)
		assert.False(t, b.Timestamp().Before(last))
		last = b.Timestamp()
	}
	_, ok := ev.TakeLRU()
	assert.False(t, ok, "TakeLRU on an empty Evictor must miss, not error")
}

func TestEvictorRemoveUpdatesBothStructures(t *testing.T) {
	ev := NewEvictor()
	b := newBlock(0)
	b.setContent([]int64{1})
	ev.Add(b)

	_, ok := ev.TakeLRU()
	require.True(t, ok)
	assert.Equal(t, 0, ev.Size())
	_, ok = ev.index.Lookup([]int64{1})
	assert.False(t, ok, "removing from the Evictor must erase the content key too")
}
