package logstream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerhq/crawld/internal/domain"
)

// recID produces ids that sort lexicographically in numeric order, the
// same property ULIDs give the real buffer.
func recID(n int) string { return fmt.Sprintf("%06d", n) }

func rec(jobID string, n int) domain.LogRecord {
	return domain.LogRecord{ID: recID(n), JobID: jobID, Message: fmt.Sprintf("line %d", n)}
}

func fill(b *Buffer, jobID string, from, to int) {
	for i := from; i <= to; i++ {
		b.Append(rec(jobID, i))
	}
}

func TestBufferEvictsOldest(t *testing.T) {
	b := NewBuffer(10)
	fill(b, "j1", 1, 25)

	got := b.Snapshot("j1", 0)
	require.Len(t, got, 10)
	assert.Equal(t, recID(16), got[0].ID)
	assert.Equal(t, recID(25), got[9].ID)
}

func TestBufferSinceResumesGap(t *testing.T) {
	b := NewBuffer(100)
	fill(b, "j1", 1, 80)

	got, ok := b.Since("j1", recID(42))
	require.True(t, ok)
	require.Len(t, got, 38)
	assert.Equal(t, recID(43), got[0].ID)
	assert.Equal(t, recID(80), got[37].ID)
}

func TestBufferSinceCursorTooOld(t *testing.T) {
	b := NewBuffer(10)
	fill(b, "j1", 1, 30) // only 21..30 retained

	// The cursor predates the oldest retained record: records 6..20 were
	// evicted, so the buffer cannot serve a complete gap.
	_, ok := b.Since("j1", recID(5))
	assert.False(t, ok)

	// Cursor exactly at the oldest retained record is servable.
	got, ok := b.Since("j1", recID(21))
	require.True(t, ok)
	require.Len(t, got, 9)
	assert.Equal(t, recID(22), got[0].ID)
}

func TestBufferSinceUnknownJob(t *testing.T) {
	b := NewBuffer(10)
	_, ok := b.Since("missing", recID(1))
	assert.False(t, ok)
}

func TestBufferSinceUpToDate(t *testing.T) {
	b := NewBuffer(10)
	fill(b, "j1", 1, 5)
	got, ok := b.Since("j1", recID(5))
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestBufferSnapshotLimit(t *testing.T) {
	b := NewBuffer(100)
	fill(b, "j1", 1, 60)

	got := b.Snapshot("j1", 5)
	require.Len(t, got, 5)
	assert.Equal(t, recID(56), got[0].ID)
	assert.Equal(t, recID(60), got[4].ID)

	assert.Nil(t, b.Snapshot("other", 5))
}

func TestBufferIsolatesJobs(t *testing.T) {
	b := NewBuffer(10)
	fill(b, "j1", 1, 3)
	fill(b, "j2", 100, 101)

	assert.Len(t, b.Snapshot("j1", 0), 3)
	assert.Len(t, b.Snapshot("j2", 0), 2)
}

func TestBufferDrop(t *testing.T) {
	b := NewBuffer(10)
	fill(b, "j1", 1, 3)
	b.Drop("j1")
	assert.Nil(t, b.Snapshot("j1", 0))
	_, ok := b.Since("j1", recID(1))
	assert.False(t, ok)
}
