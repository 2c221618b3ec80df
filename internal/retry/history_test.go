package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/user/llm-gateway/internal/models"
)

func TestHistory_EmptyNeutralRate(t *testing.T) {
	h := NewHistory()
	assert.Equal(t, 0.65, h.SuccessRate())
	assert.Equal(t, 0.65, h.WeightedSuccessRate())
	assert.Equal(t, 0, h.ConsecutiveFailures())
	assert.Empty(t, h.Snapshot())
}

func TestHistory_CountersAndStreak(t *testing.T) {
	h := NewHistory()
	h.RecordFailure(models.ClassTimeout, 100*time.Millisecond)
	h.RecordFailure(models.ClassTimeout, 200*time.Millisecond)
	assert.Equal(t, 2, h.ConsecutiveFailures())

	h.RecordSuccess()
	assert.Equal(t, 0, h.ConsecutiveFailures())
	assert.InDelta(t, 1.0/3.0, h.SuccessRate(), 1e-9)
}

func TestHistory_RingBounded(t *testing.T) {
	h := NewHistory()
	for i := 0; i < historyCapacity+40; i++ {
		h.RecordFailure(models.ClassServerError, 0)
	}
	snap := h.Snapshot()
	assert.Len(t, snap, historyCapacity)
	assert.Equal(t, 0.0, h.SuccessRate())
}

func TestHistory_SnapshotOldestFirst(t *testing.T) {
	h := NewHistory()
	h.RecordFailure(models.ClassTimeout, 0)
	h.RecordSuccess()

	snap := h.Snapshot()
	assert.Len(t, snap, 2)
	assert.False(t, snap[0].Success)
	assert.True(t, snap[1].Success)
}

func TestHistory_WeightedRateFavorsRecent(t *testing.T) {
	old := NewHistory()
	old.RecordSuccess()
	old.RecordFailure(models.ClassServerError, 0)

	recent := NewHistory()
	recent.RecordFailure(models.ClassServerError, 0)
	recent.RecordSuccess()

	// Same outcomes; the one whose success is newest scores higher.
	assert.Greater(t, recent.WeightedSuccessRate(), old.WeightedSuccessRate())
}
