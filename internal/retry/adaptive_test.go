package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/user/llm-gateway/internal/models"
)

func offPeak() time.Time {
	return time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
}

func peak() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestAdaptive_RetriesWithNoHistory(t *testing.T) {
	h := NewHistory()
	s := NewAdaptive(testParams(), h)

	// Neutral rate clears the low-confidence threshold.
	assert.True(t, s.ShouldRetry(models.ClassServerError, 0, ErrorMeta{}))
	assert.False(t, s.ShouldRetry(models.ClassAuthentication, 0, ErrorMeta{}))
}

func TestAdaptive_StopsWhenUpstreamLooksDead(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 30; i++ {
		h.RecordFailure(models.ClassServerError, 0)
	}
	s := NewAdaptive(testParams(), h)

	assert.False(t, s.ShouldRetry(models.ClassServerError, 0, ErrorMeta{}))
}

func TestAdaptive_RetriesHealthyUpstream(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 30; i++ {
		h.RecordSuccess()
	}
	s := NewAdaptive(testParams(), h)

	assert.True(t, s.ShouldRetry(models.ClassTimeout, 0, ErrorMeta{}))
	// Attempt budget still binds.
	assert.False(t, s.ShouldRetry(models.ClassTimeout, 2, ErrorMeta{}))
}

func TestAdaptive_ClassBaseDelays(t *testing.T) {
	h := NewHistory()
	p := testParams()
	s := NewAdaptive(p, h)
	s.now = offPeak

	dRate := s.ComputeDelay(models.ClassRateLimited, 0, ErrorMeta{})
	dConn := s.ComputeDelay(models.ClassConnection, 0, ErrorMeta{})
	assert.Greater(t, dRate, dConn)
}

func TestAdaptive_PeakHoursWaitLonger(t *testing.T) {
	h := NewHistory()
	p := testParams()

	day := NewAdaptive(p, h)
	day.now = peak
	night := NewAdaptive(p, h)
	night.now = offPeak

	dDay := day.ComputeDelay(models.ClassServerError, 1, ErrorMeta{})
	dNight := night.ComputeDelay(models.ClassServerError, 1, ErrorMeta{})
	assert.Greater(t, dDay, dNight)
}

func TestAdaptive_RetryAfterHintRespected(t *testing.T) {
	h := NewHistory()
	p := testParams()
	p.MaxDelay = time.Minute // leave headroom above the hint
	s := NewAdaptive(p, h)
	s.now = offPeak

	d := s.ComputeDelay(models.ClassRateLimited, 0, ErrorMeta{RetryAfter: 10 * time.Second})
	// Hint replaces the base; modifiers still apply but the order of
	// magnitude follows the hint.
	assert.Greater(t, d, 5*time.Second)
}

func TestAdaptive_ConfidenceGrowsWithConsistentHistory(t *testing.T) {
	empty := NewHistory()
	full := NewHistory()
	for i := 0; i < historyCapacity; i++ {
		full.RecordSuccess()
	}

	sEmpty := NewAdaptive(testParams(), empty)
	sFull := NewAdaptive(testParams(), full)
	assert.Greater(t, sFull.confidence(), sEmpty.confidence())
	assert.InDelta(t, 1.0, sFull.confidence(), 1e-9)
}
