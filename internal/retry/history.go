package retry

import (
	"sync"
	"time"

	"github.com/user/llm-gateway/internal/models"
)

// historyCapacity bounds the per-upstream attempt ring.
const historyCapacity = 100

// HistoryEntry records one attempt outcome for adaptive decisions.
type HistoryEntry struct {
	At      time.Time
	Success bool
	Class   models.ErrorClass
	Delay   time.Duration // delay the strategy chose after this attempt
}

// History is a bounded ring of recent attempts against one upstream,
// plus aggregate counters. It is written only through Executor.Execute;
// readers get consistent snapshots under the same mutex but strategies
// never mutate it.
type History struct {
	mu sync.Mutex

	ring  [historyCapacity]HistoryEntry
	head  int // next write position
	count int

	successCount        int
	failureCount        int
	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time
}

// NewHistory creates an empty history ring.
func NewHistory() *History {
	return &History{}
}

func (h *History) push(e HistoryEntry) {
	h.ring[h.head] = e
	h.head = (h.head + 1) % historyCapacity
	if h.count < historyCapacity {
		h.count++
	}
}

// RecordSuccess appends a successful attempt.
func (h *History) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.push(HistoryEntry{At: time.Now(), Success: true})
	h.successCount++
	h.consecutiveFailures = 0
	h.lastSuccess = time.Now()
}

// RecordFailure appends a failed attempt tagged with its class and the
// delay chosen before the next attempt (zero when terminal).
func (h *History) RecordFailure(class models.ErrorClass, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.push(HistoryEntry{At: time.Now(), Class: class, Delay: delay})
	h.failureCount++
	h.consecutiveFailures++
	h.lastFailure = time.Now()
}

// ConsecutiveFailures returns the current failure streak.
func (h *History) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFailures
}

// SuccessRate returns the fraction of ring entries that succeeded.
// With no samples it returns a neutral 0.65 so rate modulation stays
// inactive until real data accumulates.
func (h *History) SuccessRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0.65
	}
	ok := 0
	for _, e := range h.snapshotLocked() {
		if e.Success {
			ok++
		}
	}
	return float64(ok) / float64(h.count)
}

// WeightedSuccessRate weights newer entries more heavily (linear ramp).
func (h *History) WeightedSuccessRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0.65
	}
	var sum, total float64
	for i, e := range h.snapshotLocked() {
		w := float64(i + 1)
		total += w
		if e.Success {
			sum += w
		}
	}
	return sum / total
}

// Snapshot returns the ring oldest-first.
func (h *History) Snapshot() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// snapshotLocked returns entries oldest-first; caller holds the mutex.
func (h *History) snapshotLocked() []HistoryEntry {
	out := make([]HistoryEntry, 0, h.count)
	start := h.head - h.count
	if start < 0 {
		start += historyCapacity
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.ring[(start+i)%historyCapacity])
	}
	return out
}
