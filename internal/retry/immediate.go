package retry

import (
	"strings"
	"time"

	"github.com/user/llm-gateway/internal/models"
)

// transientPatterns are error-message substrings that usually clear
// within milliseconds, so an immediate retry is cheaper than backoff.
var transientPatterns = []string{
	"connection reset",
	"temporary failure",
	"service temporarily unavailable",
	"gateway timeout",
}

// immediateDelays are the fast-path delays for transient failures.
var immediateDelays = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
}

// ImmediateRetry retries transient failures near-instantly, falling
// back to exponential behavior once the fast path is exhausted or the
// failure doesn't look transient.
type ImmediateRetry struct {
	params   Params
	fallback *ExponentialBackoff
}

// NewImmediateRetry creates the strategy.
func NewImmediateRetry(params Params, history *History) *ImmediateRetry {
	return &ImmediateRetry{
		params:   params,
		fallback: NewExponentialBackoff(params, history),
	}
}

func isTransient(meta ErrorMeta) bool {
	msg := strings.ToLower(meta.Message)
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ShouldRetry allows the fast path for transient patterns, otherwise
// defers to exponential rules. Request faults are never retried.
func (s *ImmediateRetry) ShouldRetry(class models.ErrorClass, attempt int, meta ErrorMeta) bool {
	if class.RequestFault() {
		return false
	}
	if isTransient(meta) && attempt < len(immediateDelays) {
		return attempt+1 < s.params.ForClass(class).MaxAttempts
	}
	return s.fallback.ShouldRetry(class, attempt, meta)
}

// ComputeDelay returns 50/100/200ms on the fast path, exponential after.
func (s *ImmediateRetry) ComputeDelay(class models.ErrorClass, attempt int, meta ErrorMeta) time.Duration {
	if isTransient(meta) && attempt < len(immediateDelays) {
		return immediateDelays[attempt]
	}
	return s.fallback.ComputeDelay(class, attempt, meta)
}
