package retry

import (
	"math"
	"time"

	"github.com/user/llm-gateway/internal/models"
)

// connectionRetryCap bounds retries for connection/timeout failures,
// which rarely recover within one request's lifetime.
const connectionRetryCap = 3

// rateLimitFloor is the minimum base delay after a 429 without a
// Retry-After hint.
const rateLimitFloor = 5 * time.Second

// ExponentialBackoff is the default strategy: geometric delays with
// jitter, a raised floor for rate limits, and modulation by the
// upstream's recent success rate.
type ExponentialBackoff struct {
	params  Params
	history *History
}

// NewExponentialBackoff creates the strategy.
func NewExponentialBackoff(params Params, history *History) *ExponentialBackoff {
	return &ExponentialBackoff{params: params, history: history}
}

// ShouldRetry reports whether the class is retryable at this attempt.
func (s *ExponentialBackoff) ShouldRetry(class models.ErrorClass, attempt int, _ ErrorMeta) bool {
	p := s.params.ForClass(class)
	switch class {
	case models.ClassRateLimited:
		return attempt+1 < p.MaxAttempts
	case models.ClassConnection, models.ClassTimeout:
		limit := p.MaxAttempts
		if limit > connectionRetryCap {
			limit = connectionRetryCap
		}
		return attempt+1 < limit
	case models.ClassServerError, models.ClassUnknown:
		// A long failure streak means the upstream is down, not
		// flapping; stop burning the request's deadline on it.
		if s.history.ConsecutiveFailures() > 3 {
			return false
		}
		return attempt+1 < p.MaxAttempts
	default:
		return false
	}
}

// ComputeDelay returns base·factor^attempt with jitter, where base is
// the Retry-After hint when present, doubled (min 5s) for rate limits,
// and scaled by recent success rate.
func (s *ExponentialBackoff) ComputeDelay(class models.ErrorClass, attempt int, meta ErrorMeta) time.Duration {
	p := s.params.ForClass(class)

	base := p.BaseDelay
	if class == models.ClassRateLimited {
		base = 2 * p.BaseDelay
		if base < rateLimitFloor {
			base = rateLimitFloor
		}
	}
	if meta.RetryAfter > 0 {
		base = meta.RetryAfter
	}

	exp := attempt
	if exp > 10 {
		exp = 10
	}
	delay := time.Duration(float64(base) * math.Pow(p.BackoffFactor, float64(exp)))

	switch rate := s.history.SuccessRate(); {
	case rate < 0.3:
		delay = time.Duration(float64(delay) * 2.5)
	case rate < 0.5:
		delay = time.Duration(float64(delay) * 1.8)
	case rate > 0.8:
		delay = time.Duration(float64(delay) * 0.6)
	}

	return clamp(jitter(delay, p.JitterFactor), p.MaxDelay)
}
