package retry

import (
	"math"
	"time"

	"github.com/user/llm-gateway/internal/models"
)

// adaptiveExponentCap bounds the exponential term so delays stay sane
// even deep into an attempt budget.
const adaptiveExponentCap = 8

// Adaptive tunes retry decisions to the upstream's observed behavior:
// a weighted recent success rate decides whether retrying is worth it,
// and a confidence score over the history ring scales both the decision
// threshold and the jitter.
type Adaptive struct {
	params  Params
	history *History
	now     func() time.Time
}

// NewAdaptive creates the strategy.
func NewAdaptive(params Params, history *History) *Adaptive {
	return &Adaptive{params: params, history: history, now: time.Now}
}

// confidence scores how much the history can be trusted: how full the
// ring is, scaled by how consistently recent outcomes agree with each
// other. Range (0, 1].
func (s *Adaptive) confidence() float64 {
	entries := s.history.Snapshot()
	if len(entries) == 0 {
		return 0.1
	}
	fill := float64(len(entries)) / float64(historyCapacity)

	// Consistency: fraction of entries agreeing with the majority
	// outcome. All-success or all-failure history is highly predictive.
	ok := 0
	for _, e := range entries {
		if e.Success {
			ok++
		}
	}
	majority := ok
	if len(entries)-ok > majority {
		majority = len(entries) - ok
	}
	consistency := float64(majority) / float64(len(entries))

	c := fill * consistency
	if c < 0.1 {
		c = 0.1
	}
	return c
}

// ShouldRetry retries retryable classes while the weighted success rate
// clears a threshold that tightens as confidence drops: with little or
// noisy history the upstream must look healthier to earn a retry.
func (s *Adaptive) ShouldRetry(class models.ErrorClass, attempt int, _ ErrorMeta) bool {
	if !class.Retryable() {
		return false
	}
	p := s.params.ForClass(class)
	if attempt+1 >= p.MaxAttempts {
		return false
	}

	rate := s.history.WeightedSuccessRate()
	threshold := 0.2 + 0.3*(1-s.confidence())
	return rate >= threshold
}

// classBaseDelay is the error-class-dependent base for adaptive delays.
func classBaseDelay(class models.ErrorClass, fallback time.Duration) time.Duration {
	switch class {
	case models.ClassRateLimited:
		return 5 * time.Second
	case models.ClassTimeout:
		return 2 * time.Second
	case models.ClassConnection:
		return 500 * time.Millisecond
	case models.ClassServerError:
		return time.Second
	default:
		return fallback
	}
}

// ComputeDelay is base(class) · factor^min(attempt,8) · rate modifier ·
// time-of-day modifier, with confidence-scaled jitter.
func (s *Adaptive) ComputeDelay(class models.ErrorClass, attempt int, meta ErrorMeta) time.Duration {
	p := s.params.ForClass(class)

	base := classBaseDelay(class, p.BaseDelay)
	if meta.RetryAfter > 0 {
		base = meta.RetryAfter
	}

	exp := attempt
	if exp > adaptiveExponentCap {
		exp = adaptiveExponentCap
	}
	delay := time.Duration(float64(base) * math.Pow(p.BackoffFactor, float64(exp)))

	// Struggling upstreams earn longer waits, healthy ones shorter.
	rate := s.history.WeightedSuccessRate()
	delay = time.Duration(float64(delay) * (1.5 - rate))

	// Daytime peak traffic gets slightly longer waits.
	hour := s.now().Hour()
	if hour >= 9 && hour < 18 {
		delay = time.Duration(float64(delay) * 1.2)
	} else {
		delay = time.Duration(float64(delay) * 0.9)
	}

	// Low confidence widens jitter to spread thundering herds.
	jitterFactor := p.JitterFactor * (1.1 - s.confidence())
	return clamp(jitter(delay, jitterFactor), p.MaxDelay)
}
