// Package retry decides whether and when a failed upstream attempt is
// worth repeating. Three strategies exist — exponential backoff,
// immediate retry for transient blips, and an adaptive strategy driven
// by per-upstream attempt history.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/user/llm-gateway/internal/models"
	"go.uber.org/zap"
)

// ErrorMeta carries per-error metadata a strategy may consult.
type ErrorMeta struct {
	RetryAfter time.Duration
	Message    string
}

// Strategy is a pair of predicates: whether to retry after a failure at
// the given zero-based attempt index, and how long to wait before the
// next attempt. Strategies are pure relative to their History input.
type Strategy interface {
	ShouldRetry(class models.ErrorClass, attempt int, meta ErrorMeta) bool
	ComputeDelay(class models.ErrorClass, attempt int, meta ErrorMeta) time.Duration
}

// Classify extracts the error class and metadata from a work error.
func Classify(err error) (models.ErrorClass, ErrorMeta) {
	var ue *models.UpstreamError
	if errors.As(err, &ue) {
		return ue.Class, ErrorMeta{RetryAfter: ue.RetryAfter, Message: ue.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ClassTimeout, ErrorMeta{Message: err.Error()}
	}
	return models.ClassUnknown, ErrorMeta{Message: err.Error()}
}

// Thread-safe jitter source shared by the strategies.
var (
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
	rngMu sync.Mutex
)

func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	rngMu.Lock()
	f := rng.Float64()
	rngMu.Unlock()
	// Uniform in [-factor, +factor].
	offset := (2*f - 1) * factor * float64(d)
	return d + time.Duration(offset)
}

func clamp(d, max time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Executor runs work under a strategy and owns all History writes.
type Executor struct {
	strategy Strategy
	history  *History
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor for one upstream's strategy+history.
func NewExecutor(strategy Strategy, history *History, logger *zap.Logger) *Executor {
	return &Executor{
		strategy: strategy,
		history:  history,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Execute invokes work until it succeeds, the strategy declines to
// retry, or attempts are exhausted. maxAttempts is the total attempt
// budget; zero or negative still performs exactly one attempt.
// The last error is returned unwrapped so callers can classify it.
func (e *Executor) Execute(ctx context.Context, maxAttempts int, work func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = work(ctx)
		if err == nil {
			e.history.RecordSuccess()
			return nil
		}

		class, meta := Classify(err)

		// Not-supported is a capability mismatch and breaker-open is a
		// routing event; neither says anything about upstream health,
		// so neither touches history. The router moves on.
		if class == models.ClassNotSupported || class == models.ClassBreakerOpen {
			return err
		}

		last := attempt == maxAttempts-1
		if last || !e.strategy.ShouldRetry(class, attempt, meta) {
			e.history.RecordFailure(class, 0)
			return err
		}

		delay := e.strategy.ComputeDelay(class, attempt, meta)
		e.history.RecordFailure(class, delay)

		e.logger.Debug("retrying upstream attempt",
			zap.Int("attempt", attempt+1),
			zap.String("error_class", string(class)),
			zap.Duration("delay", delay),
		)

		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry wait: %w", err)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// New builds the named strategy. An empty name selects exponential.
func New(name string, params Params, history *History) (Strategy, error) {
	switch name {
	case "", "exponential":
		return NewExponentialBackoff(params, history), nil
	case "immediate":
		return NewImmediateRetry(params, history), nil
	case "adaptive":
		return NewAdaptive(params, history), nil
	default:
		return nil, fmt.Errorf("unknown retry strategy %q", name)
	}
}
