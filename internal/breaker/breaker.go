// Package breaker implements a per-upstream circuit breaker whose state
// lives in a shared key/value store, so every gateway instance behind
// the load balancer agrees on which upstreams are tripped.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/llm-gateway/internal/store"
	"go.uber.org/zap"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// keyPrefix namespaces breaker records in the shared store.
const keyPrefix = "breaker:"

// record is the persisted per-upstream breaker state.
type record struct {
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// Permit is a one-shot token returned by Enter. It must be paired with
// exactly one Report call.
type Permit struct {
	upstream string
	state    State
}

// State returns the breaker state the permit was issued under.
func (p Permit) State() State {
	return p.state
}

// OpenError rejects entry while the breaker is open (or a half-open
// probe is outstanding). RetryAfter tells the caller when entry may
// next be worth attempting.
type OpenError struct {
	Upstream   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker open for %s, retry after %s", e.Upstream, e.RetryAfter)
}

// Recorder receives breaker events for the metrics sink.
type Recorder interface {
	RecordBreakerBackendUnavailable(upstream string)
	RecordBreakerState(upstream string, state string)
}

// Config holds breaker parameters.
type Config struct {
	FailureThreshold int
	RecoveryWindow   time.Duration
}

// Breaker coordinates per-upstream circuit state through a shared KV.
type Breaker struct {
	kv      store.KV
	cfg     Config
	logger  *zap.Logger
	metrics Recorder
	now     func() time.Time
}

// New creates a Breaker. metrics may be nil.
func New(kv store.KV, cfg Config, metrics Recorder, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 60 * time.Second
	}
	return &Breaker{
		kv:      kv,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Enter checks whether a call to the named upstream may proceed.
// It returns a Permit, or an *OpenError while the circuit is open.
//
// If the backing store is unreachable the breaker fails closed: the
// request is allowed and a breaker_backend_unavailable event recorded.
func (b *Breaker) Enter(ctx context.Context, upstream string) (Permit, error) {
	key := keyPrefix + upstream

	raw, found, err := b.kv.Get(ctx, key)
	if err != nil {
		b.backendDown(upstream, err)
		return Permit{upstream: upstream, state: StateClosed}, nil
	}
	if !found {
		return Permit{upstream: upstream, state: StateClosed}, nil
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		b.logger.Warn("corrupt breaker record, treating as closed",
			zap.String("upstream", upstream), zap.Error(err))
		return Permit{upstream: upstream, state: StateClosed}, nil
	}

	switch rec.State {
	case StateOpen:
		elapsed := b.now().Sub(rec.OpenedAt)
		if elapsed < b.cfg.RecoveryWindow {
			return Permit{}, &OpenError{Upstream: upstream, RetryAfter: b.cfg.RecoveryWindow - elapsed}
		}
		// Window elapsed: claim the single half-open probe slot via CAS.
		// Losing the race means another caller holds the probe.
		probe := rec
		probe.State = StateHalfOpen
		newRaw, _ := json.Marshal(probe)
		swapped, err := b.kv.CompareAndSwap(ctx, key, raw, newRaw)
		if err != nil {
			b.backendDown(upstream, err)
			return Permit{upstream: upstream, state: StateClosed}, nil
		}
		if !swapped {
			return Permit{}, &OpenError{Upstream: upstream, RetryAfter: b.cfg.RecoveryWindow}
		}
		if b.metrics != nil {
			b.metrics.RecordBreakerState(upstream, string(StateHalfOpen))
		}
		return Permit{upstream: upstream, state: StateHalfOpen}, nil

	case StateHalfOpen:
		// A probe is outstanding; only its holder may call the upstream.
		return Permit{}, &OpenError{Upstream: upstream, RetryAfter: b.cfg.RecoveryWindow}

	default:
		return Permit{upstream: upstream, state: StateClosed}, nil
	}
}

// Report resolves a permit. Success deletes the record (back to closed,
// failure count zeroed). Failure runs a read-modify-write loop: the
// count is incremented, and the circuit opens if the permit was a
// half-open probe or the new count reaches the threshold.
func (b *Breaker) Report(ctx context.Context, permit Permit, success bool) {
	key := keyPrefix + permit.upstream

	if success {
		if err := b.kv.Delete(ctx, key); err != nil {
			b.backendDown(permit.upstream, err)
		} else if permit.state == StateHalfOpen && b.metrics != nil {
			b.metrics.RecordBreakerState(permit.upstream, string(StateClosed))
		}
		return
	}

	for {
		raw, found, err := b.kv.Get(ctx, key)
		if err != nil {
			b.backendDown(permit.upstream, err)
			return
		}

		var cur record
		var old []byte
		if found {
			if err := json.Unmarshal(raw, &cur); err != nil {
				cur = record{State: StateClosed}
			}
			old = raw
		} else {
			cur = record{State: StateClosed}
		}

		next := record{FailureCount: cur.FailureCount + 1}
		if permit.state == StateHalfOpen || cur.State == StateHalfOpen || next.FailureCount >= b.cfg.FailureThreshold {
			next.State = StateOpen
			next.OpenedAt = b.now()
		} else {
			next.State = StateClosed
		}

		newRaw, _ := json.Marshal(next)
		swapped, err := b.kv.CompareAndSwap(ctx, key, old, newRaw)
		if err != nil {
			b.backendDown(permit.upstream, err)
			return
		}
		if swapped {
			if next.State == StateOpen && cur.State != StateOpen {
				b.logger.Warn("circuit opened",
					zap.String("upstream", permit.upstream),
					zap.Int("failure_count", next.FailureCount))
				if b.metrics != nil {
					b.metrics.RecordBreakerState(permit.upstream, string(StateOpen))
				}
			}
			return
		}
		// Concurrent writer won; re-read and retry unless cancelled.
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Snapshot returns the stored state for an upstream, for health surfaces.
func (b *Breaker) Snapshot(ctx context.Context, upstream string) (State, int, error) {
	raw, found, err := b.kv.Get(ctx, keyPrefix+upstream)
	if err != nil {
		return StateClosed, 0, err
	}
	if !found {
		return StateClosed, 0, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return StateClosed, 0, err
	}
	return rec.State, rec.FailureCount, nil
}

func (b *Breaker) backendDown(upstream string, err error) {
	b.logger.Warn("breaker backend unavailable, failing closed",
		zap.String("upstream", upstream), zap.Error(err))
	if b.metrics != nil {
		b.metrics.RecordBreakerBackendUnavailable(upstream)
	}
}
