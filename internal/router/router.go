// Package router drives a request through candidate selection, the
// response cache, the circuit breaker and the per-upstream retry
// strategies until one upstream produces a response or every candidate
// is exhausted.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/user/llm-gateway/internal/breaker"
	"github.com/user/llm-gateway/internal/cache"
	"github.com/user/llm-gateway/internal/config"
	"github.com/user/llm-gateway/internal/models"
	"github.com/user/llm-gateway/internal/registry"
	"github.com/user/llm-gateway/internal/retry"
	"github.com/user/llm-gateway/internal/upstream"
	"go.uber.org/zap"
)

// Caller issues wire calls; satisfied by *upstream.Client.
type Caller interface {
	Call(ctx context.Context, up *models.UpstreamConfig, env *models.RequestEnvelope) (*upstream.Result, error)
}

// Recorder receives request-level metrics.
type Recorder interface {
	RecordRequest(operation, model, winner, outcome string, dur time.Duration)
}

// upstreamState is the long-lived retry machinery for one upstream.
// History persists across requests so adaptive strategies see real
// per-upstream behavior, not one request's worth.
type upstreamState struct {
	executor    *retry.Executor
	maxAttempts int
}

// Router is the fallback state machine.
type Router struct {
	registry *registry.Registry
	breaker  *breaker.Breaker
	cache    *cache.Cache // nil when caching is disabled
	client   Caller
	metrics  Recorder
	logger   *zap.Logger
	states   map[string]*upstreamState
}

// New wires the router. cache and metrics may be nil.
func New(reg *registry.Registry, brk *breaker.Breaker, c *cache.Cache, client Caller, retryCfg config.RetryConfig, metrics Recorder, logger *zap.Logger) (*Router, error) {
	states := make(map[string]*upstreamState)
	for _, up := range reg.All() {
		params := retry.ResolveParams(retryCfg, up, up.RetryStrategy)
		history := retry.NewHistory()
		strategy, err := retry.New(up.RetryStrategy, params, history)
		if err != nil {
			return nil, err
		}
		states[up.Name] = &upstreamState{
			executor:    retry.NewExecutor(strategy, history, logger.With(zap.String("upstream", up.Name))),
			maxAttempts: params.MaxAttempts,
		}
	}
	return &Router{
		registry: reg,
		breaker:  brk,
		cache:    c,
		client:   client,
		metrics:  metrics,
		logger:   logger,
		states:   states,
	}, nil
}

// Route resolves one request envelope to a response. For streaming
// requests success is declared once upstream headers arrive; the
// stream then belongs to the caller and is never re-routed mid-flight.
func (r *Router) Route(ctx context.Context, env *models.RequestEnvelope, requestID string) (*models.ResponseEnvelope, error) {
	start := time.Now()

	candidates := r.registry.Candidates(env.Model, env.Operation)
	if len(candidates) == 0 {
		r.record(env, "", "no_candidates", start)
		return nil, models.NewGatewayError(models.CodeModelNotSupported, requestID,
			"no upstream serves model %q for %s", env.Model, env.Operation)
	}

	if r.cache != nil && !env.Stream && cache.Cacheable(env.Operation) {
		return r.routeCached(ctx, env, candidates, requestID, start)
	}

	resp, err := r.routeUpstreams(ctx, env, candidates, requestID)
	r.recordResult(env, resp, err, start)
	return resp, err
}

// routeCached wraps the fallback loop in the single-flight group so
// identical concurrent misses share one upstream call.
func (r *Router) routeCached(ctx context.Context, env *models.RequestEnvelope, candidates []*models.UpstreamConfig, requestID string, start time.Time) (*models.ResponseEnvelope, error) {
	fp := cache.Fingerprint(env)

	entry, hit, err := r.cache.Do(ctx, fp, func() (cache.Entry, error) {
		resp, err := r.routeUpstreams(ctx, env, candidates, requestID)
		if err != nil {
			return cache.Entry{}, err
		}
		return cache.Entry{
			Body:      resp.Body,
			Upstream:  resp.Provenance.Upstream,
			Attempt:   resp.Provenance.Attempt,
			CreatedAt: time.Now(),
		}, nil
	})
	if err != nil {
		r.recordResult(env, nil, err, start)
		return nil, err
	}

	resp := &models.ResponseEnvelope{
		Body: entry.Body,
		Provenance: models.Provenance{
			Upstream:  entry.Upstream,
			Attempt:   entry.Attempt,
			RequestID: requestID,
			Cached:    hit,
			Elapsed:   time.Since(start),
			ElapsedMs: float64(time.Since(start).Microseconds()) / 1000,
		},
	}
	if hit {
		r.record(env, entry.Upstream, "cache_hit", start)
	} else {
		r.record(env, entry.Upstream, "success", start)
	}
	return resp, nil
}

// routeUpstreams walks the candidate list in order. Every wire attempt
// passes through the breaker individually: Enter before the call,
// Report with that call's outcome, so the shared failure count reflects
// real calls one for one.
func (r *Router) routeUpstreams(ctx context.Context, env *models.RequestEnvelope, candidates []*models.UpstreamConfig, requestID string) (*models.ResponseEnvelope, error) {
	var attempts []models.Attempt

	for _, up := range candidates {
		seqStart := time.Now()
		state := r.states[up.Name]
		var resp *models.ResponseEnvelope

		callErr := state.executor.Execute(ctx, state.maxAttempts, func(ctx context.Context) error {
			attemptStart := time.Now()

			permit, err := r.breaker.Enter(ctx, up.Name)
			if err != nil {
				var oe *breaker.OpenError
				if !errors.As(err, &oe) {
					return err
				}
				r.logger.Debug("skipping tripped upstream",
					zap.String("upstream", up.Name),
					zap.Duration("retry_after", oe.RetryAfter),
					zap.String("request_id", requestID))
				attempts = append(attempts, models.Attempt{
					Upstream:  up.Name,
					Index:     len(attempts),
					StartedAt: attemptStart,
					Class:     models.ClassBreakerOpen,
					Message:   err.Error(),
				})
				return &models.UpstreamError{
					Upstream: up.Name,
					Class:    models.ClassBreakerOpen,
					Message:  err.Error(),
				}
			}

			res, err := r.client.Call(ctx, up, env)
			if err != nil {
				class, meta := retry.Classify(err)
				// Capability mismatches and request faults are not
				// upstream faults; they resolve the permit clean.
				r.breaker.Report(ctx, permit, class == models.ClassNotSupported || class.RequestFault())
				attempts = append(attempts, models.Attempt{
					Upstream:  up.Name,
					Index:     len(attempts),
					StartedAt: attemptStart,
					Elapsed:   time.Since(attemptStart),
					Class:     class,
					Message:   meta.Message,
				})
				return err
			}

			// For streams this is the point headers arrived; the
			// breaker sees success here and the stream is the
			// caller's from now on.
			r.breaker.Report(ctx, permit, true)
			resp = &models.ResponseEnvelope{
				Body:   res.Body,
				Chunks: res.Chunks,
				Provenance: models.Provenance{
					Upstream:  up.Name,
					RequestID: requestID,
				},
			}
			return nil
		})

		if callErr == nil {
			r.registry.RecordOutcome(up.Name, true, "")
			elapsed := time.Since(seqStart)
			resp.Provenance.Attempt = len(attempts) + 1
			resp.Provenance.Elapsed = elapsed
			resp.Provenance.ElapsedMs = float64(elapsed.Microseconds()) / 1000
			return resp, nil
		}

		class, meta := retry.Classify(callErr)
		switch {
		case class == models.ClassBreakerOpen, class == models.ClassNotSupported:
			continue
		case class.RequestFault():
			ge := models.NewGatewayError(models.CodeForClass(class), requestID, "%s", meta.Message)
			ge.Attempts = attempts
			return nil, ge
		}

		r.registry.RecordOutcome(up.Name, false, meta.Message)

		r.logger.Warn("upstream exhausted, falling back",
			zap.String("upstream", up.Name),
			zap.String("error_class", string(class)),
			zap.String("request_id", requestID),
			zap.Error(callErr))

		if ctx.Err() != nil {
			break
		}
	}

	// A blown request deadline dominates whatever mix of attempt
	// failures preceded it.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ge := models.NewGatewayError(models.CodeTimeout, requestID, "request deadline exceeded")
		ge.Attempts = attempts
		return nil, ge
	}

	return nil, aggregateError(attempts, requestID)
}

// aggregateError summarizes a fully exhausted candidate list. When
// every real attempt failed the same way the specific code survives;
// mixed failures surface as all-upstreams-unavailable.
func aggregateError(attempts []models.Attempt, requestID string) *models.GatewayError {
	code := models.CodeAllUpstreamsUnavailable
	msg := "all upstreams failed or are unavailable"

	uniform := models.ErrorClass("")
	for _, a := range attempts {
		if a.Class == models.ClassBreakerOpen {
			continue
		}
		if uniform == "" {
			uniform = a.Class
		} else if uniform != a.Class {
			uniform = models.ClassUnknown
		}
	}
	switch uniform {
	case models.ClassRateLimited:
		code = models.CodeRateLimited
		msg = "all upstreams are rate limited"
	case models.ClassTimeout:
		code = models.CodeTimeout
		msg = "all upstreams timed out"
	case models.ClassNotSupported:
		code = models.CodeOperationNotSupported
		msg = "no upstream supports this operation"
	}

	ge := models.NewGatewayError(code, requestID, "%s", msg)
	ge.Attempts = attempts
	return ge
}

func (r *Router) recordResult(env *models.RequestEnvelope, resp *models.ResponseEnvelope, err error, start time.Time) {
	switch {
	case err != nil:
		r.record(env, "", "error", start)
	case resp != nil:
		r.record(env, resp.Provenance.Upstream, "success", start)
	}
}

func (r *Router) record(env *models.RequestEnvelope, winner, outcome string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordRequest(string(env.Operation), env.Model, winner, outcome, time.Since(start))
}
