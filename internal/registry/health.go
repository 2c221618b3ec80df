package registry

import (
	"context"
	"time"

	"github.com/user/llm-gateway/internal/config"
	"github.com/user/llm-gateway/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Prober checks whether an upstream can serve traffic.
type Prober interface {
	Probe(ctx context.Context, up *models.UpstreamConfig) (bool, string)
}

// HealthRecorder publishes upstream availability.
type HealthRecorder interface {
	SetUpstreamHealthy(upstream string, healthy bool)
}

// HealthChecker probes every enabled upstream on a fixed interval and
// feeds the results back into the registry. Probe results are cached
// for ResultTTL so on-demand checks don't hammer upstreams.
type HealthChecker struct {
	registry *Registry
	prober   Prober
	metrics  HealthRecorder
	logger   *zap.Logger
	cfg      config.HealthCheckConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthChecker creates the checker. metrics may be nil.
func NewHealthChecker(r *Registry, prober Prober, metrics HealthRecorder, cfg config.HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		registry: r,
		prober:   prober,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start launches the probe loop. An immediate first sweep runs before
// the ticker takes over.
func (h *HealthChecker) Start(ctx context.Context) {
	if !h.cfg.Enabled {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		h.sweep(ctx)
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (h *HealthChecker) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

// sweep probes all enabled upstreams concurrently.
func (h *HealthChecker) sweep(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, up := range h.registry.All() {
		if !up.Enabled {
			continue
		}
		up := up
		g.Go(func() error {
			h.checkOne(ctx, up)
			return nil
		})
	}
	g.Wait()
}

func (h *HealthChecker) checkOne(ctx context.Context, up *models.UpstreamConfig) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	ok, detail := h.prober.Probe(ctx, up)
	h.registry.recordProbe(up.Name, ok, detail)

	status := h.registry.Status(up.Name)
	if h.metrics != nil {
		h.metrics.SetUpstreamHealthy(up.Name, status == models.StatusHealthy || status == models.StatusDegraded)
	}
	if !ok {
		h.logger.Warn("health probe failed",
			zap.String("upstream", up.Name),
			zap.String("detail", detail))
	}
}

// CheckNow returns the current health snapshot, probing any upstream
// whose last probe result is older than ResultTTL.
func (h *HealthChecker) CheckNow(ctx context.Context) []UpstreamHealth {
	stale := h.staleUpstreams()
	if len(stale) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, up := range stale {
			up := up
			g.Go(func() error {
				h.checkOne(gctx, up)
				return nil
			})
		}
		g.Wait()
	}
	return h.registry.Snapshot()
}

func (h *HealthChecker) staleUpstreams() []*models.UpstreamConfig {
	cutoff := time.Now().Add(-h.cfg.ResultTTL)
	var out []*models.UpstreamConfig
	for _, hs := range h.registry.Snapshot() {
		if hs.Status == models.StatusDisabled {
			continue
		}
		if hs.LastProbeAt == nil || hs.LastProbeAt.Before(cutoff) {
			if up, ok := h.registry.Get(hs.Name); ok {
				out = append(out, up)
			}
		}
	}
	return out
}
