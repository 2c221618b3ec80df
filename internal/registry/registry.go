// Package registry holds the configured upstream roster and tracks the
// observed health of each upstream. Candidate selection for routing and
// the background probe loop both live here.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/user/llm-gateway/internal/models"
	"go.uber.org/zap"
)

// unhealthyAfter is the consecutive-error count at which a degraded
// upstream is demoted to unhealthy. Each success works the counter
// back down by one; healthy returns only at zero.
const unhealthyAfter = 6

// probeRestoreErrors is the counter a successful background probe
// leaves on an unhealthy upstream: degraded, with real request
// successes still owed before healthy.
const probeRestoreErrors = 3

// entry pairs an immutable upstream config with its mutable health
// state. The entry mutex makes read-modify-write on the counter
// linearizable; the counter never goes below zero.
type entry struct {
	cfg models.UpstreamConfig

	mu                sync.Mutex
	status            models.UpstreamStatus
	consecutiveErrors int
	lastError         string
	lastErrorAt       time.Time
	lastProbeAt       time.Time
	lastProbeOK       bool
}

// UpstreamHealth is a point-in-time view of one upstream's state.
type UpstreamHealth struct {
	Name              string                `json:"name"`
	Kind              models.UpstreamKind   `json:"kind"`
	Status            models.UpstreamStatus `json:"status"`
	Priority          int                   `json:"priority"`
	ConsecutiveErrors int                   `json:"consecutive_errors"`
	LastError         string                `json:"last_error,omitempty"`
	LastErrorAt       *time.Time            `json:"last_error_at,omitempty"`
	LastProbeAt       *time.Time            `json:"last_probe_at,omitempty"`
	Models            []string              `json:"models"`
}

// Registry is the upstream roster. The set of upstreams is fixed at
// construction; only health state changes afterwards.
type Registry struct {
	logger  *zap.Logger
	entries []*entry
	byName  map[string]*entry
	forced  *entry
}

// New builds a registry from validated upstream configs.
func New(upstreams []models.UpstreamConfig, logger *zap.Logger) *Registry {
	r := &Registry{
		logger: logger,
		byName: make(map[string]*entry, len(upstreams)),
	}
	for _, cfg := range upstreams {
		e := &entry{cfg: cfg, status: models.StatusHealthy}
		if !cfg.Enabled {
			e.status = models.StatusDisabled
		}
		r.entries = append(r.entries, e)
		r.byName[cfg.Name] = e
		if cfg.Forced && cfg.Enabled {
			r.forced = e
		}
	}
	return r
}

// Candidates returns the healthy and degraded upstreams that serve the
// model and advertise the operation's capability, by priority
// ascending. Unhealthy upstreams receive no traffic until a probe or
// decaying error count readmits them.
//
// A forced upstream takes all matching traffic alone, whatever its
// health; if it does not match the query the list is empty rather than
// falling through to the roster.
func (r *Registry) Candidates(model string, op models.Operation) []*models.UpstreamConfig {
	capability := models.CapabilityOf(op)

	matches := func(e *entry) bool {
		if !e.cfg.Enabled || !e.cfg.HasModel(model) {
			return false
		}
		if len(e.cfg.Capabilities) > 0 && !e.cfg.HasCapability(capability) {
			return false
		}
		return true
	}

	if r.forced != nil {
		if matches(r.forced) {
			return []*models.UpstreamConfig{&r.forced.cfg}
		}
		return nil
	}

	var out []*entry
	for _, e := range r.entries {
		if !matches(e) {
			continue
		}
		if e.currentStatus() == models.StatusUnhealthy {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].cfg.Priority < out[j].cfg.Priority
	})

	cfgs := make([]*models.UpstreamConfig, len(out))
	for i, e := range out {
		cfgs[i] = &e.cfg
	}
	return cfgs
}

func (e *entry) currentStatus() models.UpstreamStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Get returns the config for a named upstream.
func (r *Registry) Get(name string) (*models.UpstreamConfig, bool) {
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return &e.cfg, true
}

// All returns every configured upstream, enabled or not.
func (r *Registry) All() []*models.UpstreamConfig {
	out := make([]*models.UpstreamConfig, len(r.entries))
	for i, e := range r.entries {
		out[i] = &e.cfg
	}
	return out
}

// RecordOutcome updates an upstream's health from one attempt result.
// A success decrements the consecutive-error count; healthy returns
// only when it reaches zero. A failure increments it, demoting healthy
// to degraded immediately and degraded to unhealthy once the count
// reaches the threshold.
func (r *Registry) RecordOutcome(name string, success bool, errMsg string) {
	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == models.StatusDisabled {
		return
	}

	prev := e.status
	if success {
		if e.consecutiveErrors > 0 {
			e.consecutiveErrors--
		}
		if e.consecutiveErrors == 0 {
			e.status = models.StatusHealthy
		}
	} else {
		e.consecutiveErrors++
		e.lastError = errMsg
		e.lastErrorAt = time.Now()
		switch {
		case e.consecutiveErrors >= unhealthyAfter || prev == models.StatusUnhealthy:
			e.status = models.StatusUnhealthy
		default:
			e.status = models.StatusDegraded
		}
	}

	if e.status != prev {
		r.logger.Warn("upstream status changed",
			zap.String("upstream", name),
			zap.String("from", string(prev)),
			zap.String("to", string(e.status)),
			zap.Int("consecutive_errors", e.consecutiveErrors))
	}
}

// recordProbe stores a background probe result.
func (r *Registry) recordProbe(name string, ok bool, detail string) {
	e, found := r.byName[name]
	if !found {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == models.StatusDisabled {
		return
	}
	e.lastProbeAt = time.Now()
	e.lastProbeOK = ok
	if ok {
		if e.status == models.StatusUnhealthy {
			// Probe success restores a demoted upstream to degraded; it
			// must earn healthy back with a real request.
			e.status = models.StatusDegraded
			e.consecutiveErrors = probeRestoreErrors
		}
		return
	}
	if detail != "" {
		e.lastError = detail
		e.lastErrorAt = e.lastProbeAt
	}
	if e.status == models.StatusHealthy {
		e.status = models.StatusDegraded
	}
}

// Status returns the current health classification of a named upstream.
func (r *Registry) Status(name string) models.UpstreamStatus {
	e, ok := r.byName[name]
	if !ok {
		return models.StatusDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Snapshot returns the health view of every upstream, for /health.
func (r *Registry) Snapshot() []UpstreamHealth {
	out := make([]UpstreamHealth, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		h := UpstreamHealth{
			Name:              e.cfg.Name,
			Kind:              e.cfg.Kind,
			Status:            e.status,
			Priority:          e.cfg.Priority,
			ConsecutiveErrors: e.consecutiveErrors,
			LastError:         e.lastError,
			Models:            append([]string(nil), e.cfg.Models...),
		}
		if !e.lastErrorAt.IsZero() {
			t := e.lastErrorAt
			h.LastErrorAt = &t
		}
		if !e.lastProbeAt.IsZero() {
			t := e.lastProbeAt
			h.LastProbeAt = &t
		}
		e.mu.Unlock()
		out = append(out, h)
	}
	return out
}

// HealthScore is the fraction of enabled upstreams currently able to
// serve traffic; degraded upstreams count half. Range [0, 1].
func (r *Registry) HealthScore() float64 {
	var enabled, score float64
	for _, e := range r.entries {
		e.mu.Lock()
		st := e.status
		e.mu.Unlock()
		if st == models.StatusDisabled {
			continue
		}
		enabled++
		switch st {
		case models.StatusHealthy:
			score += 1.0
		case models.StatusDegraded:
			score += 0.5
		}
	}
	if enabled == 0 {
		return 0
	}
	return score / enabled
}
