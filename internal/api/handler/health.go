package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/llm-gateway/internal/breaker"
	"github.com/user/llm-gateway/internal/models"
	"github.com/user/llm-gateway/internal/registry"
	"github.com/user/llm-gateway/internal/version"
)

// BreakerSnapshotter reads stored breaker state; satisfied by
// *breaker.Breaker.
type BreakerSnapshotter interface {
	Snapshot(ctx context.Context, upstream string) (breaker.State, int, error)
}

// HealthSource provides the health view; satisfied by
// *registry.HealthChecker.
type HealthSource interface {
	CheckNow(ctx context.Context) []registry.UpstreamHealth
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	registry *registry.Registry
	health   HealthSource
	breaker  BreakerSnapshotter
}

// NewHealthHandler creates a HealthHandler. health may be nil when the
// probe loop is disabled; the raw registry snapshot is served instead.
func NewHealthHandler(reg *registry.Registry, health HealthSource, brk BreakerSnapshotter) *HealthHandler {
	return &HealthHandler{registry: reg, health: health, breaker: brk}
}

type breakerView struct {
	State        breaker.State `json:"state"`
	FailureCount int           `json:"failure_count"`
}

// providerCounts tallies upstreams by status for the health body.
type providerCounts struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Disabled  int `json:"disabled"`
}

// Health reports the gateway's aggregate health plus per-upstream
// status, provider counts and breaker state. The endpoint always
// answers 200 while the process itself is up; the status field tells
// the rest: ok when every enabled upstream is healthy, degraded while
// some are impaired, unhealthy when none can serve.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	var upstreams []registry.UpstreamHealth
	if h.health != nil {
		upstreams = h.health.CheckNow(ctx)
	} else {
		upstreams = h.registry.Snapshot()
	}

	var counts providerCounts
	counts.Total = len(upstreams)
	for _, up := range upstreams {
		switch up.Status {
		case models.StatusHealthy:
			counts.Healthy++
		case models.StatusDegraded:
			counts.Degraded++
		case models.StatusUnhealthy:
			counts.Unhealthy++
		case models.StatusDisabled:
			counts.Disabled++
		}
	}

	breakers := make(map[string]breakerView, len(upstreams))
	for _, up := range upstreams {
		state, count, err := h.breaker.Snapshot(ctx, up.Name)
		if err != nil {
			continue
		}
		breakers[up.Name] = breakerView{State: state, FailureCount: count}
	}

	status := "ok"
	switch {
	case counts.Healthy+counts.Degraded == 0:
		status = "unhealthy"
	case counts.Healthy < counts.Total-counts.Disabled:
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"timestamp":    time.Now().UTC(),
		"version":      version.Version,
		"health_score": h.registry.HealthScore(),
		"providers":    counts,
		"upstreams":    upstreams,
		"breakers":     breakers,
	})
}
