package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/llm-gateway/internal/config"
	"github.com/user/llm-gateway/internal/models"
	"go.uber.org/zap"
)

// proberStub returns scripted probe results and counts probes.
type proberStub struct {
	mu      sync.Mutex
	results map[string]bool
	details map[string]string
	probes  map[string]int
}

func newProberStub() *proberStub {
	return &proberStub{
		results: make(map[string]bool),
		details: make(map[string]string),
		probes:  make(map[string]int),
	}
}

func (p *proberStub) Probe(_ context.Context, up *models.UpstreamConfig) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[up.Name]++
	ok, scripted := p.results[up.Name]
	if !scripted {
		ok = true
	}
	return ok, p.details[up.Name]
}

func (p *proberStub) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes[name]
}

type healthStub struct {
	mu      sync.Mutex
	healthy map[string]bool
}

func (h *healthStub) SetUpstreamHealthy(name string, healthy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.healthy == nil {
		h.healthy = make(map[string]bool)
	}
	h.healthy[name] = healthy
}

func healthCfg() config.HealthCheckConfig {
	return config.HealthCheckConfig{
		Enabled:      true,
		Interval:     time.Hour, // only the immediate sweep fires in tests
		ProbeTimeout: time.Second,
		ResultTTL:    time.Minute,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHealthChecker_InitialSweep(t *testing.T) {
	reg := New([]models.UpstreamConfig{
		{Name: "A", Enabled: true, Models: []string{"m"}},
		{Name: "B", Enabled: true, Models: []string{"m"}},
		{Name: "off", Enabled: false, Models: []string{"m"}},
	}, zap.NewNop())
	prober := newProberStub()
	prober.results["B"] = false
	prober.details["B"] = "connection refused"
	metrics := &healthStub{}

	hc := NewHealthChecker(reg, prober, metrics, healthCfg(), zap.NewNop())
	hc.Start(context.Background())
	defer hc.Stop()

	waitFor(t, func() bool { return prober.count("A") >= 1 && prober.count("B") >= 1 })

	// Disabled upstreams are never probed.
	assert.Equal(t, 0, prober.count("off"))

	waitFor(t, func() bool { return reg.Status("B") == models.StatusDegraded })
	assert.Equal(t, models.StatusHealthy, reg.Status("A"))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.True(t, metrics.healthy["A"])
	assert.True(t, metrics.healthy["B"]) // degraded still counts as available
}

func TestHealthChecker_ProbeRestoresUnhealthyToDegraded(t *testing.T) {
	reg := New([]models.UpstreamConfig{
		{Name: "A", Enabled: true, Models: []string{"m"}},
	}, zap.NewNop())
	for i := 0; i < unhealthyAfter; i++ {
		reg.RecordOutcome("A", false, "boom")
	}
	require.Equal(t, models.StatusUnhealthy, reg.Status("A"))

	prober := newProberStub()
	hc := NewHealthChecker(reg, prober, nil, healthCfg(), zap.NewNop())
	hc.Start(context.Background())
	defer hc.Stop()

	// Probe success demotes to degraded only; real request successes
	// work the error count back to zero before healthy returns.
	waitFor(t, func() bool { return reg.Status("A") == models.StatusDegraded })

	for i := 0; i < probeRestoreErrors; i++ {
		require.Equal(t, models.StatusDegraded, reg.Status("A"))
		reg.RecordOutcome("A", true, "")
	}
	assert.Equal(t, models.StatusHealthy, reg.Status("A"))
}

func TestHealthChecker_CheckNowProbesStaleOnly(t *testing.T) {
	reg := New([]models.UpstreamConfig{
		{Name: "A", Enabled: true, Models: []string{"m"}},
	}, zap.NewNop())
	prober := newProberStub()

	hc := NewHealthChecker(reg, prober, nil, healthCfg(), zap.NewNop())

	// Never probed: CheckNow probes on demand.
	snap := hc.CheckNow(context.Background())
	require.Len(t, snap, 1)
	assert.Equal(t, 1, prober.count("A"))
	require.NotNil(t, snap[0].LastProbeAt)

	// Fresh result within the TTL: no re-probe.
	hc.CheckNow(context.Background())
	assert.Equal(t, 1, prober.count("A"))
}

func TestHealthChecker_DisabledDoesNothing(t *testing.T) {
	reg := New([]models.UpstreamConfig{
		{Name: "A", Enabled: true, Models: []string{"m"}},
	}, zap.NewNop())
	prober := newProberStub()

	cfg := healthCfg()
	cfg.Enabled = false
	hc := NewHealthChecker(reg, prober, nil, cfg, zap.NewNop())
	hc.Start(context.Background())
	hc.Stop()

	assert.Equal(t, 0, prober.count("A"))
}

func TestHealthChecker_StopWaitsForSweep(t *testing.T) {
	reg := New([]models.UpstreamConfig{
		{Name: "A", Enabled: true, Models: []string{"m"}},
	}, zap.NewNop())
	prober := newProberStub()

	hc := NewHealthChecker(reg, prober, nil, healthCfg(), zap.NewNop())
	hc.Start(context.Background())
	waitFor(t, func() bool { return prober.count("A") >= 1 })
	hc.Stop()

	count := prober.count("A")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, prober.count("A"))
}
