package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/user/llm-gateway/internal/config"
	"github.com/user/llm-gateway/internal/models"
)

func globalRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.2,
	}
}

func intp(v int) *int                       { return &v }
func durp(v time.Duration) *time.Duration   { return &v }
func floatp(v float64) *float64             { return &v }

func TestResolveParams_GlobalOnly(t *testing.T) {
	p := ResolveParams(globalRetryConfig(), nil, "")
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
}

func TestResolveParams_UpstreamOverridesGlobal(t *testing.T) {
	up := &models.UpstreamConfig{
		Name:       "openai",
		MaxRetries: 5,
		Retry: &models.RetryOverride{
			BaseDelay: durp(time.Second),
		},
	}
	p := ResolveParams(globalRetryConfig(), up, "")
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	// Untouched fields inherit.
	assert.Equal(t, 2.0, p.BackoffFactor)
}

func TestForClass_ClassOverridesUpstream(t *testing.T) {
	cfg := globalRetryConfig()
	cfg.PerClass = map[string]config.RetryOverride{
		"rate_limited": {BaseDelay: durp(5 * time.Second), MaxAttempts: intp(6)},
	}
	up := &models.UpstreamConfig{Name: "openai", Retry: &models.RetryOverride{BaseDelay: durp(time.Second)}}

	p := ResolveParams(cfg, up, "")
	rl := p.ForClass(models.ClassRateLimited)
	assert.Equal(t, 5*time.Second, rl.BaseDelay)
	assert.Equal(t, 6, rl.MaxAttempts)

	other := p.ForClass(models.ClassTimeout)
	assert.Equal(t, time.Second, other.BaseDelay)
}

func TestForClass_StrategyOverridesClass(t *testing.T) {
	cfg := globalRetryConfig()
	cfg.PerClass = map[string]config.RetryOverride{
		"rate_limited": {JitterFactor: floatp(0.5)},
	}
	cfg.PerStrategy = map[string]config.RetryOverride{
		"adaptive": {JitterFactor: floatp(0.9)},
	}

	p := ResolveParams(cfg, nil, "adaptive")
	got := p.ForClass(models.ClassRateLimited)
	assert.Equal(t, 0.9, got.JitterFactor)

	// A strategy with no override falls through to the class layer.
	p = ResolveParams(cfg, nil, "exponential")
	got = p.ForClass(models.ClassRateLimited)
	assert.Equal(t, 0.5, got.JitterFactor)
}
