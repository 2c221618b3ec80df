package retry

import (
	"time"

	"github.com/user/llm-gateway/internal/config"
	"github.com/user/llm-gateway/internal/models"
)

// Params is a fully resolved retry parameter set for one (upstream,
// strategy) pair. Per-error-class overrides are applied on top through
// ForClass at decision time.
type Params struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64

	perClass map[models.ErrorClass]config.RetryOverride
	strategy *config.RetryOverride
}

// ResolveParams merges the parameter scopes. Precedence from highest:
// per-strategy override, per-error-class override, per-upstream, global.
// The class layer is applied lazily by ForClass; this function resolves
// the global and upstream layers and captures the rest.
func ResolveParams(cfg config.RetryConfig, up *models.UpstreamConfig, strategy string) Params {
	p := Params{
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		JitterFactor:  cfg.JitterFactor,
	}
	if up != nil {
		if up.MaxRetries > 0 {
			p.MaxAttempts = up.MaxRetries
		}
		if up.Retry != nil {
			applyOverride(&p, config.RetryOverride{
				MaxAttempts:   up.Retry.MaxAttempts,
				BaseDelay:     up.Retry.BaseDelay,
				MaxDelay:      up.Retry.MaxDelay,
				BackoffFactor: up.Retry.BackoffFactor,
				JitterFactor:  up.Retry.JitterFactor,
			})
		}
	}

	if len(cfg.PerClass) > 0 {
		p.perClass = make(map[models.ErrorClass]config.RetryOverride, len(cfg.PerClass))
		for class, o := range cfg.PerClass {
			p.perClass[models.ErrorClass(class)] = o
		}
	}
	if o, ok := cfg.PerStrategy[strategy]; ok {
		p.strategy = &o
	}
	return p
}

// ForClass returns the effective parameters for one error class.
func (p Params) ForClass(class models.ErrorClass) Params {
	out := p
	if o, ok := p.perClass[class]; ok {
		applyOverride(&out, o)
	}
	if p.strategy != nil {
		applyOverride(&out, *p.strategy)
	}
	return out
}

func applyOverride(p *Params, o config.RetryOverride) {
	if o.MaxAttempts != nil {
		p.MaxAttempts = *o.MaxAttempts
	}
	if o.BaseDelay != nil {
		p.BaseDelay = *o.BaseDelay
	}
	if o.MaxDelay != nil {
		p.MaxDelay = *o.MaxDelay
	}
	if o.BackoffFactor != nil {
		p.BackoffFactor = *o.BackoffFactor
	}
	if o.JitterFactor != nil {
		p.JitterFactor = *o.JitterFactor
	}
}
