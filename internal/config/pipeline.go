package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iago/longform/internal/resilience"
)

// Pipeline holds the orchestration policies. Defaults apply for any field
// the policy file leaves out.
type Pipeline struct {
	Concurrency     int    `yaml:"concurrency"`
	UnitRetryLimit  int    `yaml:"unit_retry_limit"`
	MaxStageRetries int    `yaml:"max_stage_retries"`
	ReviewGate      bool   `yaml:"review_gate"`
	RenderFormat    string `yaml:"render_format"`

	Checkpoint   CheckpointPolicy            `yaml:"checkpoint"`
	Retry        RetryPolicies               `yaml:"retry"`
	Breakers     BreakerPolicies             `yaml:"breakers"`
	Capabilities map[string]CapabilityPolicy `yaml:"capabilities"`
}

type CheckpointPolicy struct {
	MaxFieldBytes int   `yaml:"max_field_bytes"`
	RedisMaxLen   int64 `yaml:"redis_max_len"`
}

type RetryPolicy struct {
	MaxRetries        *int          `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Timeout           time.Duration `yaml:"timeout"`
}

type RetryPolicies struct {
	Default RetryPolicy            `yaml:"default"`
	Units   map[string]RetryPolicy `yaml:"units"`
}

type BreakerPolicy struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type BreakerPolicies struct {
	Default      BreakerPolicy            `yaml:"default"`
	Capabilities map[string]BreakerPolicy `yaml:"capabilities"`
}

type CapabilityPolicy struct {
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

func DefaultPipeline() Pipeline {
	return Pipeline{
		Concurrency:     3,
		UnitRetryLimit:  1,
		MaxStageRetries: 1,
		RenderFormat:    "markdown",
		Capabilities: map[string]CapabilityPolicy{
			"content_synthesis":  {Timeout: 2 * time.Minute, RatePerSecond: 2, Burst: 4},
			"document_rendering": {Timeout: 30 * time.Second},
			"auxiliary_lookup":   {Timeout: 5 * time.Second},
		},
	}
}

// LoadPipeline reads the YAML policy file at path. An empty path yields
// the defaults.
func LoadPipeline(path string) (Pipeline, error) {
	cfg := DefaultPipeline()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read pipeline config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Pipeline{}, fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Pipeline{}, fmt.Errorf("invalid pipeline config %s: %w", path, err)
	}
	return cfg, nil
}

func (p Pipeline) validate() error {
	if p.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", p.Concurrency)
	}
	if p.UnitRetryLimit < 0 || p.MaxStageRetries < 0 {
		return fmt.Errorf("retry limits must not be negative")
	}
	switch strings.ToLower(p.RenderFormat) {
	case "", "md", "markdown", "html":
	default:
		return fmt.Errorf("unsupported render_format %q", p.RenderFormat)
	}
	for name, capability := range p.Capabilities {
		if capability.RatePerSecond < 0 || capability.Burst < 0 {
			return fmt.Errorf("capability %s: rate limits must not be negative", name)
		}
	}
	return nil
}

// Policy converts r to a resilience policy, filling unset fields from base.
func (r RetryPolicy) Policy(base resilience.Policy) resilience.Policy {
	if r.MaxRetries != nil {
		base.MaxRetries = *r.MaxRetries
	}
	if r.InitialDelay > 0 {
		base.InitialDelay = r.InitialDelay
	}
	if r.BackoffMultiplier > 0 {
		base.BackoffMultiplier = r.BackoffMultiplier
	}
	if r.MaxDelay > 0 {
		base.MaxDelay = r.MaxDelay
	}
	if r.Timeout > 0 {
		base.Timeout = r.Timeout
	}
	return base
}

// RetryDefault is the policy for units without an override.
func (p Pipeline) RetryDefault() resilience.Policy {
	return p.Retry.Default.Policy(resilience.DefaultPolicy())
}

// RetryOverrides are the per-unit policies keyed by unit name.
func (p Pipeline) RetryOverrides() map[string]resilience.Policy {
	base := p.RetryDefault()
	out := make(map[string]resilience.Policy, len(p.Retry.Units))
	for name, policy := range p.Retry.Units {
		out[name] = policy.Policy(base)
	}
	return out
}

func (b BreakerPolicy) config(base resilience.BreakerConfig) resilience.BreakerConfig {
	if b.FailureThreshold > 0 {
		base.FailureThreshold = b.FailureThreshold
	}
	if b.RecoveryTimeout > 0 {
		base.RecoveryTimeout = b.RecoveryTimeout
	}
	return base
}

func (p Pipeline) BreakerDefault() resilience.BreakerConfig {
	return p.Breakers.Default.config(resilience.DefaultBreakerConfig())
}

func (p Pipeline) BreakerOverrides() map[string]resilience.BreakerConfig {
	base := p.BreakerDefault()
	out := make(map[string]resilience.BreakerConfig, len(p.Breakers.Capabilities))
	for name, policy := range p.Breakers.Capabilities {
		out[name] = policy.config(base)
	}
	return out
}
