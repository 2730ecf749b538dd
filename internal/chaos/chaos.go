// Package chaos implements fault injection for the virtual network:
// configurable drop/disconnect rates, latency, and address partitioning,
// driven by an injected RNG so a seeded source reproduces a decision
// sequence exactly.
package chaos

import (
	"sync"
	"time"

	"github.com/joeycumines/go-microkernel/internal/clock"
	"github.com/joeycumines/go-microkernel/internal/rng"
)

// Config is one chaos profile, settable globally or per scope.
type Config struct {
	Enabled          bool
	DropRate         float64 // [0,1]
	DisconnectRate   float64 // [0,1]
	LatencyMS        int64
	PartitionTargets map[string]struct{}
}

// Engine evaluates chaos decisions. The zero value is not usable; use
// New.
type Engine struct {
	mu      sync.Mutex
	rng     rng.Source
	clock   clock.Clock
	global  Config
	byScope map[string]Config
}

// Option configures an Engine.
type Option func(*Engine)

// WithRNG overrides the random source (defaults to a crypto source).
func WithRNG(src rng.Source) Option { return func(e *Engine) { e.rng = src } }

// WithClock overrides the clock source used for MaybeDelay.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// New constructs an Engine with the given global config.
func New(global Config, opts ...Option) *Engine {
	e := &Engine{global: global, byScope: make(map[string]Config)}
	for _, o := range opts {
		o(e)
	}
	if e.rng == nil {
		e.rng = rng.NewCrypto()
	}
	if e.clock == nil {
		e.clock = clock.NewReal()
	}
	return e
}

// SetScope installs a per-scope chaos profile, overriding the global
// profile for queries that pass that scope id.
func (e *Engine) SetScope(scopeID string, cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byScope[scopeID] = cfg
}

func (e *Engine) resolve(scopeID string) Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	if scopeID != "" {
		if cfg, ok := e.byScope[scopeID]; ok {
			return cfg
		}
	}
	return e.global
}

// ShouldDrop reports whether an operation should be dropped, consuming
// one random draw from the engine's RNG when enabled.
func (e *Engine) ShouldDrop(scopeID string) bool {
	cfg := e.resolve(scopeID)
	if !cfg.Enabled || cfg.DropRate <= 0 {
		return false
	}
	return rng.Float64(e.rng) < cfg.DropRate
}

// ShouldDisconnect reports whether an active connection should be
// severed, consuming one random draw when enabled.
func (e *Engine) ShouldDisconnect(scopeID string) bool {
	cfg := e.resolve(scopeID)
	if !cfg.Enabled || cfg.DisconnectRate <= 0 {
		return false
	}
	return rng.Float64(e.rng) < cfg.DisconnectRate
}

// IsPartitioned reports whether addr is in the configured partition set.
func (e *Engine) IsPartitioned(addr, scopeID string) bool {
	cfg := e.resolve(scopeID)
	if !cfg.Enabled || len(cfg.PartitionTargets) == 0 {
		return false
	}
	_, ok := cfg.PartitionTargets[addr]
	return ok
}

// MaybeDelay blocks for the configured latency, if enabled and positive.
func (e *Engine) MaybeDelay(scopeID string) {
	cfg := e.resolve(scopeID)
	if !cfg.Enabled || cfg.LatencyMS <= 0 {
		return
	}
	e.clock.Sleep(cfg.LatencyMS)
}

// MaybeDelayDuration returns the configured latency as a time.Duration,
// for callers that need to race it against a context instead of blocking
// synchronously.
func (e *Engine) MaybeDelayDuration(scopeID string) time.Duration {
	cfg := e.resolve(scopeID)
	if !cfg.Enabled || cfg.LatencyMS <= 0 {
		return 0
	}
	return time.Duration(cfg.LatencyMS) * time.Millisecond
}
