package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// Settings are the tunables for one named upstream.
type Settings struct {
	FailureThreshold int     `mapstructure:"threshold" yaml:"threshold"`
	RecoverySeconds  int     `mapstructure:"recovery_s" yaml:"recovery_s"`
	RPS              float64 `mapstructure:"rps" yaml:"rps"`
	Burst            int     `mapstructure:"burst" yaml:"burst"`
	PerMinute        int     `mapstructure:"per_minute" yaml:"per_minute"`
}

// Guard bundles the breaker and limiter for one upstream behind a single
// call wrapper. Every external-call site goes through Do so outcomes are
// accounted exactly once.
type Guard struct {
	name    string
	breaker *Breaker
	limiter *Limiter
}

// Name returns the upstream name this guard protects.
func (g *Guard) Name() string { return g.name }

// Breaker exposes the underlying breaker for state queries.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do runs fn under breaker admission and limiter pacing.
// Breaker-rejected calls fail fast with UpstreamUnavailable and are never
// counted as upstream outcomes; limiter declines surface RateLimited.
// A caller-cancelled fn does not count against the upstream.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !g.breaker.Allow() {
		return apperrors.NewUpstreamUnavailable(fmt.Sprintf("%s is temporarily unavailable", g.name))
	}
	if err := g.limiter.Acquire(ctx); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess()
	return nil
}

// Registry owns the process-wide guards, one per upstream name. Guards are
// created from configured settings, falling back to defaults for names that
// appear only at runtime (per-provider model guards).
type Registry struct {
	mu           sync.RWMutex
	guards       map[string]*Guard
	settings     map[string]Settings
	defaults     Settings
	onTransition func(name string, from, to State)
	logger       *zap.Logger
}

// NewRegistry builds a registry from per-upstream settings. onTransition
// (optional) is invoked for every breaker state change, after it is logged.
func NewRegistry(settings map[string]Settings, defaults Settings, logger *zap.Logger, onTransition func(name string, from, to State)) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = 5
	}
	if defaults.RecoverySeconds <= 0 {
		defaults.RecoverySeconds = 60
	}
	r := &Registry{
		guards:       make(map[string]*Guard),
		settings:     settings,
		defaults:     defaults,
		onTransition: onTransition,
		logger:       logger,
	}
	for name := range settings {
		r.Guard(name)
	}
	return r
}

// Guard returns the guard for name, creating it on first use.
func (r *Registry) Guard(name string) *Guard {
	r.mu.RLock()
	g, ok := r.guards[name]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[name]; ok {
		return g
	}

	s, ok := r.settings[name]
	if !ok {
		s = r.defaults
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = r.defaults.FailureThreshold
	}
	if s.RecoverySeconds <= 0 {
		s.RecoverySeconds = r.defaults.RecoverySeconds
	}

	b := NewBreaker(name, s.FailureThreshold, time.Duration(s.RecoverySeconds)*time.Second)
	b.OnTransition(r.transition)
	g = &Guard{
		name:    name,
		breaker: b,
		limiter: NewLimiter(s.RPS, s.Burst, s.PerMinute),
	}
	r.guards[name] = g
	return g
}

// Snapshots returns breaker snapshots sorted by upstream name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.guards))
	for _, g := range r.guards {
		out = append(out, g.breaker.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) transition(name string, from, to State) {
	r.logger.Info("Circuit breaker state change",
		zap.String("upstream", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if r.onTransition != nil {
		r.onTransition(name, from, to)
	}
}
