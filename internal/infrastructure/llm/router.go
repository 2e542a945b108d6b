package llm

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/service"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/upstream"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// Router implements service.ModelClient. It resolves friendly aliases to
// concrete deployments through a hot-swappable table, then routes to the
// first registered provider serving that deployment. Every provider call
// runs under its "llm:<name>" guard, so breaker state and rate limits are
// fed by real outcomes.
type Router struct {
	mu        sync.RWMutex
	providers []Provider
	guards    map[string]*upstream.Guard
	stats     map[string]*providerStats

	aliases atomic.Pointer[aliasTable]

	upstreams *upstream.Registry
	logger    *zap.Logger
}

// aliasTable is swapped wholesale on config reload.
type aliasTable struct {
	defaultAlias string
	entries      map[string]string
}

type providerStats struct {
	mu           sync.Mutex
	totalCalls   int64
	failureCount int64
	lastLatency  time.Duration
}

// ProviderStatus is one row of the admin providers view.
type ProviderStatus struct {
	Name          string   `json:"name"`
	Models        []string `json:"models"`
	TotalCalls    int64    `json:"total_calls"`
	FailureCount  int64    `json:"failure_count"`
	LastLatencyMs float64  `json:"last_latency_ms"`
}

// NewRouter builds an empty router. Register providers with AddProvider and
// install the alias table with SetAliases before serving traffic.
func NewRouter(upstreams *upstream.Registry, logger *zap.Logger) *Router {
	r := &Router{
		guards:    make(map[string]*upstream.Guard),
		stats:     make(map[string]*providerStats),
		upstreams: upstreams,
		logger:    logger.With(zap.String("component", "model-router")),
	}
	r.aliases.Store(&aliasTable{entries: map[string]string{}})
	return r
}

var _ service.ModelClient = (*Router)(nil)

// AddProvider registers a provider. Providers are tried in registration
// order, so add the preferred one first.
func (r *Router) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	r.guards[p.Name()] = r.upstreams.Guard("llm:" + p.Name())
	r.stats[p.Name()] = &providerStats{}
	r.logger.Info("Model provider registered",
		zap.String("name", p.Name()),
		zap.Strings("models", p.Models()),
	)
}

// SetAliases atomically replaces the alias table. Callers pass the reloaded
// config tables; in-flight resolutions keep the table they started with.
func (r *Router) SetAliases(defaultAlias string, entries map[string]string) {
	table := &aliasTable{
		defaultAlias: strings.ToLower(defaultAlias),
		entries:      make(map[string]string, len(entries)),
	}
	for alias, deployment := range entries {
		table.entries[strings.ToLower(alias)] = deployment
	}
	r.aliases.Store(table)
	r.logger.Info("Model alias table updated",
		zap.String("default", table.defaultAlias),
		zap.Int("aliases", len(table.entries)),
	)
}

// Resolve maps a friendly alias to its deployment id. Empty alias means the
// configured default. Unknown aliases are rejected: silently serving a
// different model than the client asked for is worse than failing.
func (r *Router) Resolve(alias string) (string, error) {
	table := r.aliases.Load()
	key := strings.ToLower(strings.TrimSpace(alias))
	if key == "" {
		key = table.defaultAlias
	}
	deployment, ok := table.entries[key]
	if !ok {
		return "", apperrors.NewInvalidModel(alias)
	}
	return deployment, nil
}

// Complete implements service.ModelClient.
func (r *Router) Complete(ctx context.Context, req *service.ModelRequest) (*service.ModelResponse, error) {
	deployment, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	resolved := *req
	resolved.Model = deployment

	var resp *service.ModelResponse
	err = r.route(ctx, deployment, nil, func(ctx context.Context, p Provider) error {
		var perr error
		resp, perr = p.Complete(ctx, &resolved)
		return perr
	})
	return resp, err
}

// Stream implements service.ModelClient. Failover only happens before the
// first delta leaves the provider; once content has reached the caller a
// retry would duplicate it, so mid-stream errors surface as-is.
func (r *Router) Stream(ctx context.Context, req *service.ModelRequest, deltas chan<- service.StreamChunk) (*service.ModelResponse, error) {
	deployment, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	resolved := *req
	resolved.Model = deployment

	var resp *service.ModelResponse
	var delivered int64
	committed := func() bool { return atomic.LoadInt64(&delivered) > 0 }
	err = r.route(ctx, deployment, committed, func(ctx context.Context, p Provider) error {
		proxy := make(chan service.StreamChunk)
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for chunk := range proxy {
				select {
				case deltas <- chunk:
					atomic.AddInt64(&delivered, 1)
				case <-ctx.Done():
					return
				}
			}
		}()

		var perr error
		resp, perr = p.Stream(ctx, &resolved, proxy)
		close(proxy)
		<-forwarded
		return perr
	})
	if err != nil && committed() {
		r.logger.Warn("Stream failed after deltas were delivered",
			zap.String("deployment", deployment),
			zap.Int64("delivered", atomic.LoadInt64(&delivered)),
			zap.Error(err),
		)
	}
	return resp, err
}

// route tries each provider serving the deployment, under its guard, until
// one succeeds. When committed reports true after a failed call, the error
// surfaces instead of moving on to the next provider; Stream uses this to
// stop failover once deltas have reached the caller.
func (r *Router) route(ctx context.Context, deployment string, committed func() bool, call func(ctx context.Context, p Provider) error) error {
	r.mu.RLock()
	providers := make([]Provider, len(r.providers))
	copy(providers, r.providers)
	r.mu.RUnlock()

	var lastErr error
	tried := 0
	for _, p := range providers {
		if !p.SupportsModel(deployment) {
			continue
		}
		tried++

		r.mu.RLock()
		guard := r.guards[p.Name()]
		stats := r.stats[p.Name()]
		r.mu.RUnlock()

		start := time.Now()
		err := guard.Do(ctx, func(ctx context.Context) error {
			return call(ctx, p)
		})
		latency := time.Since(start)

		stats.mu.Lock()
		stats.totalCalls++
		stats.lastLatency = latency
		if err != nil {
			stats.failureCount++
		}
		stats.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				// The caller is gone; trying another provider helps no one.
				return err
			}
			if committed != nil && committed() {
				// Part of the answer already reached the caller; retrying
				// on another provider would duplicate it.
				return err
			}
			lastErr = err
			r.logger.Warn("Model provider failed",
				zap.String("provider", p.Name()),
				zap.String("deployment", deployment),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			continue
		}
		return nil
	}

	if lastErr != nil {
		return lastErr
	}
	if tried == 0 {
		return apperrors.New(apperrors.KindModelUnavailable,
			"no provider serves deployment "+deployment)
	}
	return apperrors.New(apperrors.KindModelUnavailable, "all model providers failed")
}

// Snapshot reports per-provider stats for the admin surface, sorted by
// provider name.
func (r *Router) Snapshot() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		s := r.stats[p.Name()]
		s.mu.Lock()
		out = append(out, ProviderStatus{
			Name:          p.Name(),
			Models:        p.Models(),
			TotalCalls:    s.totalCalls,
			FailureCount:  s.failureCount,
			LastLatencyMs: float64(s.lastLatency) / float64(time.Millisecond),
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AliasSnapshot returns the live alias table for the admin surface.
func (r *Router) AliasSnapshot() (defaultAlias string, entries map[string]string) {
	table := r.aliases.Load()
	entries = make(map[string]string, len(table.entries))
	for k, v := range table.entries {
		entries[k] = v
	}
	return table.defaultAlias, entries
}
