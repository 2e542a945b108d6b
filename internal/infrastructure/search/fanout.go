package search

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
)

// Provider is one search backend behind its guard.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]entity.SearchResult, error)
}

// FanoutConfig tunes the parallel query.
type FanoutConfig struct {
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
	MaxResults      int
}

// Fanout queries the primary and fallback providers in parallel and merges
// by URL: the primary's entry wins duplicates, primary order leads,
// fallback-only results append. Search never returns an error; a provider
// that fails or times out simply contributes nothing.
type Fanout struct {
	primary  Provider // nil when unconfigured
	fallback Provider
	cfg      FanoutConfig
	logger   *zap.Logger
}

// NewFanout builds the fan-out. primary may be nil (no API key), leaving
// the fallback to carry every query.
func NewFanout(primary, fallback Provider, cfg FanoutConfig, logger *zap.Logger) *Fanout {
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = 1500 * time.Millisecond
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 2 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}
	return &Fanout{primary: primary, fallback: fallback, cfg: cfg, logger: logger}
}

// Search fans the query out and merges. The possibly-empty result is the
// whole contract: upstream failures are logged, never surfaced.
func (f *Fanout) Search(ctx context.Context, query string) []entity.SearchResult {
	var primaryResults, fallbackResults []entity.SearchResult

	g := new(errgroup.Group)
	if f.primary != nil {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, f.cfg.PrimaryTimeout)
			defer cancel()
			res, err := f.primary.Search(pctx, query, f.cfg.MaxResults)
			if err != nil {
				f.logger.Warn("Primary search provider failed",
					zap.String("provider", f.primary.Name()),
					zap.Error(err),
				)
				return nil
			}
			primaryResults = res
			return nil
		})
	}
	if f.fallback != nil {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, f.cfg.FallbackTimeout)
			defer cancel()
			res, err := f.fallback.Search(fctx, query, f.cfg.MaxResults)
			if err != nil {
				f.logger.Warn("Fallback search provider failed",
					zap.String("provider", f.fallback.Name()),
					zap.Error(err),
				)
				return nil
			}
			fallbackResults = res
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors

	merged := mergeByURL(primaryResults, fallbackResults)
	if len(merged) > f.cfg.MaxResults {
		merged = merged[:f.cfg.MaxResults]
	}

	f.logger.Debug("Search fan-out merged",
		zap.String("query", query),
		zap.Int("primary", len(primaryResults)),
		zap.Int("fallback", len(fallbackResults)),
		zap.Int("merged", len(merged)),
	)
	return merged
}

func mergeByURL(primary, fallback []entity.SearchResult) []entity.SearchResult {
	seen := make(map[string]struct{}, len(primary)+len(fallback))
	merged := make([]entity.SearchResult, 0, len(primary)+len(fallback))

	for _, r := range primary {
		key := urlKey(r.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, r)
	}
	for _, r := range fallback {
		key := urlKey(r.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, r)
	}
	return merged
}

// urlKey canonicalizes just enough that trivial variants of the same page
// dedupe: scheme and trailing slash differences collapse.
func urlKey(raw string) string {
	key := strings.TrimSuffix(raw, "/")
	key = strings.TrimPrefix(key, "https://")
	key = strings.TrimPrefix(key, "http://")
	return strings.ToLower(key)
}
