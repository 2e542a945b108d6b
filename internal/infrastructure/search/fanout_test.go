package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
)

type stubProvider struct {
	name    string
	results []entity.SearchResult
	err     error
	delay   time.Duration
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Search(ctx context.Context, query string, count int) ([]entity.SearchResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func sr(title, url string) entity.SearchResult {
	return entity.SearchResult{Title: title, URL: url, Snippet: title, Provider: "stub"}
}

func TestFanoutMergesPrimaryWinsDuplicates(t *testing.T) {
	primary := &stubProvider{name: "brave", results: []entity.SearchResult{
		sr("primary reuters", "https://reuters.com/story"),
		sr("primary only", "https://wsj.com/a"),
	}}
	fallback := &stubProvider{name: "ddgs", results: []entity.SearchResult{
		sr("fallback reuters", "http://reuters.com/story/"),
		sr("fallback only", "https://bloomberg.com/b"),
	}}

	f := NewFanout(primary, fallback, FanoutConfig{MaxResults: 8}, zap.NewNop())
	merged := f.Search(context.Background(), "q")

	if len(merged) != 3 {
		t.Fatalf("merged = %d, want 3", len(merged))
	}
	if merged[0].Title != "primary reuters" {
		t.Errorf("duplicate should keep primary entry, got %q", merged[0].Title)
	}
	if merged[1].Title != "primary only" || merged[2].Title != "fallback only" {
		t.Errorf("order = %q, %q", merged[1].Title, merged[2].Title)
	}
}

func TestFanoutPrimaryFailureUsesFallback(t *testing.T) {
	primary := &stubProvider{name: "brave", err: errors.New("boom")}
	fallback := &stubProvider{name: "ddgs", results: []entity.SearchResult{
		sr("fallback result", "https://x.com/1"),
	}}

	f := NewFanout(primary, fallback, FanoutConfig{}, zap.NewNop())
	merged := f.Search(context.Background(), "q")

	if len(merged) != 1 || merged[0].Title != "fallback result" {
		t.Fatalf("merged = %+v", merged)
	}
}

func TestFanoutBothFailReturnsEmpty(t *testing.T) {
	primary := &stubProvider{name: "brave", err: errors.New("boom")}
	fallback := &stubProvider{name: "ddgs", err: errors.New("also boom")}

	f := NewFanout(primary, fallback, FanoutConfig{}, zap.NewNop())
	merged := f.Search(context.Background(), "q")

	if len(merged) != 0 {
		t.Fatalf("merged = %d, want 0", len(merged))
	}
}

func TestFanoutNilPrimary(t *testing.T) {
	fallback := &stubProvider{name: "ddgs", results: []entity.SearchResult{
		sr("only option", "https://x.com/1"),
	}}

	f := NewFanout(nil, fallback, FanoutConfig{}, zap.NewNop())
	merged := f.Search(context.Background(), "q")

	if len(merged) != 1 {
		t.Fatalf("merged = %d, want 1", len(merged))
	}
}

func TestFanoutSlowProviderTimesOut(t *testing.T) {
	primary := &stubProvider{name: "brave", delay: 500 * time.Millisecond, results: []entity.SearchResult{
		sr("too late", "https://x.com/1"),
	}}
	fallback := &stubProvider{name: "ddgs", results: []entity.SearchResult{
		sr("on time", "https://x.com/2"),
	}}

	f := NewFanout(primary, fallback, FanoutConfig{PrimaryTimeout: 20 * time.Millisecond}, zap.NewNop())
	merged := f.Search(context.Background(), "q")

	if len(merged) != 1 || merged[0].Title != "on time" {
		t.Fatalf("merged = %+v, want only the fallback result", merged)
	}
}

func TestFanoutCapsMaxResults(t *testing.T) {
	primary := &stubProvider{name: "brave", results: []entity.SearchResult{
		sr("a", "https://x.com/1"),
		sr("b", "https://x.com/2"),
		sr("c", "https://x.com/3"),
	}}

	f := NewFanout(primary, nil, FanoutConfig{MaxResults: 2}, zap.NewNop())
	merged := f.Search(context.Background(), "q")

	if len(merged) != 2 {
		t.Fatalf("merged = %d, want 2", len(merged))
	}
}

func TestURLKeyCanonicalization(t *testing.T) {
	cases := []struct {
		a, b string
		same bool
	}{
		{"https://reuters.com/x", "http://reuters.com/x", true},
		{"https://reuters.com/x/", "https://reuters.com/x", true},
		{"https://Reuters.com/X", "https://reuters.com/x", true},
		{"https://reuters.com/x", "https://reuters.com/y", false},
	}
	for _, tc := range cases {
		if got := urlKey(tc.a) == urlKey(tc.b); got != tc.same {
			t.Errorf("urlKey(%q) == urlKey(%q): got %v, want %v", tc.a, tc.b, got, tc.same)
		}
	}
}
