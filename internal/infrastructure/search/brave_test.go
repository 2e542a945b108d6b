package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/infrastructure/upstream"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

func testGuard(name string) *upstream.Guard {
	reg := upstream.NewRegistry(nil, upstream.Settings{
		FailureThreshold: 100,
		RecoverySeconds:  1,
		RPS:              10000,
		Burst:            10000,
	}, zap.NewNop(), nil)
	return reg.Guard(name)
}

func TestBraveSearchParsesResults(t *testing.T) {
	var gotToken, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Subscription-Token")
		gotQuery = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"web": {"results": [
				{"title": "Apple beats estimates", "url": "https://reuters.com/a", "description": "revenue up", "age": "2 hours ago"},
				{"title": "AAPL analysis", "url": "https://cnbc.com/b", "description": "analyst view"}
			]}
		}`))
	}))
	defer srv.Close()

	c := NewBraveClient(srv.URL, "test-key", testGuard("brave"))
	results, err := c.Search(context.Background(), "apple earnings", 8)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if gotToken != "test-key" {
		t.Errorf("X-Subscription-Token = %q", gotToken)
	}
	if gotQuery != "apple earnings" {
		t.Errorf("query param = %q", gotQuery)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Title != "Apple beats estimates" || results[0].Provider != ProviderBrave {
		t.Errorf("first result = %+v", results[0])
	}
	if results[0].PublishedAt != "2 hours ago" {
		t.Errorf("PublishedAt = %q", results[0].PublishedAt)
	}
	if results[0].Raw <= results[1].Raw {
		t.Errorf("raw scores should decay with rank: %v then %v", results[0].Raw, results[1].Raw)
	}
}

func TestBraveSearchNoKey(t *testing.T) {
	c := NewBraveClient("http://unused", "", testGuard("brave-nokey"))
	_, err := c.Search(context.Background(), "q", 8)
	if err == nil {
		t.Fatal("expected error without api key")
	}
	if !apperrors.IsKind(err, apperrors.KindUpstreamUnavailable) {
		t.Errorf("kind = %v, want KindUpstreamUnavailable", apperrors.KindOf(err))
	}
}

func TestBraveSearchRateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewBraveClient(srv.URL, "key", testGuard("brave-429"))
	_, err := c.Search(context.Background(), "q", 8)
	if !apperrors.IsKind(err, apperrors.KindRateLimited) {
		t.Errorf("kind = %v, want KindRateLimited", apperrors.KindOf(err))
	}
}

func TestBraveSearchServerErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewBraveClient(srv.URL, "key", testGuard("brave-502"))
	_, err := c.Search(context.Background(), "q", 8)
	if !apperrors.IsKind(err, apperrors.KindUpstreamUnavailable) {
		t.Errorf("kind = %v, want KindUpstreamUnavailable", apperrors.KindOf(err))
	}
}

func TestBraveSearchCapsCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"web": {"results": [
			{"title": "a", "url": "https://x/1"},
			{"title": "b", "url": "https://x/2"},
			{"title": "c", "url": "https://x/3"}
		]}}`))
	}))
	defer srv.Close()

	c := NewBraveClient(srv.URL, "key", testGuard("brave-cap"))
	results, err := c.Search(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("results = %d, want capped at 2", len(results))
	}
}
