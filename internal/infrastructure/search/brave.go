package search

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"context"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/upstream"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// ProviderBrave tags results from the primary provider.
const ProviderBrave = "brave"

// BraveClient queries the Brave Search web API.
type BraveClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	guard   *upstream.Guard
}

// NewBraveClient builds the primary search provider. guard applies the
// per-upstream breaker and limiter around every call.
func NewBraveClient(baseURL, apiKey string, guard *upstream.Guard) *BraveClient {
	if baseURL == "" {
		baseURL = "https://api.search.brave.com/res/v1"
	}
	return &BraveClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		guard:   guard,
	}
}

// Name identifies the provider on result tags and guard snapshots.
func (c *BraveClient) Name() string { return ProviderBrave }

// Search runs one web search. Raw scores decay linearly with provider rank
// so the first result carries the strongest raw signal.
func (c *BraveClient) Search(ctx context.Context, query string, count int) ([]entity.SearchResult, error) {
	if c.apiKey == "" {
		return nil, apperrors.New(apperrors.KindUpstreamUnavailable, "brave api key not configured")
	}

	var results []entity.SearchResult
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		results, err = c.search(ctx, query, count)
		return err
	})
	return results, err
}

func (c *BraveClient) search(ctx context.Context, query string, count int) ([]entity.SearchResult, error) {
	endpoint, err := url.Parse(c.baseURL + "/web/search")
	if err != nil {
		return nil, fmt.Errorf("invalid brave base url: %w", err)
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create brave request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "brave request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.New(apperrors.KindRateLimited, "brave rate limit exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.New(apperrors.KindUpstreamUnavailable,
			fmt.Sprintf("brave returned status %d: %s", resp.StatusCode, string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read brave response: %w", err)
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"age"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamDataError, "parse brave response", err)
	}

	raw := braveResp.Web.Results
	if len(raw) > count {
		raw = raw[:count]
	}
	results := make([]entity.SearchResult, 0, len(raw))
	for i, r := range raw {
		results = append(results, entity.SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Snippet:     r.Description,
			Provider:    ProviderBrave,
			PublishedAt: r.Age,
			Raw:         rankDecay(i, len(raw)),
		})
	}
	return results, nil
}

// rankDecay maps provider position to a raw score in (0,1], first result
// highest.
func rankDecay(i, n int) float64 {
	if n <= 0 {
		return 0
	}
	return 1 - float64(i)/float64(n)
}
