package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/upstream"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// ProviderDDG tags results from the fallback provider.
const ProviderDDG = "ddgs"

// DuckDuckGoClient queries the DuckDuckGo Instant Answer API. It needs no
// key, which is exactly why it is the fallback.
type DuckDuckGoClient struct {
	baseURL string
	client  *http.Client
	guard   *upstream.Guard
}

// NewDuckDuckGoClient builds the fallback search provider.
func NewDuckDuckGoClient(baseURL string, guard *upstream.Guard) *DuckDuckGoClient {
	if baseURL == "" {
		baseURL = "https://api.duckduckgo.com"
	}
	return &DuckDuckGoClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		guard:   guard,
	}
}

// Name identifies the provider on result tags and guard snapshots.
func (c *DuckDuckGoClient) Name() string { return ProviderDDG }

// Search runs one instant-answer lookup: the abstract becomes the first
// result, related topics fill the rest.
func (c *DuckDuckGoClient) Search(ctx context.Context, query string, count int) ([]entity.SearchResult, error) {
	var results []entity.SearchResult
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		results, err = c.search(ctx, query, count)
		return err
	})
	return results, err
}

func (c *DuckDuckGoClient) search(ctx context.Context, query string, count int) ([]entity.SearchResult, error) {
	endpoint := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", c.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create ddg request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; StockSageBot/1.0)")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "ddg request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.KindUpstreamUnavailable,
			fmt.Sprintf("ddg returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ddg response: %w", err)
	}

	var ddgResp struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddgResp); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamDataError, "parse ddg response", err)
	}

	var results []entity.SearchResult
	if ddgResp.AbstractText != "" && ddgResp.AbstractURL != "" {
		results = append(results, entity.SearchResult{
			Title:    ddgResp.Heading,
			URL:      ddgResp.AbstractURL,
			Snippet:  ddgResp.AbstractText,
			Provider: ProviderDDG,
		})
	}
	for _, topic := range ddgResp.RelatedTopics {
		if len(results) >= count {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, entity.SearchResult{
			Title:    title,
			URL:      topic.FirstURL,
			Snippet:  topic.Text,
			Provider: ProviderDDG,
		})
	}

	for i := range results {
		results[i].Raw = rankDecay(i, len(results))
	}
	return results, nil
}
