package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/infrastructure/upstream"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// Document is one knowledge-base match returned by the index.
type Document struct {
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score"`
}

// Client queries a remote nearest-neighbor index over HTTP. The index is
// consumed as an opaque service: this process never hosts vectors itself.
type Client struct {
	baseURL string
	topK    int
	client  *http.Client
	guard   *upstream.Guard
	logger  *zap.Logger
}

// NewClient builds the index client. topK bounds every query; callers may
// ask for less but never more.
func NewClient(baseURL string, topK int, guard *upstream.Guard, logger *zap.Logger) *Client {
	if topK <= 0 {
		topK = 5
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		topK:    topK,
		client:  &http.Client{Timeout: 10 * time.Second},
		guard:   guard,
		logger:  logger,
	}
}

type searchRequest struct {
	Vector []float32 `json:"vector"`
	TopK   int       `json:"top_k"`
}

type searchResponse struct {
	Matches []Document `json:"matches"`
}

// Search returns up to topK nearest documents for the query vector, best
// match first.
func (c *Client) Search(ctx context.Context, vector []float32, topK int) ([]Document, error) {
	if c.baseURL == "" {
		return nil, apperrors.New(apperrors.KindUpstreamUnavailable, "knowledge index not configured")
	}
	if len(vector) == 0 {
		return nil, apperrors.NewInvalidRequest("query vector is empty")
	}
	if topK <= 0 || topK > c.topK {
		topK = c.topK
	}

	var docs []Document
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		docs, err = c.search(ctx, vector, topK)
		return err
	})
	return docs, err
}

func (c *Client) search(ctx context.Context, vector []float32, topK int) ([]Document, error) {
	body, err := json.Marshal(searchRequest{Vector: vector, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("marshal index query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "index request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.New(apperrors.KindRateLimited, "index rate limit exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, apperrors.New(apperrors.KindUpstreamUnavailable,
			fmt.Sprintf("index returned status %d: %s", resp.StatusCode, string(sample)))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamDataError, "parse index response", err)
	}
	return parsed.Matches, nil
}
