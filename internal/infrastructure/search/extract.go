package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/upstream"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

const (
	// Extracted text below the floor is boilerplate, above the ceiling is
	// truncated. Fetch bodies are capped well above the ceiling to bound
	// memory on hostile pages.
	extractMinBytes = 1 << 10
	extractMaxBytes = 40 << 10
	fetchBodyCap    = 2 << 20

	extractBudget = 3 * time.Second
)

// Extractor fetches result pages and pulls readable article text for the
// comprehensive search mode. All fetches run under the "web-fetch" guard.
type Extractor struct {
	client *http.Client
	guard  *upstream.Guard
	logger *zap.Logger
}

// NewExtractor builds the page extractor.
func NewExtractor(guard *upstream.Guard, logger *zap.Logger) *Extractor {
	return &Extractor{
		client: &http.Client{Timeout: 5 * time.Second},
		guard:  guard,
		logger: logger,
	}
}

// EnrichTop extracts content for the first n results in place, in parallel,
// under one shared wall-clock budget. Failures leave the result's Content
// empty; ranking falls back to its snippet.
func (e *Extractor) EnrichTop(ctx context.Context, results []entity.SearchResult, n int) {
	if n > len(results) {
		n = len(results)
	}
	if n <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, extractBudget)
	defer cancel()

	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			content, err := e.Extract(ctx, results[i].URL)
			if err != nil {
				e.logger.Debug("Page extraction failed",
					zap.String("url", results[i].URL),
					zap.Error(err),
				)
				return nil
			}
			results[i].Content = content
			return nil
		})
	}
	_ = g.Wait()
}

// Extract fetches one page and returns its readable text, bounded to
// [1 KiB, 40 KiB]. Pages yielding less than the floor are treated as
// unextractable.
func (e *Extractor) Extract(ctx context.Context, pageURL string) (string, error) {
	var content string
	err := e.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		content, err = e.fetchAndExtract(ctx, pageURL)
		return err
	})
	return content, err
}

func (e *Extractor) fetchAndExtract(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid page url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; StockSageBot/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindUpstreamUnavailable, "page fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.New(apperrors.KindUpstreamUnavailable,
			fmt.Sprintf("page fetch returned status %d", resp.StatusCode))
	}

	html, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyCap))
	if err != nil {
		return "", fmt.Errorf("read page body: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(string(html)), parsed)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindUpstreamDataError, "readability parse failed", err)
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) < extractMinBytes {
		return "", apperrors.New(apperrors.KindUpstreamDataError, "extracted text below floor")
	}
	if len(text) > extractMaxBytes {
		text = text[:extractMaxBytes]
	}
	return text, nil
}
