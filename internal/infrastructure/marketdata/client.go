package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/upstream"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// Client fetches quotes, daily history, and headlines from a Yahoo-chart-
// compatible API. Concurrent requests for the same symbol collapse into one
// upstream call; the "yfinance" guard paces everything that does go out.
type Client struct {
	baseURL string
	client  *http.Client
	guard   *upstream.Guard
	group   singleflight.Group
	logger  *zap.Logger
}

// NewClient builds the market data client.
func NewClient(baseURL string, timeout time.Duration, guard *upstream.Guard, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		guard:   guard,
		logger:  logger,
	}
}

// Quote returns the current price snapshot for the symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (*entity.Quote, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, apperrors.NewInvalidRequest("symbol is required")
	}

	v, err, _ := c.group.Do("quote:"+symbol, func() (interface{}, error) {
		var quote *entity.Quote
		err := c.guard.Do(ctx, func(ctx context.Context) error {
			chart, err := c.fetchChart(ctx, symbol, "1d", "1d")
			if err != nil {
				return err
			}
			quote, err = chartToQuote(symbol, chart)
			return err
		})
		return quote, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*entity.Quote), nil
}

// History returns up to days of daily candles, oldest first.
func (c *Client) History(ctx context.Context, symbol string, days int) ([]entity.Candle, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, apperrors.NewInvalidRequest("symbol is required")
	}
	if days <= 0 {
		days = 90
	}
	rng := rangeForDays(days)

	v, err, _ := c.group.Do(fmt.Sprintf("hist:%s:%s", symbol, rng), func() (interface{}, error) {
		var candles []entity.Candle
		err := c.guard.Do(ctx, func(ctx context.Context) error {
			chart, err := c.fetchChart(ctx, symbol, "1d", rng)
			if err != nil {
				return err
			}
			candles, err = chartToCandles(chart)
			return err
		})
		return candles, err
	})
	if err != nil {
		return nil, err
	}
	candles := v.([]entity.Candle)
	if len(candles) > days {
		candles = candles[len(candles)-days:]
	}
	return candles, nil
}

// News returns recent headlines for the symbol, newest first.
func (c *Client) News(ctx context.Context, symbol string, limit int) ([]entity.NewsItem, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, apperrors.NewInvalidRequest("symbol is required")
	}
	if limit <= 0 || limit > 20 {
		limit = 8
	}

	v, err, _ := c.group.Do(fmt.Sprintf("news:%s:%d", symbol, limit), func() (interface{}, error) {
		var items []entity.NewsItem
		err := c.guard.Do(ctx, func(ctx context.Context) error {
			var err error
			items, err = c.fetchNews(ctx, symbol, limit)
			return err
		})
		return items, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]entity.NewsItem), nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// rangeForDays maps a day count to the coarse range buckets the chart API
// accepts.
func rangeForDays(days int) string {
	switch {
	case days <= 5:
		return "5d"
	case days <= 30:
		return "1mo"
	case days <= 90:
		return "3mo"
	case days <= 180:
		return "6mo"
	case days <= 365:
		return "1y"
	default:
		return "2y"
	}
}

func (c *Client) fetchChart(ctx context.Context, symbol, interval, rng string) (*chartResult, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&range=%s",
		c.baseURL, url.PathEscape(symbol), interval, rng)

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamDataError, "parse chart response", err)
	}
	if parsed.Chart.Error != nil {
		if strings.EqualFold(parsed.Chart.Error.Code, "not found") {
			return nil, apperrors.NewNotFound(fmt.Sprintf("unknown symbol %q", symbol))
		}
		return nil, apperrors.New(apperrors.KindUpstreamDataError,
			fmt.Sprintf("chart error for %s: %s", symbol, parsed.Chart.Error.Description))
	}
	if len(parsed.Chart.Result) == 0 {
		return nil, apperrors.NewNotFound(fmt.Sprintf("no data for symbol %q", symbol))
	}
	return &parsed.Chart.Result[0], nil
}

func (c *Client) fetchNews(ctx context.Context, symbol string, limit int) ([]entity.NewsItem, error) {
	endpoint := fmt.Sprintf("%s/v1/finance/search?q=%s&newsCount=%d&quotesCount=0",
		c.baseURL, url.QueryEscape(symbol), limit)

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		News []struct {
			Title               string `json:"title"`
			Publisher           string `json:"publisher"`
			Link                string `json:"link"`
			ProviderPublishTime int64  `json:"providerPublishTime"`
		} `json:"news"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamDataError, "parse news response", err)
	}

	items := make([]entity.NewsItem, 0, len(parsed.News))
	for _, n := range parsed.News {
		if n.Title == "" || n.Link == "" {
			continue
		}
		items = append(items, entity.NewsItem{
			Title:       n.Title,
			Publisher:   n.Publisher,
			URL:         n.Link,
			PublishedAt: time.Unix(n.ProviderPublishTime, 0).UTC(),
		})
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create market request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; StockSageBot/1.0)")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "market request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.New(apperrors.KindRateLimited, "market data rate limit exceeded")
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.NewNotFound("symbol not found")
	}
	if resp.StatusCode != http.StatusOK {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, apperrors.New(apperrors.KindUpstreamUnavailable,
			fmt.Sprintf("market endpoint returned status %d: %s", resp.StatusCode, string(sample)))
	}
	return io.ReadAll(resp.Body)
}
