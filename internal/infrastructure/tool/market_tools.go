package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	domaintool "github.com/stocksage/stocksage/gateway/internal/domain/tool"
)

// MarketData is the slice of the market client the market tools consume.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (*entity.Quote, error)
	History(ctx context.Context, symbol string, days int) ([]entity.Candle, error)
	News(ctx context.Context, symbol string, limit int) ([]entity.NewsItem, error)
}

const stockQuoteSchema = `{
	"type": "object",
	"properties": {
		"symbol": {
			"type": "string",
			"minLength": 1,
			"description": "Ticker symbol, e.g. AAPL, TSLA, BRK.B"
		}
	},
	"required": ["symbol"],
	"additionalProperties": false
}`

// NewStockQuoteTool returns the realtime quote tool. The quotes provider is
// rate-limit sensitive, so RateLimited outcomes get one retry.
func NewStockQuoteTool(market MarketData) domaintool.Descriptor {
	return domaintool.Descriptor{
		Name: domaintool.NameStockQuote,
		Description: "Get the current price of a stock: last trade, change versus " +
			"previous close, currency and exchange.",
		Schema:     json.RawMessage(stockQuoteSchema),
		Tags:       []string{"market-data", "quote"},
		Timeout:    10 * time.Second,
		MaxRetries: 1,
		Handler: domaintool.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			symbol := stringArg(args, "symbol")
			quote, err := market.Quote(ctx, symbol)
			if err != nil {
				return nil, err
			}
			payload, _ := json.Marshal(quote)
			return &domaintool.Result{
				Output: string(payload),
				Display: fmt.Sprintf("%s %.2f %s %+.2f (%+.2f%%)",
					quote.Symbol, quote.Price, quote.Currency, quote.Change, quote.ChangePct),
			}, nil
		}),
	}
}

const historicalPricesSchema = `{
	"type": "object",
	"properties": {
		"symbol": {
			"type": "string",
			"minLength": 1,
			"description": "Ticker symbol, e.g. AAPL"
		},
		"days": {
			"type": "integer",
			"minimum": 1,
			"maximum": 365,
			"description": "Lookback in calendar days (default 90)"
		}
	},
	"required": ["symbol"],
	"additionalProperties": false
}`

// maxSampledCloses bounds the series fed back to the model; longer windows
// are stride-sampled so a one-year request does not burn the output cap.
const maxSampledCloses = 30

type pricePoint struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}

type historyPayload struct {
	Symbol     string       `json:"symbol"`
	Sessions   int          `json:"sessions"`
	First      pricePoint   `json:"first"`
	Last       pricePoint   `json:"last"`
	PeriodHigh float64      `json:"period_high"`
	PeriodLow  float64      `json:"period_low"`
	ChangePct  float64      `json:"change_pct"`
	Closes     []pricePoint `json:"closes"`
}

// NewHistoricalPricesTool returns the price-history tool. The payload is a
// summary plus a sampled close series rather than the raw OHLCV dump.
func NewHistoricalPricesTool(market MarketData) domaintool.Descriptor {
	return domaintool.Descriptor{
		Name: domaintool.NameHistoricalPrices,
		Description: "Get historical daily closing prices for a stock over a lookback " +
			"window, with period high/low and percentage change.",
		Schema:     json.RawMessage(historicalPricesSchema),
		Tags:       []string{"market-data", "history"},
		Timeout:    15 * time.Second,
		MaxRetries: 1,
		Handler: domaintool.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			symbol := stringArg(args, "symbol")
			days := intArg(args, "days", 90)

			candles, err := market.History(ctx, symbol, days)
			if err != nil {
				return nil, err
			}
			summary := summarizeHistory(symbol, candles)
			payload, _ := json.Marshal(summary)
			return &domaintool.Result{
				Output: string(payload),
				Display: fmt.Sprintf("%s: %d sessions, %.2f → %.2f (%+.2f%%)",
					summary.Symbol, summary.Sessions, summary.First.Close,
					summary.Last.Close, summary.ChangePct),
			}, nil
		}),
	}
}

func summarizeHistory(symbol string, candles []entity.Candle) historyPayload {
	out := historyPayload{Symbol: symbol, Sessions: len(candles)}
	if len(candles) == 0 {
		return out
	}

	out.First = toPoint(candles[0])
	out.Last = toPoint(candles[len(candles)-1])
	out.PeriodHigh = candles[0].Close
	out.PeriodLow = candles[0].Close
	for _, c := range candles {
		if c.Close > out.PeriodHigh {
			out.PeriodHigh = c.Close
		}
		if c.Close < out.PeriodLow {
			out.PeriodLow = c.Close
		}
	}
	if out.First.Close != 0 {
		out.ChangePct = (out.Last.Close - out.First.Close) / out.First.Close * 100
	}
	out.Closes = sampleCloses(candles, maxSampledCloses)
	return out
}

func sampleCloses(candles []entity.Candle, max int) []pricePoint {
	stride := (len(candles) + max - 1) / max
	if stride < 1 {
		stride = 1
	}
	out := make([]pricePoint, 0, max+1)
	for i := 0; i < len(candles); i += stride {
		out = append(out, toPoint(candles[i]))
	}
	last := toPoint(candles[len(candles)-1])
	if out[len(out)-1] != last {
		out = append(out, last)
	}
	return out
}

func toPoint(c entity.Candle) pricePoint {
	return pricePoint{Date: c.Timestamp.Format("2006-01-02"), Close: c.Close}
}

const stockNewsSchema = `{
	"type": "object",
	"properties": {
		"symbol": {
			"type": "string",
			"minLength": 1,
			"description": "Ticker symbol, e.g. AAPL"
		},
		"limit": {
			"type": "integer",
			"minimum": 1,
			"maximum": 20,
			"description": "Maximum headlines to return (default 5)"
		}
	},
	"required": ["symbol"],
	"additionalProperties": false
}`

type newsPayload struct {
	Symbol string            `json:"symbol"`
	Items  []entity.NewsItem `json:"items"`
}

// NewStockNewsTool returns the headline tool.
func NewStockNewsTool(market MarketData) domaintool.Descriptor {
	return domaintool.Descriptor{
		Name:        domaintool.NameStockNews,
		Description: "Get recent news headlines for a stock with publisher, timestamp and link.",
		Schema:      json.RawMessage(stockNewsSchema),
		Tags:        []string{"market-data", "news"},
		Timeout:     10 * time.Second,
		MaxRetries:  1,
		Handler: domaintool.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			symbol := stringArg(args, "symbol")
			limit := intArg(args, "limit", 5)

			items, err := market.News(ctx, symbol, limit)
			if err != nil {
				return nil, err
			}
			payload, _ := json.Marshal(newsPayload{Symbol: symbol, Items: items})
			return &domaintool.Result{Output: string(payload)}, nil
		}),
	}
}
