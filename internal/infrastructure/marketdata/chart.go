package marketdata

import (
	"fmt"
	"time"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// Wire types for the v8 chart endpoint.

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type chartResult struct {
	Meta struct {
		Symbol             string  `json:"symbol"`
		Currency           string  `json:"currency"`
		ExchangeName       string  `json:"exchangeName"`
		RegularMarketPrice float64 `json:"regularMarketPrice"`
		PreviousClose      float64 `json:"previousClose"`
		ChartPreviousClose float64 `json:"chartPreviousClose"`
		RegularMarketTime  int64   `json:"regularMarketTime"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

func chartToQuote(symbol string, chart *chartResult) (*entity.Quote, error) {
	meta := chart.Meta
	if meta.RegularMarketPrice == 0 {
		return nil, apperrors.New(apperrors.KindUpstreamDataError,
			fmt.Sprintf("chart meta for %s carries no market price", symbol))
	}

	prev := meta.PreviousClose
	if prev == 0 {
		prev = meta.ChartPreviousClose
	}
	quote := &entity.Quote{
		Symbol:        symbol,
		Price:         meta.RegularMarketPrice,
		PreviousClose: prev,
		Currency:      meta.Currency,
		Exchange:      meta.ExchangeName,
		MarketTime:    time.Unix(meta.RegularMarketTime, 0).UTC(),
	}
	if prev != 0 {
		quote.Change = quote.Price - prev
		quote.ChangePct = quote.Change / prev * 100
	}
	return quote, nil
}

// chartToCandles flattens the columnar chart arrays into candles, skipping
// rows with missing closes (halts, partial sessions).
func chartToCandles(chart *chartResult) ([]entity.Candle, error) {
	if len(chart.Indicators.Quote) == 0 {
		return nil, apperrors.New(apperrors.KindUpstreamDataError, "chart response carries no quote block")
	}
	q := chart.Indicators.Quote[0]

	candles := make([]entity.Candle, 0, len(chart.Timestamp))
	for i, ts := range chart.Timestamp {
		if i >= len(q.Close) || q.Close[i] == nil {
			continue
		}
		candle := entity.Candle{
			Timestamp: time.Unix(ts, 0).UTC(),
			Close:     *q.Close[i],
		}
		if i < len(q.Open) && q.Open[i] != nil {
			candle.Open = *q.Open[i]
		}
		if i < len(q.High) && q.High[i] != nil {
			candle.High = *q.High[i]
		}
		if i < len(q.Low) && q.Low[i] != nil {
			candle.Low = *q.Low[i]
		}
		if i < len(q.Volume) && q.Volume[i] != nil {
			candle.Volume = *q.Volume[i]
		}
		candles = append(candles, candle)
	}
	if len(candles) == 0 {
		return nil, apperrors.New(apperrors.KindUpstreamDataError, "chart response carries no usable closes")
	}
	return candles, nil
}
