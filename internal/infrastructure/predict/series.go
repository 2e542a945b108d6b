package predict

import (
	"time"

	"github.com/apache/arrow/go/v17/arrow/array"
	arrowmem "github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
)

// Series holds one symbol's daily closes as an arrow float64 array, in
// trading-day order. Bars without a usable close (halted sessions report
// zero) are dropped at construction, so every stored value is positive and
// safe to take the log of.
type Series struct {
	symbol string
	closes *array.Float64
	last   time.Time
}

// NewSeries builds a close-price series from daily candles. Call Release
// when done with it.
func NewSeries(symbol string, candles []entity.Candle) *Series {
	pool := arrowmem.NewGoAllocator()
	b := array.NewFloat64Builder(pool)
	defer b.Release()

	var last time.Time
	for _, c := range candles {
		if c.Close <= 0 {
			continue
		}
		b.Append(c.Close)
		last = c.Timestamp
	}
	return &Series{symbol: symbol, closes: b.NewFloat64Array(), last: last}
}

func (s *Series) Symbol() string { return s.symbol }

func (s *Series) Len() int { return s.closes.Len() }

// Close returns the i-th close in trading-day order.
func (s *Series) Close(i int) float64 { return s.closes.Value(i) }

// LastClose is the final observed close. Callers must check Len first.
func (s *Series) LastClose() float64 { return s.closes.Value(s.closes.Len() - 1) }

// LastDate is the session date of the final usable bar.
func (s *Series) LastDate() time.Time { return s.last }

func (s *Series) Release() { s.closes.Release() }
