package predict

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

const (
	defaultHorizon  = 5
	maxHorizon      = 30
	defaultWindow   = 180
	minHistoryFloor = 60

	// confidenceZ gives a 95% band; the band widens with sqrt(h) because
	// residuals compound like a random walk.
	confidenceZ = 1.96
)

// HistorySource supplies daily candles for a symbol.
type HistorySource interface {
	History(ctx context.Context, symbol string, days int) ([]entity.Candle, error)
}

// Config controls the forecaster's artifact store and training policy.
type Config struct {
	ModelsDir  string
	AutoTrain  bool
	MinHistory int
}

// Forecaster serves price forecasts from on-disk trained models, fitting
// one on first request per symbol when auto-training is enabled.
type Forecaster struct {
	history    HistorySource
	store      *Store
	autoTrain  bool
	minHistory int
	training   singleflight.Group
	logger     *zap.Logger
}

func NewForecaster(history HistorySource, cfg Config, logger *zap.Logger) *Forecaster {
	minHistory := cfg.MinHistory
	if minHistory <= 0 {
		minHistory = minHistoryFloor
	}
	return &Forecaster{
		history:    history,
		store:      NewStore(cfg.ModelsDir),
		autoTrain:  cfg.AutoTrain,
		minHistory: minHistory,
		logger:     logger.With(zap.String("component", "predict")),
	}
}

// Forecast is the prediction payload handed back to the tool layer.
type Forecast struct {
	Symbol    string          `json:"symbol"`
	Horizon   int             `json:"horizon"`
	LastClose float64         `json:"last_close"`
	TrainedAt time.Time       `json:"trained_at"`
	Points    []ForecastPoint `json:"points"`
}

// ForecastPoint is one projected trading day with its confidence band.
type ForecastPoint struct {
	Date  string  `json:"date"`
	Price float64 `json:"price"`
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
}

// Predict forecasts the symbol's close over the next horizon trading days.
// A zero horizon means the default; out-of-range values are rejected rather
// than silently clamped. window is the training lookback in calendar days
// and only matters when a model has to be fitted.
func (f *Forecaster) Predict(ctx context.Context, symbol string, horizon, window int) (*Forecast, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperrors.NewInvalidRequest("symbol is required")
	}
	if horizon == 0 {
		horizon = defaultHorizon
	}
	if horizon < 1 || horizon > maxHorizon {
		return nil, apperrors.NewInvalidRequest(
			fmt.Sprintf("horizon must be between 1 and %d trading days", maxHorizon))
	}
	if window <= 0 {
		window = defaultWindow
	}

	model, err := f.loadOrTrain(ctx, symbol, window)
	if err != nil {
		return nil, err
	}
	return project(model, horizon), nil
}

func (f *Forecaster) loadOrTrain(ctx context.Context, symbol string, window int) (*Model, error) {
	model, err := f.store.Load(symbol)
	if err != nil {
		f.logger.Warn("Discarding unreadable model artifact",
			zap.String("symbol", symbol), zap.Error(err))
	}
	if model != nil {
		return model, nil
	}
	if !f.autoTrain {
		return nil, apperrors.New(apperrors.KindModelUnavailable,
			"no trained model for "+symbol)
	}

	// Concurrent first requests for the same symbol share one fit.
	v, err, _ := f.training.Do(symbol, func() (any, error) {
		return f.train(ctx, symbol, window)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

func (f *Forecaster) train(ctx context.Context, symbol string, window int) (*Model, error) {
	if window < f.minHistory {
		window = f.minHistory
	}
	candles, err := f.history.History(ctx, symbol, window)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindTimeout) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.KindUpstreamDataError,
			"fetching history for "+symbol, err)
	}

	series := NewSeries(symbol, candles)
	defer series.Release()
	if series.Len() < f.minHistory {
		return nil, apperrors.New(apperrors.KindInsufficientHistory,
			fmt.Sprintf("%s has %d usable closes, need at least %d",
				symbol, series.Len(), f.minHistory))
	}

	model, err := Fit(symbol, series)
	if err != nil {
		return nil, err
	}
	if err := f.store.Save(model); err != nil {
		// The fit is still good for this request; only reuse is lost.
		f.logger.Warn("Model artifact not persisted",
			zap.String("symbol", symbol), zap.Error(err))
	}
	f.logger.Info("Trained price model",
		zap.String("symbol", symbol),
		zap.Int("n", model.N),
		zap.Float64("slope", model.Slope),
		zap.Float64("sigma", model.Sigma),
	)
	return model, nil
}

// project anchors the fitted drift at the last observed close so the first
// forecast point continues from the price the user just saw instead of the
// trend line's endpoint.
func project(m *Model, horizon int) *Forecast {
	anchor := math.Log(m.LastClose)
	date := m.LastDate
	points := make([]ForecastPoint, 0, horizon)
	for h := 1; h <= horizon; h++ {
		date = nextTradingDay(date)
		mid := anchor + m.Slope*float64(h)
		band := confidenceZ * m.Sigma * math.Sqrt(float64(h))
		points = append(points, ForecastPoint{
			Date:  date.Format("2006-01-02"),
			Price: round2(math.Exp(mid)),
			Low:   round2(math.Exp(mid - band)),
			High:  round2(math.Exp(mid + band)),
		})
	}
	return &Forecast{
		Symbol:    m.Symbol,
		Horizon:   horizon,
		LastClose: m.LastClose,
		TrainedAt: m.TrainedAt,
		Points:    points,
	}
}

func nextTradingDay(t time.Time) time.Time {
	t = t.AddDate(0, 0, 1)
	for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
