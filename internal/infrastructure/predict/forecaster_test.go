package predict

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

type stubHistory struct {
	calls   atomic.Int32
	candles []entity.Candle
	err     error
	release chan struct{}
}

func (s *stubHistory) History(ctx context.Context, symbol string, days int) ([]entity.Candle, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.candles, nil
}

// growthCandles produces n daily bars with closes on an exact exponential
// trend, ending Friday 2026-08-21.
func growthCandles(n int, dailyLogReturn float64) []entity.Candle {
	end := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	candles := make([]entity.Candle, n)
	for i := 0; i < n; i++ {
		price := 100 * math.Exp(dailyLogReturn*float64(i))
		candles[i] = entity.Candle{
			Timestamp: end.AddDate(0, 0, i-n+1),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    1000,
		}
	}
	return candles
}

// noisyCandles adds deterministic log-space noise so the fit has nonzero
// residual variance.
func noisyCandles(n int) []entity.Candle {
	candles := growthCandles(n, 0.002)
	for i := range candles {
		candles[i].Close *= math.Exp(0.01 * math.Sin(float64(i)))
	}
	return candles
}

func newTestForecaster(t *testing.T, history HistorySource, autoTrain bool) *Forecaster {
	t.Helper()
	return NewForecaster(history, Config{
		ModelsDir:  t.TempDir(),
		AutoTrain:  autoTrain,
		MinHistory: 60,
	}, zap.NewNop())
}

func TestFitRecoversTrend(t *testing.T) {
	series := NewSeries("AAPL", growthCandles(120, 0.002))
	defer series.Release()

	m, err := Fit("AAPL", series)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if math.Abs(m.Slope-0.002) > 1e-9 {
		t.Errorf("slope = %v, want 0.002", m.Slope)
	}
	if math.Abs(m.Intercept-math.Log(100)) > 1e-9 {
		t.Errorf("intercept = %v, want ln(100)", m.Intercept)
	}
	if m.Sigma > 1e-9 {
		t.Errorf("sigma = %v on a noise-free series", m.Sigma)
	}
	if m.N != 120 {
		t.Errorf("n = %d", m.N)
	}
}

func TestSeriesSkipsUnusableCloses(t *testing.T) {
	candles := growthCandles(10, 0.001)
	candles[3].Close = 0
	candles[7].Close = -1

	series := NewSeries("TSLA", candles)
	defer series.Release()

	if series.Len() != 8 {
		t.Errorf("len = %d, want 8", series.Len())
	}
	if series.LastDate() != candles[9].Timestamp {
		t.Errorf("last date = %v", series.LastDate())
	}
}

func TestPredictValidation(t *testing.T) {
	f := newTestForecaster(t, &stubHistory{candles: growthCandles(120, 0.002)}, true)
	ctx := context.Background()

	cases := []struct {
		name    string
		symbol  string
		horizon int
	}{
		{"empty symbol", "", 5},
		{"horizon too large", "AAPL", 31},
		{"negative horizon", "AAPL", -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Predict(ctx, tc.symbol, tc.horizon, 0)
			if !apperrors.IsKind(err, apperrors.KindInvalidRequest) {
				t.Errorf("kind = %v, want KindInvalidRequest", apperrors.KindOf(err))
			}
		})
	}
}

func TestPredictDefaultHorizon(t *testing.T) {
	f := newTestForecaster(t, &stubHistory{candles: growthCandles(120, 0.002)}, true)

	fc, err := f.Predict(context.Background(), "AAPL", 0, 0)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(fc.Points) != 5 {
		t.Errorf("points = %d, want the default horizon 5", len(fc.Points))
	}
}

func TestPredictInsufficientHistory(t *testing.T) {
	f := newTestForecaster(t, &stubHistory{candles: growthCandles(10, 0.002)}, true)

	_, err := f.Predict(context.Background(), "AAPL", 5, 0)
	if !apperrors.IsKind(err, apperrors.KindInsufficientHistory) {
		t.Errorf("kind = %v, want KindInsufficientHistory", apperrors.KindOf(err))
	}
}

func TestPredictModelUnavailableWhenAutoTrainOff(t *testing.T) {
	history := &stubHistory{candles: growthCandles(120, 0.002)}
	f := newTestForecaster(t, history, false)

	_, err := f.Predict(context.Background(), "AAPL", 5, 0)
	if !apperrors.IsKind(err, apperrors.KindModelUnavailable) {
		t.Errorf("kind = %v, want KindModelUnavailable", apperrors.KindOf(err))
	}
	if history.calls.Load() != 0 {
		t.Errorf("history calls = %d, training is off", history.calls.Load())
	}
}

func TestPredictHistoryErrorWrapped(t *testing.T) {
	history := &stubHistory{err: apperrors.New(apperrors.KindUpstreamUnavailable, "upstream down")}
	f := newTestForecaster(t, history, true)

	_, err := f.Predict(context.Background(), "AAPL", 5, 0)
	if !apperrors.IsKind(err, apperrors.KindUpstreamDataError) {
		t.Errorf("kind = %v, want KindUpstreamDataError", apperrors.KindOf(err))
	}
}

func TestPredictTrainsPersistsAndReuses(t *testing.T) {
	history := &stubHistory{candles: growthCandles(120, 0.002)}
	dir := t.TempDir()
	f := NewForecaster(history, Config{ModelsDir: dir, AutoTrain: true, MinHistory: 60}, zap.NewNop())
	ctx := context.Background()

	fc, err := f.Predict(ctx, "aapl", 3, 0)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if fc.Symbol != "AAPL" {
		t.Errorf("symbol = %q", fc.Symbol)
	}
	if len(fc.Points) != 3 {
		t.Fatalf("points = %d", len(fc.Points))
	}

	// History ends Friday 2026-08-21; the forecast resumes the next Monday.
	wantDates := []string{"2026-08-24", "2026-08-25", "2026-08-26"}
	for i, p := range fc.Points {
		if p.Date != wantDates[i] {
			t.Errorf("point %d date = %s, want %s", i, p.Date, wantDates[i])
		}
	}

	// Positive drift: each mid projection above the last close and rising.
	prev := fc.LastClose
	for i, p := range fc.Points {
		if p.Price <= prev {
			t.Errorf("point %d price = %v, want > %v", i, p.Price, prev)
		}
		prev = p.Price
	}

	if _, err := os.Stat(filepath.Join(dir, "AAPL.json")); err != nil {
		t.Errorf("artifact not persisted: %v", err)
	}

	if _, err := f.Predict(ctx, "AAPL", 5, 0); err != nil {
		t.Fatalf("second Predict: %v", err)
	}
	if history.calls.Load() != 1 {
		t.Errorf("history calls = %d, artifact should be reused", history.calls.Load())
	}
}

func TestForecastBandWidensWithHorizon(t *testing.T) {
	f := newTestForecaster(t, &stubHistory{candles: noisyCandles(120)}, true)

	fc, err := f.Predict(context.Background(), "AAPL", 10, 0)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	first := fc.Points[0].High - fc.Points[0].Low
	last := fc.Points[9].High - fc.Points[9].Low
	if first <= 0 {
		t.Fatalf("first band = %v, want > 0 on a noisy series", first)
	}
	if last <= first {
		t.Errorf("band did not widen: day 1 = %v, day 10 = %v", first, last)
	}
	for _, p := range fc.Points {
		if p.Low > p.Price || p.Price > p.High {
			t.Errorf("point %s out of band: %v <= %v <= %v", p.Date, p.Low, p.Price, p.High)
		}
	}
}

func TestConcurrentFirstPredictTrainsOnce(t *testing.T) {
	history := &stubHistory{
		candles: growthCandles(120, 0.002),
		release: make(chan struct{}),
	}
	f := newTestForecaster(t, history, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.Predict(ctx, "AAPL", 5, 0)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(history.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("predict %d: %v", i, err)
		}
	}
	if history.calls.Load() != 1 {
		t.Errorf("history calls = %d, concurrent first requests should share one fit", history.calls.Load())
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := NewStore(dir)

	m := &Model{
		Symbol:    "BRK.B",
		Slope:     0.001,
		Intercept: 5.2,
		Sigma:     0.02,
		N:         90,
		LastClose: 412.5,
		LastDate:  time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC),
		TrainedAt: time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC),
	}
	if err := st.Save(m); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := st.Load("BRK.B")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || *got != *m {
		t.Errorf("round trip mismatch: %+v", got)
	}

	missing, err := st.Load("NOPE")
	if err != nil || missing != nil {
		t.Errorf("missing artifact = %+v, %v; want nil, nil", missing, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "BAD.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load("BAD"); err == nil {
		t.Error("corrupt artifact should error")
	}
}

func TestNextTradingDaySkipsWeekend(t *testing.T) {
	friday := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	got := nextTradingDay(friday)
	if got.Weekday() != time.Monday || got.Day() != 24 {
		t.Errorf("next trading day after Friday = %v", got)
	}
}
