package predict

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// Model is a per-symbol linear trend fitted over log closes. Slope is the
// estimated daily log-return, Sigma the residual standard deviation used to
// widen the confidence band with the horizon.
type Model struct {
	Symbol    string    `json:"symbol"`
	Slope     float64   `json:"slope"`
	Intercept float64   `json:"intercept"`
	Sigma     float64   `json:"sigma"`
	N         int       `json:"n"`
	LastClose float64   `json:"last_close"`
	LastDate  time.Time `json:"last_date"`
	TrainedAt time.Time `json:"trained_at"`
}

// Fit estimates the trend by ordinary least squares over log closes.
// The residual variance needs n > 2.
func Fit(symbol string, s *Series) (*Model, error) {
	n := s.Len()
	if n < 3 {
		return nil, apperrors.New(apperrors.KindInsufficientHistory,
			fmt.Sprintf("%s has %d usable closes, need at least 3 to fit", symbol, n))
	}

	logs := make([]float64, n)
	var sumY float64
	for i := 0; i < n; i++ {
		logs[i] = math.Log(s.Close(i))
		sumY += logs[i]
	}
	meanX := float64(n-1) / 2
	meanY := sumY / float64(n)

	var sxx, sxy float64
	for i, y := range logs {
		dx := float64(i) - meanX
		sxx += dx * dx
		sxy += dx * (y - meanY)
	}
	slope := sxy / sxx
	intercept := meanY - slope*meanX

	var sse float64
	for i, y := range logs {
		e := y - (intercept + slope*float64(i))
		sse += e * e
	}
	sigma := math.Sqrt(sse / float64(n-2))

	return &Model{
		Symbol:    symbol,
		Slope:     slope,
		Intercept: intercept,
		Sigma:     sigma,
		N:         n,
		LastClose: s.LastClose(),
		LastDate:  s.LastDate(),
		TrainedAt: time.Now().UTC(),
	}, nil
}

// Store persists model artifacts as one JSON file per symbol under a
// models directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store { return &Store{dir: dir} }

// Load reads a symbol's artifact. A missing artifact returns (nil, nil);
// an unreadable or corrupt one returns an error so the caller can decide
// whether to retrain over it.
func (st *Store) Load(symbol string) (*Model, error) {
	data, err := os.ReadFile(st.path(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "reading model artifact", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "decoding model artifact", err)
	}
	return &m, nil
}

// Save writes the artifact through a temp file and rename so a crash mid
// write never leaves a half-written artifact behind.
func (st *Store) Save(m *Model) error {
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "creating models dir", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "encoding model artifact", err)
	}
	final := st.path(m.Symbol)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "writing model artifact", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "committing model artifact", err)
	}
	return nil
}

func (st *Store) path(symbol string) string {
	return filepath.Join(st.dir, sanitizeSymbol(symbol)+".json")
}

// sanitizeSymbol keeps artifact names filesystem-safe. Tickers like BRK.B,
// BTC-USD or ^GSPC pass through; anything else becomes an underscore.
func sanitizeSymbol(symbol string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '^', r == '_':
			return r
		}
		return '_'
	}, symbol)
}
