package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/tool"
)

// Embedder turns texts into vectors. Implemented by the embedding client.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// centroidModel is the trained selector artifact: one centroid vector and
// bias per tool, all sharing one embedding dimension.
type centroidModel struct {
	Dim   int                     `json:"dim"`
	Tools map[string]toolCentroid `json:"tools"`
}

type toolCentroid struct {
	Centroid []float32 `json:"centroid"`
	Bias     float64   `json:"bias"`
}

// MLSelector scores a query embedding against per-tool centroids. When no
// trained artifact exists the centroids are bootstrapped at startup from
// built-in exemplar phrases, so the ML path works out of the box.
type MLSelector struct {
	embedder  Embedder
	threshold float64
	maxTools  int
	timeout   time.Duration
	logger    *zap.Logger

	model atomic.Pointer[centroidModel]
}

// MLSelectorConfig tunes the ML path.
type MLSelectorConfig struct {
	Threshold    float64
	MaxTools     int
	EmbedTimeout time.Duration
}

// NewMLSelector builds the scorer. Call Initialize before first use.
func NewMLSelector(embedder Embedder, cfg MLSelectorConfig, logger *zap.Logger) *MLSelector {
	if cfg.MaxTools <= 0 {
		cfg.MaxTools = 5
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 2 * time.Second
	}
	return &MLSelector{
		embedder:  embedder,
		threshold: cfg.Threshold,
		maxTools:  cfg.MaxTools,
		timeout:   cfg.EmbedTimeout,
		logger:    logger,
	}
}

// Initialize loads the artifact at modelPath, falling back to exemplar
// bootstrap when the path is empty or unreadable. Returns an error only when
// both paths fail; the caller then runs heuristic-only.
func (m *MLSelector) Initialize(ctx context.Context, modelPath string) error {
	if modelPath != "" {
		if err := m.loadArtifact(modelPath); err == nil {
			m.logger.Info("Selector model loaded",
				zap.String("path", modelPath),
				zap.Int("tools", len(m.model.Load().Tools)),
			)
			return nil
		} else {
			m.logger.Warn("Selector model load failed, bootstrapping from exemplars",
				zap.String("path", modelPath),
				zap.Error(err),
			)
		}
	}
	return m.bootstrap(ctx)
}

func (m *MLSelector) loadArtifact(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model artifact: %w", err)
	}
	var model centroidModel
	if err := json.Unmarshal(data, &model); err != nil {
		return fmt.Errorf("parse model artifact: %w", err)
	}
	if model.Dim <= 0 || len(model.Tools) == 0 {
		return fmt.Errorf("model artifact missing dim or tools")
	}
	for name, tc := range model.Tools {
		if len(tc.Centroid) != model.Dim {
			return fmt.Errorf("centroid for %s has dim %d, artifact says %d", name, len(tc.Centroid), model.Dim)
		}
	}
	m.model.Store(&model)
	return nil
}

// bootstrap embeds the built-in exemplar phrases and averages them into one
// centroid per tool.
func (m *MLSelector) bootstrap(ctx context.Context) error {
	var texts []string
	var owners []string
	for name, phrases := range toolExemplars {
		for _, p := range phrases {
			texts = append(texts, p)
			owners = append(owners, name)
		}
	}

	vecs, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("bootstrap embedding: %w", err)
	}
	if len(vecs) != len(texts) || len(vecs) == 0 {
		return fmt.Errorf("bootstrap embedding returned %d vectors for %d texts", len(vecs), len(texts))
	}

	dim := len(vecs[0])
	sums := map[string][]float64{}
	counts := map[string]int{}
	for i, vec := range vecs {
		if len(vec) != dim {
			return fmt.Errorf("inconsistent embedding dims: %d vs %d", len(vec), dim)
		}
		name := owners[i]
		if sums[name] == nil {
			sums[name] = make([]float64, dim)
		}
		for j, v := range vec {
			sums[name][j] += float64(v)
		}
		counts[name]++
	}

	model := &centroidModel{Dim: dim, Tools: make(map[string]toolCentroid, len(sums))}
	for name, sum := range sums {
		centroid := make([]float32, dim)
		n := float64(counts[name])
		for j, v := range sum {
			centroid[j] = float32(v / n)
		}
		model.Tools[name] = toolCentroid{Centroid: centroid}
	}
	m.model.Store(model)

	m.logger.Info("Selector centroids bootstrapped from exemplars",
		zap.Int("dim", dim),
		zap.Int("tools", len(model.Tools)),
	)
	return nil
}

// Select embeds the query and returns tools whose centroid similarity
// clears the confidence threshold, capped and ordered. Errors here trigger
// the caller's heuristic fallback.
func (m *MLSelector) Select(ctx context.Context, query string) ([]Selection, error) {
	model := m.model.Load()
	if model == nil {
		return nil, fmt.Errorf("selector model not initialized")
	}

	embedCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	vecs, err := m.embedder.Embed(embedCtx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != model.Dim {
		return nil, fmt.Errorf("query embedding dim mismatch")
	}
	queryVec := vecs[0]

	selections := make([]Selection, 0, len(model.Tools))
	for name, tc := range model.Tools {
		// Sentence embeddings give near-zero cosine for unrelated text, so
		// the raw similarity (plus trained bias) is the confidence.
		conf := clamp01(cosine(queryVec, tc.Centroid) + tc.Bias)
		if conf >= m.threshold {
			selections = append(selections, Selection{Name: name, Confidence: conf})
		}
	}

	sortSelections(selections)
	if len(selections) > m.maxTools {
		selections = selections[:m.maxTools]
	}
	return selections, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// toolExemplars seed the centroid bootstrap when no trained artifact is
// available.
var toolExemplars = map[string][]string{
	tool.NameStockQuote: {
		"what is the current price of AAPL",
		"TSLA quote right now",
		"how much is microsoft stock trading at",
		"get me the latest price for NVDA",
	},
	tool.NameHistoricalPrices: {
		"show AAPL price history for the last month",
		"how has tesla performed over the past year",
		"six month chart for NVDA",
		"52 week trend for amazon stock",
	},
	tool.NameStockNews: {
		"latest news about apple",
		"why did TSLA drop today",
		"recent earnings headlines for nvidia",
		"what happened with meta stock this week",
	},
	tool.NamePerplexitySearch: {
		"search the web for analyst opinions on AMD",
		"what are people saying about the fed rate decision",
		"look up current market sentiment for chip stocks",
		"find recent commentary on the tech sector outlook",
	},
	tool.NameRAGSearch: {
		"what does our knowledge base say about position sizing",
		"search the internal docs for the earnings playbook",
		"according to our saved research what is the thesis on NVDA",
		"check the documentation for risk limits",
	},
	tool.NamePredictPrice: {
		"predict where AAPL will be next week",
		"price forecast for tesla",
		"price target projection for NVDA next month",
		"where will amazon stock go from here",
	},
}
