package tool

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	domaintool "github.com/stocksage/stocksage/gateway/internal/domain/tool"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/vectorindex"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// Embedder turns texts into vectors; one vector per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// IndexSearcher queries the nearest-neighbor index.
type IndexSearcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]vectorindex.Document, error)
}

const ragSearchSchema = `{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"minLength": 1,
			"description": "What to look up in the internal knowledge base"
		},
		"top_k": {
			"type": "integer",
			"minimum": 1,
			"maximum": 10,
			"description": "Maximum passages to return (default 5)"
		}
	},
	"required": ["query"],
	"additionalProperties": false
}`

const ragPassageCap = 1200

type ragMatch struct {
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score"`
}

type ragPayload struct {
	Query   string     `json:"query"`
	Matches []ragMatch `json:"matches"`
}

// NewRAGSearchTool returns the knowledge-base tool: embed the query, hit the
// nearest-neighbor index, hand the passages back with their sources.
func NewRAGSearchTool(embedder Embedder, index IndexSearcher, logger *zap.Logger) domaintool.Descriptor {
	logger = logger.With(zap.String("tool", domaintool.NameRAGSearch))
	return domaintool.Descriptor{
		Name: domaintool.NameRAGSearch,
		Description: "Search the internal knowledge base for analyst notes, filings " +
			"summaries and reference material. Use for questions about stored knowledge.",
		Schema:  json.RawMessage(ragSearchSchema),
		Tags:    []string{"rag", "knowledge"},
		Timeout: 10 * time.Second,
		Handler: domaintool.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			query := stringArg(args, "query")
			topK := intArg(args, "top_k", 5)

			vectors, err := embedder.Embed(ctx, []string{query})
			if err != nil {
				return nil, err
			}
			if len(vectors) == 0 {
				return nil, apperrors.New(apperrors.KindUpstreamDataError,
					"embedding service returned no vector")
			}

			docs, err := index.Search(ctx, vectors[0], topK)
			if err != nil {
				return nil, err
			}
			if len(docs) == 0 {
				logger.Debug("Knowledge base had no matches", zap.String("query", query))
			}

			payload := ragPayload{Query: query, Matches: make([]ragMatch, 0, len(docs))}
			for _, d := range docs {
				payload.Matches = append(payload.Matches, ragMatch{
					ID:     d.ID,
					Text:   truncate(d.Text, ragPassageCap),
					Source: d.Source,
					Score:  d.Score,
				})
			}
			data, _ := json.Marshal(payload)
			return &domaintool.Result{
				Output:   string(data),
				Metadata: map[string]interface{}{"match_count": len(docs)},
			}, nil
		}),
	}
}
