package tool

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	domaintool "github.com/stocksage/stocksage/gateway/internal/domain/tool"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/search"
)

// Searcher is the slice of the search pipeline the web tool consumes.
type Searcher interface {
	Run(ctx context.Context, query string, opts search.RunOptions) entity.PerplexityResponse
}

const perplexitySearchSchema = `{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"minLength": 1,
			"description": "What to search the web for, phrased as a question or topic"
		}
	},
	"required": ["query"],
	"additionalProperties": false
}`

const (
	searchPayloadResults = 8
	// searchSnippetCap bounds extracted page content per result so a
	// comprehensive search cannot blow the tool output cap.
	searchSnippetCap = 1500
)

type searchResultPayload struct {
	Citation int     `json:"citation"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Snippet  string  `json:"snippet,omitempty"`
	Content  string  `json:"content,omitempty"`
	Score    float64 `json:"score"`
}

type searchPayload struct {
	Query      string                  `json:"query"`
	Results    []searchResultPayload   `json:"results"`
	Citations  map[int]entity.Citation `json:"citations"`
	Confidence float64                 `json:"confidence"`
}

// NewPerplexitySearchTool returns the web-search tool. Synthesis stays off:
// the ranked results and citation map go back to the model, which writes the
// answer itself during the final round.
func NewPerplexitySearchTool(pipeline Searcher, logger *zap.Logger) domaintool.Descriptor {
	logger = logger.With(zap.String("tool", domaintool.NamePerplexitySearch))
	return domaintool.Descriptor{
		Name: domaintool.NamePerplexitySearch,
		Description: "Search the web for current information and news. Returns ranked " +
			"results with citation ids; cite sources as [n] when using them.",
		Schema:  json.RawMessage(perplexitySearchSchema),
		Tags:    []string{"web", "search"},
		Heavy:   true,
		Timeout: 20 * time.Second,
		Handler: domaintool.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			query := stringArg(args, "query")

			resp := pipeline.Run(ctx, query, search.RunOptions{Synthesize: false})
			if len(resp.Results) == 0 {
				logger.Warn("Web search returned nothing", zap.String("query", query))
			}
			payload, _ := json.Marshal(toSearchPayload(resp))
			return &domaintool.Result{
				Output: string(payload),
				Metadata: map[string]interface{}{
					"result_count": len(resp.Results),
					"confidence":   resp.Confidence,
				},
			}, nil
		}),
	}
}

func toSearchPayload(resp entity.PerplexityResponse) searchPayload {
	out := searchPayload{
		Query:      resp.Query,
		Citations:  resp.Citations,
		Confidence: resp.Confidence,
		Results:    make([]searchResultPayload, 0, searchPayloadResults),
	}
	for _, r := range resp.Results {
		if len(out.Results) == searchPayloadResults {
			break
		}
		out.Results = append(out.Results, searchResultPayload{
			Citation: r.CitationID,
			Title:    r.Title,
			URL:      r.URL,
			Snippet:  r.Snippet,
			Content:  truncate(r.Content, searchSnippetCap),
			Score:    r.Combined,
		})
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}
