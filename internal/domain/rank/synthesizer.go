package rank

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
)

const synthesisSystemPrompt = "You are a research assistant. Answer the " +
	"question using only the numbered sources provided. Cite sources inline " +
	"with [n] markers that refer to the source numbers. If the sources do " +
	"not answer the question, say so."

// Completer is the narrow LLM surface the synthesizer needs for its second
// pass.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Synthesizer assembles the PerplexityResponse from ranked results and
// optionally writes a grounded answer with [n] citation markers. A nil
// Completer disables synthesis: the ranked list and citation map pass
// through unchanged.
type Synthesizer struct {
	llm        Completer
	maxSources int
	logger     *zap.Logger
}

// NewSynthesizer builds the response assembler. maxSources bounds how many
// top results feed the synthesis prompt.
func NewSynthesizer(llm Completer, maxSources int, logger *zap.Logger) *Synthesizer {
	if maxSources <= 0 {
		maxSources = 5
	}
	return &Synthesizer{llm: llm, maxSources: maxSources, logger: logger}
}

// Assemble builds the response without an answer: ranked results, citation
// map, confidence, and timing. This is the whole product when synthesis is
// elided.
func Assemble(query string, ranked []entity.SearchResult, searchTime time.Duration) entity.PerplexityResponse {
	return entity.PerplexityResponse{
		Query:        query,
		Results:      ranked,
		Citations:    buildCitations(ranked),
		Confidence:   confidence(ranked),
		SearchTimeMs: searchTime.Milliseconds(),
	}
}

// Build produces the pipeline's final response. Synthesis failure degrades
// to the unsynthesized response rather than erroring: the ranked results
// are always worth returning.
func (s *Synthesizer) Build(ctx context.Context, query string, ranked []entity.SearchResult, searchTime time.Duration) entity.PerplexityResponse {
	resp := Assemble(query, ranked, searchTime)

	if s.llm == nil || len(ranked) == 0 {
		return resp
	}

	started := time.Now()
	answer, err := s.llm.Complete(ctx, synthesisSystemPrompt, s.prompt(query, ranked))
	if err != nil {
		s.logger.Warn("Answer synthesis failed, returning ranked results only",
			zap.String("query", query),
			zap.Error(err),
		)
		return resp
	}

	resp.Answer = strings.TrimSpace(answer)
	resp.SynthesisTimeMs = time.Since(started).Milliseconds()
	return resp
}

func (s *Synthesizer) prompt(query string, ranked []entity.SearchResult) string {
	n := len(ranked)
	if n > s.maxSources {
		n = s.maxSources
	}

	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nSources:\n")
	for _, res := range ranked[:n] {
		body := res.Snippet
		if res.Content != "" {
			body = truncateText(res.Content, 1500)
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", res.CitationID, res.Title, res.URL, body)
	}
	b.WriteString("Answer with inline [n] citations:")
	return b.String()
}

func buildCitations(ranked []entity.SearchResult) map[int]entity.Citation {
	citations := make(map[int]entity.Citation, len(ranked))
	for _, res := range ranked {
		citations[res.CitationID] = entity.Citation{
			Title:   res.Title,
			URL:     res.URL,
			Domain:  domainOf(res.URL),
			Snippet: res.Snippet,
		}
	}
	return citations
}

// confidence is the coverage-weighted mean of the top-3 combined scores:
// fewer than three results proportionally lowers it.
func confidence(ranked []entity.SearchResult) float64 {
	if len(ranked) == 0 {
		return 0
	}
	n := len(ranked)
	if n > 3 {
		n = 3
	}
	var sum float64
	for _, res := range ranked[:n] {
		sum += res.Combined
	}
	coverage := float64(n) / 3
	conf := (sum / float64(n)) * coverage
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}
