package search

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/rank"
)

// Mode selects pipeline depth: how many candidates get semantic scoring and
// whether pages are fetched for full-text ranking.
type Mode string

const (
	ModeFast          Mode = "fast"
	ModeBalanced      Mode = "balanced"
	ModeComprehensive Mode = "comprehensive"
)

const rewriteSystemPrompt = "Rewrite the user's question as one concise web " +
	"search query. Keep ticker symbols and company names. Return only the " +
	"query text."

// PhaseObserver receives stage timings. The monitoring package implements it.
type PhaseObserver interface {
	ObservePhase(phase string, elapsed time.Duration)
}

// Pipeline is the full search product: optional query rewrite, provider
// fan-out, optional page extraction, ranking, and optional synthesis.
type Pipeline struct {
	fanout    *Fanout
	extractor *Extractor // nil disables the comprehensive fetch stage
	ranker    *rank.Ranker
	synth     *rank.Synthesizer // used only when RunOptions.Synthesize
	rewriter  rank.Completer    // nil skips query rewrite
	mode      Mode
	logger    *zap.Logger
	observer  PhaseObserver
}

// NewPipeline wires the stages. mode is the configured default; callers can
// force the fast path per run.
func NewPipeline(fanout *Fanout, extractor *Extractor, ranker *rank.Ranker, synth *rank.Synthesizer, rewriter rank.Completer, mode Mode, logger *zap.Logger) *Pipeline {
	if mode == "" {
		mode = ModeBalanced
	}
	return &Pipeline{
		fanout:    fanout,
		extractor: extractor,
		ranker:    ranker,
		synth:     synth,
		rewriter:  rewriter,
		mode:      mode,
		logger:    logger,
	}
}

// SetObserver attaches a stage-timing sink. Call before the first Run.
func (p *Pipeline) SetObserver(obs PhaseObserver) {
	p.observer = obs
}

// RunOptions tunes one pipeline run.
type RunOptions struct {
	// Fast forces the speed path: no rewrite, no extraction, snippets only.
	Fast bool
	// Synthesize adds the second LLM pass writing a cited answer.
	Synthesize bool
}

// Run executes the pipeline. It never fails: the worst case is an empty
// response with zero confidence.
func (p *Pipeline) Run(ctx context.Context, query string, opts RunOptions) entity.PerplexityResponse {
	started := time.Now()

	mode := p.mode
	if opts.Fast {
		mode = ModeFast
	}

	searchQuery := query
	if mode != ModeFast && p.rewriter != nil {
		searchQuery = p.rewrite(ctx, query)
	}

	results := p.fanout.Search(ctx, searchQuery)

	if mode == ModeComprehensive && p.extractor != nil {
		p.extractor.EnrichTop(ctx, results, 3)
	}
	p.observe("search", time.Since(started))

	rankStarted := time.Now()
	ranked := p.ranker.Rank(ctx, query, results, rankOptions(mode))
	p.observe("rank", time.Since(rankStarted))
	searchTime := time.Since(started)

	if opts.Synthesize && p.synth != nil {
		synthStarted := time.Now()
		resp := p.synth.Build(ctx, query, ranked, searchTime)
		p.observe("synthesis", time.Since(synthStarted))
		return resp
	}
	return rank.Assemble(query, ranked, searchTime)
}

func (p *Pipeline) observe(phase string, elapsed time.Duration) {
	if p.observer != nil {
		p.observer.ObservePhase(phase, elapsed)
	}
}

// rewrite asks the model for a tighter search query. Any failure keeps the
// original.
func (p *Pipeline) rewrite(ctx context.Context, query string) string {
	rctx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()

	rewritten, err := p.rewriter.Complete(rctx, rewriteSystemPrompt, query)
	if err != nil {
		p.logger.Debug("Query rewrite failed, using original",
			zap.Error(err),
		)
		return query
	}
	rewritten = strings.TrimSpace(strings.Trim(strings.TrimSpace(rewritten), `"`))
	if rewritten == "" || len(rewritten) > 4*len(query)+64 {
		return query
	}
	return rewritten
}

func rankOptions(mode Mode) rank.Options {
	switch mode {
	case ModeFast:
		return rank.Options{TopW: 5, EmbedBudget: 2 * time.Second}
	case ModeComprehensive:
		return rank.Options{TopW: 15, EmbedBudget: 4 * time.Second}
	default:
		return rank.Options{TopW: 10, EmbedBudget: 3 * time.Second}
	}
}
