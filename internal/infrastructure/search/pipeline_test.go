package search

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/rank"
)

type recordingRewriter struct {
	calls  atomic.Int32
	answer string
	err    error
}

func (r *recordingRewriter) Complete(ctx context.Context, system, prompt string) (string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return "", r.err
	}
	return r.answer, nil
}

type queryCapturingProvider struct {
	stubProvider
	gotQuery atomic.Value
}

func (q *queryCapturingProvider) Search(ctx context.Context, query string, count int) ([]entity.SearchResult, error) {
	q.gotQuery.Store(query)
	return q.stubProvider.Search(ctx, query, count)
}

func newTestPipeline(provider Provider, rewriter rank.Completer, mode Mode) *Pipeline {
	logger := zap.NewNop()
	fanout := NewFanout(provider, nil, FanoutConfig{}, logger)
	trust := rank.NewTrustTable([]string{"reuters.com"}, nil, 0.5)
	ranker := rank.NewRanker(nil, trust, ProviderBrave, logger)
	return NewPipeline(fanout, nil, ranker, nil, rewriter, mode, logger)
}

func TestPipelineBalancedRewritesQuery(t *testing.T) {
	provider := &queryCapturingProvider{stubProvider: stubProvider{
		name:    "brave",
		results: []entity.SearchResult{sr("apple earnings beat", "https://reuters.com/a")},
	}}
	rewriter := &recordingRewriter{answer: `"AAPL Q3 earnings results"`}

	p := newTestPipeline(provider, rewriter, ModeBalanced)
	resp := p.Run(context.Background(), "how did apple do last quarter", RunOptions{})

	if rewriter.calls.Load() != 1 {
		t.Fatalf("rewriter calls = %d, want 1", rewriter.calls.Load())
	}
	if got := provider.gotQuery.Load().(string); got != "AAPL Q3 earnings results" {
		t.Errorf("provider query = %q, want rewritten text with quotes stripped", got)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(resp.Results))
	}
	if resp.Query != "how did apple do last quarter" {
		t.Errorf("response query = %q, want the original user query", resp.Query)
	}
}

func TestPipelineFastSkipsRewrite(t *testing.T) {
	provider := &queryCapturingProvider{stubProvider: stubProvider{
		name:    "brave",
		results: []entity.SearchResult{sr("a", "https://reuters.com/a")},
	}}
	rewriter := &recordingRewriter{answer: "should not be used"}

	p := newTestPipeline(provider, rewriter, ModeBalanced)
	p.Run(context.Background(), "tesla news", RunOptions{Fast: true})

	if rewriter.calls.Load() != 0 {
		t.Errorf("rewriter calls = %d, want 0 on fast path", rewriter.calls.Load())
	}
	if got := provider.gotQuery.Load().(string); got != "tesla news" {
		t.Errorf("provider query = %q, want original", got)
	}
}

func TestPipelineRewriteFailureKeepsOriginal(t *testing.T) {
	provider := &queryCapturingProvider{stubProvider: stubProvider{
		name:    "brave",
		results: []entity.SearchResult{sr("a", "https://reuters.com/a")},
	}}
	rewriter := &recordingRewriter{err: errors.New("model down")}

	p := newTestPipeline(provider, rewriter, ModeBalanced)
	resp := p.Run(context.Background(), "nvidia outlook", RunOptions{})

	if got := provider.gotQuery.Load().(string); got != "nvidia outlook" {
		t.Errorf("provider query = %q, want original after rewrite failure", got)
	}
	if len(resp.Results) != 1 {
		t.Errorf("results = %d, rewrite failure must not sink the run", len(resp.Results))
	}
}

func TestPipelineRejectsRunawayRewrite(t *testing.T) {
	provider := &queryCapturingProvider{stubProvider: stubProvider{
		name:    "brave",
		results: []entity.SearchResult{sr("a", "https://reuters.com/a")},
	}}
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	rewriter := &recordingRewriter{answer: string(long)}

	p := newTestPipeline(provider, rewriter, ModeBalanced)
	p.Run(context.Background(), "amd", RunOptions{})

	if got := provider.gotQuery.Load().(string); got != "amd" {
		t.Errorf("provider query = %q, runaway rewrite should be discarded", got)
	}
}

func TestPipelineNoSynthesisLeavesAnswerEmpty(t *testing.T) {
	provider := &stubProvider{name: "brave", results: []entity.SearchResult{
		sr("result one", "https://reuters.com/a"),
		sr("result two", "https://reuters.com/b"),
	}}

	p := newTestPipeline(provider, nil, ModeFast)
	resp := p.Run(context.Background(), "msft", RunOptions{})

	if resp.Answer != "" {
		t.Errorf("answer = %q, want empty without synthesis", resp.Answer)
	}
	if len(resp.Citations) != 2 {
		t.Errorf("citations = %d, want 2", len(resp.Citations))
	}
	if resp.Confidence <= 0 {
		t.Errorf("confidence = %v, want > 0", resp.Confidence)
	}
}

func TestPipelineEmptyResultsZeroConfidence(t *testing.T) {
	provider := &stubProvider{name: "brave", err: errors.New("everything down")}

	p := newTestPipeline(provider, nil, ModeFast)
	resp := p.Run(context.Background(), "anything", RunOptions{})

	if len(resp.Results) != 0 {
		t.Errorf("results = %d, want 0", len(resp.Results))
	}
	if resp.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", resp.Confidence)
	}
}

type phaseRecorder struct {
	mu     sync.Mutex
	phases []string
}

func (r *phaseRecorder) ObservePhase(phase string, elapsed time.Duration) {
	r.mu.Lock()
	r.phases = append(r.phases, phase)
	r.mu.Unlock()
}

func TestPipelineReportsStageTimings(t *testing.T) {
	provider := &stubProvider{name: "brave", results: []entity.SearchResult{
		sr("result", "https://reuters.com/a"),
	}}

	p := newTestPipeline(provider, nil, ModeFast)
	rec := &phaseRecorder{}
	p.SetObserver(rec)
	p.Run(context.Background(), "msft", RunOptions{})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.phases) != 2 || rec.phases[0] != "search" || rec.phases[1] != "rank" {
		t.Fatalf("phases = %v, want [search rank]", rec.phases)
	}
}
