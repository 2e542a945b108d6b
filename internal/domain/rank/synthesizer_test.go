package rank

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
)

type fakeCompleter struct {
	answer string
	err    error
	prompt string
}

func (f *fakeCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func rankedFixture() []entity.SearchResult {
	return []entity.SearchResult{
		{Title: "Apple beats estimates", URL: "https://reuters.com/a", Snippet: "revenue up", Combined: 0.9, CitationID: 1},
		{Title: "Analyst reaction", URL: "https://cnbc.com/b", Snippet: "shares rally", Combined: 0.8, CitationID: 2},
		{Title: "Earnings detail", URL: "https://wsj.com/c", Snippet: "margins widen", Combined: 0.7, CitationID: 3},
	}
}

func TestSynthesizerDisabled(t *testing.T) {
	s := NewSynthesizer(nil, 5, testLogger())
	resp := s.Build(context.Background(), "apple earnings", rankedFixture(), 120*time.Millisecond)

	if resp.Answer != "" {
		t.Errorf("Answer = %q, want empty with synthesis disabled", resp.Answer)
	}
	if resp.SynthesisTimeMs != 0 {
		t.Errorf("SynthesisTimeMs = %d, want 0", resp.SynthesisTimeMs)
	}
	if resp.SearchTimeMs != 120 {
		t.Errorf("SearchTimeMs = %d, want 120", resp.SearchTimeMs)
	}
	if len(resp.Citations) != 3 {
		t.Fatalf("citations = %d, want 3", len(resp.Citations))
	}
	if c := resp.Citations[1]; c.Domain != "reuters.com" || c.Title != "Apple beats estimates" {
		t.Errorf("citation 1 = %+v", c)
	}
}

func TestSynthesizerAnswer(t *testing.T) {
	llm := &fakeCompleter{answer: "Apple beat estimates [1] and shares rallied [2]."}
	s := NewSynthesizer(llm, 2, testLogger())

	resp := s.Build(context.Background(), "apple earnings", rankedFixture(), time.Millisecond)

	if !strings.Contains(resp.Answer, "[1]") {
		t.Errorf("Answer = %q, want citation markers", resp.Answer)
	}
	// maxSources=2: prompt carries the top two sources only.
	if !strings.Contains(llm.prompt, "[1] Apple beats estimates") || !strings.Contains(llm.prompt, "[2] Analyst reaction") {
		t.Errorf("prompt missing numbered sources:\n%s", llm.prompt)
	}
	if strings.Contains(llm.prompt, "Earnings detail") {
		t.Errorf("prompt should cap sources at maxSources:\n%s", llm.prompt)
	}
}

func TestSynthesizerFailureDegrades(t *testing.T) {
	llm := &fakeCompleter{err: errors.New("model unavailable")}
	s := NewSynthesizer(llm, 5, testLogger())

	resp := s.Build(context.Background(), "apple earnings", rankedFixture(), time.Millisecond)

	if resp.Answer != "" || resp.SynthesisTimeMs != 0 {
		t.Errorf("failed synthesis should degrade: %+v", resp)
	}
	if len(resp.Results) != 3 {
		t.Error("ranked results must survive synthesis failure")
	}
}

func TestConfidenceCoverageWeighted(t *testing.T) {
	full := confidence(rankedFixture())
	if full < 0.79 || full > 0.81 {
		t.Errorf("confidence over 3 results = %v, want ~0.8", full)
	}

	single := confidence(rankedFixture()[:1])
	if single < 0.29 || single > 0.31 {
		t.Errorf("confidence over 1 result = %v, want ~0.3 (coverage 1/3)", single)
	}

	if confidence(nil) != 0 {
		t.Error("confidence of empty set should be 0")
	}
}
