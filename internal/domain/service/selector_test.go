package service

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stocksage/stocksage/gateway/internal/domain/tool"
)

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	objSchema := json.RawMessage(`{"type":"object"}`)
	noop := tool.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "ok"}, nil
	})

	descs := []tool.Descriptor{
		{Name: tool.NameStockQuote, Description: "quote", Schema: objSchema, Handler: noop},
		{Name: tool.NameHistoricalPrices, Description: "history", Schema: objSchema, Handler: noop},
		{Name: tool.NameStockNews, Description: "news", Schema: objSchema, Handler: noop},
		{Name: tool.NamePerplexitySearch, Description: "web search", Schema: objSchema, Handler: noop, Heavy: true},
		{Name: tool.NameRAGSearch, Description: "kb search", Schema: objSchema, Handler: noop},
		{Name: tool.NamePredictPrice, Description: "forecast", Schema: objSchema, Handler: noop, Heavy: true},
	}
	r, err := tool.NewRegistry(testLogger(), descs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestExtractTickers(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"what is AAPL at", []string{"AAPL"}},
		{"$tsla vs $NVDA", []string{"TSLA", "NVDA"}},
		{"the CEO said nothing", nil},
		{"compare AAPL and AAPL again", []string{"AAPL"}},
		{"no tickers here", nil},
		{"is MSFT a buy", []string{"MSFT"}},
	}
	for _, tt := range tests {
		got := ExtractTickers(tt.query)
		if len(got) != len(tt.want) {
			t.Errorf("ExtractTickers(%q) = %v, want %v", tt.query, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ExtractTickers(%q) = %v, want %v", tt.query, got, tt.want)
				break
			}
		}
	}
}

func TestIsSimpleQuery(t *testing.T) {
	s := NewToolSelector(testRegistry(t), nil, SelectorConfig{MaxTools: 5}, testLogger())

	simple := []string{"hello", "thanks!", "Hey", "what can you do", "ok cool", "good morning"}
	for _, q := range simple {
		if !s.IsSimpleQuery(q) {
			t.Errorf("IsSimpleQuery(%q) = false, want true", q)
		}
	}

	substantive := []string{
		"AAPL price",
		"predict TSLA for next week",
		"latest news on nvidia earnings",
		"search the web for fed commentary",
	}
	for _, q := range substantive {
		if s.IsSimpleQuery(q) {
			t.Errorf("IsSimpleQuery(%q) = true, want false", q)
		}
	}
}

func TestHeuristicSelection(t *testing.T) {
	s := NewToolSelector(testRegistry(t), nil, SelectorConfig{MaxTools: 5}, testLogger())

	res := s.Select(context.Background(), "what is the price of AAPL")
	if res.Method != "heuristic" {
		t.Errorf("Method = %q, want heuristic", res.Method)
	}
	if len(res.Tools) == 0 || res.Tools[0].Name != tool.NameStockQuote {
		t.Fatalf("Tools = %v, want get_stock_quote first", res.Tools)
	}
	if res.Tools[0].Confidence != 0.9 {
		t.Errorf("quote confidence = %v, want 0.9", res.Tools[0].Confidence)
	}

	res = s.Select(context.Background(), "why did TSLA drop, any news?")
	names := selectionNames(res.Tools)
	if !contains(names, tool.NameStockNews) {
		t.Errorf("news query selected %v, want get_stock_news", names)
	}

	res = s.Select(context.Background(), "predict where NVDA goes next month")
	names = selectionNames(res.Tools)
	if !contains(names, tool.NamePredictPrice) {
		t.Errorf("prediction query selected %v, want predict_price", names)
	}
}

// constEmbedder maps every text to the same vector, making every tool score
// confidence 1.0.
type constEmbedder struct{}

func (constEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestSimpleQueryExcludesHeavyTools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selector.json")
	artifact := `{"dim": 2, "tools": {
		"get_stock_quote":   {"centroid": [1, 0], "bias": 0},
		"perplexity_search": {"centroid": [1, 0], "bias": 0},
		"predict_price":     {"centroid": [1, 0], "bias": 0}
	}}`
	if err := os.WriteFile(path, []byte(artifact), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	ml := NewMLSelector(constEmbedder{}, MLSelectorConfig{Threshold: 0.3, MaxTools: 5}, testLogger())
	if err := ml.Initialize(context.Background(), path); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	s := NewToolSelector(testRegistry(t), ml, SelectorConfig{MLEnabled: true, MaxTools: 5}, testLogger())
	res := s.Select(context.Background(), "hello")

	if !res.Simple {
		t.Fatal("greeting should classify simple")
	}
	for _, sel := range res.Tools {
		if sel.Name == tool.NamePerplexitySearch || sel.Name == tool.NamePredictPrice {
			t.Errorf("simple query selected heavy tool %s", sel.Name)
		}
	}
	if !contains(selectionNames(res.Tools), tool.NameStockQuote) {
		t.Error("non-heavy tool should survive the simple filter")
	}
}

func TestMandatoryTools(t *testing.T) {
	s := NewToolSelector(testRegistry(t), nil, SelectorConfig{MaxTools: 5}, testLogger())

	if got := s.MandatoryTools("what does our knowledge base say about AAPL"); len(got) != 1 || got[0] != tool.NameRAGSearch {
		t.Errorf("MandatoryTools = %v, want [rag_search]", got)
	}
	if got := s.MandatoryTools("what is AAPL at"); got != nil {
		t.Errorf("MandatoryTools = %v, want nil", got)
	}
}

func TestSelectionOrderingAndCap(t *testing.T) {
	sels := []Selection{
		{Name: "b_tool", Confidence: 0.5},
		{Name: "a_tool", Confidence: 0.5},
		{Name: "c_tool", Confidence: 0.9},
	}
	sortSelections(sels)
	if sels[0].Name != "c_tool" {
		t.Errorf("highest confidence should sort first, got %v", sels)
	}
	if sels[1].Name != "a_tool" || sels[2].Name != "b_tool" {
		t.Errorf("equal confidences should tie-break by name asc, got %v", sels)
	}
}

// wordEmbedder is a deterministic bag-of-words embedder for tests: similar
// texts share vector mass, unrelated texts are near orthogonal.
type wordEmbedder struct {
	fail bool
}

func (e *wordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.fail {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 64)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			h.Write([]byte(w))
			vec[h.Sum32()%64]++
		}
		out[i] = vec
	}
	return out, nil
}

func TestMLSelectorBootstrapAndSelect(t *testing.T) {
	ml := NewMLSelector(&wordEmbedder{}, MLSelectorConfig{Threshold: 0.3, MaxTools: 5, EmbedTimeout: time.Second}, testLogger())
	if err := ml.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sels, err := ml.Select(context.Background(), "predict where AAPL will be next week")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(sels) == 0 {
		t.Fatal("expected at least one selection")
	}
	if sels[0].Name != tool.NamePredictPrice {
		t.Errorf("top selection = %s (conf %v), want predict_price", sels[0].Name, sels[0].Confidence)
	}
	for i := 1; i < len(sels); i++ {
		if sels[i].Confidence > sels[i-1].Confidence {
			t.Error("selections not ordered by confidence desc")
		}
	}
}

func TestMLSelectorLoadArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selector.json")
	artifact := `{
		"dim": 3,
		"tools": {
			"get_stock_quote": {"centroid": [1, 0, 0], "bias": 0},
			"get_stock_news":  {"centroid": [0, 1, 0], "bias": 0}
		}
	}`
	if err := os.WriteFile(path, []byte(artifact), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	ml := NewMLSelector(&wordEmbedder{}, MLSelectorConfig{Threshold: 0.3, MaxTools: 5}, testLogger())
	if err := ml.loadArtifact(path); err != nil {
		t.Fatalf("loadArtifact: %v", err)
	}
	model := ml.model.Load()
	if model == nil || model.Dim != 3 || len(model.Tools) != 2 {
		t.Errorf("model = %+v", model)
	}
}

func TestMLSelectorRejectsBadArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selector.json")
	// Centroid length disagrees with dim.
	artifact := `{"dim": 4, "tools": {"get_stock_quote": {"centroid": [1, 0], "bias": 0}}}`
	if err := os.WriteFile(path, []byte(artifact), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	ml := NewMLSelector(&wordEmbedder{}, MLSelectorConfig{Threshold: 0.3}, testLogger())
	if err := ml.loadArtifact(path); err == nil {
		t.Fatal("loadArtifact accepted a malformed artifact")
	}
}

func TestSelectorMLFailureFallsBack(t *testing.T) {
	ml := NewMLSelector(&wordEmbedder{fail: true}, MLSelectorConfig{Threshold: 0.3, MaxTools: 5}, testLogger())
	// Initialize fails (embedder down), model stays nil: Select will error.
	_ = ml.Initialize(context.Background(), "")

	s := NewToolSelector(testRegistry(t), ml, SelectorConfig{MLEnabled: true, MaxTools: 5}, testLogger())
	res := s.Select(context.Background(), "what is the price of AAPL")

	if res.Method != "heuristic" {
		t.Errorf("Method = %q, want heuristic fallback", res.Method)
	}
	if len(res.Tools) == 0 || res.Tools[0].Name != tool.NameStockQuote {
		t.Errorf("fallback selection = %v", res.Tools)
	}
	if _, _, fallbacks := s.Stats(); fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", fallbacks)
	}
}

func selectionNames(sels []Selection) []string {
	names := make([]string, len(sels))
	for i, s := range sels {
		names[i] = s.Name
	}
	return names
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
