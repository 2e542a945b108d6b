package service

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/tool"
)

// Selection is one tool the selector proposes, with its confidence.
type Selection struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// SelectionResult carries the ordered tool subset plus how it was chosen.
type SelectionResult struct {
	Tools  []Selection `json:"tools"`
	Method string      `json:"method"` // "ml" or "heuristic"
	Simple bool        `json:"simple"`
}

// SelectorConfig bounds the selector's output.
type SelectorConfig struct {
	MLEnabled bool
	Threshold float64
	MaxTools  int
}

// ToolSelector maps a query to an ordered subset of tool names. The ML path
// is primary when enabled; any ML failure falls back to the heuristic path.
// Select never returns an error: worst case is an empty selection.
type ToolSelector struct {
	registry *tool.Registry
	ml       *MLSelector // nil when disabled
	cfg      SelectorConfig
	logger   *zap.Logger

	mlCount        atomic.Int64
	heuristicCount atomic.Int64
	fallbackCount  atomic.Int64
}

// NewToolSelector builds the selector. ml may be nil, which forces the
// heuristic path regardless of cfg.MLEnabled.
func NewToolSelector(registry *tool.Registry, ml *MLSelector, cfg SelectorConfig, logger *zap.Logger) *ToolSelector {
	if cfg.MaxTools <= 0 {
		cfg.MaxTools = 5
	}
	return &ToolSelector{
		registry: registry,
		ml:       ml,
		cfg:      cfg,
		logger:   logger,
	}
}

// Select proposes tools for the query. Simple queries never receive heavy
// tools. The returned slice is ordered by confidence descending with a
// stable name-ascending tiebreak.
func (s *ToolSelector) Select(ctx context.Context, query string) SelectionResult {
	simple := s.IsSimpleQuery(query)

	var selections []Selection
	method := "heuristic"

	if s.cfg.MLEnabled && s.ml != nil {
		mlSel, err := s.ml.Select(ctx, query)
		if err != nil {
			s.fallbackCount.Add(1)
			s.logger.Warn("ML tool selection failed, using heuristic",
				zap.Error(err),
			)
		} else {
			selections = mlSel
			method = "ml"
		}
	}
	if method == "heuristic" {
		selections = s.heuristicSelect(query)
	}

	if simple {
		selections = s.dropHeavy(selections)
	}

	sortSelections(selections)
	if len(selections) > s.cfg.MaxTools {
		selections = selections[:s.cfg.MaxTools]
	}

	switch method {
	case "ml":
		s.mlCount.Add(1)
	default:
		s.heuristicCount.Add(1)
	}

	s.logger.Debug("Tool selection",
		zap.String("method", method),
		zap.Bool("simple", simple),
		zap.Any("tools", selections),
	)

	return SelectionResult{Tools: selections, Method: method, Simple: simple}
}

// MandatoryTools returns tools the orchestrator must include regardless of
// what Select proposed. Knowledge-base phrasing pins rag_search.
func (s *ToolSelector) MandatoryTools(query string) []string {
	if containsAny(strings.ToLower(query), knowledgeBaseCues) {
		return []string{tool.NameRAGSearch}
	}
	return nil
}

// IsSimpleQuery classifies greetings, thanks, meta questions, and very short
// ticker-free prompts. Simple queries take the cheap-model fast path and
// never trigger heavy tools.
func (s *ToolSelector) IsSimpleQuery(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	q = strings.Trim(q, "!.?")

	if _, ok := greetings[q]; ok {
		return true
	}
	if containsAny(q, metaCues) {
		return true
	}
	if len(strings.Fields(q)) < 4 && len(ExtractTickers(query)) == 0 && !containsAny(q, substantiveCues) {
		return true
	}
	return false
}

// Stats returns how many selections ran per method and how often ML fell
// back to the heuristic path.
func (s *ToolSelector) Stats() (ml, heuristic, fallbacks int64) {
	return s.mlCount.Load(), s.heuristicCount.Load(), s.fallbackCount.Load()
}

func (s *ToolSelector) dropHeavy(selections []Selection) []Selection {
	out := selections[:0]
	for _, sel := range selections {
		if d, ok := s.registry.Get(sel.Name); ok && d.Heavy {
			continue
		}
		out = append(out, sel)
	}
	return out
}

// heuristicSelect applies cue-word and ticker rules. Confidences are fixed
// per rule so ordering is deterministic.
func (s *ToolSelector) heuristicSelect(query string) []Selection {
	q := strings.ToLower(query)
	tickers := ExtractTickers(query)
	hasTicker := len(tickers) > 0

	add := map[string]float64{}
	bump := func(name string, conf float64) {
		if conf > add[name] {
			add[name] = conf
		}
	}

	switch {
	case hasTicker && containsAny(q, priceCues):
		bump(tool.NameStockQuote, 0.9)
	case hasTicker:
		bump(tool.NameStockQuote, 0.7)
	case containsAny(q, priceCues):
		bump(tool.NameStockQuote, 0.6)
	}

	if containsAny(q, historyCues) {
		bump(tool.NameHistoricalPrices, 0.8)
	}
	if containsAny(q, newsCues) {
		bump(tool.NameStockNews, 0.8)
	}
	if containsAny(q, webSearchCues) {
		bump(tool.NamePerplexitySearch, 0.75)
	}
	if containsAny(q, knowledgeBaseCues) {
		bump(tool.NameRAGSearch, 1.0)
	}
	if containsAny(q, predictionCues) {
		bump(tool.NamePredictPrice, 0.85)
	}

	selections := make([]Selection, 0, len(add))
	for name, conf := range add {
		if !s.registry.Has(name) {
			continue
		}
		selections = append(selections, Selection{Name: name, Confidence: conf})
	}
	return selections
}

func sortSelections(selections []Selection) {
	sort.SliceStable(selections, func(i, j int) bool {
		if selections[i].Confidence != selections[j].Confidence {
			return selections[i].Confidence > selections[j].Confidence
		}
		return selections[i].Name < selections[j].Name
	})
}

var (
	// dollarTickerPattern matches $-prefixed symbols, always accepted.
	dollarTickerPattern = regexp.MustCompile(`\$([A-Za-z]{1,5})\b`)
	// bareTickerPattern matches uppercase candidates, checked against the
	// known-symbol allowlist to keep ordinary words like "CEO" out.
	bareTickerPattern = regexp.MustCompile(`\b([A-Z]{1,5})\b`)
)

// knownTickers is the allowlist for bare uppercase candidates. $-prefixed
// symbols bypass it.
var knownTickers = map[string]struct{}{
	"AAPL": {}, "MSFT": {}, "GOOG": {}, "GOOGL": {}, "AMZN": {}, "META": {},
	"TSLA": {}, "NVDA": {}, "AMD": {}, "INTC": {}, "NFLX": {}, "DIS": {},
	"BABA": {}, "JPM": {}, "BAC": {}, "GS": {}, "V": {}, "MA": {}, "PYPL": {},
	"KO": {}, "PEP": {}, "MCD": {}, "NKE": {}, "WMT": {}, "COST": {},
	"XOM": {}, "CVX": {}, "BA": {}, "GE": {}, "F": {}, "GM": {}, "UBER": {},
	"ABNB": {}, "COIN": {}, "PLTR": {}, "SNOW": {}, "CRM": {}, "ORCL": {},
	"IBM": {}, "QCOM": {}, "AVGO": {}, "MU": {}, "TSM": {}, "SMCI": {},
	"SPY": {}, "QQQ": {}, "VOO": {}, "VTI": {}, "DIA": {}, "IWM": {},
	"BRK": {}, "UNH": {}, "JNJ": {}, "PFE": {}, "MRK": {}, "LLY": {},
	"T": {}, "VZ": {}, "TMUS": {}, "SHOP": {}, "SQ": {}, "HOOD": {},
}

// ExtractTickers returns the unique ticker symbols in the query, in order
// of first appearance, uppercased.
func ExtractTickers(query string) []string {
	seen := map[string]struct{}{}
	var out []string
	push := func(sym string) {
		sym = strings.ToUpper(sym)
		if _, dup := seen[sym]; dup {
			return
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}

	for _, m := range dollarTickerPattern.FindAllStringSubmatch(query, -1) {
		push(m[1])
	}
	for _, m := range bareTickerPattern.FindAllStringSubmatch(query, -1) {
		if _, ok := knownTickers[m[1]]; ok {
			push(m[1])
		}
	}
	return out
}

var greetings = map[string]struct{}{
	"hello": {}, "hi": {}, "hey": {}, "yo": {}, "thanks": {}, "thank you": {},
	"ok": {}, "okay": {}, "cool": {}, "great": {}, "nice": {}, "bye": {},
	"goodbye": {}, "good morning": {}, "good afternoon": {}, "good evening": {},
	"how are you": {}, "whats up": {}, "what's up": {},
}

var metaCues = []string{
	"what can you do", "who are you", "what are you", "how do you work",
	"what tools", "help me understand what you",
}

var priceCues = []string{
	"price", "quote", "trading at", "how much", "worth", "current value",
	"share price", "stock price", "cost of",
}

var historyCues = []string{
	"history", "historical", "chart", "trend", "past week", "past month",
	"past year", "last month", "last year", "performance over",
	"moving average", "52-week", "52 week", "year to date", "ytd",
}

var newsCues = []string{
	"news", "headline", "announcement", "earnings", "report", "why did",
	"what happened", "press release", "upgrade", "downgrade",
}

var webSearchCues = []string{
	"search", "look up", "find out", "latest", "analyst", "sentiment",
	"outlook", "opinion", "what are people saying", "market reaction",
}

var knowledgeBaseCues = []string{
	"knowledge base", "documentation", "docs", "playbook", "our notes",
	"internal", "according to the kb", "saved research",
}

var predictionCues = []string{
	"predict", "forecast", "will it go", "price target", "projection",
	"next week", "next month", "where will", "expect the price",
}

// substantiveCues keeps short but meaningful finance prompts out of the
// simple bucket.
var substantiveCues = []string{
	"price", "quote", "news", "forecast", "predict", "chart", "earnings",
	"stock", "market", "search",
}

func containsAny(s string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(s, cue) {
			return true
		}
	}
	return false
}
