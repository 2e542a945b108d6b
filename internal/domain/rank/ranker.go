package rank

import (
	"context"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
)

// Combined-score weights. Lexical and semantic carry the ranking; raw
// provider order and domain quality nudge it.
const (
	weightBM25     = 0.4
	weightSemantic = 0.4
	weightRaw      = 0.1
	weightQuality  = 0.1
)

// Embedder provides batch embeddings for semantic scoring.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// TrustTable scores domains: trusted 1.0, denied 0, everything else the
// default. Matching is by host suffix so "finance.yahoo.com" matches a
// "yahoo.com" entry.
type TrustTable struct {
	trusted map[string]struct{}
	denied  map[string]struct{}
	def     float64
}

// NewTrustTable normalizes the domain lists into a lookup table.
func NewTrustTable(trusted, denied []string, def float64) *TrustTable {
	t := &TrustTable{
		trusted: make(map[string]struct{}, len(trusted)),
		denied:  make(map[string]struct{}, len(denied)),
		def:     def,
	}
	for _, d := range trusted {
		t.trusted[normalizeDomain(d)] = struct{}{}
	}
	for _, d := range denied {
		t.denied[normalizeDomain(d)] = struct{}{}
	}
	return t
}

// Factor returns the trust factor for a host. Deny wins over trust.
func (t *TrustTable) Factor(host string) float64 {
	host = normalizeDomain(host)
	for h := host; h != ""; h = parentDomain(h) {
		if _, ok := t.denied[h]; ok {
			return 0
		}
	}
	for h := host; h != ""; h = parentDomain(h) {
		if _, ok := t.trusted[h]; ok {
			return 1.0
		}
	}
	return t.def
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	return strings.TrimPrefix(d, "www.")
}

func parentDomain(d string) string {
	i := strings.Index(d, ".")
	if i < 0 {
		return ""
	}
	return d[i+1:]
}

// Options tunes one ranking pass.
type Options struct {
	// TopW bounds how many BM25 leaders receive semantic scoring.
	TopW int
	// EmbedBudget caps wall clock spent on the batch embedding call.
	EmbedBudget time.Duration
}

// Ranker orders search results by combined lexical, semantic, raw, and
// domain-quality signals. The trust table swaps atomically on config reload.
type Ranker struct {
	embedder  Embedder // nil disables semantic scoring
	preferred string   // provider winning rank ties
	logger    *zap.Logger

	trust atomic.Pointer[TrustTable]
}

// NewRanker builds a ranker. preferredProvider breaks score ties (the
// primary search provider's results win).
func NewRanker(embedder Embedder, trust *TrustTable, preferredProvider string, logger *zap.Logger) *Ranker {
	r := &Ranker{
		embedder:  embedder,
		preferred: preferredProvider,
		logger:    logger,
	}
	if trust == nil {
		trust = NewTrustTable(nil, nil, 0.5)
	}
	r.trust.Store(trust)
	return r
}

// SetTrustTable swaps the domain trust table. Safe during concurrent Rank
// calls; in-progress rankings keep the table they started with.
func (r *Ranker) SetTrustTable(t *TrustTable) {
	if t != nil {
		r.trust.Store(t)
	}
}

// Rank scores and orders results, assigning citation ids 1…N in final rank
// order. The input slice is not modified.
func (r *Ranker) Rank(ctx context.Context, query string, results []entity.SearchResult, opts Options) []entity.SearchResult {
	if len(results) == 0 {
		return nil
	}
	out := make([]entity.SearchResult, len(results))
	copy(out, results)

	queryTokens := Tokenize(query)
	docs := make([][]string, len(out))
	for i, res := range out {
		docs[i] = Tokenize(res.Title + " " + res.Snippet + " " + res.Content)
	}

	idx := newBM25(docs)
	for i := range out {
		out[i].BM25 = idx.Score(queryTokens, i)
	}

	r.scoreSemantic(ctx, query, out, opts)

	bmNorm := minMaxNormalize(scoresOf(out, func(s entity.SearchResult) float64 { return s.BM25 }))
	semNorm := minMaxNormalize(scoresOf(out, func(s entity.SearchResult) float64 { return s.Semantic }))

	trust := r.trust.Load()
	for i := range out {
		quality := trust.Factor(domainOf(out[i].URL))
		base := weightBM25*bmNorm[i] +
			weightSemantic*semNorm[i] +
			weightRaw*out[i].Raw +
			weightQuality*quality
		out[i].Combined = base * quality
	}

	r.sortRanked(out)
	for i := range out {
		out[i].CitationID = i + 1
	}
	return out
}

// scoreSemantic embeds the query plus the top-W BM25 candidates in one batch
// and fills their cosine similarity. Any failure leaves semantic scores at
// zero; ranking proceeds on the lexical signal.
func (r *Ranker) scoreSemantic(ctx context.Context, query string, results []entity.SearchResult, opts Options) {
	if r.embedder == nil || opts.TopW <= 0 {
		return
	}

	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return results[order[a]].BM25 > results[order[b]].BM25
	})
	if len(order) > opts.TopW {
		order = order[:opts.TopW]
	}

	if opts.EmbedBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.EmbedBudget)
		defer cancel()
	}

	texts := make([]string, 0, len(order)+1)
	texts = append(texts, query)
	for _, i := range order {
		doc := results[i].Title + " " + results[i].Snippet
		if results[i].Content != "" {
			doc += " " + truncateText(results[i].Content, 1000)
		}
		texts = append(texts, doc)
	}

	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		r.logger.Warn("Semantic scoring skipped",
			zap.Int("candidates", len(order)),
			zap.Error(err),
		)
		return
	}

	queryVec := vecs[0]
	for pos, i := range order {
		results[i].Semantic = cosine32(queryVec, vecs[pos+1])
	}
}

func (r *Ranker) sortRanked(results []entity.SearchResult) {
	const eps = 1e-9
	sort.SliceStable(results, func(a, b int) bool {
		ra, rb := results[a], results[b]
		if diff := ra.Combined - rb.Combined; diff > eps || diff < -eps {
			return diff > 0
		}
		if ra.Raw != rb.Raw {
			return ra.Raw > rb.Raw
		}
		if pa, pb := ra.Provider == r.preferred, rb.Provider == r.preferred; pa != pb {
			return pa
		}
		return len(ra.URL) < len(rb.URL)
	})
}

func scoresOf(results []entity.SearchResult, get func(entity.SearchResult) float64) []float64 {
	out := make([]float64, len(results))
	for i, r := range results {
		out[i] = get(r)
	}
	return out
}

// minMaxNormalize maps scores to [0,1]. A flat nonzero set maps to 1 (all
// equally good); a flat zero set stays 0.
func minMaxNormalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	switch {
	case hi > lo:
		for i, s := range scores {
			out[i] = (s - lo) / (hi - lo)
		}
	case hi > 0:
		for i := range scores {
			out[i] = 1
		}
	}
	return out
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
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

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return normalizeDomain(u.Hostname())
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
