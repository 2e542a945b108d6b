package rank

import "math"

// BM25 constants, the standard Robertson parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Index scores documents against a query over one small corpus: the
// result set of a single search. Built per ranking call, never shared.
type bm25Index struct {
	docs   [][]string
	freqs  []map[string]int
	df     map[string]int
	avgLen float64
}

func newBM25(docs [][]string) *bm25Index {
	idx := &bm25Index{
		docs:  docs,
		freqs: make([]map[string]int, len(docs)),
		df:    make(map[string]int),
	}

	totalLen := 0
	for i, doc := range docs {
		freq := make(map[string]int, len(doc))
		for _, tok := range doc {
			freq[tok]++
		}
		idx.freqs[i] = freq
		for tok := range freq {
			idx.df[tok]++
		}
		totalLen += len(doc)
	}
	if len(docs) > 0 {
		idx.avgLen = float64(totalLen) / float64(len(docs))
	}
	return idx
}

// Score computes BM25 for one document against the query tokens.
func (idx *bm25Index) Score(query []string, doc int) float64 {
	if doc < 0 || doc >= len(idx.docs) || idx.avgLen == 0 {
		return 0
	}
	n := float64(len(idx.docs))
	docLen := float64(len(idx.docs[doc]))
	freq := idx.freqs[doc]

	var score float64
	for _, tok := range query {
		tf := float64(freq[tok])
		if tf == 0 {
			continue
		}
		df := float64(idx.df[tok])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*docLen/idx.avgLen))
		score += idf * norm
	}
	return score
}
