package entity

// SearchResult is one web result flowing through the search pipeline.
// Providers create it with title/url/snippet/provider/raw; the ranker fills
// the score fields and assigns the citation id. Immutable after ranking.
type SearchResult struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Snippet     string  `json:"snippet"`
	Content     string  `json:"content,omitempty"`
	Provider    string  `json:"provider"`
	PublishedAt string  `json:"published_at,omitempty"`
	Raw         float64 `json:"raw_score"`
	BM25        float64 `json:"bm25_score"`
	Semantic    float64 `json:"semantic_score"`
	Combined    float64 `json:"combined_score"`
	CitationID  int     `json:"citation_id,omitempty"`
}

// Citation is the map entry clients resolve [n] markers against.
type Citation struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Domain  string `json:"domain"`
	Snippet string `json:"snippet"`
}

// PerplexityResponse is the finished product of the search pipeline: ranked
// results, the citation map keyed by citation id, and optionally a
// synthesized answer. When synthesis is elided (the orchestrator invokes the
// pipeline as a tool), Answer is empty and SynthesisTimeMs is zero.
type PerplexityResponse struct {
	Query           string           `json:"query"`
	Results         []SearchResult   `json:"results"`
	Citations       map[int]Citation `json:"citations"`
	Confidence      float64          `json:"confidence"`
	SearchTimeMs    int64            `json:"search_time_ms"`
	SynthesisTimeMs int64            `json:"synthesis_time_ms"`
	Answer          string           `json:"answer,omitempty"`
}
