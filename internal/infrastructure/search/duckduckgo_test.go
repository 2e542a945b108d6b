package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDuckDuckGoParsesAbstractAndTopics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("format"); got != "json" {
			t.Errorf("format param = %q", got)
		}
		if got := r.URL.Query().Get("no_html"); got != "1" {
			t.Errorf("no_html param = %q", got)
		}
		w.Write([]byte(`{
			"Heading": "Apple Inc.",
			"AbstractText": "Apple Inc. is an American technology company.",
			"AbstractURL": "https://en.wikipedia.org/wiki/Apple_Inc.",
			"RelatedTopics": [
				{"FirstURL": "https://duckduckgo.com/Tim_Cook", "Text": "Tim Cook - CEO of Apple"},
				{"FirstURL": "", "Text": "no url, skipped"},
				{"FirstURL": "https://duckduckgo.com/iPhone", "Text": "iPhone - smartphone line"}
			]
		}`))
	}))
	defer srv.Close()

	c := NewDuckDuckGoClient(srv.URL, testGuard("ddg"))
	results, err := c.Search(context.Background(), "apple", 8)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3 (abstract + 2 topics)", len(results))
	}
	if results[0].Title != "Apple Inc." || results[0].URL != "https://en.wikipedia.org/wiki/Apple_Inc." {
		t.Errorf("abstract result = %+v", results[0])
	}
	if results[0].Provider != ProviderDDG {
		t.Errorf("provider = %q", results[0].Provider)
	}
	if results[1].URL != "https://duckduckgo.com/Tim_Cook" {
		t.Errorf("first topic url = %q", results[1].URL)
	}
	if results[0].Raw <= results[2].Raw {
		t.Errorf("raw should decay: %v vs %v", results[0].Raw, results[2].Raw)
	}
}

func TestDuckDuckGoEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Heading": "", "AbstractText": "", "RelatedTopics": []}`))
	}))
	defer srv.Close()

	c := NewDuckDuckGoClient(srv.URL, testGuard("ddg-empty"))
	results, err := c.Search(context.Background(), "gibberish", 8)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0", len(results))
	}
}
