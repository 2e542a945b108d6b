package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
)

func sseFrame(ev entity.ChatEvent) string {
	data, _ := json.Marshal(ev)
	return "data: " + string(data) + "\n\n"
}

func collectEvents(t *testing.T, events <-chan entity.ChatEvent) []entity.ChatEvent {
	t.Helper()
	var got []entity.ChatEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out with %d events", len(got))
		}
	}
}

func TestClientStreamDeliversEvents(t *testing.T) {
	var gotReq streamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/stream" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, sseFrame(entity.StartEvent("req-1", "conv-7")))
		fmt.Fprint(w, sseFrame(entity.ContentEvent("NVDA is ")))
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, sseFrame(entity.ContentEvent("up 3%.")))
		fmt.Fprint(w, sseFrame(entity.DoneEvent("gpt-4o", entity.Usage{TotalTokens: 30}, false)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "gpt-4o", "be brief")
	events, err := c.Stream(context.Background(), "how is NVDA?")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	got := collectEvents(t, events)
	wantTypes := []entity.ChatEventType{entity.EventStart, entity.EventContent, entity.EventContent, entity.EventDone}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(got), len(wantTypes))
	}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Errorf("event %d type = %q, want %q", i, got[i].Type, want)
		}
	}
	if got[1].Delta+got[2].Delta != "NVDA is up 3%." {
		t.Errorf("content = %q", got[1].Delta+got[2].Delta)
	}

	if gotReq.Prompt != "how is NVDA?" {
		t.Errorf("request prompt = %q", gotReq.Prompt)
	}
	if gotReq.Deployment != "gpt-4o" || gotReq.SystemPrompt != "be brief" {
		t.Errorf("request carried deployment=%q system=%q", gotReq.Deployment, gotReq.SystemPrompt)
	}
	if gotReq.ConversationID != "" {
		t.Errorf("first turn sent conversation_id %q", gotReq.ConversationID)
	}
}

func TestClientStreamReusesConversation(t *testing.T) {
	var gotConv string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req streamRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotConv = req.ConversationID
		fmt.Fprint(w, sseFrame(entity.DoneEvent("gpt-4o", entity.Usage{}, false)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	c.SetConversation("conv-7")

	events, err := c.Stream(context.Background(), "and AMD?")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collectEvents(t, events)

	if gotConv != "conv-7" {
		t.Errorf("conversation_id = %q, want conv-7", gotConv)
	}
}

func TestClientStreamSurfacesGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"too many concurrent requests"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	if _, err := c.Stream(context.Background(), "hi"); err == nil {
		t.Fatal("want error for 429 response")
	} else if err.Error() != "too many concurrent requests" {
		t.Errorf("err = %q", err)
	}
}

func TestClientStreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, "", "")
	_, err := c.Stream(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "gateway unreachable") {
		t.Errorf("err = %v", err)
	}
}

func TestClientClear(t *testing.T) {
	var calls int32
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/chat/clear" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")

	// Nothing to clear yet, so no request goes out.
	if err := c.Clear(context.Background()); err != nil {
		t.Fatalf("Clear before any turn: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("empty clear hit the server %d times", n)
	}

	c.SetConversation("conv-3")
	if err := c.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if gotBody["conversation_id"] != "conv-3" {
		t.Errorf("body = %v", gotBody)
	}
	if c.Conversation() != "" {
		t.Errorf("conversation survived clear: %q", c.Conversation())
	}
}

func TestClientClearUnknownConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	c.SetConversation("conv-gone")
	if err := c.Clear(context.Background()); err != nil {
		t.Fatalf("Clear on 404: %v", err)
	}
	if c.Conversation() != "" {
		t.Error("404 should still drop the local id")
	}
}

func TestClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := down.URL
	down.Close()

	c = NewClient(url, "", "")
	if err := c.Health(context.Background()); err == nil || !strings.Contains(err.Error(), "gateway unreachable") {
		t.Errorf("err = %v", err)
	}
}
