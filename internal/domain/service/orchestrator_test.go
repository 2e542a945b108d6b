package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/tool"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// modelTurn scripts one model round.
type modelTurn struct {
	content   string
	toolCalls []entity.ToolCallRequest
}

// scriptedModel plays back scripted rounds and records every request. It
// doubles as the resolver, like the production router does.
type scriptedModel struct {
	aliases map[string]string

	mu       sync.Mutex
	requests []*ModelRequest
	next     int

	turns    []modelTurn
	failWith error

	started     chan struct{}
	release     chan struct{}
	startedOnce sync.Once
}

func newScriptedModel(turns ...modelTurn) *scriptedModel {
	return &scriptedModel{
		aliases: map[string]string{
			"":      "deploy-default",
			"smart": "deploy-default",
			"cheap": "deploy-mini",
		},
		turns: turns,
	}
}

func (m *scriptedModel) Resolve(alias string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(alias))
	deployment, ok := m.aliases[key]
	if !ok {
		return "", apperrors.NewInvalidModel(alias)
	}
	return deployment, nil
}

func (m *scriptedModel) Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	return m.Stream(ctx, req, nil)
}

func (m *scriptedModel) Stream(ctx context.Context, req *ModelRequest, deltas chan<- StreamChunk) (*ModelResponse, error) {
	if m.started != nil {
		m.startedOnce.Do(func() { close(m.started) })
	}
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	if m.failWith != nil {
		err := m.failWith
		m.mu.Unlock()
		return nil, err
	}
	if m.next >= len(m.turns) {
		m.mu.Unlock()
		return nil, apperrors.NewModelError("model script exhausted", nil)
	}
	turn := m.turns[m.next]
	m.next++
	m.mu.Unlock()

	deployment, err := m.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	if deltas != nil && turn.content != "" {
		half := len(turn.content) / 2
		for _, piece := range []string{turn.content[:half], turn.content[half:]} {
			if piece == "" {
				continue
			}
			select {
			case deltas <- StreamChunk{DeltaText: piece}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return &ModelResponse{
		Content:      turn.content,
		ToolCalls:    turn.toolCalls,
		Model:        deployment,
		Usage:        entity.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		FinishReason: "stop",
	}, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) *ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func countingTool(name string, handler func(args map[string]interface{}) (*tool.Result, error)) (tool.Descriptor, *atomic.Int32) {
	var calls atomic.Int32
	d := tool.Descriptor{
		Name:        name,
		Description: "test tool " + name,
		Schema:      json.RawMessage(`{"type":"object","properties":{"symbol":{"type":"string"}},"additionalProperties":false}`),
		Timeout:     2 * time.Second,
		Handler: tool.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (*tool.Result, error) {
			calls.Add(1)
			return handler(args)
		}),
	}
	return d, &calls
}

type orchestratorWorld struct {
	store     *ConversationStore
	responses *ResponseCache
	simple    *ResponseCache
	inflight  *InFlightMap
	selector  *ToolSelector
}

func newTestOrchestrator(t *testing.T, model *scriptedModel, reg *tool.Registry, cfg OrchestratorConfig) (*Orchestrator, *orchestratorWorld) {
	t.Helper()
	logger := zap.NewNop()
	w := &orchestratorWorld{
		store:     NewConversationStore(6000, time.Minute, logger),
		responses: NewResponseCache(5*time.Minute, 100),
		simple:    NewResponseCache(time.Minute, 100),
		inflight:  NewInFlightMap(30*time.Second, time.Minute),
		selector:  NewToolSelector(reg, nil, SelectorConfig{}, logger),
	}
	o := NewOrchestrator(OrchestratorDeps{
		Model:     model,
		Resolver:  model,
		Tools:     reg,
		Selector:  w.selector,
		Store:     w.store,
		Responses: w.responses,
		Simple:    w.simple,
		InFlight:  w.inflight,
	}, cfg, logger)
	return o, w
}

func drainEvents(t *testing.T, events <-chan entity.ChatEvent) []entity.ChatEvent {
	t.Helper()
	var out []entity.ChatEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("timed out draining events")
		}
	}
}

func eventsOfType(events []entity.ChatEvent, typ entity.ChatEventType) []entity.ChatEvent {
	var out []entity.ChatEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func joinedDeltas(events []entity.ChatEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == entity.EventContent {
			b.WriteString(ev.Delta)
		}
	}
	return b.String()
}

func TestTurnStreamsModelAnswer(t *testing.T) {
	quote, _ := countingTool(tool.NameStockQuote, func(map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "{}"}, nil
	})
	reg, err := tool.NewRegistry(zap.NewNop(), quote)
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(modelTurn{content: "AAPL closed higher today."})
	o, w := newTestOrchestrator(t, model, reg, OrchestratorConfig{SystemPrompt: "You are a stock analyst."})

	result, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "Tell me about AAPL today please"})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	evs := drainEvents(t, events)

	if evs[0].Type != entity.EventStart {
		t.Fatalf("first event = %s, want start", evs[0].Type)
	}
	if got := joinedDeltas(evs); got != "AAPL closed higher today." {
		t.Fatalf("streamed content = %q", got)
	}
	dones := eventsOfType(evs, entity.EventDone)
	if len(dones) != 1 {
		t.Fatalf("done events = %d, want 1", len(dones))
	}
	if dones[0].Model != "deploy-default" {
		t.Fatalf("done model = %q", dones[0].Model)
	}
	if dones[0].Cached == nil || *dones[0].Cached {
		t.Fatal("fresh turn must report cached=false")
	}

	if result.Err != nil {
		t.Fatalf("result.Err = %v", result.Err)
	}
	if result.Answer != "AAPL closed higher today." {
		t.Fatalf("result.Answer = %q", result.Answer)
	}
	if result.Rounds != 1 {
		t.Fatalf("rounds = %d, want 1", result.Rounds)
	}

	window := w.store.Window(result.ConversationID)
	if len(window) != 2 || window[0].Role != entity.RoleUser || window[1].Role != entity.RoleAssistant {
		t.Fatalf("conversation window = %+v", window)
	}
	if w.responses.Len() != 1 {
		t.Fatalf("response cache entries = %d, want 1", w.responses.Len())
	}
}

func TestTurnRunsToolRoundAndFeedsResultsBack(t *testing.T) {
	var gotArgs map[string]interface{}
	quote, quoteCalls := countingTool(tool.NameStockQuote, func(args map[string]interface{}) (*tool.Result, error) {
		gotArgs = args
		return &tool.Result{Output: `{"symbol":"AAPL","price":231.1}`}, nil
	})
	reg, err := tool.NewRegistry(zap.NewNop(), quote)
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(
		modelTurn{
			content: "Let me check the quote.",
			toolCalls: []entity.ToolCallRequest{
				{ID: "tc-1", Name: tool.NameStockQuote, Arguments: map[string]interface{}{"symbol": "AAPL"}},
			},
		},
		modelTurn{content: "AAPL trades at 231.10."},
	)
	o, _ := newTestOrchestrator(t, model, reg, OrchestratorConfig{})

	result, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "What is the AAPL price right now?"})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	evs := drainEvents(t, events)

	if quoteCalls.Load() != 1 {
		t.Fatalf("tool calls = %d, want 1", quoteCalls.Load())
	}
	if gotArgs["symbol"] != "AAPL" {
		t.Fatalf("tool args = %v", gotArgs)
	}

	toolEvents := eventsOfType(evs, entity.EventToolCall)
	if len(toolEvents) != 2 {
		t.Fatalf("tool_call events = %d, want running+completed", len(toolEvents))
	}
	if toolEvents[0].Status != entity.ToolCallRunning || toolEvents[1].Status != entity.ToolCallCompleted {
		t.Fatalf("tool_call statuses = %s, %s", toolEvents[0].Status, toolEvents[1].Status)
	}
	rounds := eventsOfType(evs, entity.EventToolsCalled)
	if len(rounds) != 1 || rounds[0].Round != 1 || len(rounds[0].Tools) != 1 {
		t.Fatalf("tools_called events = %+v", rounds)
	}

	// The second model call must see the tool round in request order.
	second := model.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != entity.RoleTool || last.ToolCallID != "tc-1" {
		t.Fatalf("last message before final round = %+v", last)
	}
	if !strings.Contains(last.Content, "231.1") {
		t.Fatalf("tool result not fed back: %q", last.Content)
	}
	prev := second.Messages[len(second.Messages)-2]
	if !prev.IsToolCall() {
		t.Fatalf("assistant tool-call message missing, got %+v", prev)
	}

	if result.Answer != "AAPL trades at 231.10." {
		t.Fatalf("answer = %q", result.Answer)
	}
	if result.Rounds != 2 {
		t.Fatalf("rounds = %d, want 2", result.Rounds)
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != tool.NameStockQuote {
		t.Fatalf("tools used = %v", result.ToolsUsed)
	}
	if result.Usage.TotalTokens != 30 {
		t.Fatalf("usage total = %d, want 30 across two rounds", result.Usage.TotalTokens)
	}
}

func TestTurnForcesPlainAnswerAfterMaxRounds(t *testing.T) {
	quote, quoteCalls := countingTool(tool.NameStockQuote, func(map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "{}"}, nil
	})
	reg, err := tool.NewRegistry(zap.NewNop(), quote)
	if err != nil {
		t.Fatal(err)
	}

	call := []entity.ToolCallRequest{{ID: "tc", Name: tool.NameStockQuote, Arguments: map[string]interface{}{"symbol": "AAPL"}}}
	model := newScriptedModel(
		modelTurn{toolCalls: call},
		modelTurn{toolCalls: call},
		modelTurn{toolCalls: call},
		// The model keeps asking for tools; the loop must cut it off.
		modelTurn{content: "Best answer with what I have.", toolCalls: call},
	)
	o, _ := newTestOrchestrator(t, model, reg, OrchestratorConfig{MaxToolRounds: 3})

	result, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "What is the AAPL price right now?"})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	drainEvents(t, events)

	if model.callCount() != 4 {
		t.Fatalf("model calls = %d, want 3 tool rounds + forced final", model.callCount())
	}
	if final := model.request(3); final.Tools != nil {
		t.Fatal("forced final round must disable tools")
	}
	if quoteCalls.Load() != 3 {
		t.Fatalf("tool invocations = %d, want 3 (none on the forced round)", quoteCalls.Load())
	}
	if result.Answer != "Best answer with what I have." {
		t.Fatalf("answer = %q", result.Answer)
	}
	if result.Rounds != 4 {
		t.Fatalf("rounds = %d, want 4", result.Rounds)
	}
}

func TestRepeatQuestionServedFromCache(t *testing.T) {
	quote, _ := countingTool(tool.NameStockQuote, func(map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "{}"}, nil
	})
	reg, err := tool.NewRegistry(zap.NewNop(), quote)
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(modelTurn{content: "Fresh answer."})
	o, _ := newTestOrchestrator(t, model, reg, OrchestratorConfig{})

	prompt := "Summarize the market outlook for AAPL today"
	first, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: prompt})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	drainEvents(t, events)
	if first.Cached {
		t.Fatal("first turn must not be cached")
	}

	second, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: prompt})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	evs := drainEvents(t, events)

	if model.callCount() != 1 {
		t.Fatalf("model calls = %d, want 1 (second turn from cache)", model.callCount())
	}
	if !second.Cached || second.Answer != "Fresh answer." {
		t.Fatalf("cached result = %+v", second)
	}
	dones := eventsOfType(evs, entity.EventDone)
	if len(dones) != 1 || dones[0].Cached == nil || !*dones[0].Cached {
		t.Fatal("cached turn must tag done with cached=true")
	}
	contents := eventsOfType(evs, entity.EventContent)
	if len(contents) != 1 || contents[0].Delta != "Fresh answer." {
		t.Fatalf("cached answer events = %+v", contents)
	}
}

func TestSimpleQueryUsesCheapAliasAndSimpleCache(t *testing.T) {
	reg, err := tool.NewRegistry(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(modelTurn{content: "Hello! Ask me about any ticker."})
	o, w := newTestOrchestrator(t, model, reg, OrchestratorConfig{SimpleAlias: "cheap"})

	result, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "hello!"})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	drainEvents(t, events)

	if got := model.request(0).Model; got != "cheap" {
		t.Fatalf("model alias = %q, want cheap", got)
	}
	if result.Model != "deploy-mini" {
		t.Fatalf("served deployment = %q", result.Model)
	}
	if w.simple.Len() != 1 || w.responses.Len() != 0 {
		t.Fatalf("cache placement: simple=%d responses=%d", w.simple.Len(), w.responses.Len())
	}
}

func TestSimpleQueryKeepsClientPinnedAlias(t *testing.T) {
	reg, err := tool.NewRegistry(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(modelTurn{content: "Hi."})
	o, _ := newTestOrchestrator(t, model, reg, OrchestratorConfig{SimpleAlias: "cheap"})

	_, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "hello!", Model: "smart"})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	drainEvents(t, events)

	if got := model.request(0).Model; got != "smart" {
		t.Fatalf("model alias = %q, pinned alias must win over the cheap swap", got)
	}
}

func TestTurnValidation(t *testing.T) {
	reg, err := tool.NewRegistry(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	o, _ := newTestOrchestrator(t, newScriptedModel(), reg, OrchestratorConfig{})

	_, _, err = o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "   "})
	if !apperrors.IsKind(err, apperrors.KindInvalidRequest) {
		t.Fatalf("blank prompt error = %v", err)
	}

	_, _, err = o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "hello", Model: "gpt-nope"})
	if !apperrors.IsKind(err, apperrors.KindInvalidModel) {
		t.Fatalf("unknown alias error = %v", err)
	}
}

func TestToolFailureIsFedToModelNotFatal(t *testing.T) {
	quote, _ := countingTool(tool.NameStockQuote, func(map[string]interface{}) (*tool.Result, error) {
		return nil, apperrors.NewUpstreamUnavailable("quote feed is down")
	})
	reg, err := tool.NewRegistry(zap.NewNop(), quote)
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(
		modelTurn{toolCalls: []entity.ToolCallRequest{
			{ID: "tc-1", Name: tool.NameStockQuote, Arguments: map[string]interface{}{"symbol": "AAPL"}},
		}},
		modelTurn{content: "The quote feed is unavailable; here is what I know."},
	)
	o, _ := newTestOrchestrator(t, model, reg, OrchestratorConfig{})

	result, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "What is the AAPL price right now?"})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	evs := drainEvents(t, events)

	if result.Err != nil {
		t.Fatalf("tool failure must not fail the turn: %v", result.Err)
	}
	if len(eventsOfType(evs, entity.EventError)) != 0 {
		t.Fatal("tool failure must not emit an error event")
	}

	var failed bool
	for _, ev := range eventsOfType(evs, entity.EventToolCall) {
		if ev.Status == entity.ToolCallFailed {
			failed = true
			if ev.Error == "" {
				t.Fatal("failed tool_call event must carry the error message")
			}
		}
	}
	if !failed {
		t.Fatal("expected a failed tool_call event")
	}

	second := model.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != entity.RoleTool {
		t.Fatalf("last message = %+v, want tool role", last)
	}
	if !strings.Contains(last.Content, "UpstreamUnavailable") || !strings.Contains(last.Content, "quote feed is down") {
		t.Fatalf("classified error not surfaced to the model: %q", last.Content)
	}
}

func TestModelErrorEmitsErrorEventAndClosesStream(t *testing.T) {
	reg, err := tool.NewRegistry(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel()
	model.failWith = apperrors.NewModelError("upstream returned 500", nil)
	o, w := newTestOrchestrator(t, model, reg, OrchestratorConfig{})

	result, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "Explain the NVDA earnings report"})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	evs := drainEvents(t, events)

	if !apperrors.IsKind(result.Err, apperrors.KindModelError) {
		t.Fatalf("result.Err = %v, want ModelError", result.Err)
	}
	if len(eventsOfType(evs, entity.EventError)) != 1 {
		t.Fatalf("error events = %d, want 1", len(eventsOfType(evs, entity.EventError)))
	}
	if len(eventsOfType(evs, entity.EventDone)) != 0 {
		t.Fatal("failed turn must not emit done")
	}
	if w.responses.Len() != 0 {
		t.Fatal("failed turn must not populate the cache")
	}
	if w.inflight.Len() != 0 {
		t.Fatal("flight must be released after failure")
	}
}

func TestConcurrentIdenticalTurnsShareOneComputation(t *testing.T) {
	reg, err := tool.NewRegistry(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(modelTurn{content: "Shared answer."})
	model.release = make(chan struct{})
	o, w := newTestOrchestrator(t, model, reg, OrchestratorConfig{})

	prompt := "Summarize the market outlook for AAPL today"
	ownerResult, ownerEvents, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: prompt})
	if err != nil {
		t.Fatalf("owner turn: %v", err)
	}

	// The flight is registered synchronously, so the second caller joins
	// deterministically while the model call is still blocked.
	joinedResult, joinedEvents, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: prompt})
	if err != nil {
		t.Fatalf("joined turn: %v", err)
	}
	close(model.release)

	ownerEvs := drainEvents(t, ownerEvents)
	joinedEvs := drainEvents(t, joinedEvents)

	if model.callCount() != 1 {
		t.Fatalf("model calls = %d, want 1 shared computation", model.callCount())
	}
	if ownerResult.Answer != "Shared answer." || joinedResult.Answer != "Shared answer." {
		t.Fatalf("answers diverged: %q vs %q", ownerResult.Answer, joinedResult.Answer)
	}
	if joinedDeltas(ownerEvs) != "Shared answer." || joinedDeltas(joinedEvs) != "Shared answer." {
		t.Fatal("both callers must receive the full answer")
	}
	if _, joined := w.inflight.Stats(); joined != 1 {
		t.Fatalf("joined flights = %d, want 1", joined)
	}

	// Both conversations advance even though only one computation ran.
	for _, res := range []*TurnResult{ownerResult, joinedResult} {
		window := w.store.Window(res.ConversationID)
		if len(window) != 2 {
			t.Fatalf("conversation %s window = %d messages, want 2", res.ConversationID, len(window))
		}
	}
}

func TestToolEventsCompleteOutOfOrderButTranscriptKeepsRequestOrder(t *testing.T) {
	// The quote tool is deliberately slow so the news tool, requested second,
	// finishes first.
	slow, _ := countingTool(tool.NameStockQuote, func(map[string]interface{}) (*tool.Result, error) {
		time.Sleep(150 * time.Millisecond)
		return &tool.Result{Output: "slow output"}, nil
	})
	fast, _ := countingTool(tool.NameStockNews, func(map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "fast output"}, nil
	})
	reg, err := tool.NewRegistry(zap.NewNop(), slow, fast)
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(
		modelTurn{toolCalls: []entity.ToolCallRequest{
			{ID: "tc-slow", Name: tool.NameStockQuote, Arguments: map[string]interface{}{}},
			{ID: "tc-fast", Name: tool.NameStockNews, Arguments: map[string]interface{}{}},
		}},
		modelTurn{content: "Combined answer."},
	)
	o, _ := newTestOrchestrator(t, model, reg, OrchestratorConfig{})

	_, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "What is the AAPL price and latest news?"})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	evs := drainEvents(t, events)

	var finished []string
	for _, ev := range eventsOfType(evs, entity.EventToolCall) {
		if ev.Status == entity.ToolCallCompleted {
			finished = append(finished, ev.Name)
		}
	}
	if len(finished) != 2 || finished[0] != tool.NameStockNews || finished[1] != tool.NameStockQuote {
		t.Fatalf("completion order = %v, want news before quote", finished)
	}

	// Transcript order follows the request, not completion.
	second := model.request(1)
	n := len(second.Messages)
	if second.Messages[n-2].Name != tool.NameStockQuote || second.Messages[n-1].Name != tool.NameStockNews {
		t.Fatalf("transcript order = %s, %s; want request order", second.Messages[n-2].Name, second.Messages[n-1].Name)
	}
	if second.Messages[n-2].ToolCallID != "tc-slow" || second.Messages[n-1].ToolCallID != "tc-fast" {
		t.Fatal("tool call ids must line up with the requests")
	}
}

func TestMandatoryRAGToolOffered(t *testing.T) {
	rag, _ := countingTool(tool.NameRAGSearch, func(map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "{}"}, nil
	})
	reg, err := tool.NewRegistry(zap.NewNop(), rag)
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(modelTurn{content: "From your saved research: hold."})
	o, _ := newTestOrchestrator(t, model, reg, OrchestratorConfig{})

	_, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "What does our knowledge base say about the AAPL thesis?"})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	drainEvents(t, events)

	first := model.request(0)
	var offered bool
	for _, def := range first.Tools {
		if def.Name == tool.NameRAGSearch {
			offered = true
		}
	}
	if !offered {
		t.Fatal("knowledge-base phrasing must force rag_search into the offered tools")
	}
}

func TestLoopingModelLosesToolsEarly(t *testing.T) {
	quote, quoteCalls := countingTool(tool.NameStockQuote, func(map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "{}"}, nil
	})
	reg, err := tool.NewRegistry(zap.NewNop(), quote)
	if err != nil {
		t.Fatal(err)
	}

	// The identical call every round: the guard trips at the third repeat,
	// well before the six rounds the budget would allow.
	call := []entity.ToolCallRequest{{ID: "tc", Name: tool.NameStockQuote, Arguments: map[string]interface{}{"symbol": "AAPL"}}}
	model := newScriptedModel(
		modelTurn{toolCalls: call},
		modelTurn{toolCalls: call},
		modelTurn{toolCalls: call},
		modelTurn{content: "AAPL is at 231.10.", toolCalls: call},
	)
	o, _ := newTestOrchestrator(t, model, reg, OrchestratorConfig{MaxToolRounds: 5})

	result, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "What is the AAPL price right now?"})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	drainEvents(t, events)

	if model.callCount() != 4 {
		t.Fatalf("model calls = %d, want 4 (loop cut before the round budget)", model.callCount())
	}
	if final := model.request(3); final.Tools != nil {
		t.Fatal("round after the loop trips must disable tools")
	}
	if quoteCalls.Load() != 3 {
		t.Fatalf("tool invocations = %d, want 3", quoteCalls.Load())
	}
	if result.Answer != "AAPL is at 231.10." {
		t.Fatalf("answer = %q", result.Answer)
	}
	if result.Rounds != 4 {
		t.Fatalf("rounds = %d, want 4", result.Rounds)
	}
}

func TestReasoningBlockStrippedFromAnswer(t *testing.T) {
	reg, err := tool.NewRegistry(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(modelTurn{content: "<think>pull the chart first</think>AAPL is trending up."})
	o, w := newTestOrchestrator(t, model, reg, OrchestratorConfig{})

	result, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "Is AAPL trending up this month?"})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	evs := drainEvents(t, events)

	if result.Answer != "AAPL is trending up." {
		t.Fatalf("answer = %q, reasoning block must be stripped", result.Answer)
	}

	// Live deltas pass through untouched; only the aggregate is cleaned.
	if !strings.Contains(joinedDeltas(evs), "<think>") {
		t.Fatal("streamed deltas are not rewritten")
	}

	window := w.store.Window(result.ConversationID)
	if got := window[len(window)-1].Content; got != "AAPL is trending up." {
		t.Fatalf("stored assistant message = %q", got)
	}

	// The cache holds the cleaned answer too.
	second, events, err := o.ExecuteTurn(context.Background(), &TurnRequest{Prompt: "Is AAPL trending up this month?"})
	if err != nil {
		t.Fatalf("repeat turn: %v", err)
	}
	drainEvents(t, events)
	if !second.Cached || second.Answer != "AAPL is trending up." {
		t.Fatalf("cached replay = %+v", second)
	}
}

func TestChatDrainsStreamAndReturnsAggregate(t *testing.T) {
	reg, err := tool.NewRegistry(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(modelTurn{content: "Aggregate answer."})
	o, _ := newTestOrchestrator(t, model, reg, OrchestratorConfig{})

	result, err := o.Chat(context.Background(), &TurnRequest{Prompt: "Summarize today's market mood for MSFT"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.Answer != "Aggregate answer." || result.Model != "deploy-default" {
		t.Fatalf("result = %+v", result)
	}

	model.failWith = apperrors.NewModelError("boom", nil)
	model.next = 0
	if _, err := o.Chat(context.Background(), &TurnRequest{Prompt: "And what about NVDA earnings then?"}); !apperrors.IsKind(err, apperrors.KindModelError) {
		t.Fatalf("Chat error = %v, want ModelError", err)
	}
}
