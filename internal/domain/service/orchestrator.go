package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/tool"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// OrchestratorConfig tunes the tool-calling loop.
type OrchestratorConfig struct {
	MaxToolRounds    int           // tool rounds before the forced non-tool completion (default 3)
	MaxParallelTools int           // concurrent tool dispatches per round (default 4)
	ModelTimeout     time.Duration // per model call (default 2m)
	MaxTokens        int           // completion budget passed to the model (0 = provider default)
	Temperature      float64
	SystemPrompt     string
	SimpleAlias      string // cheaper alias swapped in for simple queries when the client didn't pin one
}

// OrchestratorDeps collects the collaborators a turn runs against.
type OrchestratorDeps struct {
	Model     ModelClient
	Resolver  ModelResolver
	Tools     *tool.Registry
	Selector  *ToolSelector
	Store     *ConversationStore
	Responses *ResponseCache
	Simple    *ResponseCache
	InFlight  *InFlightMap
	Metrics   TurnMetrics
	Audit     TurnAuditor
}

// Orchestrator runs one user turn end to end: cache and dedup lookups, tool
// selection, the bounded tool-calling loop against the model, and the final
// cache write. Events stream out on a bounded channel; a slow consumer
// back-pressures the loop rather than growing a queue.
type Orchestrator struct {
	model     ModelClient
	resolver  ModelResolver
	registry  *tool.Registry
	selector  *ToolSelector
	store     *ConversationStore
	responses *ResponseCache
	simple    *ResponseCache
	inflight  *InFlightMap
	metrics   TurnMetrics
	audit     TurnAuditor
	logger    *zap.Logger
	cfg       OrchestratorConfig
}

// NewOrchestrator wires the turn loop. Zero config fields get production
// defaults.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 3
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = 4
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 2 * time.Minute
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopTurnMetrics{}
	}
	audit := deps.Audit
	if audit == nil {
		audit = nopTurnAuditor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		model:     deps.Model,
		resolver:  deps.Resolver,
		registry:  deps.Tools,
		selector:  deps.Selector,
		store:     deps.Store,
		responses: deps.Responses,
		simple:    deps.Simple,
		inflight:  deps.InFlight,
		metrics:   metrics,
		audit:     audit,
		logger:    logger.With(zap.String("component", "orchestrator")),
		cfg:       cfg,
	}
}

// TurnRequest is one user turn. Model optionally pins a friendly alias;
// leaving it empty selects the configured default and lets simple queries
// ride the cheaper alias. UserID is whatever caller identity the surface
// has (client id header, chat user id); it flows to the usage log only.
// SystemPrompt replaces the configured prompt for this turn when set.
type TurnRequest struct {
	RequestID      string
	ConversationID string
	UserID         string
	Prompt         string
	Model          string
	SystemPrompt   string
}

// TurnResult aggregates a finished turn. It is complete only after the event
// channel from ExecuteTurn has closed; Err carries the classified failure
// when the turn ended on an error event.
type TurnResult struct {
	RequestID      string
	ConversationID string
	Answer         string
	Model          string
	Usage          entity.Usage
	Cached         bool
	Rounds         int
	ToolsUsed      []string
	Err            error
}

// ExecuteTurn validates the request and starts the turn, returning the event
// stream. The result struct is filled by the time the channel closes.
// Synchronous errors (blank prompt, unknown alias) mean no turn started and
// no events will arrive.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, req *TurnRequest) (*TurnResult, <-chan entity.ChatEvent, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, nil, apperrors.NewInvalidRequest("message must not be empty")
	}

	// Reject an unknown pin before any work starts.
	deployment, err := o.resolver.Resolve(req.Model)
	if err != nil {
		return nil, nil, err
	}

	alias := req.Model
	pinned := strings.TrimSpace(req.Model) != ""
	simple := o.selector.IsSimpleQuery(prompt)
	if simple && !pinned && o.cfg.SimpleAlias != "" {
		if d, serr := o.resolver.Resolve(o.cfg.SimpleAlias); serr == nil {
			alias, deployment = o.cfg.SimpleAlias, d
		} else {
			o.logger.Warn("Simple-query alias does not resolve, keeping default",
				zap.String("alias", o.cfg.SimpleAlias),
				zap.Error(serr),
			)
		}
	}

	result := &TurnResult{
		RequestID:      req.RequestID,
		ConversationID: req.ConversationID,
	}
	if result.RequestID == "" {
		result.RequestID = uuid.NewString()
	}
	if result.ConversationID == "" {
		result.ConversationID = uuid.NewString()
	}

	systemPrompt := o.cfg.SystemPrompt
	if strings.TrimSpace(req.SystemPrompt) != "" {
		systemPrompt = req.SystemPrompt
	}

	o.metrics.TurnStarted()
	events := make(chan entity.ChatEvent, 64)

	// The fingerprint sees the window as it stood before this turn's user
	// message, so a repeat of the same question in the same context hits.
	key := Fingerprint(prompt, deployment, systemPrompt, o.store.Window(result.ConversationID))

	cache := o.responses
	if simple {
		cache = o.simple
	}
	t := &turn{
		requestID:    result.RequestID,
		convID:       result.ConversationID,
		userID:       req.UserID,
		prompt:       prompt,
		alias:        alias,
		simple:       simple,
		key:          key,
		cache:        cache,
		systemPrompt: systemPrompt,
	}

	if hit, ok := cache.Get(key); ok {
		o.metrics.CacheHit(simple)
		go o.serveCached(ctx, events, result, t, hit)
		return result, events, nil
	}
	o.metrics.CacheMiss(simple)

	flight, owned := o.inflight.Begin(ctx, key)
	if !owned {
		o.metrics.FlightJoined()
		go o.serveJoined(ctx, events, result, t, flight)
		return result, events, nil
	}

	go o.serveOwned(ctx, events, result, t, flight)
	return result, events, nil
}

// Chat runs a turn to completion and returns the aggregate. Surfaces that
// don't stream (plain REST, gRPC unary, Telegram) use this.
func (o *Orchestrator) Chat(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	result, events, err := o.ExecuteTurn(ctx, req)
	if err != nil {
		return nil, err
	}
	for range events {
	}
	if result.Err != nil {
		return nil, result.Err
	}
	return result, nil
}

// turn is the working state of one computation.
type turn struct {
	requestID    string
	convID       string
	userID       string
	prompt       string
	alias        string
	simple       bool
	key          string
	cache        *ResponseCache
	systemPrompt string

	usage     entity.Usage
	toolsUsed []string
	rounds    int
}

// serveCached replays a cache hit as a single content event.
func (o *Orchestrator) serveCached(ctx context.Context, events chan<- entity.ChatEvent, result *TurnResult, t *turn, hit CachedResponse) {
	defer close(events)
	started := time.Now()

	o.emit(ctx, events, entity.StartEvent(result.RequestID, result.ConversationID))
	o.emit(ctx, events, entity.ContentEvent(hit.Answer))

	// The transcript still advances: the user asked, the assistant answered,
	// regardless of where the answer came from.
	o.store.Append(t.convID,
		entity.NewUserMessage(t.prompt),
		entity.NewAssistantMessage(hit.Answer, nil),
	)
	o.audit.Record(
		TurnRow{UserID: t.userID, ConversationID: t.convID, Role: entity.RoleUser},
		TurnRow{UserID: t.userID, ConversationID: t.convID, Role: entity.RoleAssistant, Model: hit.Model},
	)

	result.Answer = hit.Answer
	result.Model = hit.Model
	result.Cached = true
	o.emit(ctx, events, entity.DoneEvent(hit.Model, entity.Usage{}, true))
	o.metrics.TurnFinished("cached", time.Since(started))
}

// serveJoined waits on another caller's identical in-flight turn and replays
// its outcome. The subscriber's cancellation abandons only this wait; the
// shared computation keeps running for whoever remains.
func (o *Orchestrator) serveJoined(ctx context.Context, events chan<- entity.ChatEvent, result *TurnResult, t *turn, flight *Flight) {
	defer close(events)
	started := time.Now()

	sub := flight.Subscribe(ctx)
	o.emit(ctx, events, entity.StartEvent(result.RequestID, result.ConversationID))

	select {
	case res := <-sub:
		if res.Err != nil {
			result.Err = res.Err
			o.emit(ctx, events, entity.ErrorEvent(apperrors.SafeMessage(res.Err)))
			o.metrics.TurnFinished("error", time.Since(started))
			return
		}
		o.store.Append(t.convID,
			entity.NewUserMessage(t.prompt),
			entity.NewAssistantMessage(res.Answer, nil),
		)
		o.audit.Record(
			TurnRow{UserID: t.userID, ConversationID: t.convID, Role: entity.RoleUser},
			TurnRow{UserID: t.userID, ConversationID: t.convID, Role: entity.RoleAssistant, Model: res.Model},
		)
		result.Answer = res.Answer
		result.Model = res.Model
		o.emit(ctx, events, entity.ContentEvent(res.Answer))
		o.emit(ctx, events, entity.DoneEvent(res.Model, entity.Usage{}, false))
		o.metrics.TurnFinished("joined", time.Since(started))
	case <-ctx.Done():
		result.Err = apperrors.Wrap(apperrors.KindTimeout, "request ended before the shared turn finished", ctx.Err())
		o.metrics.TurnFinished("error", time.Since(started))
	}
}

// serveOwned runs the computation this caller owns. The loop runs under the
// flight's context, which outlives the caller while subscribers remain, so a
// disconnecting originator hands the turn to whoever joined it.
func (o *Orchestrator) serveOwned(ctx context.Context, events chan<- entity.ChatEvent, result *TurnResult, t *turn, flight *Flight) {
	defer close(events)
	started := time.Now()

	var res FlightResult
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Turn panicked",
				zap.String("request_id", t.requestID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			res = FlightResult{Err: apperrors.NewInternal(fmt.Sprintf("turn panicked: %v", r), nil)}
			result.Err = res.Err
			o.emit(ctx, events, entity.ErrorEvent(apperrors.SafeMessage(res.Err)))
		}
		flight.Complete(res)
		outcome := "ok"
		if res.Err != nil {
			outcome = "error"
		}
		o.metrics.TurnFinished(outcome, time.Since(started))
	}()

	runCtx := flight.Context()
	o.emit(ctx, events, entity.StartEvent(t.requestID, t.convID))
	o.store.Append(t.convID, entity.NewUserMessage(t.prompt))
	o.audit.Record(TurnRow{UserID: t.userID, ConversationID: t.convID, Role: entity.RoleUser})

	sel := o.selector.Select(runCtx, t.prompt)
	names := make([]string, 0, len(sel.Tools)+2)
	for _, s := range sel.Tools {
		names = append(names, s.Name)
	}
	for _, m := range o.selector.MandatoryTools(t.prompt) {
		if !containsName(names, m) {
			names = append(names, m)
		}
	}
	o.metrics.Selection(sel.Method, len(names))

	toolDefs := o.registry.Describe(names)
	if len(toolDefs) == 0 {
		toolDefs = nil
	}
	o.logger.Debug("Turn begins",
		zap.String("request_id", t.requestID),
		zap.String("conversation_id", t.convID),
		zap.String("alias", t.alias),
		zap.Bool("simple", t.simple),
		zap.String("selection", sel.Method),
		zap.Int("tools", len(toolDefs)),
	)

	answer, served, err := o.runRounds(runCtx, ctx, events, t, toolDefs)
	if err != nil {
		res = FlightResult{Err: err}
		result.Err = err
		result.Rounds = t.rounds
		o.emit(ctx, events, entity.ErrorEvent(apperrors.SafeMessage(err)))
		return
	}

	t.cache.Put(t.key, CachedResponse{Answer: answer, Model: served})
	res = FlightResult{Answer: answer, Model: served}

	result.Answer = answer
	result.Model = served
	result.Usage = t.usage
	result.Rounds = t.rounds
	result.ToolsUsed = t.toolsUsed
	o.emit(ctx, events, entity.DoneEvent(served, t.usage, false))
}

// runRounds drives the bounded tool-calling loop. Each round streams one
// model call; tool-call rounds dispatch concurrently and append their
// transcript in request order, and the round after MaxToolRounds runs with
// tools disabled so the user always gets an answer. A model that keeps
// re-issuing the identical call trips the loop guard and loses its tools
// before the budget runs out.
func (o *Orchestrator) runRounds(runCtx, callerCtx context.Context, events chan<- entity.ChatEvent, t *turn, toolDefs []tool.Definition) (string, string, error) {
	var served string
	guard := newLoopGuard(loopWindow, loopThreshold)
	looping := false
	for round := 1; round <= o.cfg.MaxToolRounds+1; round++ {
		t.rounds = round

		roundTools := toolDefs
		if round > o.cfg.MaxToolRounds || looping {
			roundTools = nil
		}

		resp, err := o.streamModel(runCtx, callerCtx, events, &ModelRequest{
			Model:       t.alias,
			Messages:    o.composeMessages(t.convID, t.systemPrompt),
			Tools:       roundTools,
			MaxTokens:   o.cfg.MaxTokens,
			Temperature: o.cfg.Temperature,
		})
		if err != nil {
			return "", "", err
		}
		t.usage.PromptTokens += resp.Usage.PromptTokens
		t.usage.CompletionTokens += resp.Usage.CompletionTokens
		t.usage.TotalTokens += resp.Usage.TotalTokens
		served = resp.Model

		// Tool calls emitted against a tools-disabled round are dropped, not
		// dispatched: the model was told the loop is over.
		if len(resp.ToolCalls) == 0 || roundTools == nil {
			answer := StripReasoning(resp.Content)
			o.store.Append(t.convID, entity.NewAssistantMessage(answer, nil))
			o.audit.Record(TurnRow{
				UserID:         t.userID,
				ConversationID: t.convID,
				Role:           entity.RoleAssistant,
				Tokens:         t.usage.TotalTokens,
				Model:          served,
			})
			return answer, served, nil
		}

		for _, call := range resp.ToolCalls {
			if guard.record(call.Name, call.Arguments) && !looping {
				looping = true
				o.logger.Warn("Model repeats the same tool call, closing the loop",
					zap.String("request_id", t.requestID),
					zap.String("tool", call.Name),
					zap.Int("round", round),
				)
			}
		}

		outcomes := o.dispatchTools(runCtx, callerCtx, events, resp.ToolCalls)

		appended := make([]*entity.ChatMessage, 0, len(outcomes)+1)
		appended = append(appended, entity.NewAssistantMessage(resp.Content, resp.ToolCalls))
		summaries := make([]entity.ToolSummary, 0, len(outcomes))
		rows := make([]TurnRow, 0, len(outcomes))
		for _, out := range outcomes {
			appended = append(appended, entity.NewToolMessage(out.call.ID, out.call.Name, out.content))
			summaries = append(summaries, entity.ToolSummary{
				Name:       out.call.Name,
				Status:     out.status,
				DurationMs: out.elapsed.Milliseconds(),
			})
			rows = append(rows, TurnRow{
				UserID:         t.userID,
				ConversationID: t.convID,
				Role:           entity.RoleTool,
				ToolName:       out.call.Name,
			})
			if !containsName(t.toolsUsed, out.call.Name) {
				t.toolsUsed = append(t.toolsUsed, out.call.Name)
			}
		}
		o.store.Append(t.convID, appended...)
		o.audit.Record(rows...)
		o.emit(callerCtx, events, entity.ToolsCalledEvent(round, summaries))
	}
	return "", "", apperrors.NewInternal("tool loop ended without an answer", nil)
}

// streamModel runs one streamed model call, forwarding text deltas to the
// event channel as they arrive. The aggregate response carries the full
// content and any tool-call requests.
func (o *Orchestrator) streamModel(runCtx, callerCtx context.Context, events chan<- entity.ChatEvent, req *ModelRequest) (*ModelResponse, error) {
	callCtx, cancel := context.WithTimeout(runCtx, o.cfg.ModelTimeout)
	defer cancel()

	deltas := make(chan StreamChunk, 128)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for chunk := range deltas {
			if chunk.DeltaText == "" {
				continue
			}
			o.emit(callerCtx, events, entity.ContentEvent(chunk.DeltaText))
		}
	}()

	start := time.Now()
	resp, err := o.model.Stream(callCtx, req, deltas)
	close(deltas)
	<-forwarded
	o.metrics.ModelCall(time.Since(start))
	return resp, err
}

// toolOutcome is one dispatched call's contribution to the next round.
type toolOutcome struct {
	call    entity.ToolCallRequest
	content string
	status  entity.ToolCallStatus
	elapsed time.Duration
}

// dispatchTools runs the round's tool calls concurrently under a semaphore.
// Events fire in completion order as each call starts and finishes; the
// returned slice is in request order so the transcript stays deterministic.
// Failures never abort the round: the model sees the classified error as a
// tool result and may recover.
func (o *Orchestrator) dispatchTools(runCtx, callerCtx context.Context, events chan<- entity.ChatEvent, calls []entity.ToolCallRequest) []toolOutcome {
	outcomes := make([]toolOutcome, len(calls))
	sem := make(chan struct{}, o.cfg.MaxParallelTools)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call entity.ToolCallRequest) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				outcomes[idx] = toolOutcome{
					call:    call,
					content: "tool error (Timeout): turn ended before the call started",
					status:  entity.ToolCallFailed,
				}
				return
			}

			o.emit(callerCtx, events, entity.ToolCallEvent(call.Name, entity.ToolCallRunning, ""))

			start := time.Now()
			res, err := o.registry.Invoke(runCtx, call.Name, call.Arguments)
			elapsed := time.Since(start)

			if err != nil {
				safe := apperrors.SafeMessage(err)
				outcomes[idx] = toolOutcome{
					call:    call,
					content: fmt.Sprintf("tool error (%s): %s", apperrors.KindOf(err), safe),
					status:  entity.ToolCallFailed,
					elapsed: elapsed,
				}
				o.logger.Warn("Tool call failed",
					zap.String("tool", call.Name),
					zap.Duration("elapsed", elapsed),
					zap.Error(err),
				)
				o.emit(callerCtx, events, entity.ToolCallEvent(call.Name, entity.ToolCallFailed, safe))
				o.metrics.ToolCall(call.Name, "error", elapsed)
				return
			}

			outcomes[idx] = toolOutcome{
				call:    call,
				content: res.Output,
				status:  entity.ToolCallCompleted,
				elapsed: elapsed,
			}
			o.emit(callerCtx, events, entity.ToolCallEvent(call.Name, entity.ToolCallCompleted, ""))
			o.metrics.ToolCall(call.Name, "ok", elapsed)
		}(i, call)
	}

	wg.Wait()
	return outcomes
}

// composeMessages builds the model transcript: the system prompt plus the
// conversation window as the store currently holds it. Re-reading the window
// every round picks up the truncation applied after large tool outputs.
func (o *Orchestrator) composeMessages(convID, systemPrompt string) []*entity.ChatMessage {
	window := o.store.Window(convID)
	msgs := make([]*entity.ChatMessage, 0, len(window)+1)
	if systemPrompt != "" {
		msgs = append(msgs, entity.NewSystemMessage(systemPrompt))
	}
	return append(msgs, window...)
}

// emit delivers ev unless the consumer is gone. Blocking here is the
// back-pressure contract: the loop slows to the consumer's pace instead of
// buffering unboundedly.
func (o *Orchestrator) emit(ctx context.Context, events chan<- entity.ChatEvent, ev entity.ChatEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
