package entity

import "time"

// ChatEventType defines the typed events emitted while a turn streams.
type ChatEventType string

const (
	EventStart       ChatEventType = "start"
	EventContent     ChatEventType = "content"
	EventToolCall    ChatEventType = "tool_call"
	EventToolsCalled ChatEventType = "tools_called"
	EventError       ChatEventType = "error"
	EventDone        ChatEventType = "done"
)

// ToolCallStatus is the lifecycle state carried on tool_call events.
type ToolCallStatus string

const (
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "error"
)

// Usage aggregates token accounting for a turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolSummary is one line of the per-round tools_called summary.
type ToolSummary struct {
	Name       string         `json:"name"`
	Status     ToolCallStatus `json:"status"`
	DurationMs int64          `json:"duration_ms"`
}

// ChatEvent is a single frame of the streaming protocol. Consumers (SSE
// writer, WebSocket handler, gRPC surface, TUI) receive a channel of these.
//
// Field population by type:
//
//	start        request_id, conversation_id
//	content      delta
//	tool_call    name, status, error?
//	tools_called round, tools
//	error        error
//	done         model, usage, cached
type ChatEvent struct {
	Type           ChatEventType  `json:"type"`
	RequestID      string         `json:"request_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Delta          string         `json:"delta,omitempty"`
	Name           string         `json:"name,omitempty"`
	Status         ToolCallStatus `json:"status,omitempty"`
	Round          int            `json:"round,omitempty"`
	Tools          []ToolSummary  `json:"tools,omitempty"`
	Error          string         `json:"error,omitempty"`
	Model          string         `json:"model,omitempty"`
	Usage          *Usage         `json:"usage,omitempty"`
	Cached         *bool          `json:"cached,omitempty"`
	Timestamp      time.Time      `json:"-"`
}

func StartEvent(requestID, conversationID string) ChatEvent {
	return ChatEvent{
		Type:           EventStart,
		RequestID:      requestID,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
	}
}

func ContentEvent(delta string) ChatEvent {
	return ChatEvent{Type: EventContent, Delta: delta, Timestamp: time.Now()}
}

func ToolCallEvent(name string, status ToolCallStatus, errMsg string) ChatEvent {
	return ChatEvent{
		Type:      EventToolCall,
		Name:      name,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
}

func ToolsCalledEvent(round int, tools []ToolSummary) ChatEvent {
	return ChatEvent{Type: EventToolsCalled, Round: round, Tools: tools, Timestamp: time.Now()}
}

func ErrorEvent(message string) ChatEvent {
	return ChatEvent{Type: EventError, Error: message, Timestamp: time.Now()}
}

func DoneEvent(model string, usage Usage, cached bool) ChatEvent {
	u := usage
	c := cached
	return ChatEvent{
		Type:      EventDone,
		Model:     model,
		Usage:     &u,
		Cached:    &c,
		Timestamp: time.Now(),
	}
}
