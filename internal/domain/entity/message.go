package entity

import "encoding/json"

// Role identifies who produced a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRequest is a tool invocation emitted by the model. Immutable once
// emitted: the id links the later tool-role result message back to it.
type ToolCallRequest struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ChatMessage is one entry in a conversation transcript.
//
// Assistant messages may carry ToolCalls; tool messages carry the
// ToolCallID they answer plus the tool name. The token estimate is memoized
// on the message and invalidated when content changes, so repeated window
// computations do not rescan content.
type ChatMessage struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`

	tokens int
}

func NewSystemMessage(content string) *ChatMessage {
	return &ChatMessage{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) *ChatMessage {
	return &ChatMessage{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string, toolCalls []ToolCallRequest) *ChatMessage {
	return &ChatMessage{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

func NewToolMessage(toolCallID, toolName, content string) *ChatMessage {
	return &ChatMessage{Role: RoleTool, Content: content, ToolCallID: toolCallID, Name: toolName}
}

// SetContent replaces the content and drops the memoized token count.
func (m *ChatMessage) SetContent(content string) {
	m.Content = content
	m.tokens = 0
}

// TokenEstimate returns the approximate token cost of the message.
// The estimate uses the ~3 chars/token heuristic plus per-message framing
// overhead; tool-call arguments count via their serialized length.
func (m *ChatMessage) TokenEstimate() int {
	if m.tokens > 0 {
		return m.tokens
	}
	n := len(m.Content)/3 + 4
	for _, tc := range m.ToolCalls {
		argLen := len(tc.Name)
		if tc.Arguments != nil {
			if raw, err := json.Marshal(tc.Arguments); err == nil {
				argLen += len(raw)
			}
		}
		n += argLen/3 + 8
	}
	m.tokens = n
	return n
}

// IsToolCall reports whether the assistant message requested tool calls.
func (m *ChatMessage) IsToolCall() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Clone returns a deep copy. The token memo carries over since content is
// identical.
func (m *ChatMessage) Clone() *ChatMessage {
	cp := *m
	if m.ToolCalls != nil {
		cp.ToolCalls = make([]ToolCallRequest, len(m.ToolCalls))
		copy(cp.ToolCalls, m.ToolCalls)
	}
	return &cp
}
