package service

import (
	"context"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/tool"
)

// ModelRequest is one call to the language model. Model is a friendly alias
// resolved by the routing layer; Tools nil means tool calling is disabled
// for this round.
type ModelRequest struct {
	Model       string
	Messages    []*entity.ChatMessage
	Tools       []tool.Definition
	MaxTokens   int
	Temperature float64
}

// ModelResponse is the aggregated outcome of a model call: the full content,
// any tool-call requests the model emitted, and usage accounting. Model names
// the concrete deployment that served the call.
type ModelResponse struct {
	Content      string
	ToolCalls    []entity.ToolCallRequest
	Model        string
	Usage        entity.Usage
	FinishReason string
}

// StreamChunk is one increment of a streamed model call. Exactly one field
// is set per chunk.
type StreamChunk struct {
	DeltaText    string
	FinishReason string
}

// ModelClient is the provider-agnostic model facade the orchestrator calls.
// Stream delivers deltas on the channel as they arrive and returns the same
// aggregate a Complete call would; a full channel back-pressures the
// upstream read. Implementations must honor ctx: cancelling a stream
// releases its connection within one roundtrip.
type ModelClient interface {
	Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
	Stream(ctx context.Context, req *ModelRequest, deltas chan<- StreamChunk) (*ModelResponse, error)
}

// ModelResolver reports the deployment an alias maps to without issuing a
// call. Cache fingerprints are keyed by deployment id, so two aliases
// pointing at the same deployment share cache entries.
type ModelResolver interface {
	Resolve(alias string) (string, error)
}
