package tool

import (
	"context"
	"encoding/json"
	"time"
)

// Handler executes one tool call. Handlers describe effects through their
// Result; they never share mutable state with each other and may run
// concurrently for the same request.
type Handler interface {
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return f(ctx, args)
}

// Result is a successful tool outcome. Output is the compact text fed back
// to the model; Display, when set, is the richer rendering for UIs.
type Result struct {
	Output   string                 `json:"output"`
	Display  string                 `json:"display,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DisplayOrOutput returns Display when present, falling back to Output.
func (r *Result) DisplayOrOutput() string {
	if r.Display != "" {
		return r.Display
	}
	return r.Output
}

// Descriptor declares one registered tool: its model-facing contract
// (name, description, JSON-Schema arguments), the capability tags the
// selector matches on, the heavy flag excluding it from the simple-query
// fast path, and its dispatch policy.
type Descriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Tags        []string
	Heavy       bool
	Timeout     time.Duration
	MaxRetries  int // retries applied to RateLimited outcomes only
	Handler     Handler
}

// HasTag reports whether the descriptor carries the capability tag.
func (d *Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Definition is the schema bundle the model sees for one tool.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}
