package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

const (
	// maxOutputBytes caps the payload fed back to the model; oversize
	// outputs are tail-truncated with a marker.
	maxOutputBytes = 16 * 1024

	defaultTimeout = 15 * time.Second

	retryBaseWait = 200 * time.Millisecond
)

// Registry is the immutable name→tool map built once at startup. Schemas
// are compiled at build time so the Invoke hot path only validates.
type Registry struct {
	tools  map[string]*registered
	order  []string
	logger *zap.Logger
}

type registered struct {
	desc     Descriptor
	schema   *jsonschema.Schema
	paramMap map[string]interface{}
}

// NewRegistry compiles and indexes the given descriptors. Duplicate names
// and invalid schemas fail construction; after it returns the registry is
// read-only.
func NewRegistry(logger *zap.Logger, descriptors ...Descriptor) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		tools:  make(map[string]*registered, len(descriptors)),
		logger: logger,
	}

	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, exists := r.tools[d.Name]; exists {
			return nil, fmt.Errorf("tool %s already registered", d.Name)
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("tool %s has no handler", d.Name)
		}
		if d.Timeout <= 0 {
			d.Timeout = defaultTimeout
		}

		schema, err := jsonschema.CompileString(d.Name+".schema.json", string(d.Schema))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", d.Name, err)
		}

		var params map[string]interface{}
		if err := json.Unmarshal(d.Schema, &params); err != nil {
			return nil, fmt.Errorf("decode schema for %s: %w", d.Name, err)
		}

		r.tools[d.Name] = &registered{desc: d, schema: schema, paramMap: params}
		r.order = append(r.order, d.Name)
	}

	return r, nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return &reg.desc, true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns all tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Describe returns the model-facing definitions for the named tools,
// skipping unknown names. A nil names slice describes everything, in
// registration order.
func (r *Registry) Describe(names []string) []Definition {
	if names == nil {
		names = r.order
	}
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		reg, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, Definition{
			Name:        reg.desc.Name,
			Description: reg.desc.Description,
			Parameters:  reg.paramMap,
		})
	}
	return defs
}

// Invoke validates args against the tool's schema and dispatches under the
// tool's timeout. RateLimited outcomes are retried per the descriptor's
// policy with a jittered backoff. Errors come back classified: unknown tool
// → NotFound, schema violation → ToolArgInvalid; handler errors pass
// through with their own kinds.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (*Result, error) {
	reg, ok := r.tools[name]
	if !ok {
		return nil, apperrors.NewNotFound(fmt.Sprintf("unknown tool %q", name))
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if err := reg.schema.Validate(normalizeForValidation(args)); err != nil {
		return nil, apperrors.Wrap(apperrors.KindToolArgInvalid,
			fmt.Sprintf("invalid arguments for %s: %s", name, validationMessage(err)), err)
	}

	attempts := 1 + reg.desc.MaxRetries
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait + time.Duration(rand.Int63n(int64(retryBaseWait)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			r.logger.Debug("Retrying rate-limited tool call",
				zap.String("tool", name),
				zap.Int("attempt", attempt+1),
			)
		}

		callCtx, cancel := context.WithTimeout(ctx, reg.desc.Timeout)
		result, err := reg.desc.Handler.Execute(callCtx, args)
		cancel()

		if err == nil {
			return capResult(result), nil
		}
		lastErr = classifyInvokeErr(callCtx, err)
		if !apperrors.IsRateLimited(lastErr) {
			break
		}
	}
	return nil, lastErr
}

func classifyInvokeErr(callCtx context.Context, err error) error {
	if callCtx.Err() == context.DeadlineExceeded {
		return apperrors.Wrap(apperrors.KindTimeout, "tool call timed out", err)
	}
	if apperrors.KindOf(err) != apperrors.KindInternal {
		return err
	}
	return apperrors.NewInternal("tool call failed", err)
}

func capResult(result *Result) *Result {
	if result == nil {
		return &Result{}
	}
	if len(result.Output) > maxOutputBytes {
		result.Output = result.Output[:maxOutputBytes] + "\n…[truncated]"
	}
	return result
}

// normalizeForValidation converts typed numerics to the plain-JSON shapes
// the schema validator expects. Args usually arrive straight from
// encoding/json (already plain), but handlers invoked directly in tests may
// hand in ints.
func normalizeForValidation(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case float32:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}

func validationMessage(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return fmt.Sprintf("%s: %s", loc, leaf.Message)
	}
	return err.Error()
}
