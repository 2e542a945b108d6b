package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/service"
)

// Provider is one model backend. Complete and Stream carry the same
// contract as service.ModelClient but receive an already-resolved
// deployment id in req.Model.
type Provider interface {
	Name() string
	Models() []string
	SupportsModel(model string) bool
	Complete(ctx context.Context, req *service.ModelRequest) (*service.ModelResponse, error)
	Stream(ctx context.Context, req *service.ModelRequest, deltas chan<- service.StreamChunk) (*service.ModelResponse, error)
}

// ProviderConfig holds the connection settings for one provider.
type ProviderConfig struct {
	Name    string
	Type    string // factory key; empty defaults to "openai"
	BaseURL string
	APIKey  string
	Models  []string // supported deployment ids; empty accepts any
}

// ProviderFactory builds a Provider from its config. Provider packages
// register their factory from init(); the composition root blank-imports
// the packages it ships.
type ProviderFactory func(cfg ProviderConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]ProviderFactory{}
)

// RegisterFactory registers a provider factory under the given type name.
func RegisterFactory(typeName string, factory ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// CreateProvider instantiates a Provider via the registered factory for
// cfg.Type.
func CreateProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	t := cfg.Type
	if t == "" {
		t = "openai"
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", t)
	}
	return factory(cfg, logger), nil
}
