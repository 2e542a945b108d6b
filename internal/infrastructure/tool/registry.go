package tool

import (
	"go.uber.org/zap"

	domaintool "github.com/stocksage/stocksage/gateway/internal/domain/tool"
)

// Deps bundles the backends the built-in tools wrap.
type Deps struct {
	Market     MarketData
	Pipeline   Searcher
	Embedder   Embedder
	Index      IndexSearcher
	Forecaster PriceForecaster
}

// BuildRegistry assembles the built-in toolset in canonical order. Tools
// whose backend is nil are left out so partial deployments still boot.
func BuildRegistry(deps Deps, logger *zap.Logger) (*domaintool.Registry, error) {
	var descriptors []domaintool.Descriptor
	if deps.Market != nil {
		descriptors = append(descriptors,
			NewStockQuoteTool(deps.Market),
			NewHistoricalPricesTool(deps.Market),
			NewStockNewsTool(deps.Market),
		)
	}
	if deps.Pipeline != nil {
		descriptors = append(descriptors, NewPerplexitySearchTool(deps.Pipeline, logger))
	}
	if deps.Embedder != nil && deps.Index != nil {
		descriptors = append(descriptors, NewRAGSearchTool(deps.Embedder, deps.Index, logger))
	}
	if deps.Forecaster != nil {
		descriptors = append(descriptors, NewPredictPriceTool(deps.Forecaster))
	}
	return domaintool.NewRegistry(logger, descriptors...)
}
