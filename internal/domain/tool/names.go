package tool

// Canonical names of the registered tools. Shared by the registry
// construction, the selector, and the wire layer so a rename cannot drift.
const (
	NameStockQuote       = "get_stock_quote"
	NameHistoricalPrices = "get_historical_prices"
	NameStockNews        = "get_stock_news"
	NamePerplexitySearch = "perplexity_search"
	NameRAGSearch        = "rag_search"
	NamePredictPrice     = "predict_price"
)
