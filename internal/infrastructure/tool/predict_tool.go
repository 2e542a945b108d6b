package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	domaintool "github.com/stocksage/stocksage/gateway/internal/domain/tool"
	"github.com/stocksage/stocksage/gateway/internal/infrastructure/predict"
)

// PriceForecaster produces the forecast the prediction tool serves.
type PriceForecaster interface {
	Predict(ctx context.Context, symbol string, horizon, window int) (*predict.Forecast, error)
}

const predictPriceSchema = `{
	"type": "object",
	"properties": {
		"symbol": {
			"type": "string",
			"minLength": 1,
			"description": "Ticker symbol to forecast, e.g. AAPL"
		},
		"horizon": {
			"type": "integer",
			"minimum": 1,
			"maximum": 30,
			"description": "Trading days ahead to project (default 5)"
		},
		"window": {
			"type": "integer",
			"minimum": 60,
			"maximum": 730,
			"description": "Training lookback in calendar days (default 180)"
		}
	},
	"required": ["symbol"],
	"additionalProperties": false
}`

// NewPredictPriceTool returns the price-forecast tool. Heavy: first use per
// symbol may fetch months of history and fit a model.
func NewPredictPriceTool(forecaster PriceForecaster) domaintool.Descriptor {
	return domaintool.Descriptor{
		Name: domaintool.NamePredictPrice,
		Description: "Project a stock's closing price over the next trading days with a " +
			"confidence band. A statistical trend estimate, not investment advice.",
		Schema:  json.RawMessage(predictPriceSchema),
		Tags:    []string{"prediction", "market-data"},
		Heavy:   true,
		Timeout: 30 * time.Second,
		Handler: domaintool.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			symbol := stringArg(args, "symbol")
			horizon := intArg(args, "horizon", 0)
			window := intArg(args, "window", 0)

			forecast, err := forecaster.Predict(ctx, symbol, horizon, window)
			if err != nil {
				return nil, err
			}
			payload, _ := json.Marshal(forecast)

			display := ""
			if n := len(forecast.Points); n > 0 {
				last := forecast.Points[n-1]
				display = fmt.Sprintf("%s %s: %.2f (band %.2f–%.2f)",
					forecast.Symbol, last.Date, last.Price, last.Low, last.High)
			}
			return &domaintool.Result{
				Output:  string(payload),
				Display: display,
			}, nil
		}),
	}
}
