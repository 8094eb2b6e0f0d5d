package pricing

import (
	"context"
	"log/slog"
	"math"

	"github.com/tjfontaine/memchat-relay/internal/domain"
)

// DefaultRates is the fallback pricing used when a model is absent from the
// table. Results computed with it carry ModelFound=false so downstream
// anomaly logging can flag them.
var DefaultRates = domain.ModelPricing{
	Model:         "default",
	InputPerMtok:  1.0,
	OutputPerMtok: 3.0,
}

// Calculator converts token counts into cost using the pricing source.
type Calculator struct {
	source   Source
	defaults domain.ModelPricing
	logger   *slog.Logger
}

// NewCalculator creates a calculator. defaults may be the zero value to use
// DefaultRates.
func NewCalculator(source Source, defaults domain.ModelPricing, logger *slog.Logger) *Calculator {
	if defaults.InputPerMtok == 0 && defaults.OutputPerMtok == 0 {
		defaults = DefaultRates
	}
	return &Calculator{source: source, defaults: defaults, logger: logger}
}

// Calculate computes the cost breakdown at full floating precision. Cached
// input tokens are billed at the cached rate when one exists, otherwise they
// cost nothing beyond the regular input they were subtracted from.
func (c *Calculator) Calculate(ctx context.Context, model string, tokensIn, tokensOut, cachedTokensIn int) domain.CostBreakdown {
	rates, found := c.lookup(ctx, model)

	if cachedTokensIn > tokensIn {
		cachedTokensIn = tokensIn
	}
	regularIn := tokensIn - cachedTokensIn

	inputCost := float64(regularIn) / 1e6 * rates.InputPerMtok
	cachedCost := 0.0
	if rates.CachedInputPerMtok > 0 {
		cachedCost = float64(cachedTokensIn) / 1e6 * rates.CachedInputPerMtok
	}
	outputCost := float64(tokensOut) / 1e6 * rates.OutputPerMtok

	breakdown := domain.CostBreakdown{
		TotalUSD:   inputCost + cachedCost + outputCost,
		InputUSD:   inputCost,
		OutputUSD:  outputCost,
		CachedUSD:  cachedCost,
		ModelFound: found,
	}

	if !found && c.logger != nil {
		c.logger.Warn("pricing lookup miss, using default rates",
			slog.String("model", model),
		)
	}
	return breakdown
}

func (c *Calculator) lookup(ctx context.Context, model string) (domain.ModelPricing, bool) {
	if c.source != nil {
		rates, found, err := c.source.Lookup(ctx, model)
		if err == nil && found {
			return rates, true
		}
		if err != nil && c.logger != nil {
			c.logger.Warn("pricing lookup failed",
				slog.String("model", model),
				slog.String("error", err.Error()),
			)
		}
	}
	return c.defaults, false
}

// RoundStored rounds a cost to 6 decimals for storage and transmission.
func RoundStored(usd float64) float64 {
	return math.Round(usd*1e6) / 1e6
}

// RoundDisplay rounds a cost to 4 decimals for display only.
func RoundDisplay(usd float64) float64 {
	return math.Round(usd*1e4) / 1e4
}
