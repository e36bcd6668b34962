// Package gridmath computes grid ladders and per-level order sizes.
//
// The price range is symmetric around the current price: a range of r percent
// spans [p·(1−r/200), p·(1+r/200)].
package gridmath

import (
	"fmt"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// AmountPrecision is the number of decimals kept for base-asset quantities.
const AmountPrecision = 8

var (
	hundred    = decimal.NewFromInt(100)
	twoHundred = decimal.NewFromInt(200)
)

// ComputeLevels returns levels+1 strictly increasing price boundaries.
func ComputeLevels(price, rangePercent decimal.Decimal, levels int) ([]decimal.Decimal, error) {
	if levels <= 0 {
		return nil, fmt.Errorf("%w: grid levels must be positive, got %d", models.ErrInvalidConfiguration, levels)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive, got %s", models.ErrInvalidConfiguration, price)
	}
	if !rangePercent.IsPositive() || rangePercent.GreaterThanOrEqual(twoHundred) {
		return nil, fmt.Errorf("%w: price range percent must be in (0, 200), got %s", models.ErrInvalidConfiguration, rangePercent)
	}

	half := price.Mul(rangePercent).Div(twoHundred)
	lower := price.Sub(half)
	upper := price.Add(half)
	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(levels)))
	if !step.IsPositive() {
		return nil, fmt.Errorf("%w: price range too narrow for %d levels", models.ErrInvalidConfiguration, levels)
	}

	bounds := make([]decimal.Decimal, levels+1)
	for i := 0; i < levels; i++ {
		bounds[i] = lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	// 最后一档直接取上界, 避免除法精度误差
	bounds[levels] = upper
	return bounds, nil
}

// ComputeOrderAmount splits capital evenly across levels and converts it to a base quantity.
func ComputeOrderAmount(capital decimal.Decimal, levels int, price decimal.Decimal) (decimal.Decimal, error) {
	if levels <= 0 {
		return decimal.Zero, fmt.Errorf("%w: grid levels must be positive, got %d", models.ErrInvalidConfiguration, levels)
	}
	if !capital.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: total capital must be positive, got %s", models.ErrInvalidConfiguration, capital)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: price must be positive, got %s", models.ErrInvalidConfiguration, price)
	}
	perLevel := capital.Div(decimal.NewFromInt(int64(levels)))
	return perLevel.Div(price).Truncate(AmountPrecision), nil
}

// BuildSteps turns boundaries into empty steps.
func BuildSteps(bounds []decimal.Decimal) []models.GridStep {
	if len(bounds) < 2 {
		return nil
	}
	steps := make([]models.GridStep, len(bounds)-1)
	for i := range steps {
		steps[i] = models.GridStep{
			Level: i,
			Lower: bounds[i],
			Upper: bounds[i+1],
			State: models.StepEmpty,
		}
	}
	return steps
}

// StopLossPrice is the trigger price below the ladder's lower bound.
func StopLossPrice(lower, stopLossPercent decimal.Decimal) decimal.Decimal {
	return lower.Mul(decimal.NewFromInt(1).Sub(stopLossPercent.Div(hundred)))
}

// InRange reports whether price lies within [lower, upper].
func InRange(price, lower, upper decimal.Decimal) bool {
	return price.GreaterThanOrEqual(lower) && price.LessThanOrEqual(upper)
}

// Fingerprint identifies the ladder-shaping parameters of a config.
// A ladder built under a different fingerprint is stale.
func Fingerprint(cfg models.GridConfig) string {
	return fmt.Sprintf("%s|%d|%s", cfg.TotalCapital.String(), cfg.GridLevels, cfg.PriceRangePercent.String())
}

// Validate checks the ladder parameters of cfg.
func Validate(cfg models.GridConfig) error {
	if cfg.Pair == "" {
		return fmt.Errorf("%w: pair is required", models.ErrInvalidConfiguration)
	}
	if cfg.GridLevels <= 0 {
		return fmt.Errorf("%w: grid levels must be positive, got %d", models.ErrInvalidConfiguration, cfg.GridLevels)
	}
	if !cfg.TotalCapital.IsPositive() {
		return fmt.Errorf("%w: total capital must be positive, got %s", models.ErrInvalidConfiguration, cfg.TotalCapital)
	}
	if !cfg.PriceRangePercent.IsPositive() || cfg.PriceRangePercent.GreaterThanOrEqual(twoHundred) {
		return fmt.Errorf("%w: price range percent must be in (0, 200), got %s", models.ErrInvalidConfiguration, cfg.PriceRangePercent)
	}
	if cfg.EnableStopLoss && (!cfg.StopLossPercent.IsPositive() || cfg.StopLossPercent.GreaterThanOrEqual(hundred)) {
		return fmt.Errorf("%w: stop loss percent must be in (0, 100), got %s", models.ErrInvalidConfiguration, cfg.StopLossPercent)
	}
	return nil
}
