// Package prediction produces short-horizon gas forecasts from recent history.
package prediction

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gasguard/internal/cache"
	"gasguard/internal/gas"
	"gasguard/internal/storage"
)

const (
	predictionsKey = "predictions:all"
	predictionsTTL = 5 * time.Minute
	historyHours   = 24

	// ModelID identifies the forecasting model in model_metadata.
	ModelID = "gas-prediction-v1"
)

// Timeframe is a forecast horizon.
type Timeframe string

const (
	OneHour         Timeframe = "1h"
	SixHours        Timeframe = "6h"
	TwentyFourHours Timeframe = "24h"
)

// Trend is the expected direction from the current price.
type Trend string

const (
	Rising  Trend = "rising"
	Falling Trend = "falling"
	Stable  Trend = "stable"
)

// Prediction is one horizon's forecast.
type Prediction struct {
	Timeframe    Timeframe       `json:"timeframe"`
	PredictedGas decimal.Decimal `json:"predictedGas"`
	Confidence   int             `json:"confidence"`
	Trend        Trend           `json:"trend"`
	Reasoning    string          `json:"reasoning"`
}

// GasHistory is the oracle surface the engine reads.
type GasHistory interface {
	CurrentGas(ctx context.Context) gas.Sample
	HistoricalGasPrices(ctx context.Context, hours int) []gas.Sample
}

// Engine serves cached forecasts.
type Engine struct {
	cache  cache.Cache
	oracle GasHistory
	models storage.ModelStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine wires the engine. models may be nil when no store is configured.
func NewEngine(c cache.Cache, oracle GasHistory, models storage.ModelStore, logger zerolog.Logger) *Engine {
	return &Engine{
		cache:  c,
		oracle: oracle,
		models: models,
		logger: logger.With().Str("component", "prediction").Logger(),
		now:    time.Now,
	}
}

// Predictions returns the 1h, 6h and 24h forecasts in that order.
func (e *Engine) Predictions(ctx context.Context) []Prediction {
	var cached []Prediction
	found, err := cache.GetJSON(ctx, e.cache, predictionsKey, &cached)
	if err != nil {
		e.logger.Warn().Err(err).Msg("read cached predictions")
	}
	if found {
		return cached
	}

	history := e.oracle.HistoricalGasPrices(ctx, historyHours)
	current := e.oracle.CurrentGas(ctx).Gwei

	out := Forecast(current, history, e.now())
	if err := cache.SetJSON(ctx, e.cache, predictionsKey, out, predictionsTTL); err != nil {
		e.logger.Warn().Err(err).Msg("cache predictions")
	}
	return out
}

// TrainModel records a maintenance run for the statistical model.
func (e *Engine) TrainModel(ctx context.Context) error {
	if e.models == nil {
		return fmt.Errorf("train model: %w", storage.ErrNotConfigured)
	}
	meta := storage.ModelMetadata{
		ID:          ModelID,
		ModelType:   "time-series",
		Version:     "1.0.0",
		Accuracy:    decimal.RequireFromString("0.75"),
		LastTrained: e.now().UTC(),
	}
	if err := e.models.UpsertModelMetadata(ctx, meta); err != nil {
		return fmt.Errorf("train model: %w", err)
	}
	e.logger.Info().Str("model", ModelID).Msg("prediction model metadata refreshed")
	return nil
}

// Forecast derives the three horizons from current gwei and time-ascending history.
func Forecast(current decimal.Decimal, history []gas.Sample, now time.Time) []Prediction {
	now = now.UTC()
	return []Prediction{
		forecastHour(current, history),
		forecastSixHours(current, history, now),
		forecastDay(current, history, now),
	}
}

func insufficient(tf Timeframe, current decimal.Decimal) Prediction {
	return Prediction{
		Timeframe:    tf,
		PredictedGas: current.Round(2),
		Confidence:   50,
		Trend:        Stable,
		Reasoning:    "Insufficient historical data",
	}
}

var recentWeight = decimal.RequireFromString("0.3")

func forecastHour(current decimal.Decimal, history []gas.Sample) Prediction {
	if len(history) < 2 {
		return insufficient(OneHour, current)
	}
	avg := mean(tail(history, 4))
	trend := trendOf(avg, current)
	return Prediction{
		Timeframe:    OneHour,
		PredictedGas: current.Add(avg.Sub(current).Mul(recentWeight)).Round(2),
		Confidence:   70,
		Trend:        trend,
		Reasoning:    fmt.Sprintf("Based on recent 1-hour patterns, gas is %s.", trend),
	}
}

func forecastSixHours(current decimal.Decimal, history []gas.Sample, now time.Time) Prediction {
	if len(history) < 12 {
		return insufficient(SixHours, current)
	}
	for _, s := range history {
		if hourDistance(s.ObservedAt.UTC().Hour(), now.Hour()) < 2 {
			return Prediction{
				Timeframe:    SixHours,
				PredictedGas: s.Gwei.Round(2),
				Confidence:   60,
				Trend:        trendOf(s.Gwei, current),
				Reasoning:    "Based on historical patterns at this time of day.",
			}
		}
	}
	avg := mean(tail(history, 24))
	return Prediction{
		Timeframe:    SixHours,
		PredictedGas: avg.Round(2),
		Confidence:   55,
		Trend:        trendOf(avg, current),
		Reasoning:    "Based on 6-hour moving average.",
	}
}

func forecastDay(current decimal.Decimal, history []gas.Sample, now time.Time) Prediction {
	if len(history) < 24 {
		return insufficient(TwentyFourHours, current)
	}
	similar := make([]gas.Sample, 0)
	for _, s := range history {
		at := s.ObservedAt.UTC()
		if at.Weekday() == now.Weekday() && hourDistance(at.Hour(), now.Hour()) < 2 {
			similar = append(similar, s)
		}
	}
	if len(similar) > 0 {
		avg := mean(similar)
		return Prediction{
			Timeframe:    TwentyFourHours,
			PredictedGas: avg.Round(2),
			Confidence:   65,
			Trend:        trendOf(avg, current),
			Reasoning:    fmt.Sprintf("Based on weekly patterns for %s at this time.", now.Weekday()),
		}
	}
	avg := mean(history)
	return Prediction{
		Timeframe:    TwentyFourHours,
		PredictedGas: avg.Round(2),
		Confidence:   50,
		Trend:        trendOf(avg, current),
		Reasoning:    "Based on overall average.",
	}
}

// trendOf reports derived > current as falling and derived < current as rising.
func trendOf(derived, current decimal.Decimal) Trend {
	switch derived.Cmp(current) {
	case 1:
		return Falling
	case -1:
		return Rising
	}
	return Stable
}

// hourDistance compares clock hours only; 23 and 0 are 23 apart.
func hourDistance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

func tail(samples []gas.Sample, n int) []gas.Sample {
	if len(samples) <= n {
		return samples
	}
	return samples[len(samples)-n:]
}

func mean(samples []gas.Sample) decimal.Decimal {
	if len(samples) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, s := range samples {
		sum = sum.Add(s.Gwei)
	}
	return sum.Div(decimal.NewFromInt(int64(len(samples))))
}
