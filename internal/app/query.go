package app

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"gasguard/internal/feed"
	"gasguard/internal/fetcher"
	"gasguard/internal/gas"
)

// transferGasUnits is the gas used by a plain value transfer.
const transferGasUnits = 21000

// GasOptions configure the gas command.
type GasOptions struct {
	GasUnits uint64
}

// GasReport is the gas command output.
type GasReport struct {
	Current       gas.Sample                 `json:"current"`
	Status        gas.Status                 `json:"status"`
	Congestion    int                        `json:"congestion"`
	Percentiles   map[string]decimal.Decimal `json:"percentiles"`
	GasUnits      uint64                     `json:"gasUnits"`
	EstimatedCost decimal.Decimal            `json:"estimatedCost"`
	Tiers         *fetcher.Tiers             `json:"tiers,omitempty"`
}

// Gas prints the current gas price with its derived signals.
func (a *App) Gas(ctx context.Context, opts GasOptions) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	units := opts.GasUnits
	if units == 0 {
		units = transferGasUnits
	}

	current := c.oracle.CurrentGas(ctx)
	report := GasReport{
		Current:    current,
		Status:     gas.ClassifyStatus(current.Gwei),
		Congestion: c.oracle.CongestionLevel(ctx),
		Percentiles: map[string]decimal.Decimal{
			"p25": c.oracle.GasByPercentile(ctx, 25),
			"p50": c.oracle.GasByPercentile(ctx, 50),
			"p75": c.oracle.GasByPercentile(ctx, 75),
			"p95": c.oracle.GasByPercentile(ctx, 95),
		},
		GasUnits:      units,
		EstimatedCost: c.oracle.EstimateCost(ctx, units, current.Gwei),
	}

	if c.tracker != nil {
		tiers, err := c.tracker.Tiers(ctx)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("gas tracker tiers unavailable")
		} else {
			report.Tiers = &tiers
		}
	}

	return a.writeJSON(report)
}

// Predict prints the 1h/6h/24h forecasts.
func (a *App) Predict(ctx context.Context) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	return a.writeJSON(c.predictor.Predictions(ctx))
}

// Train retrains the forecasting model and records its metadata.
func (a *App) Train(ctx context.Context) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.predictor.TrainModel(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("model trained")
	return nil
}

// CrossChainOptions configure the crosschain command.
type CrossChainOptions struct {
	HistoryDays int
}

// CrossChain prints the attested cross-chain snapshot, or the historical series when
// HistoryDays is set.
func (a *App) CrossChain(ctx context.Context, opts CrossChainOptions) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if opts.HistoryDays > 0 {
		return a.writeJSON(c.attest.HistoricalCrossChainGasPrices(ctx, opts.HistoryDays))
	}
	return a.writeJSON(c.attest.CrossChainGasPrices(ctx))
}

// PriceOptions configure the price command.
type PriceOptions struct {
	FeedID string
	Epochs int
	Amount decimal.Decimal
	Symbol string
}

// PriceReport is the price command output.
type PriceReport struct {
	Quote   *feed.Quote      `json:"quote,omitempty"`
	History []feed.Quote     `json:"history,omitempty"`
	USD     *decimal.Decimal `json:"usd,omitempty"`
}

// Price prints a feed quote, optionally with its epoch history or a USD conversion.
func (a *App) Price(ctx context.Context, opts PriceOptions) error {
	if opts.FeedID == "" && opts.Symbol == "" {
		return errors.New("a feed id or --convert symbol is required")
	}

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var report PriceReport
	if opts.FeedID != "" {
		quote, err := c.feeds.Price(ctx, opts.FeedID)
		if err != nil {
			return err
		}
		report.Quote = &quote
		if opts.Epochs > 0 {
			report.History = c.feeds.PriceHistory(ctx, opts.FeedID, opts.Epochs)
		}
	}
	if opts.Symbol != "" {
		usd, err := c.feeds.ConvertToUSD(ctx, opts.Amount, opts.Symbol)
		if err != nil {
			return err
		}
		report.USD = &usd
	}
	return a.writeJSON(report)
}
