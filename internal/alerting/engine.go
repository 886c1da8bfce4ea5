// Package alerting evaluates user alerts against live gas and price signals and
// delivers the resulting notifications.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gasguard/internal/feed"
	"gasguard/internal/gas"
	"gasguard/internal/storage"
)

const (
	// DailyQuota caps triggers per alert per UTC day.
	DailyQuota = 10
	// AssetFeed is the price feed asset_price conditions read.
	AssetFeed = "FLR/USD"
)

var eqTolerance = decimal.RequireFromString("0.01")

// GasSignals is the oracle surface alert conditions read.
type GasSignals interface {
	CurrentGas(ctx context.Context) gas.Sample
	CongestionLevel(ctx context.Context) int
}

// PriceReader reads feed prices.
type PriceReader interface {
	Price(ctx context.Context, feedID string) (feed.Quote, error)
}

// Notifier delivers a triggered alert.
type Notifier interface {
	SendAlert(ctx context.Context, user storage.User, message string, channels []storage.Channel) Report
}

// Result summarises one CheckAlerts pass.
type Result struct {
	Evaluated int
	Triggered int
	Throttled int
	Failed    int
}

// Engine owns the alert lifecycle.
type Engine struct {
	alerts   storage.AlertStore
	gas      GasSignals
	prices   PriceReader
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine wires the alert engine.
func NewEngine(alerts storage.AlertStore, gasSignals GasSignals, prices PriceReader, notifier Notifier, logger zerolog.Logger) *Engine {
	return &Engine{
		alerts:   alerts,
		gas:      gasSignals,
		prices:   prices,
		notifier: notifier,
		logger:   logger.With().Str("component", "alert_engine").Logger(),
		now:      time.Now,
	}
}

// CheckAlerts evaluates every active alert once. Failures are isolated per alert.
func (e *Engine) CheckAlerts(ctx context.Context) Result {
	var res Result

	alerts, err := e.alerts.ListActiveAlerts(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("load active alerts; skipping cycle")
		return res
	}

	for _, alert := range alerts {
		if ctx.Err() != nil {
			break
		}
		if alert.DecodeErr != nil {
			res.Failed++
			e.logger.Error().Err(alert.DecodeErr).Str("alert_id", alert.ID).Msg("undecodable alert condition")
			continue
		}
		outcome, err := e.checkOne(ctx, alert)
		if err != nil {
			res.Failed++
			e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("check alert")
			continue
		}
		res.Evaluated++
		switch outcome {
		case outcomeTriggered:
			res.Triggered++
		case outcomeThrottled:
			res.Throttled++
		}
	}

	e.logger.Debug().
		Int("evaluated", res.Evaluated).
		Int("triggered", res.Triggered).
		Int("throttled", res.Throttled).
		Int("failed", res.Failed).
		Msg("alert check complete")
	return res
}

type outcome int

const (
	outcomeQuiet outcome = iota
	outcomeTriggered
	outcomeThrottled
)

func (e *Engine) checkOne(ctx context.Context, alert storage.Alert) (outcome, error) {
	cond := alert.Condition
	observed, err := e.observe(ctx, cond.Type)
	if err != nil {
		return outcomeQuiet, err
	}
	if !Compare(observed, cond.Operator, cond.Value) {
		return outcomeQuiet, nil
	}

	now := e.now().UTC()
	count, err := e.alerts.CountTriggersSince(ctx, alert.ID, startOfDay(now))
	if err != nil {
		return outcomeQuiet, fmt.Errorf("count triggers: %w", err)
	}
	if count >= DailyQuota {
		e.logger.Debug().Str("alert_id", alert.ID).Int("today", count).Msg("daily quota reached")
		return outcomeThrottled, nil
	}

	message := FormatMessage(cond, observed)
	report := e.notifier.SendAlert(ctx, alert.Owner, message, alert.Channels)

	if err := e.alerts.RecordTrigger(ctx, alert.ID, now); err != nil {
		e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("record trigger")
	}

	e.logger.Info().
		Str("alert_id", alert.ID).
		Str("user", alert.UserID).
		Int("sent", len(report.Sent)).
		Int("failed", len(report.Failed)).
		Msg("alert triggered")
	return outcomeTriggered, nil
}

func (e *Engine) observe(ctx context.Context, kind storage.ConditionType) (decimal.Decimal, error) {
	switch kind {
	case storage.ConditionGasPrice:
		return e.gas.CurrentGas(ctx).Gwei, nil
	case storage.ConditionAssetPrice:
		if e.prices == nil {
			return decimal.Zero, errors.New("no price feed configured")
		}
		quote, err := e.prices.Price(ctx, AssetFeed)
		if err != nil {
			return decimal.Zero, err
		}
		return quote.Price, nil
	case storage.ConditionCongestion:
		return decimal.NewFromInt(int64(e.gas.CongestionLevel(ctx))), nil
	}
	return decimal.Zero, fmt.Errorf("unknown condition type %q", kind)
}

// Compare applies op to value and target. eq tolerates differences under 0.01.
func Compare(value decimal.Decimal, op storage.Operator, target decimal.Decimal) bool {
	switch op {
	case storage.OpLT:
		return value.LessThan(target)
	case storage.OpLTE:
		return value.LessThanOrEqual(target)
	case storage.OpGT:
		return value.GreaterThan(target)
	case storage.OpGTE:
		return value.GreaterThanOrEqual(target)
	case storage.OpEQ:
		return value.Sub(target).Abs().LessThan(eqTolerance)
	}
	return false
}

// FormatMessage renders the notification text for a triggered condition.
func FormatMessage(cond storage.Condition, observed decimal.Decimal) string {
	switch cond.Type {
	case storage.ConditionGasPrice:
		return fmt.Sprintf("Gas price is now %s Gwei (target: %s %s)", observed, cond.Operator, cond.Value)
	case storage.ConditionAssetPrice:
		return fmt.Sprintf("FLR price is now $%s (target: %s $%s)", observed.StringFixed(4), cond.Operator, cond.Value)
	case storage.ConditionCongestion:
		return fmt.Sprintf("Network congestion is now %s%% (target: %s %s%%)", observed, cond.Operator, cond.Value)
	}
	return ""
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CreateAlert validates and stores a new active alert. Channels default to browser.
func (e *Engine) CreateAlert(ctx context.Context, userID, alertType string, cond storage.Condition, channels []storage.Channel) (storage.Alert, error) {
	if strings.TrimSpace(userID) == "" {
		return storage.Alert{}, errors.New("user id is required")
	}
	if err := cond.Validate(); err != nil {
		return storage.Alert{}, err
	}
	if err := validateChannels(channels); err != nil {
		return storage.Alert{}, err
	}
	if len(channels) == 0 {
		channels = []storage.Channel{storage.ChannelBrowser}
	}
	if alertType == "" {
		alertType = string(cond.Type)
	}

	return e.alerts.CreateAlert(ctx, storage.Alert{
		UserID:    userID,
		AlertType: alertType,
		Condition: cond,
		Channels:  channels,
		Status:    storage.AlertActive,
	})
}

// UpdateAlert changes the type, condition or channels of an active alert.
func (e *Engine) UpdateAlert(ctx context.Context, id string, update storage.AlertUpdate) (storage.Alert, error) {
	if update.Condition != nil {
		if err := update.Condition.Validate(); err != nil {
			return storage.Alert{}, err
		}
	}
	if err := validateChannels(update.Channels); err != nil {
		return storage.Alert{}, err
	}
	return e.alerts.UpdateAlert(ctx, id, update)
}

// DeleteAlert soft-deletes an alert.
func (e *Engine) DeleteAlert(ctx context.Context, id string) error {
	return e.alerts.SoftDeleteAlert(ctx, id)
}

// UserAlerts lists a user's active alerts, newest first.
func (e *Engine) UserAlerts(ctx context.Context, userID string) ([]storage.Alert, error) {
	return e.alerts.ListUserAlerts(ctx, userID)
}

func validateChannels(channels []storage.Channel) error {
	for _, ch := range channels {
		if !ch.Valid() {
			return fmt.Errorf("unknown notification channel %q", ch)
		}
	}
	return nil
}
