package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"gasguard/internal/alerting"
	"gasguard/internal/storage"
)

// SimulateOptions describe a synthetic alert evaluation.
type SimulateOptions struct {
	Alert          AlertOptions
	Observed       string
	Email          string
	TelegramChatID string
}

// SimulationResult is the simulate-alert output.
type SimulationResult struct {
	Triggered bool              `json:"triggered"`
	Message   string            `json:"message,omitempty"`
	Sent      []storage.Channel `json:"sent,omitempty"`
	Failed    []storage.Channel `json:"failed,omitempty"`
	Skipped   []storage.Channel `json:"skipped,omitempty"`
}

var allChannels = []storage.Channel{
	storage.ChannelBrowser,
	storage.ChannelEmail,
	storage.ChannelTelegram,
	storage.ChannelDiscord,
}

// SimulateAlert evaluates a condition against a supplied observation and, when it holds,
// delivers the alert message through the configured channels. No trigger is recorded.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	cond, err := opts.Alert.condition()
	if err != nil {
		return err
	}
	observed, err := decimal.NewFromString(strings.TrimSpace(opts.Observed))
	if err != nil {
		return fmt.Errorf("invalid observed value %q: %w", opts.Observed, err)
	}
	channels, err := storage.ParseChannels(opts.Alert.Channels)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		channels = allChannels
	}

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	user, err := a.simulationUser(ctx, c, opts)
	if err != nil {
		return err
	}

	if !alerting.Compare(observed, cond.Operator, cond.Value) {
		return a.writeJSON(SimulationResult{})
	}

	message := alerting.FormatMessage(cond, observed)
	report := c.dispatcher.SendAlert(ctx, user, message, channels)
	return a.writeJSON(SimulationResult{
		Triggered: true,
		Message:   message,
		Sent:      report.Sent,
		Failed:    report.Failed,
		Skipped:   report.Skipped,
	})
}

func (a *App) simulationUser(ctx context.Context, c *components, opts SimulateOptions) (storage.User, error) {
	user := storage.User{ID: opts.Alert.UserID}
	if c.store != nil && opts.Alert.UserID != "" {
		stored, err := c.store.GetUser(ctx, opts.Alert.UserID)
		switch {
		case err == nil:
			user = stored
		case errors.Is(err, storage.ErrNotFound):
			a.Logger.Warn().Str("user", opts.Alert.UserID).Msg("user not found; using flag contacts")
		default:
			return storage.User{}, err
		}
	}
	if opts.Email != "" {
		user.Email = &opts.Email
	}
	if opts.TelegramChatID != "" {
		user.TelegramChatID = &opts.TelegramChatID
	}
	return user, nil
}
