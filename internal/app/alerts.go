package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"gasguard/internal/storage"
)

// AlertOptions describe an alert to create or the fields to change.
type AlertOptions struct {
	UserID    string
	AlertType string
	Condition string
	Operator  string
	Value     string
	Channels  []string
}

func (o AlertOptions) condition() (storage.Condition, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(o.Value))
	if err != nil {
		return storage.Condition{}, fmt.Errorf("invalid value %q: %w", o.Value, err)
	}
	cond := storage.Condition{
		Type:     storage.ConditionType(strings.ToLower(strings.TrimSpace(o.Condition))),
		Operator: storage.Operator(strings.ToLower(strings.TrimSpace(o.Operator))),
		Value:    value,
	}
	return cond, cond.Validate()
}

// CreateAlert stores a new alert and prints it.
func (a *App) CreateAlert(ctx context.Context, opts AlertOptions) error {
	cond, err := opts.condition()
	if err != nil {
		return err
	}
	channels, err := storage.ParseChannels(opts.Channels)
	if err != nil {
		return err
	}

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	alert, err := c.alerts.CreateAlert(ctx, opts.UserID, opts.AlertType, cond, channels)
	if err != nil {
		return err
	}
	return a.writeJSON(alert)
}

// UpdateAlert changes an alert. Empty option fields are left untouched.
func (a *App) UpdateAlert(ctx context.Context, id string, opts AlertOptions) error {
	var update storage.AlertUpdate
	if opts.AlertType != "" {
		update.AlertType = &opts.AlertType
	}
	if opts.Condition != "" || opts.Operator != "" || opts.Value != "" {
		if opts.Condition == "" || opts.Operator == "" || opts.Value == "" {
			return errors.New("--type, --operator and --value must be changed together")
		}
		cond, err := opts.condition()
		if err != nil {
			return err
		}
		update.Condition = &cond
	}
	if len(opts.Channels) > 0 {
		channels, err := storage.ParseChannels(opts.Channels)
		if err != nil {
			return err
		}
		update.Channels = channels
	}

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	alert, err := c.alerts.UpdateAlert(ctx, id, update)
	if err != nil {
		return err
	}
	return a.writeJSON(alert)
}

// DeleteAlert soft-deletes an alert.
func (a *App) DeleteAlert(ctx context.Context, id string) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.alerts.DeleteAlert(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "alert %s deleted\n", id)
	return nil
}

// ListAlerts prints a user's active alerts.
func (a *App) ListAlerts(ctx context.Context, userID string) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	alerts, err := c.alerts.UserAlerts(ctx, userID)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tType\tCondition\tChannels\tTriggers\tLast Triggered (UTC)")
	for _, alert := range alerts {
		last := "-"
		if alert.LastTriggeredAt != nil {
			last = alert.LastTriggeredAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s %s %s\t%s\t%d\t%s\n",
			alert.ID,
			alert.AlertType,
			alert.Condition.Type, alert.Condition.Operator, alert.Condition.Value.String(),
			joinChannels(alert.Channels),
			alert.TriggerCount,
			last,
		)
	}
	return writer.Flush()
}

// Notifications prints a user's unread in-app notifications.
func (a *App) Notifications(ctx context.Context, userID string) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	notes, err := c.dispatcher.UnreadNotifications(ctx, userID)
	if err != nil {
		return err
	}
	if len(notes) == 0 {
		fmt.Fprintln(a.Out, "no unread notifications")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTime (UTC)\tType\tMessage")
	for _, n := range notes {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\n", n.ID, n.CreatedAt.UTC().Format(time.RFC3339), n.Type, sanitizeInline(n.Message))
	}
	return writer.Flush()
}

// MarkRead marks one notification as read.
func (a *App) MarkRead(ctx context.Context, id int64) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	return c.dispatcher.MarkRead(ctx, id)
}

func joinChannels(channels []storage.Channel) string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	return strings.Join(names, ",")
}
