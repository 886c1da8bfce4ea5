package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"gasguard/internal/storage"
)

const unreadLimit = 50

// Report summarises one SendAlert fan-out.
type Report struct {
	Sent    []storage.Channel
	Failed  []storage.Channel
	Skipped []storage.Channel
}

// Dispatcher fans an alert message out to the requested channels.
type Dispatcher struct {
	senders       map[storage.Channel]Sender
	notifications storage.NotificationStore
	logger        zerolog.Logger
}

// NewDispatcher registers senders by channel. Unconfigured channels are simply absent.
func NewDispatcher(notifications storage.NotificationStore, logger zerolog.Logger, senders ...Sender) *Dispatcher {
	byChannel := make(map[storage.Channel]Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}
	return &Dispatcher{
		senders:       byChannel,
		notifications: notifications,
		logger:        logger.With().Str("component", "dispatcher").Logger(),
	}
}

// SendAlert delivers message on every channel concurrently. A failing channel never
// affects the others and no error is returned.
func (d *Dispatcher) SendAlert(ctx context.Context, user storage.User, message string, channels []storage.Channel) Report {
	var (
		mu     sync.Mutex
		report Report
	)
	record := func(list *[]storage.Channel, ch storage.Channel) {
		mu.Lock()
		*list = append(*list, ch)
		mu.Unlock()
	}

	p := pool.New().WithContext(ctx)
	for _, ch := range channels {
		sender, ok := d.senders[ch]
		if !ok || !sender.Accepts(user) {
			record(&report.Skipped, ch)
			continue
		}
		p.Go(func(ctx context.Context) error {
			if err := sender.Send(ctx, user, message); err != nil {
				record(&report.Failed, ch)
				return fmt.Errorf("%s: %w", ch, err)
			}
			record(&report.Sent, ch)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		d.logger.Warn().Err(err).Str("user", user.ID).Msg("notification delivery incomplete")
	}

	for _, list := range [][]storage.Channel{report.Sent, report.Failed, report.Skipped} {
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	}
	return report
}

// UnreadNotifications lists the newest unread browser notifications.
func (d *Dispatcher) UnreadNotifications(ctx context.Context, userID string) ([]storage.Notification, error) {
	if d.notifications == nil {
		return nil, storage.ErrNotConfigured
	}
	return d.notifications.ListUnreadNotifications(ctx, userID, unreadLimit)
}

// MarkRead flags a browser notification as read.
func (d *Dispatcher) MarkRead(ctx context.Context, id int64) error {
	if d.notifications == nil {
		return storage.ErrNotConfigured
	}
	return d.notifications.MarkNotificationRead(ctx, id)
}
