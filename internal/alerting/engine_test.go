package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gasguard/internal/feed"
	"gasguard/internal/gas"
	"gasguard/internal/storage"
)

var checkTime = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

type memAlerts struct {
	mu       sync.Mutex
	alerts   map[string]storage.Alert
	triggers map[string][]time.Time
	listErr  error
	nextID   int
}

func newMemAlerts() *memAlerts {
	return &memAlerts{alerts: map[string]storage.Alert{}, triggers: map[string][]time.Time{}}
}

func (m *memAlerts) CreateAlert(ctx context.Context, a storage.Alert) (storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = fmt.Sprintf("alert-%d", m.nextID)
	a.CreatedAt = checkTime.Add(time.Duration(m.nextID) * time.Minute)
	a.Owner = storage.User{ID: a.UserID}
	m.alerts[a.ID] = a
	return a, nil
}

func (m *memAlerts) UpdateAlert(ctx context.Context, id string, u storage.AlertUpdate) (storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Status != storage.AlertActive {
		return storage.Alert{}, storage.ErrNotFound
	}
	if u.Condition != nil {
		a.Condition = *u.Condition
	}
	if u.Channels != nil {
		a.Channels = u.Channels
	}
	m.alerts[id] = a
	return a, nil
}

func (m *memAlerts) SoftDeleteAlert(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Status == storage.AlertDeleted {
		return storage.ErrNotFound
	}
	a.Status = storage.AlertDeleted
	m.alerts[id] = a
	return nil
}

func (m *memAlerts) GetAlert(ctx context.Context, id string) (storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return storage.Alert{}, storage.ErrNotFound
	}
	return a, nil
}

func (m *memAlerts) ListUserAlerts(ctx context.Context, userID string) ([]storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []storage.Alert{}
	for _, a := range m.alerts {
		if a.UserID == userID && a.Status == storage.AlertActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAlerts) ListActiveAlerts(ctx context.Context) ([]storage.Alert, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []storage.Alert{}
	for i := 1; i <= m.nextID; i++ {
		if a, ok := m.alerts[fmt.Sprintf("alert-%d", i)]; ok && a.Status == storage.AlertActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAlerts) CountTriggersSince(ctx context.Context, alertID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, at := range m.triggers[alertID] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memAlerts) RecordTrigger(ctx context.Context, alertID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[alertID] = append(m.triggers[alertID], at)
	a := m.alerts[alertID]
	a.TriggerCount++
	a.LastTriggeredAt = &at
	m.alerts[alertID] = a
	return nil
}

type stubSignals struct {
	gwei       string
	congestion int
}

func (s stubSignals) CurrentGas(ctx context.Context) gas.Sample {
	return gas.FromGwei(decimal.RequireFromString(s.gwei), checkTime, "stub")
}

func (s stubSignals) CongestionLevel(ctx context.Context) int { return s.congestion }

type stubPrices struct {
	price string
	err   error
}

func (s stubPrices) Price(ctx context.Context, feedID string) (feed.Quote, error) {
	if s.err != nil {
		return feed.Quote{}, s.err
	}
	return feed.Quote{Price: decimal.RequireFromString(s.price), FeedID: feedID}, nil
}

type sentAlert struct {
	user     string
	message  string
	channels []storage.Channel
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentAlert
}

func (r *recordingNotifier) SendAlert(ctx context.Context, user storage.User, message string, channels []storage.Channel) Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentAlert{user: user.ID, message: message, channels: channels})
	return Report{Sent: channels}
}

func newTestEngine(store *memAlerts, signals stubSignals, prices PriceReader, notifier Notifier) *Engine {
	e := NewEngine(store, signals, prices, notifier, zerolog.Nop())
	e.now = func() time.Time { return checkTime }
	return e
}

func cond(t storage.ConditionType, op storage.Operator, v string) storage.Condition {
	return storage.Condition{Type: t, Operator: op, Value: decimal.RequireFromString(v)}
}

func TestCheckAlertsTriggersAndRecords(t *testing.T) {
	store := newMemAlerts()
	notifier := &recordingNotifier{}
	e := newTestEngine(store, stubSignals{gwei: "15.5"}, nil, notifier)

	alert, err := e.CreateAlert(context.Background(), "u1", "", cond(storage.ConditionGasPrice, storage.OpLT, "20"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res := e.CheckAlerts(context.Background())
	if res.Triggered != 1 || res.Evaluated != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.sent))
	}
	got := notifier.sent[0]
	if got.message != "Gas price is now 15.5 Gwei (target: lt 20)" {
		t.Fatalf("unexpected message %q", got.message)
	}
	if got.user != "u1" || len(got.channels) != 1 || got.channels[0] != storage.ChannelBrowser {
		t.Fatalf("unexpected delivery %+v", got)
	}

	stored, _ := store.GetAlert(context.Background(), alert.ID)
	if stored.TriggerCount != 1 || stored.LastTriggeredAt == nil || !stored.LastTriggeredAt.Equal(checkTime) {
		t.Fatalf("trigger not recorded: %+v", stored)
	}
}

func TestCheckAlertsHonoursDailyQuota(t *testing.T) {
	store := newMemAlerts()
	notifier := &recordingNotifier{}
	e := newTestEngine(store, stubSignals{gwei: "15"}, nil, notifier)

	alert, _ := e.CreateAlert(context.Background(), "u1", "", cond(storage.ConditionGasPrice, storage.OpLT, "20"), nil)
	for i := 0; i < DailyQuota; i++ {
		_ = store.RecordTrigger(context.Background(), alert.ID, checkTime.Add(-time.Duration(i+1)*time.Minute))
	}

	res := e.CheckAlerts(context.Background())
	if res.Throttled != 1 || res.Triggered != 0 {
		t.Fatalf("expected throttled alert, got %+v", res)
	}
	if len(notifier.sent) != 0 {
		t.Fatalf("expected no notification, got %d", len(notifier.sent))
	}
	stored, _ := store.GetAlert(context.Background(), alert.ID)
	if stored.TriggerCount != DailyQuota {
		t.Fatalf("trigger count changed to %d", stored.TriggerCount)
	}
}

func TestCheckAlertsQuotaResetsAtUTCMidnight(t *testing.T) {
	store := newMemAlerts()
	notifier := &recordingNotifier{}
	e := newTestEngine(store, stubSignals{gwei: "15"}, nil, notifier)

	alert, _ := e.CreateAlert(context.Background(), "u1", "", cond(storage.ConditionGasPrice, storage.OpLT, "20"), nil)
	yesterday := startOfDay(checkTime).Add(-time.Minute)
	for i := 0; i < DailyQuota; i++ {
		_ = store.RecordTrigger(context.Background(), alert.ID, yesterday)
	}

	if res := e.CheckAlerts(context.Background()); res.Triggered != 1 {
		t.Fatalf("yesterday's triggers must not count, got %+v", res)
	}
}

func TestCheckAlertsIsolatesFailures(t *testing.T) {
	store := newMemAlerts()
	notifier := &recordingNotifier{}
	prices := stubPrices{err: fmt.Errorf("feed FLR/USD: %w", gas.ErrStalePrice)}
	e := newTestEngine(store, stubSignals{gwei: "15", congestion: 85}, prices, notifier)

	_, _ = e.CreateAlert(context.Background(), "u1", "", cond(storage.ConditionAssetPrice, storage.OpGT, "0.01"), nil)
	_, _ = e.CreateAlert(context.Background(), "u2", "", cond(storage.ConditionCongestion, storage.OpGTE, "80"), []storage.Channel{storage.ChannelDiscord})

	res := e.CheckAlerts(context.Background())
	if res.Failed != 1 || res.Triggered != 1 {
		t.Fatalf("expected one failure and one trigger, got %+v", res)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].message != "Network congestion is now 85% (target: gte 80%)" {
		t.Fatalf("unexpected notifications %+v", notifier.sent)
	}
}

func TestCheckAlertsSkipsUndecodableCondition(t *testing.T) {
	store := newMemAlerts()
	notifier := &recordingNotifier{}
	e := newTestEngine(store, stubSignals{gwei: "15"}, nil, notifier)

	first, _ := e.CreateAlert(context.Background(), "u1", "", cond(storage.ConditionGasPrice, storage.OpLT, "20"), nil)
	broken, _ := e.CreateAlert(context.Background(), "u2", "", cond(storage.ConditionGasPrice, storage.OpLT, "20"), nil)
	last, _ := e.CreateAlert(context.Background(), "u3", "", cond(storage.ConditionGasPrice, storage.OpLT, "20"), nil)

	store.mu.Lock()
	a := store.alerts[broken.ID]
	a.Condition = storage.Condition{}
	a.DecodeErr = errors.New(`decode condition: invalid value "twenty"`)
	store.alerts[broken.ID] = a
	store.mu.Unlock()

	res := e.CheckAlerts(context.Background())
	if res.Failed != 1 || res.Triggered != 2 || res.Evaluated != 2 {
		t.Fatalf("expected the batch to continue past the bad alert, got %+v", res)
	}
	var users []string
	for _, s := range notifier.sent {
		users = append(users, s.user)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u3" {
		t.Fatalf("notified users = %v", users)
	}
	for _, id := range []string{first.ID, last.ID} {
		if stored, _ := store.GetAlert(context.Background(), id); stored.TriggerCount != 1 {
			t.Fatalf("alert %s not triggered: %+v", id, stored)
		}
	}
	if stored, _ := store.GetAlert(context.Background(), broken.ID); stored.TriggerCount != 0 {
		t.Fatalf("undecodable alert must not trigger")
	}
}

func TestCheckAlertsStoreUnavailable(t *testing.T) {
	store := newMemAlerts()
	store.listErr = fmt.Errorf("list active alerts: %w", gas.ErrStoreUnavailable)
	e := newTestEngine(store, stubSignals{gwei: "15"}, nil, &recordingNotifier{})

	if res := e.CheckAlerts(context.Background()); res != (Result{}) {
		t.Fatalf("expected empty cycle, got %+v", res)
	}
}

func TestAssetPriceMessage(t *testing.T) {
	store := newMemAlerts()
	notifier := &recordingNotifier{}
	e := newTestEngine(store, stubSignals{gwei: "15"}, stubPrices{price: "0.025"}, notifier)

	_, _ = e.CreateAlert(context.Background(), "u1", "", cond(storage.ConditionAssetPrice, storage.OpLTE, "0.03"), nil)
	e.CheckAlerts(context.Background())

	if len(notifier.sent) != 1 || notifier.sent[0].message != "FLR price is now $0.0250 (target: lte $0.03)" {
		t.Fatalf("unexpected notifications %+v", notifier.sent)
	}
}

func TestCompare(t *testing.T) {
	d := decimal.RequireFromString
	tests := []struct {
		value, target string
		op            storage.Operator
		want          bool
	}{
		{"19.99", "20", storage.OpLT, true},
		{"20", "20", storage.OpLT, false},
		{"20", "20", storage.OpLTE, true},
		{"20.01", "20", storage.OpGT, true},
		{"20", "20", storage.OpGTE, true},
		{"20.005", "20", storage.OpEQ, true},
		{"20.01", "20", storage.OpEQ, false},
		{"20", "20", storage.Operator("ne"), false},
	}
	for _, tt := range tests {
		if got := Compare(d(tt.value), tt.op, d(tt.target)); got != tt.want {
			t.Fatalf("%s %s %s: expected %v", tt.value, tt.op, tt.target, tt.want)
		}
	}
}

func TestAlertLifecycle(t *testing.T) {
	store := newMemAlerts()
	e := newTestEngine(store, stubSignals{gwei: "15"}, nil, &recordingNotifier{})
	ctx := context.Background()

	if _, err := e.CreateAlert(ctx, "u1", "", cond(storage.ConditionGasPrice, storage.Operator("between"), "1"), nil); err == nil {
		t.Fatal("expected invalid operator to be rejected")
	}
	if _, err := e.CreateAlert(ctx, "u1", "", cond(storage.ConditionGasPrice, storage.OpLT, "1"), []storage.Channel{"sms"}); err == nil {
		t.Fatal("expected invalid channel to be rejected")
	}

	alert, err := e.CreateAlert(ctx, "u1", "", cond(storage.ConditionGasPrice, storage.OpLT, "10"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if alert.AlertType != string(storage.ConditionGasPrice) {
		t.Fatalf("expected alert type to default to condition type, got %q", alert.AlertType)
	}

	updated, err := e.UpdateAlert(ctx, alert.ID, storage.AlertUpdate{Channels: []storage.Channel{storage.ChannelEmail}})
	if err != nil || len(updated.Channels) != 1 || updated.Channels[0] != storage.ChannelEmail {
		t.Fatalf("update: %+v %v", updated, err)
	}

	if err := e.DeleteAlert(ctx, alert.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := e.DeleteAlert(ctx, alert.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
	alerts, _ := e.UserAlerts(ctx, "u1")
	if len(alerts) != 0 {
		t.Fatalf("deleted alert still listed: %+v", alerts)
	}
	if res := e.CheckAlerts(ctx); res.Evaluated != 0 {
		t.Fatalf("deleted alert evaluated: %+v", res)
	}
}
