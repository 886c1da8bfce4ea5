package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"gasguard/internal/gas"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = fmt.Errorf("storage: pool not configured: %w", gas.ErrStoreUnavailable)
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	insertGasSampleSQL = `INSERT INTO gas_samples (gwei, wei_raw, source, observed_at)
    VALUES ($1, $2, $3, $4);`

	gasSampleColumns = `gwei::text, wei_raw, source, observed_at`

	listGasSamplesSinceSQL = `SELECT ` + gasSampleColumns + `
    FROM gas_samples
    WHERE observed_at >= $1
    ORDER BY observed_at;`

	listGasSamplesBetweenSQL = `SELECT ` + gasSampleColumns + `
    FROM gas_samples
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at
    LIMIT $3;`

	listRecentGasSamplesSQL = `SELECT ` + gasSampleColumns + `
    FROM gas_samples
    ORDER BY observed_at DESC
    LIMIT $1;`

	countGasSamplesSQL = `SELECT COUNT(*) FROM gas_samples;`

	alertColumns = `a.id::text, a.user_id, a.alert_type, a.condition, a.notification_channels,
        a.status, a.last_triggered_at, a.trigger_count, a.created_at, a.updated_at`

	insertAlertSQL = `INSERT INTO alerts (
        id, user_id, alert_type, condition, notification_channels, status
    ) VALUES (
        $1::uuid, $2, $3, $4, $5, $6
    )
    RETURNING id::text, user_id, alert_type, condition, notification_channels,
        status, last_triggered_at, trigger_count, created_at, updated_at;`

	updateAlertSQL = `UPDATE alerts AS a
    SET alert_type            = COALESCE($2, a.alert_type),
        condition             = COALESCE($3, a.condition),
        notification_channels = COALESCE($4, a.notification_channels),
        updated_at            = now()
    WHERE a.id = $1::uuid
      AND a.status = 'active'
    RETURNING ` + alertColumns + `;`

	softDeleteAlertSQL = `UPDATE alerts
    SET status = 'deleted', updated_at = now()
    WHERE id = $1::uuid
      AND status <> 'deleted';`

	getAlertSQL = `SELECT ` + alertColumns + `
    FROM alerts AS a
    WHERE a.id = $1::uuid;`

	listUserAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts AS a
    WHERE a.user_id = $1
      AND a.status = 'active'
    ORDER BY a.created_at DESC;`

	listActiveAlertsSQL = `SELECT ` + alertColumns + `,
        u.email, u.telegram_chat_id,
        COALESCE(u.total_saved_usd, 0)::text, COALESCE(u.transaction_count, 0)
    FROM alerts AS a
    LEFT JOIN users AS u ON u.id = a.user_id
    WHERE a.status = 'active'
    ORDER BY a.created_at;`

	countTriggersSinceSQL = `SELECT COUNT(*)
    FROM alert_triggers
    WHERE alert_id = $1::uuid
      AND triggered_at >= $2;`

	insertTriggerSQL = `INSERT INTO alert_triggers (alert_id, triggered_at) VALUES ($1::uuid, $2);`

	bumpTriggerCountSQL = `UPDATE alerts
    SET trigger_count     = trigger_count + 1,
        last_triggered_at = $2,
        updated_at        = now()
    WHERE id = $1::uuid;`

	getUserSQL = `SELECT id, email, telegram_chat_id, total_saved_usd::text, transaction_count
    FROM users
    WHERE id = $1;`

	insertNotificationSQL = `INSERT INTO notifications (user_id, type, message)
    VALUES ($1, $2, $3)
    RETURNING id, user_id, type, message, read, created_at;`

	listUnreadNotificationsSQL = `SELECT id, user_id, type, message, read, created_at
    FROM notifications
    WHERE user_id = $1
      AND read = false
    ORDER BY created_at DESC
    LIMIT $2;`

	markNotificationReadSQL = `UPDATE notifications SET read = true WHERE id = $1;`

	upsertModelMetadataSQL = `INSERT INTO model_metadata (id, model_type, version, accuracy, last_trained)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (id) DO UPDATE
    SET model_type   = EXCLUDED.model_type,
        version      = EXCLUDED.version,
        accuracy     = EXCLUDED.accuracy,
        last_trained = EXCLUDED.last_trained;`

	getModelMetadataSQL = `SELECT id, model_type, version, accuracy::text, last_trained
    FROM model_metadata
    WHERE id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// GasSampleStore persists the append-only gas price history.
type GasSampleStore interface {
	InsertGasSample(ctx context.Context, sample gas.Sample) error
	ListGasSamplesSince(ctx context.Context, since time.Time) ([]gas.Sample, error)
}

// GasSampleReader serves the export and show commands.
type GasSampleReader interface {
	ListGasSamplesBetween(ctx context.Context, from, to time.Time, limit int) ([]gas.Sample, error)
	ListRecentGasSamples(ctx context.Context, limit int) ([]gas.Sample, error)
	CountGasSamples(ctx context.Context) (int64, error)
}

// AlertStore defines user alert persistence.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert Alert) (Alert, error)
	UpdateAlert(ctx context.Context, id string, update AlertUpdate) (Alert, error)
	SoftDeleteAlert(ctx context.Context, id string) error
	GetAlert(ctx context.Context, id string) (Alert, error)
	ListUserAlerts(ctx context.Context, userID string) ([]Alert, error)
	ListActiveAlerts(ctx context.Context) ([]Alert, error)
	CountTriggersSince(ctx context.Context, alertID string, since time.Time) (int, error)
	RecordTrigger(ctx context.Context, alertID string, at time.Time) error
}

// UserStore reads account records.
type UserStore interface {
	GetUser(ctx context.Context, id string) (User, error)
}

// NotificationStore persists browser notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n Notification) (Notification, error)
	ListUnreadNotifications(ctx context.Context, userID string, limit int) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error
}

// ModelStore records prediction model maintenance.
type ModelStore interface {
	UpsertModelMetadata(ctx context.Context, meta ModelMetadata) error
	GetModelMetadata(ctx context.Context, id string) (ModelMetadata, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

var (
	_ GasSampleStore    = (*Store)(nil)
	_ GasSampleReader   = (*Store)(nil)
	_ AlertStore        = (*Store)(nil)
	_ UserStore         = (*Store)(nil)
	_ NotificationStore = (*Store)(nil)
	_ ModelStore        = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)

// Store is the pgx-backed implementation of every storage concern.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, unavailable("acquire connection", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, unavailable("try advisory lock", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session when the connection is recycled.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, gas.ErrStoreUnavailable, err)
}

// InsertGasSample appends a gas sample.
func (s *Store) InsertGasSample(ctx context.Context, sample gas.Sample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertGasSampleSQL,
		sample.Gwei.String(),
		sample.WeiRaw,
		sample.Source,
		sample.ObservedAt.UTC(),
	); execErr != nil {
		return unavailable("insert gas sample", execErr)
	}
	return nil
}

// ListGasSamplesSince lists samples observed at or after since, oldest first.
func (s *Store) ListGasSamplesSince(ctx context.Context, since time.Time) ([]gas.Sample, error) {
	return s.queryGasSamples(ctx, "list gas samples since", listGasSamplesSinceSQL, since.UTC())
}

// ListGasSamplesBetween lists samples within [from, to), oldest first.
func (s *Store) ListGasSamplesBetween(ctx context.Context, from, to time.Time, limit int) ([]gas.Sample, error) {
	return s.queryGasSamples(ctx, "list gas samples between", listGasSamplesBetweenSQL, from.UTC(), to.UTC(), limit)
}

// ListRecentGasSamples lists the newest samples, newest first.
func (s *Store) ListRecentGasSamples(ctx context.Context, limit int) ([]gas.Sample, error) {
	return s.queryGasSamples(ctx, "list recent gas samples", listRecentGasSamplesSQL, limit)
}

// CountGasSamples counts stored samples.
func (s *Store) CountGasSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countGasSamplesSQL).Scan(&count); scanErr != nil {
		return 0, unavailable("count gas samples", scanErr)
	}
	return count, nil
}

func (s *Store) queryGasSamples(ctx context.Context, op, query string, args ...any) ([]gas.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, unavailable(op, queryErr)
	}
	defer rows.Close()

	samples := make([]gas.Sample, 0)
	for rows.Next() {
		var (
			gweiStr string
			sample  gas.Sample
		)
		if scanErr := rows.Scan(&gweiStr, &sample.WeiRaw, &sample.Source, &sample.ObservedAt); scanErr != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, scanErr)
		}
		sample.Gwei, err = decimal.NewFromString(gweiStr)
		if err != nil {
			return nil, fmt.Errorf("%s: parse gwei: %w", op, err)
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, unavailable(op, rows.Err())
	}
	return samples, nil
}

// CreateAlert inserts a new active alert, assigning an ID when absent.
func (s *Store) CreateAlert(ctx context.Context, alert Alert) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Status == "" {
		alert.Status = AlertActive
	}

	condition, err := json.Marshal(alert.Condition)
	if err != nil {
		return Alert{}, fmt.Errorf("encode condition: %w", err)
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.ID,
		alert.UserID,
		alert.AlertType,
		condition,
		channelStrings(alert.Channels),
		string(alert.Status),
	)
	created, err := scanAlert(row)
	if err != nil {
		return Alert{}, unavailable("insert alert", err)
	}
	return created, nil
}

// UpdateAlert replaces the provided fields of an active alert.
func (s *Store) UpdateAlert(ctx context.Context, id string, update AlertUpdate) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}

	var condition []byte
	if update.Condition != nil {
		condition, err = json.Marshal(update.Condition)
		if err != nil {
			return Alert{}, fmt.Errorf("encode condition: %w", err)
		}
	}
	var channels []string
	if update.Channels != nil {
		channels = channelStrings(update.Channels)
	}

	row := pool.QueryRow(ctx, updateAlertSQL, id, update.AlertType, condition, channels)
	updated, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, ErrNotFound
	}
	if err != nil {
		return Alert{}, unavailable("update alert", err)
	}
	return updated, nil
}

// SoftDeleteAlert marks an alert deleted. Deleting twice reports ErrNotFound.
func (s *Store) SoftDeleteAlert(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, softDeleteAlertSQL, id)
	if execErr != nil {
		return unavailable("delete alert", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert loads an alert regardless of status.
func (s *Store) GetAlert(ctx context.Context, id string) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	alert, err := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, ErrNotFound
	}
	if err != nil {
		return Alert{}, unavailable("get alert", err)
	}
	return alert, nil
}

// ListUserAlerts lists a user's active alerts, newest first.
func (s *Store) ListUserAlerts(ctx context.Context, userID string) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listUserAlertsSQL, userID)
	if queryErr != nil {
		return nil, unavailable("list user alerts", queryErr)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("list user alerts: %w", scanErr)
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, unavailable("list user alerts", rows.Err())
	}
	return alerts, nil
}

// ListActiveAlerts lists every active alert with its owner attached.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listActiveAlertsSQL)
	if queryErr != nil {
		return nil, unavailable("list active alerts", queryErr)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		var (
			owner    User
			raw      alertRow
			savedStr string
		)
		if scanErr := rows.Scan(append(raw.targets(),
			&owner.Email,
			&owner.TelegramChatID,
			&savedStr,
			&owner.TransactionCount,
		)...); scanErr != nil {
			return nil, fmt.Errorf("list active alerts: %w", scanErr)
		}
		alerts = append(alerts, activeAlert(raw, owner, savedStr))
	}
	if rows.Err() != nil {
		return nil, unavailable("list active alerts", rows.Err())
	}
	return alerts, nil
}

// CountTriggersSince counts an alert's triggers at or after since.
func (s *Store) CountTriggersSince(ctx context.Context, alertID string, since time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, countTriggersSinceSQL, alertID, since.UTC()).Scan(&count); scanErr != nil {
		return 0, unavailable("count triggers", scanErr)
	}
	return count, nil
}

// RecordTrigger appends a trigger and bumps the alert counters in one transaction.
func (s *Store) RecordTrigger(ctx context.Context, alertID string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertTriggerSQL, alertID, at.UTC()); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, bumpTriggerCountSQL, alertID, at.UTC())
		return err
	})
	if txErr != nil {
		return unavailable("record trigger", txErr)
	}
	return nil
}

// GetUser loads a user record.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}
	var (
		user     User
		savedStr string
	)
	scanErr := pool.QueryRow(ctx, getUserSQL, id).Scan(
		&user.ID,
		&user.Email,
		&user.TelegramChatID,
		&savedStr,
		&user.TransactionCount,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if scanErr != nil {
		return User{}, unavailable("get user", scanErr)
	}
	user.TotalSavedUSD, err = decimal.NewFromString(savedStr)
	if err != nil {
		return User{}, fmt.Errorf("parse total saved: %w", err)
	}
	return user, nil
}

// InsertNotification stores an unread notification.
func (s *Store) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return Notification{}, err
	}
	var out Notification
	scanErr := pool.QueryRow(ctx, insertNotificationSQL, n.UserID, n.Type, n.Message).Scan(
		&out.ID, &out.UserID, &out.Type, &out.Message, &out.Read, &out.CreatedAt,
	)
	if scanErr != nil {
		return Notification{}, unavailable("insert notification", scanErr)
	}
	return out, nil
}

// ListUnreadNotifications lists a user's unread notifications, newest first.
func (s *Store) ListUnreadNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listUnreadNotificationsSQL, userID, limit)
	if queryErr != nil {
		return nil, unavailable("list unread notifications", queryErr)
	}
	defer rows.Close()

	out := make([]Notification, 0, limit)
	for rows.Next() {
		var n Notification
		if scanErr := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Message, &n.Read, &n.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("list unread notifications: %w", scanErr)
		}
		out = append(out, n)
	}
	if rows.Err() != nil {
		return nil, unavailable("list unread notifications", rows.Err())
	}
	return out, nil
}

// MarkNotificationRead flags a notification as read.
func (s *Store) MarkNotificationRead(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, markNotificationReadSQL, id)
	if execErr != nil {
		return unavailable("mark notification read", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertModelMetadata records a training run.
func (s *Store) UpsertModelMetadata(ctx context.Context, meta ModelMetadata) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertModelMetadataSQL,
		meta.ID,
		meta.ModelType,
		meta.Version,
		meta.Accuracy.String(),
		meta.LastTrained.UTC(),
	); execErr != nil {
		return unavailable("upsert model metadata", execErr)
	}
	return nil
}

// GetModelMetadata loads the bookkeeping row for a model.
func (s *Store) GetModelMetadata(ctx context.Context, id string) (ModelMetadata, error) {
	pool, err := s.getPool()
	if err != nil {
		return ModelMetadata{}, err
	}
	var (
		meta        ModelMetadata
		accuracyStr string
	)
	scanErr := pool.QueryRow(ctx, getModelMetadataSQL, id).Scan(
		&meta.ID, &meta.ModelType, &meta.Version, &accuracyStr, &meta.LastTrained,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return ModelMetadata{}, ErrNotFound
	}
	if scanErr != nil {
		return ModelMetadata{}, unavailable("get model metadata", scanErr)
	}
	meta.Accuracy, err = decimal.NewFromString(accuracyStr)
	if err != nil {
		return ModelMetadata{}, fmt.Errorf("parse accuracy: %w", err)
	}
	return meta, nil
}

type alertRow struct {
	id              string
	userID          string
	alertType       string
	condition       []byte
	channels        []string
	status          string
	lastTriggeredAt *time.Time
	triggerCount    int64
	createdAt       time.Time
	updatedAt       time.Time
}

func (r *alertRow) targets() []any {
	return []any{
		&r.id,
		&r.userID,
		&r.alertType,
		&r.condition,
		&r.channels,
		&r.status,
		&r.lastTriggeredAt,
		&r.triggerCount,
		&r.createdAt,
		&r.updatedAt,
	}
}

// toAlert converts a scanned row. On a condition decode error the returned alert still
// carries every other column.
func (r *alertRow) toAlert() (Alert, error) {
	var cond Condition
	var decodeErr error
	if err := json.Unmarshal(r.condition, &cond); err != nil {
		cond = Condition{}
		decodeErr = fmt.Errorf("decode condition for alert %s: %w", r.id, err)
	}
	channels := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, Channel(ch))
	}
	return Alert{
		ID:              r.id,
		UserID:          r.userID,
		AlertType:       r.alertType,
		Condition:       cond,
		Channels:        channels,
		Status:          AlertStatus(r.status),
		LastTriggeredAt: r.lastTriggeredAt,
		TriggerCount:    r.triggerCount,
		CreatedAt:       r.createdAt,
		UpdatedAt:       r.updatedAt,
	}, decodeErr
}

// activeAlert keeps an undecodable row in the batch, flagged through DecodeErr, so one
// bad condition cannot hide every other alert.
func activeAlert(raw alertRow, owner User, savedStr string) Alert {
	alert, err := raw.toAlert()
	alert.DecodeErr = err
	owner.ID = alert.UserID
	owner.TotalSavedUSD, _ = decimal.NewFromString(savedStr)
	alert.Owner = owner
	return alert
}

func scanAlert(row pgx.Row) (Alert, error) {
	var raw alertRow
	if err := row.Scan(raw.targets()...); err != nil {
		return Alert{}, err
	}
	alert, err := raw.toAlert()
	if err != nil {
		return Alert{}, err
	}
	return alert, nil
}

func channelStrings(channels []Channel) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		out = append(out, string(ch))
	}
	return out
}
