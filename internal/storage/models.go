package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ConditionType selects the live signal an alert watches.
type ConditionType string

const (
	ConditionGasPrice   ConditionType = "gas_price"
	ConditionAssetPrice ConditionType = "asset_price"
	ConditionCongestion ConditionType = "congestion"
)

// Operator compares the live value against the alert target.
type Operator string

const (
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpEQ  Operator = "eq"
)

// Channel is a notification delivery route.
type Channel string

const (
	ChannelBrowser  Channel = "browser"
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelDiscord  Channel = "discord"
)

// AlertStatus tracks the alert lifecycle. Deleted is terminal.
type AlertStatus string

const (
	AlertActive  AlertStatus = "active"
	AlertDeleted AlertStatus = "deleted"
)

// Condition is the user-defined trigger rule.
type Condition struct {
	Type     ConditionType   `json:"type"`
	Operator Operator        `json:"operator"`
	Value    decimal.Decimal `json:"value"`
}

// Validate rejects unknown condition types and operators.
func (c Condition) Validate() error {
	switch c.Type {
	case ConditionGasPrice, ConditionAssetPrice, ConditionCongestion:
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	switch c.Operator {
	case OpLT, OpLTE, OpGT, OpGTE, OpEQ:
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return nil
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelBrowser, ChannelEmail, ChannelTelegram, ChannelDiscord:
		return true
	}
	return false
}

// ParseChannels validates channel names, dropping duplicates.
func ParseChannels(names []string) ([]Channel, error) {
	seen := make(map[Channel]bool, len(names))
	out := make([]Channel, 0, len(names))
	for _, name := range names {
		ch := Channel(strings.ToLower(strings.TrimSpace(name)))
		if !ch.Valid() {
			return nil, fmt.Errorf("unknown notification channel %q", name)
		}
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out, nil
}

// User is the subset of the account record the alert pipeline reads.
type User struct {
	ID               string
	Email            *string
	TelegramChatID   *string
	TotalSavedUSD    decimal.Decimal
	TransactionCount int64
}

// Alert is a persisted user alert.
type Alert struct {
	ID              string
	UserID          string
	AlertType       string
	Condition       Condition
	Channels        []Channel
	Status          AlertStatus
	LastTriggeredAt *time.Time
	TriggerCount    int64
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Owner is populated by ListActiveAlerts.
	Owner User
	// DecodeErr is set by ListActiveAlerts when the stored condition could not be
	// decoded. Such an alert is returned with its identity only and must not be evaluated.
	DecodeErr error `json:"-"`
}

// AlertUpdate carries optional replacements for mutable alert fields.
type AlertUpdate struct {
	AlertType *string
	Condition *Condition
	Channels  []Channel
}

// Notification is a stored browser notification.
type Notification struct {
	ID        int64
	UserID    string
	Type      string
	Message   string
	Read      bool
	CreatedAt time.Time
}

// ModelMetadata records prediction model maintenance runs.
type ModelMetadata struct {
	ID          string
	ModelType   string
	Version     string
	Accuracy    decimal.Decimal
	LastTrained time.Time
}
