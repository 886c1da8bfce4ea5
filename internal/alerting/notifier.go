package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"gasguard/internal/storage"
)

// Sender delivers a message to a user on one channel.
type Sender interface {
	Channel() storage.Channel
	// Accepts reports whether the user can be reached on this channel.
	Accepts(user storage.User) bool
	Send(ctx context.Context, user storage.User, message string) error
}

const (
	alertSubject       = "GasGuard Alert"
	notificationType   = "ALERT"
	defaultSendTimeout = 10 * time.Second
)

// TelegramSender pushes messages through the Telegram Bot API.
type TelegramSender struct {
	botToken string
	client   *resty.Client
	logger   zerolog.Logger
}

// NewTelegramSender builds the Telegram sender.
func NewTelegramSender(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSender {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramSender{
		botToken: botToken,
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		logger: logger.With().Str("component", "notify_telegram").Logger(),
	}
}

func (n *TelegramSender) Channel() storage.Channel { return storage.ChannelTelegram }

func (n *TelegramSender) Accepts(user storage.User) bool {
	return user.TelegramChatID != nil && *user.TelegramChatID != ""
}

// Send calls sendMessage for the user's chat.
func (n *TelegramSender) Send(ctx context.Context, user storage.User, message string) error {
	if !n.Accepts(user) {
		return errors.New("user has no telegram chat id")
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"chat_id": *user.TelegramChatID, "text": message}).
		Post("/bot" + n.botToken + "/sendMessage")
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	n.logger.Debug().Str("user", user.ID).Msg("telegram notification sent")
	return nil
}

// DiscordSender posts to a channel webhook.
type DiscordSender struct {
	webhookURL string
	client     *resty.Client
	logger     zerolog.Logger
}

// NewDiscordSender builds the Discord webhook sender.
func NewDiscordSender(webhookURL string, timeout time.Duration, logger zerolog.Logger) *DiscordSender {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		logger:     logger.With().Str("component", "notify_discord").Logger(),
	}
}

func (n *DiscordSender) Channel() storage.Channel { return storage.ChannelDiscord }

// Accepts is always true; the webhook targets a shared channel.
func (n *DiscordSender) Accepts(storage.User) bool { return true }

func (n *DiscordSender) Send(ctx context.Context, user storage.User, message string) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"content": message}).
		Post(n.webhookURL)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// SMTPOptions configures outbound mail.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender delivers alerts over SMTP.
type EmailSender struct {
	opts   SMTPOptions
	logger zerolog.Logger
}

// NewEmailSender builds the SMTP sender. From defaults to the username.
func NewEmailSender(opts SMTPOptions, logger zerolog.Logger) *EmailSender {
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.From == "" {
		opts.From = opts.Username
	}
	return &EmailSender{opts: opts, logger: logger.With().Str("component", "notify_email").Logger()}
}

func (n *EmailSender) Channel() storage.Channel { return storage.ChannelEmail }

func (n *EmailSender) Accepts(user storage.User) bool {
	return user.Email != nil && *user.Email != ""
}

func (n *EmailSender) Send(ctx context.Context, user storage.User, message string) error {
	if !n.Accepts(user) {
		return errors.New("user has no email address")
	}

	msg := mail.NewMsg()
	if err := msg.From(n.opts.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := msg.To(*user.Email); err != nil {
		return fmt.Errorf("set recipient: %w", err)
	}
	msg.Subject(alertSubject)
	msg.SetBodyString(mail.TypeTextPlain, message)
	msg.AddAlternativeString(mail.TypeTextHTML, "<p>"+html.EscapeString(message)+"</p>")

	client, err := mail.NewClient(n.opts.Host,
		mail.WithPort(n.opts.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(n.opts.Username),
		mail.WithPassword(n.opts.Password),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// Publisher fans browser notifications out to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// BrowserSender stores the notification for the web client and publishes it live.
type BrowserSender struct {
	store     storage.NotificationStore
	publisher Publisher
	logger    zerolog.Logger
}

// NewBrowserSender builds the browser sender. publisher may be nil.
func NewBrowserSender(store storage.NotificationStore, publisher Publisher, logger zerolog.Logger) *BrowserSender {
	return &BrowserSender{store: store, publisher: publisher, logger: logger.With().Str("component", "notify_browser").Logger()}
}

func (n *BrowserSender) Channel() storage.Channel { return storage.ChannelBrowser }

func (n *BrowserSender) Accepts(user storage.User) bool { return user.ID != "" }

func (n *BrowserSender) Send(ctx context.Context, user storage.User, message string) error {
	stored, err := n.store.InsertNotification(ctx, storage.Notification{
		UserID:  user.ID,
		Type:    notificationType,
		Message: message,
	})
	if err != nil {
		return err
	}
	if n.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"id":        stored.ID,
		"type":      stored.Type,
		"message":   stored.Message,
		"createdAt": stored.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.publisher.Publish(ctx, "notifications:"+user.ID, string(payload)); err != nil {
		n.logger.Warn().Err(err).Str("user", user.ID).Msg("publish notification")
	}
	return nil
}

var (
	_ Sender = (*TelegramSender)(nil)
	_ Sender = (*DiscordSender)(nil)
	_ Sender = (*EmailSender)(nil)
	_ Sender = (*BrowserSender)(nil)
)
