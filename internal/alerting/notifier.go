package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// MetricLine is one selected sub-metric in an outbound message.
type MetricLine struct {
	SKU        string          `json:"sku"`
	SKUName    string          `json:"skuName"`
	Metric     string          `json:"metric"`
	Label      string          `json:"label"`
	Unit       string          `json:"unit"`
	Current    decimal.Decimal `json:"current"`
	Threshold  decimal.Decimal `json:"threshold"`
	Percentage decimal.Decimal `json:"percentage"`
	// FailedAccounts lists accounts whose data is missing from Current.
	FailedAccounts []string `json:"failedAccounts,omitempty"`
}

// Key renders the sku.metric identifier used in dedup keys.
func (l MetricLine) Key() string {
	return l.SKU + "." + l.Metric
}

// Message is the single summary sent per threshold check.
type Message struct {
	Mode         Mode         `json:"mode"`
	AccountsKey  string       `json:"accountsKey"`
	AccountNames []string     `json:"accountNames"`
	Period       string       `json:"period"`
	GeneratedAt  time.Time    `json:"generatedAt"`
	Lines        []MetricLine `json:"metrics"`
}

// Notifier delivers a message to an outbound channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// WebhookNotifier POSTs the message as JSON with a rendered text field.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  zerolog.Logger
}

// NewWebhookNotifier constructs the webhook channel.
func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "alert_webhook").Logger(),
	}
}

type webhookPayload struct {
	Text string `json:"text"`
	Message
}

// Notify sends one POST; non-2xx responses are errors.
func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{Text: renderMessage(msg), Message: msg})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}

	n.logger.Info().
		Str("mode", string(msg.Mode)).
		Str("accounts_key", msg.AccountsKey).
		Int("metrics", len(msg.Lines)).
		Msg("alert sent (webhook)")
	return nil
}

// TelegramNotifier pushes the rendered text through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs the Telegram channel.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(msg),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram responded %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().
		Str("mode", string(msg.Mode)).
		Str("accounts_key", msg.AccountsKey).
		Int("metrics", len(msg.Lines)).
		Msg("alert sent (telegram)")
	return nil
}

// Fanout delivers to every channel and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderMessage(msg Message) string {
	builder := strings.Builder{}
	if msg.Mode == ModeReport {
		builder.WriteString("[Usage Report]\n")
	} else {
		builder.WriteString("[Usage Alert]\n")
	}
	builder.WriteString(fmt.Sprintf("Accounts: %s\n", strings.Join(msg.AccountNames, ", ")))
	builder.WriteString(fmt.Sprintf("Period: %s\n", msg.Period))
	for _, line := range msg.Lines {
		label := line.Label
		if label == "" {
			label = line.Metric
		}
		if line.Threshold.IsZero() {
			builder.WriteString(fmt.Sprintf("- %s / %s: %s %s (no threshold)\n",
				line.SKUName, label, line.Current.StringFixed(2), line.Unit))
		} else {
			builder.WriteString(fmt.Sprintf("- %s / %s: %s of %s %s (%s%%)\n",
				line.SKUName, label, line.Current.StringFixed(2), line.Threshold.StringFixed(2), line.Unit, line.Percentage.StringFixed(1)))
		}
		if len(line.FailedAccounts) > 0 {
			builder.WriteString(fmt.Sprintf("  missing data: %s\n", strings.Join(line.FailedAccounts, ", ")))
		}
	}
	builder.WriteString(fmt.Sprintf("Generated: %s UTC", msg.GeneratedAt.UTC().Format(time.RFC3339)))
	return builder.String()
}

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Fanout(nil)
)
