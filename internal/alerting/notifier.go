package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinwatch/internal/events"
)

// Notifier forwards fired alerts to an out-of-band channel.
type Notifier interface {
	Notify(ctx context.Context, alert events.AlertFired) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(context.Context, events.AlertFired) error { return nil }

// TelegramNotifier posts alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *resty.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs the notifier.
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
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout),
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered alert.
func (n *TelegramNotifier) Notify(ctx context.Context, alert events.AlertFired) error {
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": n.chatID,
			"text":    renderMessage(alert),
		}).
		SetResult(&result).
		Post(fmt.Sprintf("/bot%s/sendMessage", n.botToken))
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode())
	}
	if !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	n.logger.Info().
		Int64("alert_id", alert.AlertID).
		Str("asset", alert.AssetID).
		Msg("alert delivered (telegram)")
	return nil
}

func renderMessage(alert events.AlertFired) string {
	builder := strings.Builder{}
	builder.WriteString("[coinwatch alert]\n")
	builder.WriteString(fmt.Sprintf("Asset: %s/%s\n", alert.AssetID, strings.ToUpper(alert.QuoteCurrency)))
	builder.WriteString(fmt.Sprintf("Rule: price %s %s\n", alert.Operator, decimal.NewFromFloat(alert.Threshold).String()))
	builder.WriteString(fmt.Sprintf("Price: %s\n", decimal.NewFromFloat(alert.Price).String()))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", alert.ObservedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Alert ID: %d", alert.AlertID))
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = NopNotifier{}
)
