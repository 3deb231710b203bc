package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"signalbot/internal/logger"
	"signalbot/internal/model"
)

// TelegramConfig configures the Bot API client.
type TelegramConfig struct {
	Token   string // from @BotFather
	BaseURL string // default https://api.telegram.org
	Timeout time.Duration
	Logger  *zap.Logger
}

// TelegramNotifier sends each result to the subscriber's chat through the
// Telegram Bot API.
type TelegramNotifier struct {
	client *resty.Client
	token  string
	log    *zap.Logger
}

type sendMessage struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// NewTelegramNotifier creates a Telegram notifier.
func NewTelegramNotifier(cfg TelegramConfig) (*TelegramNotifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal

	return &TelegramNotifier{
		client: client,
		token:  cfg.Token,
		log:    logger.OrNop(cfg.Logger).With(zap.String("component", "telegram")),
	}, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, r model.Result) error {
	var out botResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(sendMessage{
			ChatID:    r.ChatID,
			Text:      escapeMarkdown(Render(r)),
			ParseMode: "MarkdownV2",
		}).
		SetResult(&out).
		SetError(&out).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	if resp.IsError() || !out.OK {
		if out.Description != "" {
			return fmt.Errorf("telegram: chat %d: %s (%d)", r.ChatID, out.Description, resp.StatusCode())
		}
		return fmt.Errorf("telegram: chat %d: unexpected status %d", r.ChatID, resp.StatusCode())
	}

	t.log.Debug("sent alert", append(logger.Fields(ctx),
		zap.Int64("chat_id", r.ChatID), zap.String("signal", string(r.Signal)))...)
	return nil
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)
	for _, r := range s {
		if strings.ContainsRune(specials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
