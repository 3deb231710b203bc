package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"

	"signalbot/internal/model"
)

// WebhookNotifier POSTs each result as JSON to a generic HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *resty.Client
}

type webhookPayload struct {
	Level   AlertLevel   `json:"level"`
	Title   string       `json:"title"`
	Message string       `json:"message"`
	Result  model.Result `json:"result"`
	TS      string       `json:"ts"`
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	client.JSONMarshal = json.Marshal
	return &WebhookNotifier{url: url, client: client}
}

func (w *WebhookNotifier) Notify(ctx context.Context, r model.Result) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{
			Level:   LevelOf(r.Signal),
			Title:   Title(r),
			Message: Render(r),
			Result:  r,
			TS:      time.Now().UTC().Format(time.RFC3339Nano),
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode())
	}
	return nil
}
