package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"signalbot/internal/model"
)

// Publisher fans cycle results out on a Redis pub/sub channel so other
// processes can react to signals.
type Publisher struct {
	client  goredis.UniversalClient
	channel string
}

// NewPublisher publishes on "<prefix>:signals".
func NewPublisher(client goredis.UniversalClient, prefix string) *Publisher {
	if prefix == "" {
		prefix = "signalbot"
	}
	return &Publisher{client: client, channel: prefix + ":signals"}
}

// Channel returns the pub/sub channel name.
func (p *Publisher) Channel() string { return p.channel }

// Notify publishes r as JSON.
func (p *Publisher) Notify(ctx context.Context, r model.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", p.channel, err)
	}
	return nil
}
