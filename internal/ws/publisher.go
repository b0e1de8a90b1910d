// Package ws publishes workspace execution events to Redis.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultFillChannel 默认成交事件频道模板
const DefaultFillChannel = "spotbot:{workspace}:fills"

const workspacePlaceholder = "{workspace}"

// Publisher publishes execution events per workspace.
type Publisher struct {
	client   redis.Cmdable
	template string
}

// NewPublisher creates a publisher; an empty template uses DefaultFillChannel.
func NewPublisher(client redis.Cmdable, template string) *Publisher {
	if template == "" {
		template = DefaultFillChannel
	}
	return &Publisher{client: client, template: template}
}

// Channel 返回 workspace 对应的频道
func (p *Publisher) Channel(workspace string) string {
	return strings.ReplaceAll(p.template, workspacePlaceholder, workspace)
}

// PublishFill publishes a fill event.
func (p *Publisher) PublishFill(ctx context.Context, workspace string, fill any) error {
	return p.publish(ctx, workspace, "fill", "filled", fill)
}

// PublishRisk publishes a risk state change (halt, resume, cooldown).
func (p *Publisher) PublishRisk(ctx context.Context, workspace, event string, data any) error {
	return p.publish(ctx, workspace, "risk", event, data)
}

func (p *Publisher) publish(ctx context.Context, workspace, channel, event string, data any) error {
	if p == nil || p.client == nil {
		return errors.New("publisher not configured")
	}
	payload := map[string]interface{}{
		"channel":   channel,
		"workspace": workspace,
		"data":      data,
	}
	if event != "" {
		payload["event"] = event
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(workspace), raw).Err()
}
