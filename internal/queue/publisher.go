package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// streamMaxLen caps the audit stream; XADD trims approximately past it.
const streamMaxLen = 100_000

// Publisher defines the interface for publishing events to a stream.
type Publisher interface {
	// Publish adds an event to the specified stream.
	// Returns the message ID assigned by Redis.
	Publish(ctx context.Context, stream string, event DeviceEvent) (messageID string, err error)
}

// RedisPublisher implements Publisher using Redis Streams.
type RedisPublisher struct {
	client *redis.Client
}

// NewPublisher creates a new Publisher backed by Redis Streams.
func NewPublisher(client *redis.Client) Publisher {
	return &RedisPublisher{client: client}
}

// Publish adds an event to the stream using XADD with an auto-generated ID.
func (p *RedisPublisher) Publish(ctx context.Context, stream string, event DeviceEvent) (string, error) {
	startTime := time.Now()

	values, err := event.ToMap()
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}

	messageID, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		slog.Warn("publish failed", "component", "publisher", "stream", stream, "type", event.Type, "error", err)
		return "", fmt.Errorf("xadd to stream: %w", err)
	}

	slog.Debug("published", "component", "publisher", "stream", stream, "type", event.Type,
		"msg_id", messageID, "device_id", event.DeviceID, "duration", time.Since(startTime))
	return messageID, nil
}

// NopPublisher drops events. Used when no Redis is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, DeviceEvent) (string, error) {
	return "", nil
}
