package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// streamMaxLen caps each stream so finished workflows do not accumulate forever
	streamMaxLen = 10000

	readBlock = time.Second
	readCount = 50
)

// StreamsEventBus implements ports.EventBus and ports.EventHistory on Redis
// Streams. Every subscriber reads the whole stream from the moment it
// subscribes, so live viewers on different replicas all see every event.
type StreamsEventBus struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewStreamsEventBus creates a new Redis Streams event bus. Stream keys are
// "<prefix>:events:<topic>".
func NewStreamsEventBus(client *redis.Client, prefix string, logger *zap.Logger) *StreamsEventBus {
	if prefix == "" {
		prefix = "taskloop"
	}
	return &StreamsEventBus{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Publish appends an event to the topic's stream
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	streamKey := e.streamKey(topic)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":     string(event.Type),
			"agent_id": event.AgentID,
			"data":     string(data),
		},
	}

	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("agent_id", event.AgentID),
		zap.String("stream", streamKey))

	return nil
}

// Subscribe delivers events appended after the call until ctx is done
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	streamKey := e.streamKey(topic)

	// resolve the current tail now so events published right after
	// Subscribe returns are not missed
	lastID := "0-0"
	latest, err := e.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
	if err != nil {
		return fmt.Errorf("failed to read stream tail: %w", err)
	}
	if len(latest) > 0 {
		lastID = latest[0].ID
	}

	e.logger.Debug("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("from", lastID))

	go e.readStream(ctx, streamKey, lastID, handler)

	return nil
}

// Recent returns up to n of the latest events on topic, oldest first
func (e *StreamsEventBus) Recent(ctx context.Context, topic string, n int) ([]domain.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	streamKey := e.streamKey(topic)

	messages, err := e.client.XRevRangeN(ctx, streamKey, "+", "-", int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	events := make([]domain.Event, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		event, err := decodeMessage(messages[i])
		if err != nil {
			e.logger.Warn("skipping undecodable event",
				zap.String("stream", streamKey),
				zap.String("message_id", messages[i].ID),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// readStream follows a stream from lastID
func (e *StreamsEventBus) readStream(ctx context.Context, streamKey, lastID string, handler ports.EventHandler) {
	for ctx.Err() == nil {
		streams, err := e.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, lastID},
			Count:   readCount,
			Block:   readBlock,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			e.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-time.After(readBlock):
			case <-ctx.Done():
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				lastID = message.ID
				e.dispatch(ctx, streamKey, message, handler)
			}
		}
	}
}

// dispatch decodes a stream message and hands it to handler
func (e *StreamsEventBus) dispatch(ctx context.Context, streamKey string, message redis.XMessage, handler ports.EventHandler) {
	event, err := decodeMessage(message)
	if err != nil {
		e.logger.Error("failed to decode event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := handler(ctx, event); err != nil {
		e.logger.Warn("event handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

// Close is a no-op; the Redis client is owned and closed by the caller
func (e *StreamsEventBus) Close() error {
	return nil
}

func (e *StreamsEventBus) streamKey(topic string) string {
	return fmt.Sprintf("%s:events:%s", e.prefix, topic)
}

func decodeMessage(message redis.XMessage) (domain.Event, error) {
	var event domain.Event
	data, ok := message.Values["data"].(string)
	if !ok {
		return event, fmt.Errorf("message %s has no data field", message.ID)
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return event, nil
}
