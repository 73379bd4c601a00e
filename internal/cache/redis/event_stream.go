package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avhall/leverbot/internal/domain"
)

// streamMaxLen is the approximate maximum stream length, enforced via
// XADD MAXLEN ~ so old trading events age out on their own.
const streamMaxLen int64 = 10000

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "levbot:events"

// liveChannelSuffix names the pub/sub channel paired with a stream key.
// External tooling can SUBSCRIBE there for a live tail without reading
// the stream.
const liveChannelSuffix = ":live"

// EventStream implements domain.EventStream on a Redis stream. Entry IDs are
// assigned by Redis, which keeps them strictly ordered across producers.
// Each append is also published to the paired live channel.
type EventStream struct {
	rdb    *redis.Client
	stream string
}

// NewEventStream creates an EventStream appending to the given stream key.
func NewEventStream(c *Client, stream string) *EventStream {
	if stream == "" {
		stream = DefaultStream
	}
	return &EventStream{rdb: c.Underlying(), stream: stream}
}

// Append adds one event to the stream. The payload map rides as a single
// JSON field so arbitrary keys survive the round trip.
func (es *EventStream) Append(ctx context.Context, ev domain.StreamEvent) error {
	values := map[string]interface{}{
		"kind":   ev.Kind,
		"symbol": ev.Symbol,
		"at":     ev.At.UTC().Format(time.RFC3339Nano),
	}
	if len(ev.Payload) > 0 {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("redis: marshal event payload: %w", err)
		}
		values["payload"] = payload
	}

	args := &redis.XAddArgs{
		Stream: es.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}
	if err := es.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", es.stream, err)
	}

	// The live channel is advisory; the durable record is already in the
	// stream, so a failed publish must not fail the append.
	if payload, err := json.Marshal(ev); err == nil {
		_ = es.rdb.Publish(ctx, es.stream+liveChannelSuffix, payload).Err()
	}
	return nil
}

// ReadSince returns up to count events appended after lastID. Use "0" to
// read from the beginning. No pending events is not an error.
func (es *EventStream) ReadSince(ctx context.Context, lastID string, count int) ([]domain.StreamEvent, error) {
	if lastID == "" {
		lastID = "0"
	}

	args := &redis.XReadArgs{
		Streams: []string{es.stream, lastID},
		Count:   int64(count),
	}

	results, err := es.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", es.stream, err)
	}

	var events []domain.StreamEvent
	for _, s := range results {
		for _, msg := range s.Messages {
			events = append(events, decodeStreamEntry(msg))
		}
	}
	return events, nil
}

// decodeStreamEntry rebuilds a StreamEvent from raw entry values. Unparsable
// fields degrade to zero values rather than dropping the entry.
func decodeStreamEntry(msg redis.XMessage) domain.StreamEvent {
	ev := domain.StreamEvent{ID: msg.ID}

	if v, ok := msg.Values["kind"].(string); ok {
		ev.Kind = v
	}
	if v, ok := msg.Values["symbol"].(string); ok {
		ev.Symbol = v
	}
	if v, ok := msg.Values["at"].(string); ok {
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			ev.At = at
		}
	}
	if v, ok := msg.Values["payload"].(string); ok && v != "" {
		var payload map[string]string
		if err := json.Unmarshal([]byte(v), &payload); err == nil {
			ev.Payload = payload
		}
	}
	return ev
}

// Compile-time interface check.
var _ domain.EventStream = (*EventStream)(nil)
