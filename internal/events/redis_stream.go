package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStreamMaxLen = 100_000

// RedisStreamSink appends events to a Redis stream. The stream is trimmed
// approximately to MaxLen entries.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream
func NewRedisStreamSink(client *redis.Client, stream string) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: defaultStreamMaxLen}
}

// Publish implements Sink
func (s *RedisStreamSink) Publish(ctx context.Context, e Event) error {
	payload, err := e.PayloadJSON()
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":           e.ID.String(),
			"type":         string(e.Type),
			"portfolio_id": strconv.FormatUint(e.PortfolioID, 10),
			"actor":        e.Actor,
			"occurred_at":  e.OccurredAt.Format(time.RFC3339Nano),
			"ledger_time":  strconv.FormatUint(e.LedgerTime, 10),
			"payload":      payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append event to stream %s: %w", s.stream, err)
	}
	return nil
}
