package events

import (
	"context"
	"fmt"

	"github.com/portfolio-rebalancer/internal/storage"
)

// ClickHouseSink records events in the portfolio_events audit table
type ClickHouseSink struct {
	db *storage.ClickHouseDB
}

// NewClickHouseSink creates a sink writing to db
func NewClickHouseSink(db *storage.ClickHouseDB) *ClickHouseSink {
	return &ClickHouseSink{db: db}
}

// Publish implements Sink
func (s *ClickHouseSink) Publish(ctx context.Context, e Event) error {
	return s.PublishBatch(ctx, []Event{e})
}

// PublishBatch inserts several events in one round trip
func (s *ClickHouseSink) PublishBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.db.Conn().PrepareBatch(ctx, `
		INSERT INTO portfolio_events (event_id, event_type, portfolio_id, actor, occurred_at, ledger_time, payload)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range events {
		payload, err := e.PayloadJSON()
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		if err := batch.Append(e.ID, string(e.Type), e.PortfolioID, e.Actor, e.OccurredAt, e.LedgerTime, payload); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}
