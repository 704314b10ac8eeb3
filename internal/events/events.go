// Package events publishes portfolio lifecycle events after their unit of
// work has committed. Publishing is best effort: sinks report failures to the
// caller, which logs them and carries on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/types"
)

// Event is one committed state change
type Event struct {
	ID          uuid.UUID         `json:"id"`
	Type        types.EventType   `json:"type"`
	PortfolioID uint64            `json:"portfolio_id,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
	LedgerTime  uint64            `json:"ledger_time"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// New creates an event with a fresh id
func New(eventType types.EventType, portfolioID uint64, actor string, ledgerTime uint64, payload map[string]string) Event {
	return Event{
		ID:          uuid.New(),
		Type:        eventType,
		PortfolioID: portfolioID,
		Actor:       actor,
		OccurredAt:  time.Now().UTC(),
		LedgerTime:  ledgerTime,
		Payload:     payload,
	}
}

// PayloadJSON returns the payload encoded as a JSON object
func (e Event) PayloadJSON() (string, error) {
	if len(e.Payload) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Sink receives events
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event
type Nop struct{}

// Publish implements Sink
func (Nop) Publish(context.Context, Event) error { return nil }

// LogSink writes events to the structured log
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink logging through logger, or the context logger
// when logger is nil
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements Sink
func (s *LogSink) Publish(ctx context.Context, e Event) error {
	logger := s.logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	fields := map[string]interface{}{
		"event_id":    e.ID.String(),
		"event_type":  string(e.Type),
		"ledger_time": e.LedgerTime,
	}
	if e.PortfolioID != 0 {
		fields["portfolio_id"] = e.PortfolioID
	}
	if e.Actor != "" {
		fields["actor"] = e.Actor
	}
	for k, v := range e.Payload {
		fields["payload."+k] = v
	}
	logger.WithComponent("events").WithFields(fields).Info("Portfolio event")
	return nil
}

// MultiSink fans an event out to every sink. One failing sink does not stop
// the others; their errors are joined.
type MultiSink []Sink

// Publish implements Sink
func (m MultiSink) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
