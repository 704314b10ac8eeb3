package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/storage"
	"github.com/portfolio-rebalancer/internal/types"
)

type recordingSink struct {
	events []Event
	err    error
}

func (r *recordingSink) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func depositEvent() Event {
	return New(types.EventDeposit, 7, "alice", 1_700_000_000, map[string]string{
		"asset":  "usdc",
		"amount": "100",
	})
}

func TestNew(t *testing.T) {
	a := depositEvent()
	b := depositEvent()
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, types.EventDeposit, a.Type)
	assert.Equal(t, uint64(7), a.PortfolioID)
	assert.False(t, a.OccurredAt.IsZero())

	payload, err := a.PayloadJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"asset":"usdc","amount":"100"}`, payload)

	empty, err := New(types.EventEmergencyStop, 0, "admin", 1, nil).PayloadJSON()
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLoggerWithOutput(logging.LevelInfo, logging.FormatJSON, &buf)

	require.NoError(t, NewLogSink(logger).Publish(context.Background(), depositEvent()))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "events", line["component"])
	assert.Equal(t, string(types.EventDeposit), line["event_type"])
	assert.Equal(t, "usdc", line["payload.asset"])
	assert.EqualValues(t, 7, line["portfolio_id"])
}

func TestMultiSink(t *testing.T) {
	ok := &recordingSink{}
	broken := &recordingSink{err: errors.New("sink down")}
	after := &recordingSink{}

	err := MultiSink{ok, broken, after}.Publish(context.Background(), depositEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	assert.Len(t, ok.events, 1)
	assert.Len(t, after.events, 1, "a failing sink must not stop the fan-out")

	assert.NoError(t, MultiSink{}.Publish(context.Background(), depositEvent()))
	assert.NoError(t, Nop{}.Publish(context.Background(), depositEvent()))
}

func TestRedisStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sink := NewRedisStreamSink(client, "rebalancer:events")
	e := depositEvent()
	require.NoError(t, sink.Publish(ctx, e))
	require.NoError(t, sink.Publish(ctx, New(types.EventRebalanced, 7, "alice", 1_700_003_600, nil)))

	msgs, err := client.XRange(ctx, "rebalancer:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	first := msgs[0].Values
	assert.Equal(t, e.ID.String(), first["id"])
	assert.Equal(t, string(types.EventDeposit), first["type"])
	assert.Equal(t, "7", first["portfolio_id"])
	assert.Equal(t, "1700000000", first["ledger_time"])
	assert.JSONEq(t, `{"asset":"usdc","amount":"100"}`, first["payload"].(string))
	assert.Equal(t, string(types.EventRebalanced), msgs[1].Values["type"])
}

func TestRedisStreamSink_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	err := NewRedisStreamSink(client, "rebalancer:events").Publish(context.Background(), depositEvent())
	assert.Error(t, err)
}

func TestClickHouseSink(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := storage.NewClickHouseDB(ctx, &config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "rebalancer",
		User:     "default",
		Password: "clickhouse_dev_password",
	})
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, storage.RunClickHouseMigrations(ctx, db, "../../migrations/clickhouse"))

	sink := NewClickHouseSink(db)
	e := depositEvent()
	require.NoError(t, sink.Publish(ctx, e))
	require.NoError(t, sink.PublishBatch(ctx, nil))

	var count uint64
	require.NoError(t, db.Conn().QueryRow(ctx, "SELECT count() FROM portfolio_events WHERE event_id = ?", e.ID).Scan(&count))
	assert.Equal(t, uint64(1), count)
}
