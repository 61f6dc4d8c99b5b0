// Package monitor records admission decisions for observability and
// administrative inspection. Everything here is best-effort: a write failure
// is logged and dropped, never surfaced to the admission path.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"admission-service/internal/client"
	"admission-service/internal/config"
	"admission-service/internal/ratelimit"
	"admission-service/internal/util"
)

const (
	flushBatchSize = 128
	flushInterval  = time.Second
	dropLogEvery   = 1000
)

// wireEvent is the serialized form published to Kafka.
type wireEvent struct {
	ID           string    `json:"id"`
	Key          string    `json:"key"`
	Action       string    `json:"action"`
	RequestCount int       `json:"request_count"`
	Degraded     bool      `json:"degraded"`
	At           time.Time `json:"at"`
}

// Monitor fans decision events out to the log, Kafka, and the ClickHouse
// violation table. Either sink may be nil; the zap line always happens.
type Monitor struct {
	producer *client.KafkaProducer
	ch       *client.ClickHouseClient
	table    string
	logger   *zap.Logger

	events  chan ratelimit.Event
	dropped atomic.Uint64
	closed  atomic.Bool
	group   errgroup.Group
	cancel  context.CancelFunc
}

func New(cfg *config.Config, producer *client.KafkaProducer, ch *client.ClickHouseClient, logger *zap.Logger) *Monitor {
	buffer := cfg.RateLimit.EventBuffer
	if buffer <= 0 {
		buffer = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		producer: producer,
		ch:       ch,
		table:    cfg.Clickhouse.ViolationTable,
		logger:   logger,
		events:   make(chan ratelimit.Event, buffer),
		cancel:   cancel,
	}

	m.group.Go(func() error {
		m.run(ctx)
		return nil
	})

	return m
}

// Record enqueues one event. It never blocks: when the buffer is full the
// event is dropped and counted.
func (m *Monitor) Record(e ratelimit.Event) {
	if m.closed.Load() {
		return
	}

	if e.Action != ratelimit.ActionAllowed {
		m.logger.Info("admission denied",
			util.String("key", e.Key),
			util.String("action", string(e.Action)),
			util.Int("request_count", e.RequestCount),
			util.Bool("degraded", e.Degraded),
		)
	}

	select {
	case m.events <- e:
	default:
		if n := m.dropped.Add(1); n%dropLogEvery == 1 {
			m.logger.Warn("violation event buffer full, dropping events",
				util.Int64("dropped_total", int64(n)))
		}
	}
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]ratelimit.Event, 0, flushBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already buffered before shutting down.
			for {
				select {
				case e := <-m.events:
					batch = append(batch, e)
					if len(batch) >= flushBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case e := <-m.events:
			batch = append(batch, e)
			if len(batch) >= flushBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (m *Monitor) flush(batch []ratelimit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if m.producer != nil {
		for _, e := range batch {
			payload, err := json.Marshal(wireEvent{
				ID:           e.ID,
				Key:          e.Key,
				Action:       string(e.Action),
				RequestCount: e.RequestCount,
				Degraded:     e.Degraded,
				At:           e.At,
			})
			if err != nil {
				continue
			}
			if err := m.producer.Publish(ctx, []byte(e.Key), payload); err != nil {
				m.logger.Warn("failed to publish violation event", util.ErrorField(err))
				break
			}
		}
	}

	if m.ch != nil {
		rows := make([][]interface{}, 0, len(batch))
		for _, e := range batch {
			rows = append(rows, []interface{}{
				e.ID, e.Key, string(e.Action), int32(e.RequestCount), e.Degraded, e.At,
			})
		}
		query := fmt.Sprintf("INSERT INTO %s (id, key, action, request_count, degraded, at)", m.table)
		if err := m.ch.BatchInsert(ctx, query, rows); err != nil {
			m.logger.Warn("failed to insert violation events", util.ErrorField(err))
		}
	}
}

// EnsureSchema creates the violation table when ClickHouse is configured.
func (m *Monitor) EnsureSchema(ctx context.Context) error {
	if m.ch == nil {
		return nil
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id String,
			key String,
			action String,
			request_count Int32,
			degraded Bool,
			at DateTime64(3)
		) ENGINE = MergeTree
		ORDER BY (key, at)
		TTL toDateTime(at) + INTERVAL 30 DAY
	`, m.table)
	return m.ch.Exec(ctx, query)
}

// Recent returns events for a key within [from, to], newest first. An empty
// key matches all keys.
func (m *Monitor) Recent(ctx context.Context, key string, from, to time.Time, limit int) ([]ratelimit.Event, error) {
	if m.ch == nil {
		return nil, fmt.Errorf("violation log storage is not configured")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, key, action, request_count, degraded, at
		FROM %s
		WHERE at >= ? AND at <= ? AND (? = '' OR key = ?)
		ORDER BY at DESC
		LIMIT %d
	`, m.table, limit)

	rows, err := m.ch.QueryRows(ctx, query, from, to, key, key)
	if err != nil {
		return nil, fmt.Errorf("violation query failed: %w", err)
	}
	defer rows.Close()

	var events []ratelimit.Event
	for rows.Next() {
		var (
			e            ratelimit.Event
			action       string
			requestCount int32
		)
		if err := rows.Scan(&e.ID, &e.Key, &action, &requestCount, &e.Degraded, &e.At); err != nil {
			return nil, fmt.Errorf("violation row scan failed: %w", err)
		}
		e.Action = ratelimit.Action(action)
		e.RequestCount = int(requestCount)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Purge removes events older than the cutoff.
func (m *Monitor) Purge(ctx context.Context, before time.Time) error {
	if m.ch == nil {
		return fmt.Errorf("violation log storage is not configured")
	}
	query := fmt.Sprintf("ALTER TABLE %s DELETE WHERE at < ?", m.table)
	return m.ch.Exec(ctx, query, before)
}

// Dropped reports how many events were shed under buffer pressure.
func (m *Monitor) Dropped() uint64 {
	return m.dropped.Load()
}

// Close drains buffered events and stops the flusher.
func (m *Monitor) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	return m.group.Wait()
}
