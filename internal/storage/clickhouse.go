package storage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS tool_dispatch_events (
	event_id         String,
	request_id       String,
	session_id       String,
	timestamp        DateTime64(3),
	tool_id          LowCardinality(String),
	tool_version     Int32,
	mode             LowCardinality(String),
	state            LowCardinality(String),
	outcome          LowCardinality(String),
	reason           LowCardinality(String),
	detail           String,
	field            String,
	exit_status      Int32,
	violation        UInt8,
	arguments_json   String,
	approval_wait_ms Float32,
	latency_ms       Float32
) ENGINE = MergeTree
ORDER BY (tool_id, timestamp)`

const insertEvents = `
INSERT INTO tool_dispatch_events (
	event_id, request_id, session_id, timestamp,
	tool_id, tool_version, mode, state,
	outcome, reason, detail, field,
	exit_status, violation, arguments_json,
	approval_wait_ms, latency_ms
)`

// ClickHouseWriter writes dispatch events to ClickHouse through a
// BatchWriter. TLS is used when the DSN asks for it (secure=true).
type ClickHouseWriter struct {
	*BatchWriter
	conn driver.Conn
}

// NewClickHouseWriter connects, creates the events table if needed and
// starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: ping: %w", err)
	}
	if err := conn.Exec(ctx, createEventsTable); err != nil {
		conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: create table: %w", err)
	}

	w := &ClickHouseWriter{conn: conn}
	w.BatchWriter = NewBatchWriter("clickhouse", w.insert, DefaultBatchConfig(), logger)
	return w, nil
}

// Close flushes buffered events and closes the connection.
func (w *ClickHouseWriter) Close() {
	w.BatchWriter.Close()
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) insert(ctx context.Context, events []*DispatchEvent) error {
	batch, err := w.conn.PrepareBatch(ctx, insertEvents)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		var violation uint8
		if e.Violation {
			violation = 1
		}

		if err := batch.Append(
			e.EventID,
			e.RequestID,
			e.SessionID,
			e.Timestamp,
			e.ToolID,
			e.ToolVersion,
			e.Mode,
			e.State,
			e.Outcome,
			e.Reason,
			e.Detail,
			e.Field,
			e.ExitStatus,
			violation,
			e.ArgumentsJSON,
			e.ApprovalWaitMs,
			e.LatencyMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
	}

	return batch.Send()
}
