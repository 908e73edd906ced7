package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingInserter struct {
	mu      sync.Mutex
	batches [][]*DispatchEvent
	err     error
}

func (r *recordingInserter) insert(_ context.Context, events []*DispatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]*DispatchEvent(nil), events...))
	return r.err
}

func (r *recordingInserter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestBatchWriter_DropsWhenBufferFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	w := &BatchWriter{
		name:   "clickhouse",
		buffer: make(chan *DispatchEvent, 1),
		logger: zap.New(core),
	}

	w.Write(&DispatchEvent{RequestID: "a"})
	w.Write(&DispatchEvent{RequestID: "b"})

	if len(w.buffer) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(w.buffer))
	}
	dropped := logs.FilterMessage("clickhouse buffer full, dropping event").All()
	if len(dropped) != 1 || dropped[0].ContextMap()["request_id"] != "b" {
		t.Fatalf("expected drop of b to be logged, got %v", logs.All())
	}
}

func TestBatchWriter_FlushesFullBatches(t *testing.T) {
	rec := &recordingInserter{}
	w := NewBatchWriter("test", rec.insert, BatchConfig{
		BatchSize:     2,
		FlushInterval: time.Hour,
	}, zap.NewNop())
	defer w.Close()

	w.Write(&DispatchEvent{RequestID: "a"})
	w.Write(&DispatchEvent{RequestID: "b"})

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() != 2 {
		t.Fatalf("expected a full batch to flush without waiting for the ticker, got %d events", rec.count())
	}
}

func TestBatchWriter_CloseDrainsBuffer(t *testing.T) {
	rec := &recordingInserter{}
	w := NewBatchWriter("test", rec.insert, BatchConfig{FlushInterval: time.Hour}, zap.NewNop())

	for _, id := range []string{"a", "b", "c"} {
		w.Write(&DispatchEvent{RequestID: id})
	}
	w.Close()
	w.Close()

	if rec.count() != 3 {
		t.Fatalf("expected Close to flush 3 buffered events, got %d", rec.count())
	}
}

func TestBatchWriter_LogsInsertFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	rec := &recordingInserter{err: errors.New("connection reset")}
	w := NewBatchWriter("test", rec.insert, BatchConfig{FlushInterval: time.Hour}, zap.New(core))

	w.Write(&DispatchEvent{RequestID: "a"})
	w.Close()

	failed := logs.FilterMessage("test batch insert failed").All()
	if len(failed) != 1 || failed[0].ContextMap()["batch_size"] != int64(1) {
		t.Fatalf("expected insert failure to be logged, got %v", logs.All())
	}
}

func TestLogWriter_EmitsStructuredEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := NewLogWriter(zap.New(core))
	defer w.Close()

	w.Write(&DispatchEvent{
		RequestID:   "req-1",
		SessionID:   "s",
		Timestamp:   time.Now(),
		ToolID:      "echo",
		ToolVersion: 2,
		Mode:        "real",
		Outcome:     "execution-error",
		Reason:      "sandbox-violation",
		Violation:   true,
	})
	w.Write(&DispatchEvent{RequestID: "req-2", ToolID: "echo", Outcome: "success"})

	entries := logs.FilterMessage("tool_dispatch_event").All()
	if len(entries) != 2 {
		t.Fatalf("expected two event logs, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["tool_id"] != "echo" || fields["violation"] != true || fields["tool_version"] != int32(2) {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if _, ok := entries[1].ContextMap()["violation"]; ok {
		t.Error("violation should only be logged when set")
	}
}
