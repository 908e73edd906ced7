package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InsertFunc persists one batch. It is only ever called from the flush loop.
type InsertFunc func(ctx context.Context, events []*DispatchEvent) error

// BatchConfig tunes a BatchWriter.
type BatchConfig struct {
	BufferSize    int
	FlushInterval time.Duration
	BatchSize     int
	// DrainTimeout bounds how long Close spends on the final flush.
	DrainTimeout time.Duration
	// InsertTimeout bounds each insert call.
	InsertTimeout time.Duration
}

// DefaultBatchConfig returns the settings used for ClickHouse.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BufferSize:    10_000,
		FlushInterval: 100 * time.Millisecond,
		BatchSize:     1000,
		DrainTimeout:  2 * time.Second,
		InsertTimeout: 5 * time.Second,
	}
}

// BatchWriter is an EventWriter that buffers events and hands them to an
// InsertFunc in batches from a background goroutine. Write never blocks:
// when the buffer is full the event is dropped and logged.
type BatchWriter struct {
	name   string
	insert InsertFunc
	cfg    BatchConfig
	logger *zap.Logger

	buffer    chan *DispatchEvent
	done      chan struct{}
	flushed   chan struct{}
	closeOnce sync.Once
}

// NewBatchWriter starts the flush loop. name prefixes log messages.
func NewBatchWriter(name string, insert InsertFunc, cfg BatchConfig, logger *zap.Logger) *BatchWriter {
	def := DefaultBatchConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = def.InsertTimeout
	}
	w := &BatchWriter{
		name:    name,
		insert:  insert,
		cfg:     cfg,
		logger:  logger,
		buffer:  make(chan *DispatchEvent, cfg.BufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

// Write queues an event for async insertion.
func (w *BatchWriter) Write(event *DispatchEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn(w.name+" buffer full, dropping event",
			zap.String("request_id", event.RequestID),
		)
	}
}

// Close drains buffered events and stops the flush loop. Safe to call twice.
func (w *BatchWriter) Close() {
	w.closeOnce.Do(func() { close(w.done) })
	<-w.flushed
}

func (w *BatchWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*DispatchEvent, 0, w.cfg.BatchSize)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(context.Background(), batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(context.Background(), batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
			defer cancel()
		drain:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.flush(drainCtx, batch)
			}
			return
		}
	}
}

func (w *BatchWriter) flush(parent context.Context, events []*DispatchEvent) {
	ctx, cancel := context.WithTimeout(parent, w.cfg.InsertTimeout)
	defer cancel()

	if err := w.insert(ctx, events); err != nil {
		w.logger.Error(w.name+" batch insert failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}
