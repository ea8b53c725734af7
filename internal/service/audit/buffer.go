// Package audit buffers LLM call records and writes them in batches with COPY.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered entries.
const maxBufferCapacity = 50_000

// ErrBufferFull is returned by Record when the buffer is at capacity.
var ErrBufferFull = errors.New("audit: buffer at capacity")

// Sink persists a batch of entries. *storage.DB satisfies it.
type Sink interface {
	InsertAuditEntries(ctx context.Context, entries []model.LLMAuditEntry) (int64, error)
}

// Buffer accumulates audit entries in memory and flushes them when either
// the batch size or the flush interval is reached.
type Buffer struct {
	sink         Sink
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu      sync.Mutex
	entries []model.LLMAuditEntry

	dropped atomic.Int64
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer creates an audit buffer.
func NewBuffer(sink Sink, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushTimeout <= 0 {
		flushTimeout = 500 * time.Millisecond
	}
	return &Buffer{
		sink:         sink,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers gauges. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("audit: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Record queues one entry. It never blocks on the database.
func (b *Buffer) Record(e model.LLMAuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= maxBufferCapacity {
		b.dropped.Add(1)
		return ErrBufferFull
	}
	b.entries = append(b.entries, e)
	if len(b.entries) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled; the final flush uses the Drain deadline.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.entries
	b.entries = nil
	b.mu.Unlock()

	start := time.Now()
	n, err := b.sink.InsertAuditEntries(ctx, batch)
	if err != nil {
		b.logger.Error("audit: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		if len(b.entries)+len(batch) <= maxBufferCapacity {
			b.entries = append(batch, b.entries...)
		} else {
			b.dropped.Add(int64(len(batch)))
			b.logger.Error("audit: dropping entries, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("audit: batch flushed", "batch_size", n, "flush_duration_ms", time.Since(start).Milliseconds())
}

// Drain stops the flush loop after a final flush. ctx bounds the wait and
// the final write.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	} else {
		b.flush(ctx)
		return
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("audit: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("tsugi/audit")

	_, _ = meter.Int64ObservableGauge("tsugi.audit.buffer.depth",
		metric.WithDescription("Current number of LLM audit entries waiting to be written"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("tsugi.audit.dropped_total",
		metric.WithDescription("Total LLM audit entries dropped due to buffer capacity"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns how many entries were lost to capacity limits.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}
