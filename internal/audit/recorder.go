// Package audit records usage events without slowing down the caller.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicegate/devicegate/internal/metrics"
	"github.com/devicegate/devicegate/internal/model"
)

const (
	DefaultQueueSize    = 1024
	DefaultWriteTimeout = 5 * time.Second
)

// Appender is the part of the store the recorder writes to.
type Appender interface {
	AppendAuditEvent(ctx context.Context, e *model.AuditEvent) error
}

// Config tunes a Recorder. Zero values select the defaults.
type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
}

// Recorder writes audit events from a bounded queue on a background
// goroutine. Record never blocks: when the queue is full the event is
// dropped and counted.
type Recorder struct {
	log     Appender
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan model.AuditEvent

	dropped atomic.Int64
	failed  atomic.Int64
	done    chan struct{}
}

// NewRecorder starts a recorder writing to log.
func NewRecorder(log Appender, cfg Config, logger *slog.Logger) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		log:     log,
		timeout: cfg.WriteTimeout,
		logger:  logger.With("component", "audit"),
		queue:   make(chan model.AuditEvent, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues e for writing.
func (r *Recorder) Record(e model.AuditEvent) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop("recorder closed")
		return
	}
	select {
	case r.queue <- e:
		metrics.AuditQueueDepth.Set(float64(len(r.queue)))
	default:
		r.drop("queue full")
	}
}

func (r *Recorder) drop(reason string) {
	r.dropped.Add(1)
	metrics.AuditEventsTotal.WithLabelValues("dropped").Inc()
	r.logger.Warn("audit event dropped", "reason", reason)
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		metrics.AuditQueueDepth.Set(float64(len(r.queue)))
		r.write(e)
	}
}

func (r *Recorder) write(e model.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.log.AppendAuditEvent(ctx, &e); err != nil {
		r.failed.Add(1)
		metrics.AuditEventsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("audit write failed", "error", err, "key_id", e.KeyID, "resource", e.Resource)
		return
	}
	metrics.AuditEventsTotal.WithLabelValues("written").Inc()
}

// Dropped returns the number of events discarded without being written.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Failed returns the number of events the store rejected.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

// Close stops accepting events and waits for queued ones to be written, or
// for ctx to end. It is safe to call more than once.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("audit queue not drained before shutdown", "pending", len(r.queue))
		return ctx.Err()
	}
}
