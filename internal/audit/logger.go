// Package audit keeps the append-only payment audit trail.
//
// Writes go through a bounded queue drained by a background worker, so a slow
// or failing sink never blocks settlement and never surfaces an error to the
// caller. Reads (trail, suspicious activity, alerts) go straight to the store.
package audit

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/safar/marketplace-settlement/internal/clock"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/metrics"
	"github.com/safar/marketplace-settlement/internal/models"
	"go.uber.org/zap"
)

// DefaultRetention is how long audit records are kept.
const DefaultRetention = 90 * 24 * time.Hour

// Sink persists audit events.
type Sink interface {
	InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error
}

// Reader queries persisted audit events.
type Reader interface {
	// ListAuditEvents returns events for reference recorded at or after since,
	// newest first.
	ListAuditEvents(ctx context.Context, reference string, since time.Time) ([]models.AuditEvent, error)
	CountAuditEvents(ctx context.Context, kinds []models.AuditEventKind, since time.Time) (map[models.AuditEventKind]int, error)
	PurgeAuditEvents(ctx context.Context, before time.Time) (int64, error)
}

type Store interface {
	Sink
	Reader
}

// Recorder is what the payment and inventory components depend on.
type Recorder interface {
	Record(ctx context.Context, kind models.AuditEventKind, reference string, fields ...Field)
}

type Options struct {
	QueueSize     int
	Retention     time.Duration
	PurgeInterval time.Duration
	WriteTimeout  time.Duration
	Thresholds    *Thresholds
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type Logger struct {
	store      Store
	queue      chan models.AuditEvent
	retention  time.Duration
	purgeEvery time.Duration
	writeTO    time.Duration
	thresholds Thresholds
	clock      clock.Clock
	log        *zap.Logger
	metrics    *metrics.Metrics

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	drained   chan struct{}
	wg        sync.WaitGroup
}

func New(store Store, opts Options) *Logger {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	thresholds := DefaultThresholds()
	if opts.Thresholds != nil {
		thresholds = *opts.Thresholds
	}

	return &Logger{
		store:      store,
		queue:      make(chan models.AuditEvent, opts.QueueSize),
		retention:  opts.Retention,
		purgeEvery: opts.PurgeInterval,
		writeTO:    opts.WriteTimeout,
		thresholds: thresholds,
		clock:      opts.Clock,
		log:        logging.OrNop(opts.Logger).With(zap.String("component", "audit")),
		metrics:    metrics.OrDiscard(opts.Metrics),
		drained:    make(chan struct{}),
	}
}

// Start launches the writer and, when a purge interval is set, the janitor.
func (l *Logger) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
		l.cancel = cancel

		go l.drain()

		if l.purgeEvery > 0 {
			l.wg.Add(1)
			go l.purgeLoop(bg)
		}
		l.log.Info("audit_logger_started")
	})
}

// Stop closes the queue and waits for queued events to be written, or for
// ctx to expire. Events appended after Stop are dropped.
func (l *Logger) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()

		// A logger that was never started still owes its queued events.
		l.startOnce.Do(func() { go l.drain() })

		if l.cancel != nil {
			l.cancel()
		}
		l.wg.Wait()

		select {
		case <-l.drained:
			l.log.Info("audit_logger_stopped")
		case <-ctx.Done():
			err = ctx.Err()
			l.log.Warn("audit_logger_stop_timeout", zap.Int("pending", len(l.queue)))
		}
	})
	return err
}

// Append enqueues ev without blocking. It never fails: when the queue is full
// or the logger is stopped the event is dropped and counted.
func (l *Logger) Append(ctx context.Context, ev models.AuditEvent) {
	if !ev.Event.Valid() {
		logging.FromContext(ctx, l.log).Error("audit_event_kind_invalid",
			zap.String("event", string(ev.Event)),
			zap.String("reference", ev.Reference),
		)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.clock.Now()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.dropped(ctx, ev, "closed")
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.dropped(ctx, ev, "queue_full")
	}
}

// Record builds an event from fields and request metadata on ctx, then
// appends it.
func (l *Logger) Record(ctx context.Context, kind models.AuditEventKind, reference string, fields ...Field) {
	l.Append(ctx, NewEvent(ctx, kind, reference, fields...))
}

func (l *Logger) dropped(ctx context.Context, ev models.AuditEvent, reason string) {
	l.metrics.AuditDropped.Inc()
	logging.FromContext(ctx, l.log).Warn("audit_event_dropped",
		zap.String("reason", reason),
		zap.String("event", string(ev.Event)),
		zap.String("reference", ev.Reference),
	)
}

func (l *Logger) drain() {
	defer close(l.drained)
	for ev := range l.queue {
		l.write(ev)
	}
}

func (l *Logger) write(ev models.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.AuditSinkFailures.Inc()
			l.log.Error("audit_sink_panic",
				zap.String("event", string(ev.Event)),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), l.writeTO)
	defer cancel()

	if err := l.store.InsertAuditEvent(ctx, &ev); err != nil {
		l.metrics.AuditSinkFailures.Inc()
		l.log.Error("audit_sink_write_failed",
			zap.String("event", string(ev.Event)),
			zap.String("reference", ev.Reference),
			zap.Error(err),
		)
		return
	}
	l.metrics.AuditWritten.WithLabelValues(string(ev.Event)).Inc()
}

func (l *Logger) purgeLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.purgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Purge(ctx); err != nil && ctx.Err() == nil {
				l.log.Warn("audit_purge_failed", zap.Error(err))
			}
		}
	}
}

// Purge deletes events older than the retention period.
func (l *Logger) Purge(ctx context.Context) (int64, error) {
	cutoff := l.clock.Now().Add(-l.retention)
	n, err := l.store.PurgeAuditEvents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.log.Info("audit_events_purged", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, models.AuditEventKind, string, ...Field) {}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nopRecorder{} }
