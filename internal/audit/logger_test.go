package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/safar/marketplace-settlement/internal/clock"
	"github.com/safar/marketplace-settlement/internal/memory"
	"github.com/safar/marketplace-settlement/internal/metrics"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	clock   *clock.Manual
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs
	logger  *Logger
}

func newFixture(t *testing.T, queueSize int) *fixture {
	t.Helper()
	clk := clock.NewManual(testNow)
	core, logs := observer.New(zap.DebugLevel)
	f := &fixture{
		store:   memory.NewStore(clk),
		clock:   clk,
		metrics: metrics.New(prometheus.NewRegistry()),
		logs:    logs,
	}
	f.logger = New(f.store, Options{
		QueueSize: queueSize,
		Clock:     clk,
		Logger:    zap.New(core),
		Metrics:   f.metrics,
	})
	return f
}

func (f *fixture) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.logger.Stop(ctx))
}

func TestRecordPersistsWithRequestMeta(t *testing.T) {
	f := newFixture(t, 16)
	f.logger.Start(context.Background())

	uid := int64(42)
	ctx := WithRequestMeta(context.Background(), RequestMeta{UserID: &uid, IPAddress: "10.0.0.1", UserAgent: "curl/8"})
	f.logger.Record(ctx, models.AuditAmountMismatch, "REF-1",
		Amount(900), Expected(1000), Meta(map[string]any{"source": "checkout"}))
	f.stop(t)

	events := f.store.AuditEvents()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, models.AuditAmountMismatch, ev.Event)
	assert.Equal(t, "REF-1", ev.Reference)
	require.NotNil(t, ev.UserID)
	assert.Equal(t, uid, *ev.UserID)
	assert.Equal(t, "10.0.0.1", ev.IPAddress)
	assert.Equal(t, int64(900), *ev.Amount)
	assert.Equal(t, int64(1000), *ev.ExpectedAmount)
	assert.JSONEq(t, `{"source":"checkout"}`, string(ev.Metadata))
	assert.Equal(t, testNow, ev.Timestamp)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuditWritten.WithLabelValues("amount_mismatch")))
}

func TestAppendDropsWhenQueueFull(t *testing.T) {
	f := newFixture(t, 1)

	// Not started, so nothing drains the queue.
	for i := 0; i < 3; i++ {
		f.logger.Record(context.Background(), models.AuditVerificationAttempt, "REF-1")
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.AuditDropped))
	assert.Equal(t, 2, f.logs.FilterMessage("audit_event_dropped").Len())

	f.stop(t)
	assert.Len(t, f.store.AuditEvents(), 1, "queued event is flushed on stop")
}

func TestAppendAfterStopIsDropped(t *testing.T) {
	f := newFixture(t, 4)
	f.logger.Start(context.Background())
	f.stop(t)

	f.logger.Record(context.Background(), models.AuditWebhookReceived, "REF-1")

	assert.Empty(t, f.store.AuditEvents())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuditDropped))
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, 4)
	f.store.FailAuditWrites(errors.New("disk full"))
	f.logger.Start(context.Background())

	f.logger.Record(context.Background(), models.AuditInventoryDebited, "REF-1")
	f.stop(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuditSinkFailures))
	assert.Equal(t, 1, f.logs.FilterMessage("audit_sink_write_failed").Len())
}

type panickingSink struct{ *memory.Store }

func (panickingSink) InsertAuditEvent(context.Context, *models.AuditEvent) error {
	panic("sink exploded")
}

func TestSinkPanicIsRecovered(t *testing.T) {
	f := newFixture(t, 4)
	l := New(panickingSink{f.store}, Options{Clock: f.clock, Metrics: f.metrics})
	l.Start(context.Background())

	l.Record(context.Background(), models.AuditOrderCreated, "REF-1")
	l.Record(context.Background(), models.AuditOrderCreated, "REF-2")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.AuditSinkFailures))
}

func TestInvalidKindIsRejected(t *testing.T) {
	f := newFixture(t, 4)
	f.logger.Start(context.Background())

	f.logger.Record(context.Background(), models.AuditEventKind("made_up"), "REF-1")
	f.stop(t)

	assert.Empty(t, f.store.AuditEvents())
	assert.Equal(t, 1, f.logs.FilterMessage("audit_event_kind_invalid").Len())
}

func TestPurgeRemovesExpiredEvents(t *testing.T) {
	f := newFixture(t, 16)
	f.logger.Start(context.Background())

	f.logger.Append(context.Background(), models.AuditEvent{Event: models.AuditOrderCreated, Reference: "OLD", Timestamp: testNow.Add(-91 * 24 * time.Hour)})
	f.logger.Append(context.Background(), models.AuditEvent{Event: models.AuditOrderCreated, Reference: "NEW", Timestamp: testNow.Add(-time.Hour)})
	f.stop(t)

	n, err := f.logger.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events := f.store.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "NEW", events[0].Reference)
}
