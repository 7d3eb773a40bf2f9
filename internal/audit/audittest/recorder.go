// Package audittest provides an in-memory audit.Recorder for tests.
package audittest

import (
	"context"
	"sync"

	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/models"
)

// Recorder keeps every event synchronously.
type Recorder struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (r *Recorder) Record(ctx context.Context, kind models.AuditEventKind, reference string, fields ...audit.Field) {
	ev := audit.NewEvent(ctx, kind, reference, fields...)
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AuditEvent(nil), r.events...)
}

// Kinds lists recorded kinds in order.
func (r *Recorder) Kinds() []models.AuditEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]models.AuditEventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Event
	}
	return kinds
}

func (r *Recorder) Count(kind models.AuditEventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Event == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent event of kind.
func (r *Recorder) Last(kind models.AuditEventKind) (models.AuditEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Event == kind {
			return r.events[i], true
		}
	}
	return models.AuditEvent{}, false
}
