package memory

import (
	"context"
	"sort"
	"time"

	"github.com/safar/marketplace-settlement/internal/models"
)

// FailAuditWrites makes every subsequent InsertAuditEvent return err; nil
// restores normal behaviour.
func (s *Store) FailAuditWrites(err error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.auditFail = err
}

func (s *Store) InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	if s.auditFail != nil {
		return s.auditFail
	}
	s.auditSeq++
	ev.ID = s.auditSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	c := *ev
	c.Metadata = append([]byte(nil), ev.Metadata...)
	s.audit = append(s.audit, c)
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, reference string, since time.Time) ([]models.AuditEvent, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	var out []models.AuditEvent
	for _, ev := range s.audit {
		if ev.Reference == reference && !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) CountAuditEvents(ctx context.Context, kinds []models.AuditEventKind, since time.Time) (map[models.AuditEventKind]int, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	want := make(map[models.AuditEventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	counts := make(map[models.AuditEventKind]int)
	for _, ev := range s.audit {
		if want[ev.Event] && !ev.Timestamp.Before(since) {
			counts[ev.Event]++
		}
	}
	return counts, nil
}

func (s *Store) PurgeAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	kept := s.audit[:0]
	var purged int64
	for _, ev := range s.audit {
		if ev.Timestamp.Before(before) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	s.audit = kept
	return purged, nil
}

// AuditEvents returns a copy of everything recorded so far, oldest first.
func (s *Store) AuditEvents() []models.AuditEvent {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	return append([]models.AuditEvent(nil), s.audit...)
}
