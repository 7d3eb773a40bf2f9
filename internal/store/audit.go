package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/safar/marketplace-settlement/internal/models"
)

func (s *Store) InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	metadata := []byte(ev.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO audit_events (reference, user_id, event, amount, expected_amount, metadata, ip_address, user_agent, error, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))
		RETURNING id, "timestamp"`,
		ev.Reference,
		ev.UserID,
		ev.Event,
		ev.Amount,
		ev.ExpectedAmount,
		metadata,
		nullString(ev.IPAddress),
		nullString(ev.UserAgent),
		nullString(ev.Error),
		nullTime(ev.Timestamp),
	).Scan(&ev.ID, &ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, reference string, since time.Time) ([]models.AuditEvent, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, reference, user_id, event, amount, expected_amount, metadata, ip_address, user_agent, error, "timestamp"
		FROM audit_events
		WHERE reference = $1 AND "timestamp" >= $2
		ORDER BY "timestamp" DESC, id DESC`,
		reference, since)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var (
			ev                  models.AuditEvent
			userID              sql.NullInt64
			amount, expected    sql.NullInt64
			metadata            []byte
			ip, agent, errorMsg sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Reference, &userID, &ev.Event, &amount, &expected,
			&metadata, &ip, &agent, &errorMsg, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if userID.Valid {
			ev.UserID = &userID.Int64
		}
		if amount.Valid {
			ev.Amount = &amount.Int64
		}
		if expected.Valid {
			ev.ExpectedAmount = &expected.Int64
		}
		if string(metadata) != "{}" {
			ev.Metadata = metadata
		}
		ev.IPAddress = ip.String
		ev.UserAgent = agent.String
		ev.Error = errorMsg.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

func (s *Store) CountAuditEvents(ctx context.Context, kinds []models.AuditEventKind, since time.Time) (map[models.AuditEventKind]int, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT event, COUNT(*)
		FROM audit_events
		WHERE event = ANY($1) AND "timestamp" >= $2
		GROUP BY event`,
		pq.Array(names), since)
	if err != nil {
		return nil, fmt.Errorf("count audit events: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.AuditEventKind]int)
	for rows.Next() {
		var (
			kind models.AuditEventKind
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan audit count: %w", err)
		}
		counts[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return counts, nil
}

func (s *Store) PurgeAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx,
		`DELETE FROM audit_events WHERE "timestamp" < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}
