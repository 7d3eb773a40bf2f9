// Package store implements the settlement repositories on Postgres.
//
// Every method runs on the transaction carried by ctx when there is one (see
// database.Transactor), so callers compose them into a single unit of work.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/safar/marketplace-settlement/internal/database"
)

type Store struct {
	*database.Transactor
	db *sql.DB
}

func New(db *sql.DB, opts database.TxOptions) *Store {
	return &Store{
		Transactor: database.NewTransactor(db, opts),
		db:         db,
	}
}

func (s *Store) conn(ctx context.Context) database.DBTX {
	return database.Conn(ctx, s.db)
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// affected returns whether res touched at least one row.
func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
