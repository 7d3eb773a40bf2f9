// Package pagination implements opaque keyset cursors over (created_at, id).
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"time"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type CursorPage[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// Cursor points just past the last row returned; the next page holds rows
// strictly older than it.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id"`
}

// Before reports whether a row sorts after the cursor in newest-first order.
func (c Cursor) Before(createdAt time.Time, id int64) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

func EncodeCursor(cursor Cursor) string {
	data, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor parses encoded; the empty string yields a cursor ahead of
// every row.
func DecodeCursor(encoded string) (Cursor, error) {
	var cursor Cursor
	if encoded == "" {
		return Cursor{
			CreatedAt: time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
			ID:        math.MaxInt64,
		}, nil
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return cursor, err
	}

	err = json.Unmarshal(data, &cursor)
	return cursor, err
}

// ClampLimit maps out-of-range limits onto [1, MaxLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
