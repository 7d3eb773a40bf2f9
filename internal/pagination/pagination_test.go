package pagination

import (
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), ID: 42}

	got, err := DecodeCursor(EncodeCursor(c))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) || got.ID != c.ID {
		t.Errorf("got %+v, want %+v", got, c)
	}
}

func TestDecodeEmptyCursorPrecedesEverything(t *testing.T) {
	c, err := DecodeCursor("")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !c.Before(time.Now(), 1) {
		t.Error("expected a current row to sort after the empty cursor")
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := DecodeCursor("%%%"); err == nil {
		t.Error("expected error for malformed cursor")
	}
}

func TestCursorBeforeBreaksTiesByID(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := Cursor{CreatedAt: ts, ID: 10}

	if !c.Before(ts, 9) {
		t.Error("lower id at the same instant should come after the cursor")
	}
	if c.Before(ts, 10) || c.Before(ts, 11) {
		t.Error("equal or higher id at the same instant should not")
	}
	if c.Before(ts.Add(time.Second), 1) {
		t.Error("newer row should not come after the cursor")
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultLimit},
		{-3, DefaultLimit},
		{5, 5},
		{MaxLimit + 1, MaxLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
