package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKindSentinel(t *testing.T) {
	err := ProductError(KindInsufficientStock, "verify", 42, "requested 3, available 1")
	wrapped := fmt.Errorf("checkout: %w", err)

	assert.True(t, errors.Is(wrapped, ErrInsufficientStock))
	assert.False(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindInsufficientStock, KindOf(wrapped))
	assert.Equal(t, int64(42), ProductOf(wrapped))
	assert.Equal(t, "verify: requested 3, available 1 (product 42)", err.Error())
}

func TestAbortedWrapsCause(t *testing.T) {
	cause := ProductError(KindInsufficientStock, "debit", 7, "")
	aborted := Wrap(KindTransactionAborted, "inventory.debit", cause)

	assert.True(t, errors.Is(aborted, ErrTransactionAborted))
	assert.True(t, errors.Is(aborted, ErrInsufficientStock))
	assert.Equal(t, KindTransactionAborted, KindOf(aborted))
	assert.Equal(t, int64(7), ProductOf(aborted))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, "unknown", KindUnknown.String())
}
