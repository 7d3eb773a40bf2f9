// Package apperr defines the error taxonomy shared by the settlement components.
//
// Errors carry a Kind plus optional product/reference detail so callers can
// surface "which product, and why" without parsing strings. Each kind has a
// sentinel usable with errors.Is:
//
//	if errors.Is(err, apperr.ErrInsufficientStock) { ... }
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindUnavailable
	KindInsufficientStock
	KindAmountMismatch
	KindGateway
	KindDuplicateProcessing
	KindTransactionAborted
	KindVerificationFailed
	KindInvalidSignature
	KindInvalidTransition
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindAmountMismatch:
		return "amount_mismatch"
	case KindGateway:
		return "gateway_error"
	case KindDuplicateProcessing:
		return "duplicate_processing"
	case KindTransactionAborted:
		return "transaction_aborted"
	case KindVerificationFailed:
		return "verification_failed"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindInvalidTransition:
		return "invalid_transition"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned at component boundaries.
type Error struct {
	Kind      Kind
	Op        string
	ProductID int64
	Reference string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(strings.ReplaceAll(e.Kind.String(), "_", " "))
	}
	if e.ProductID != 0 {
		fmt.Fprintf(&b, " (product %d)", e.ProductID)
	}
	if e.Reference != "" {
		fmt.Fprintf(&b, " (reference %s)", e.Reference)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels of the same kind. Sentinels are bare *Error values
// with only Kind set.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.ProductID == 0 && t.Reference == "" && t.Message == "" && t.Err == nil
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnavailable         = &Error{Kind: KindUnavailable}
	ErrInsufficientStock   = &Error{Kind: KindInsufficientStock}
	ErrAmountMismatch      = &Error{Kind: KindAmountMismatch}
	ErrGateway             = &Error{Kind: KindGateway}
	ErrDuplicateProcessing = &Error{Kind: KindDuplicateProcessing}
	ErrTransactionAborted  = &Error{Kind: KindTransactionAborted}
	ErrVerificationFailed  = &Error{Kind: KindVerificationFailed}
	ErrInvalidSignature    = &Error{Kind: KindInvalidSignature}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
)

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

func ProductError(kind Kind, op string, productID int64, msg string) *Error {
	return &Error{Kind: kind, Op: op, ProductID: productID, Message: msg}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ProductOf returns the first product id found in err's chain.
func ProductOf(err error) int64 {
	for err != nil {
		if e, ok := err.(*Error); ok && e.ProductID != 0 {
			return e.ProductID
		}
		err = errors.Unwrap(err)
	}
	return 0
}
