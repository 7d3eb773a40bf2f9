package audit

import (
	"context"
	"encoding/json"

	"github.com/safar/marketplace-settlement/internal/models"
)

// RequestMeta describes the caller of the request that produced an event.
type RequestMeta struct {
	UserID    *int64
	IPAddress string
	UserAgent string
}

type requestMetaKey struct{}

func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

func RequestMetaFrom(ctx context.Context) (RequestMeta, bool) {
	if ctx == nil {
		return RequestMeta{}, false
	}
	meta, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta, ok
}

// Field sets one optional attribute of an event.
type Field func(*models.AuditEvent)

func Amount(minor int64) Field {
	return func(e *models.AuditEvent) { e.Amount = &minor }
}

func Expected(minor int64) Field {
	return func(e *models.AuditEvent) { e.ExpectedAmount = &minor }
}

func User(id int64) Field {
	return func(e *models.AuditEvent) { e.UserID = &id }
}

func Err(err error) Field {
	return func(e *models.AuditEvent) {
		if err != nil {
			e.Error = err.Error()
		}
	}
}

// Meta merges kv into the event metadata.
func Meta(kv map[string]any) Field {
	return func(e *models.AuditEvent) {
		merged := map[string]any{}
		if len(e.Metadata) > 0 {
			_ = json.Unmarshal(e.Metadata, &merged)
		}
		for k, v := range kv {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			raw, _ = json.Marshal(map[string]string{"metadata_error": err.Error()})
		}
		e.Metadata = raw
	}
}

// NewEvent builds an event, filling caller details from ctx before applying
// fields.
func NewEvent(ctx context.Context, kind models.AuditEventKind, reference string, fields ...Field) models.AuditEvent {
	ev := models.AuditEvent{
		Reference: reference,
		Event:     kind,
	}
	if meta, ok := RequestMetaFrom(ctx); ok {
		ev.UserID = meta.UserID
		ev.IPAddress = meta.IPAddress
		ev.UserAgent = meta.UserAgent
	}
	for _, f := range fields {
		f(&ev)
	}
	return ev
}
