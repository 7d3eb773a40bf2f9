package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/models"
	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "X-Paystack-Signature"

const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
)

type WebhookEvent struct {
	Event string      `json:"event"`
	Data  WebhookData `json:"data"`
}

type WebhookData struct {
	Reference       string          `json:"reference"`
	Amount          int64           `json:"amount"`
	Status          string          `json:"status"`
	Channel         string          `json:"channel"`
	GatewayResponse string          `json:"gateway_response"`
	PaidAt          *time.Time      `json:"paid_at"`
	Metadata        json.RawMessage `json:"metadata"`
}

// PaymentMetadata is what checkout attaches to a transaction.
type PaymentMetadata struct {
	Type    string
	StoreID int64
	Plan    string
}

// Meta decodes the metadata attached at initialization. The gateway sends an
// empty string when none was set, and ids may arrive as strings.
func (d WebhookData) Meta() PaymentMetadata {
	var raw map[string]any
	if err := json.Unmarshal(d.Metadata, &raw); err != nil {
		return PaymentMetadata{}
	}
	var m PaymentMetadata
	m.Type, _ = raw["type"].(string)
	m.Plan, _ = raw["plan"].(string)
	switch v := raw["store_id"].(type) {
	case float64:
		m.StoreID = int64(v)
	case string:
		m.StoreID, _ = strconv.ParseInt(v, 10, 64)
	}
	return m
}

// Sign returns the hex signature the gateway would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

const opWebhook = "gateway webhook"

// ParseWebhook authenticates body against signature before decoding it.
func (c *Client) ParseWebhook(ctx context.Context, body []byte, signature string) (*WebhookEvent, error) {
	if !c.validSignature(body, signature) {
		c.recorder.Record(ctx, models.AuditWebhookInvalidSignature, "",
			audit.Meta(map[string]any{"body_bytes": len(body), "signature_present": signature != ""}))
		c.log.Warn("webhook_invalid_signature", zap.Int("body_bytes", len(body)))
		return nil, apperr.New(apperr.KindInvalidSignature, opWebhook, "signature does not match")
	}

	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, &apperr.Error{Kind: apperr.KindValidation, Op: opWebhook, Message: "malformed payload", Err: err}
	}
	if ev.Event == "" {
		return nil, apperr.Validation(opWebhook, "event is required")
	}
	return &ev, nil
}

func (c *Client) validSignature(body []byte, signature string) bool {
	if signature == "" || c.secretKey == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(c.secretKey))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
