// Package gateway talks to the hosted payment gateway: transaction
// initialization, verification by reference and signed webhook decoding.
//
// The client keeps no idempotency state and never retries; callers own both.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/clock"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/metrics"
	"github.com/safar/marketplace-settlement/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.paystack.co"
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

type Config struct {
	BaseURL         string
	SecretKey       string
	Timeout         time.Duration
	CallbackURL     string
	ReferencePrefix string
	// HTTPClient overrides the default client; its Timeout is left alone.
	HTTPClient *http.Client
	Clock      clock.Clock
}

type Client struct {
	baseURL     string
	secretKey   string
	callbackURL string
	prefix      string
	http        *http.Client
	clock       clock.Clock

	recorder audit.Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger
	tracer   trace.Tracer
}

func New(cfg Config, recorder audit.Recorder, m *metrics.Metrics, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReferencePrefix == "" {
		cfg.ReferencePrefix = "MKT"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if recorder == nil {
		recorder = audit.Nop()
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:   cfg.SecretKey,
		callbackURL: cfg.CallbackURL,
		prefix:      cfg.ReferencePrefix,
		http:        cfg.HTTPClient,
		clock:       cfg.Clock,
		recorder:    recorder,
		metrics:     metrics.OrDiscard(m),
		log:         logging.OrNop(log).With(zap.String("component", "gateway")),
		tracer:      otel.Tracer("settlement.gateway"),
	}
}

type InitializeRequest struct {
	Email       string
	Amount      int64
	Reference   string
	CallbackURL string
	Metadata    map[string]any
}

type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Transaction is the gateway's view of a payment.
type Transaction struct {
	Reference       string     `json:"reference"`
	Status          string     `json:"status"`
	Amount          int64      `json:"amount"`
	Channel         string     `json:"channel"`
	PaidAt          *time.Time `json:"paid_at"`
	GatewayResponse string     `json:"gateway_response"`
}

// Transaction statuses reported by verify.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusReversed  = "reversed"
	StatusAbandoned = "abandoned"
)

// Definitive reports whether a non-successful status is final. Abandoned or
// in-flight payments may still complete.
func Definitive(status string) bool {
	return status == StatusFailed || status == StatusReversed
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializeBody struct {
	Email       string         `json:"email"`
	Amount      int64          `json:"amount"`
	Reference   string         `json:"reference"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

const opInitialize = "gateway initialize"

// Initialize opens a hosted payment page for req.Amount minor units. A
// reference is generated when req.Reference is empty.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if req.Email == "" {
		return nil, apperr.Validation(opInitialize, "email is required")
	}
	if req.Amount <= 0 {
		return nil, apperr.Validation(opInitialize, "amount must be positive")
	}
	if req.Reference == "" {
		req.Reference = NewReference(c.prefix, c.clock.Now())
	}
	if req.CallbackURL == "" {
		req.CallbackURL = c.callbackURL
	}

	ctx, span := c.tracer.Start(ctx, "gateway.initialize", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("payment.reference", req.Reference), attribute.Int64("payment.amount", req.Amount)))
	defer span.End()

	body, err := json.Marshal(initializeBody{
		Email:       req.Email,
		Amount:      req.Amount,
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal initialize request: %w", err)
	}

	var res InitializeResult
	if err := c.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, &res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initialize failed")
		c.recorder.Record(ctx, models.AuditPaymentInitializationFailed, req.Reference,
			audit.Amount(req.Amount), audit.Err(err))
		return nil, withReference(err, req.Reference)
	}
	if res.Reference == "" {
		res.Reference = req.Reference
	}
	if res.AuthorizationURL == "" {
		err := apperr.New(apperr.KindGateway, opInitialize, "response has no authorization url")
		span.SetStatus(codes.Error, err.Message)
		c.recorder.Record(ctx, models.AuditPaymentInitializationFailed, req.Reference,
			audit.Amount(req.Amount), audit.Err(err))
		return nil, withReference(err, req.Reference)
	}

	c.recorder.Record(ctx, models.AuditPaymentInitialized, res.Reference,
		audit.Amount(req.Amount), audit.Meta(map[string]any{"access_code": res.AccessCode}))
	span.SetStatus(codes.Ok, "")
	return &res, nil
}

const opVerify = "gateway verify"

// Verify fetches the transaction for reference and checks it succeeded for
// exactly expectedAmount. On a declined payment or an amount mismatch the
// transaction is returned together with the error so callers can inspect it.
func (c *Client) Verify(ctx context.Context, reference string, expectedAmount int64) (*Transaction, error) {
	if reference == "" {
		return nil, apperr.Validation(opVerify, "reference is required")
	}

	ctx, span := c.tracer.Start(ctx, "gateway.verify", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("payment.reference", reference)))
	defer span.End()

	var tx Transaction
	err := c.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &tx)
	c.recorder.Record(ctx, models.AuditVerificationAttempt, reference, audit.Expected(expectedAmount), audit.Err(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verify failed")
		return nil, withReference(err, reference)
	}
	if tx.Reference == "" {
		tx.Reference = reference
	}
	span.SetAttributes(attribute.String("payment.status", tx.Status), attribute.Int64("payment.amount", tx.Amount))

	if tx.Status != StatusSuccess {
		c.recorder.Record(ctx, models.AuditVerificationFailed, reference,
			audit.Amount(tx.Amount), audit.Expected(expectedAmount),
			audit.Meta(map[string]any{"status": tx.Status, "gateway_response": tx.GatewayResponse}))
		span.SetStatus(codes.Error, "payment not successful")
		return &tx, &apperr.Error{Kind: apperr.KindVerificationFailed, Op: opVerify, Reference: reference, Message: "payment status " + tx.Status}
	}
	if tx.Amount != expectedAmount {
		c.recorder.Record(ctx, models.AuditAmountMismatch, reference,
			audit.Amount(tx.Amount), audit.Expected(expectedAmount))
		c.log.Warn("gateway_amount_mismatch",
			zap.String("reference", reference),
			zap.Int64("amount", tx.Amount),
			zap.Int64("expected", expectedAmount),
		)
		span.SetStatus(codes.Error, "amount mismatch")
		return &tx, &apperr.Error{Kind: apperr.KindAmountMismatch, Op: opVerify, Reference: reference,
			Message: fmt.Sprintf("paid %d, expected %d", tx.Amount, expectedAmount)}
	}

	c.recorder.Record(ctx, models.AuditVerificationSuccess, reference,
		audit.Amount(tx.Amount), audit.Meta(map[string]any{"channel": tx.Channel}))
	span.SetStatus(codes.Ok, "")
	return &tx, nil
}

// do performs one authenticated call and decodes the envelope's data into out.
// Every failure comes back as a KindGateway error.
func (c *Client) do(ctx context.Context, operation, method, path string, body []byte, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.GatewayRequests.WithLabelValues(operation, outcome).Inc()
		c.metrics.GatewayDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	op := "gateway " + operation
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return apperr.Wrap(apperr.KindGateway, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		msg := "request failed"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			msg = "request timed out"
		}
		logging.FromContext(ctx, c.log).Warn("gateway_request_failed",
			zap.String("operation", operation),
			zap.Error(err),
		)
		return &apperr.Error{Kind: apperr.KindGateway, Op: op, Message: msg, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &apperr.Error{Kind: apperr.KindGateway, Op: op, Message: "read response", Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
		if decodeErr == nil && env.Message != "" {
			msg += ": " + env.Message
		}
		logging.FromContext(ctx, c.log).Warn("gateway_bad_status",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode),
		)
		return apperr.New(apperr.KindGateway, op, msg)
	}
	if decodeErr != nil {
		return &apperr.Error{Kind: apperr.KindGateway, Op: op, Message: "malformed response", Err: decodeErr}
	}
	if !env.Status {
		return apperr.New(apperr.KindGateway, op, "gateway rejected request: "+env.Message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return apperr.New(apperr.KindGateway, op, "response has no data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &apperr.Error{Kind: apperr.KindGateway, Op: op, Message: "malformed response data", Err: err}
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func withReference(err error, reference string) error {
	var e *apperr.Error
	if errors.As(err, &e) && e.Reference == "" {
		cp := *e
		cp.Reference = reference
		return &cp
	}
	return err
}
