// Package httpapi exposes the settlement service over HTTP.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/metrics"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/pagination"
	"github.com/safar/marketplace-settlement/internal/settlement"
	"github.com/safar/marketplace-settlement/internal/visibility"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	headerRequestID = "X-Request-ID"
	headerUserID    = "X-User-ID"
)

// Settlement is the part of *settlement.Service the API drives.
type Settlement interface {
	Checkout(ctx context.Context, in settlement.CheckoutInput) (*settlement.CheckoutResult, error)
	Settle(ctx context.Context, reference string, source settlement.Source) (*settlement.SettleResult, error)
	HandleWebhook(ctx context.Context, body []byte, signature string) error
	Cancel(ctx context.Context, reference, reason string) (*settlement.CancelResult, error)
	Refund(ctx context.Context, reference, reason string) (*settlement.CancelResult, error)
	AdvanceOrder(ctx context.Context, orderID int64, next models.OrderStatus) (*models.Order, error)
	ListOrders(ctx context.Context, userID int64, cursor string, limit int) (*pagination.CursorPage[models.MainOrder], error)
	ChangePlan(ctx context.Context, storeID int64, plan string) (*visibility.Result, error)
	Enforce(ctx context.Context, storeID int64) (*visibility.Result, error)
	InitializeSubscription(ctx context.Context, storeID int64, plan, email, callbackURL string) (*settlement.SubscriptionCheckout, error)
	ActivateSubscription(ctx context.Context, storeID int64, plan, reference string) (*settlement.SubscriptionResult, error)
}

// AuditReader serves the audit query endpoints.
type AuditReader interface {
	Trail(ctx context.Context, reference string) ([]models.AuditEvent, error)
	SuspiciousActivity(ctx context.Context, windowHours int) (audit.Activity, error)
	CheckForAlerts(ctx context.Context) ([]audit.Alert, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	RateLimitRPS   float64
	RateLimitBurst int

	// TrustProxy takes the client address from the last X-Forwarded-For hop.
	// Enable it only behind a proxy that appends that header.
	TrustProxy bool
}

type Deps struct {
	Settlement Settlement
	Audit      AuditReader
	Health     Pinger
	Recorder   audit.Recorder
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

type Server struct {
	svc      Settlement
	audit    AuditReader
	health   Pinger
	recorder audit.Recorder
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *zap.Logger
	tracer   trace.Tracer
	limiter  *ipLimiter
	proxied  bool
}

func New(cfg Config, deps Deps) *Server {
	if deps.Recorder == nil {
		deps.Recorder = audit.Nop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		svc:      deps.Settlement,
		audit:    deps.Audit,
		health:   deps.Health,
		recorder: deps.Recorder,
		metrics:  metrics.OrDiscard(deps.Metrics),
		gatherer: deps.Gatherer,
		log:      logging.OrNop(deps.Logger).With(zap.String("component", "http_server")),
		tracer:   otel.Tracer("settlement.httpapi"),
		limiter:  newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		proxied:  cfg.TrustProxy,
	}
}

// Handler builds the route table. Each route is wrapped individually so its
// pattern can label metrics and spans.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /checkout", s.limited(s.handleCheckout))
	s.handle(mux, "GET /payments/verify/{reference}", s.limited(s.handleVerify))
	s.handle(mux, "POST /webhooks/payment", s.handleWebhook)

	s.handle(mux, "GET /orders", s.handleListOrders)
	s.handle(mux, "POST /orders/{reference}/cancel", s.handleCancel)
	s.handle(mux, "POST /orders/{reference}/refund", s.handleRefund)
	s.handle(mux, "POST /store-orders/{id}/status", s.handleOrderStatus)

	s.handle(mux, "POST /stores/{id}/plan", s.handleChangePlan)
	s.handle(mux, "POST /stores/{id}/visibility/enforce", s.handleEnforce)
	s.handle(mux, "POST /stores/{id}/subscription/initialize", s.handleSubscriptionInit)
	s.handle(mux, "GET /stores/{id}/subscription/verify/{reference}", s.limited(s.handleSubscriptionVerify))

	s.handle(mux, "GET /audit/trail/{reference}", s.handleAuditTrail)
	s.handle(mux, "GET /audit/suspicious", s.handleSuspicious)
	s.handle(mux, "GET /audit/alerts", s.handleAlerts)

	s.handle(mux, "GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	route := pattern
	if i := strings.Index(route, " "); i >= 0 {
		route = route[i+1:]
	}
	mux.Handle(pattern, s.observe(route, h))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// observe extracts trace context, assigns a request id, attaches the request
// logger and audit request metadata, and records metrics and an access log.
func (s *Server) observe(route string, next http.Handler) http.Handler {
	prop := otel.GetTextMapPropagator()
	if prop == nil {
		prop = propagation.TraceContext{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		rid := r.Header.Get(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(headerRequestID, rid)

		fields := []zap.Field{zap.String("request_id", rid), zap.String("route", route)}
		if sc := span.SpanContext(); sc.IsValid() {
			fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
		}
		reqLog := s.log.With(fields...)
		ctx = logging.ContextWithLogger(ctx, reqLog)

		meta := audit.RequestMeta{IPAddress: s.clientIP(r), UserAgent: r.UserAgent()}
		if id, ok := userID(r); ok {
			meta.UserID = &id
		}
		ctx = audit.WithRequestMeta(ctx, meta)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		reqLog.Info("http_request",
			zap.String("method", r.Method),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		)
	})
}

// limited applies the per-IP rate limit. Rejections are audited.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := s.clientIP(r)
		if !s.limiter.allow(ip) {
			s.recorder.Record(r.Context(), models.AuditRateLimitExceeded, r.PathValue("reference"),
				audit.Meta(map[string]any{"path": r.URL.Path, "ip": ip}))
			logging.FromContext(r.Context(), s.log).Warn("rate_limit_exceeded", zap.String("ip", ip))
			w.Header().Set("Retry-After", "1")
			respondMessage(w, http.StatusTooManyRequests, "rate_limited", "too many requests, retry shortly")
			return
		}
		next(w, r)
	}
}

// clientIP is the peer address, or the hop our proxy appended to
// X-Forwarded-For when one is trusted. Earlier hops are client supplied.
func (s *Server) clientIP(r *http.Request) string {
	if s.proxied {
		if fwd := r.Header.Values("X-Forwarded-For"); len(fwd) > 0 {
			hops := strings.Split(fwd[len(fwd)-1], ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// userID reads the acting user set by the identity layer in front of us.
func userID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get(headerUserID), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
