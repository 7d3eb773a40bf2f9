package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/gateway"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/settlement"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("decode request", "invalid request body")
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("parse path", fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

func requireUser(r *http.Request) (int64, error) {
	id, ok := userID(r)
	if !ok {
		return 0, apperr.Validation("identify user", headerUserID+" header is required")
	}
	return id, nil
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	uid, err := requireUser(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var in settlement.CheckoutInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, err)
		return
	}
	in.UserID = uid

	res, err := s.svc.Checkout(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// verifyFailed is all a client learns about a failed verification; the
// detail stays in the audit trail.
const verifyFailed = "payment could not be verified; it is safe to retry"

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("reference")
	res, err := s.svc.Settle(r.Context(), ref, settlement.SourceCallback)
	if err == nil {
		respondJSON(w, http.StatusOK, res)
		return
	}
	if res != nil && res.Outcome == settlement.OutcomePending {
		respondJSON(w, http.StatusAccepted, res)
		return
	}
	kind := apperr.KindOf(err)
	if kind == apperr.KindNotFound {
		respondError(w, err)
		return
	}
	logging.FromContext(r.Context(), s.log).Warn("payment_verify_failed", zap.String("reference", ref), zap.Error(err))
	respondMessage(w, statusFor(kind), kind.String(), verifyFailed)
}

// handleWebhook acknowledges everything the gateway should not redeliver.
// Only transient failures ask for a retry.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondMessage(w, http.StatusBadRequest, apperr.KindValidation.String(), "unreadable body")
		return
	}

	err = s.svc.HandleWebhook(r.Context(), body, r.Header.Get(gateway.SignatureHeader))
	switch kind := apperr.KindOf(err); {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case kind == apperr.KindInvalidSignature:
		respondMessage(w, http.StatusUnauthorized, kind.String(), "invalid signature")
	case retryable(kind):
		respondMessage(w, http.StatusInternalServerError, kind.String(), "temporarily unable to process")
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": kind.String()})
	}
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uid, ok := userID(r)
	if !ok {
		id, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
		if err != nil || id <= 0 {
			respondError(w, apperr.Validation("list orders", "user id is required"))
			return
		}
		uid = id
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := s.svc.ListOrders(r.Context(), uid, q.Get("cursor"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.unwind(w, r, s.svc.Cancel)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.unwind(w, r, s.svc.Refund)
}

type unwindFunc func(ctx context.Context, reference, reason string) (*settlement.CancelResult, error)

func (s *Server) unwind(w http.ResponseWriter, r *http.Request, op unwindFunc) {
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "requested"
	}
	res, err := op(r.Context(), r.PathValue("reference"), req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type statusRequest struct {
	Status models.OrderStatus `json:"status"`
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	o, err := s.svc.AdvanceOrder(r.Context(), id, req.Status)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

type planRequest struct {
	Plan string `json:"plan"`
}

func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	var req planRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	res, err := s.svc.ChangePlan(r.Context(), id, req.Plan)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	res, err := s.svc.Enforce(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type subscriptionRequest struct {
	Plan        string `json:"plan"`
	Email       string `json:"email"`
	CallbackURL string `json:"callback_url,omitempty"`
}

func (s *Server) handleSubscriptionInit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	var req subscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	res, err := s.svc.InitializeSubscription(r.Context(), id, req.Plan, req.Email, req.CallbackURL)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleSubscriptionVerify(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	ref := r.PathValue("reference")
	res, err := s.svc.ActivateSubscription(r.Context(), id, r.URL.Query().Get("plan"), ref)
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.KindValidation || kind == apperr.KindNotFound {
			respondError(w, err)
			return
		}
		logging.FromContext(r.Context(), s.log).Warn("subscription_verify_failed", zap.String("reference", ref), zap.Error(err))
		respondMessage(w, statusFor(kind), kind.String(), verifyFailed)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	events, err := s.audit.Trail(r.Context(), r.PathValue("reference"))
	if err != nil {
		respondError(w, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleSuspicious(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("window_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, apperr.Validation("suspicious activity", "window_hours must be an integer"))
			return
		}
		hours = n
	}
	act, err := s.audit.SuspiciousActivity(r.Context(), hours)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, act)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.audit.CheckForAlerts(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			logging.FromContext(r.Context(), s.log).Error("health_check_failed", zap.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
