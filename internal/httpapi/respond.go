package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"go.uber.org/zap"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	ProductID int64  `json:"product_id,omitempty"`
	Reference string `json:"reference,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("http_encode_failed", zap.Error(err))
	}
}

// respondError writes err with the status its kind maps to. Internal errors
// are not echoed to the client.
func respondError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	body := errorBody{Error: err.Error(), Code: kind.String()}

	var e *apperr.Error
	if errors.As(err, &e) {
		if e.Message != "" {
			body.Error = e.Message
		}
		body.ProductID = apperr.ProductOf(err)
		body.Reference = e.Reference
	}
	if status == http.StatusInternalServerError {
		body = errorBody{Error: "internal error", Code: kind.String()}
	}
	respondJSON(w, status, body)
}

func respondMessage(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, errorBody{Error: msg, Code: code})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnavailable, apperr.KindInsufficientStock, apperr.KindInvalidTransition:
		return http.StatusConflict
	case apperr.KindAmountMismatch, apperr.KindVerificationFailed:
		return http.StatusPaymentRequired
	case apperr.KindInvalidSignature:
		return http.StatusUnauthorized
	case apperr.KindGateway:
		return http.StatusBadGateway
	case apperr.KindDuplicateProcessing:
		return http.StatusOK
	case apperr.KindTransactionAborted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// retryable reports whether the gateway should redeliver a webhook that
// failed with kind.
func retryable(kind apperr.Kind) bool {
	switch kind {
	case apperr.KindGateway, apperr.KindTransactionAborted, apperr.KindUnknown:
		return true
	}
	return false
}
