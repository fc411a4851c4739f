// Package refund exposes payments and refunds over JSON/HTTP.
package refund

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/services/payment"
	refundsvc "github.com/kevin07696/refund-reconciler/internal/services/refund"
	"github.com/kevin07696/refund-reconciler/pkg/observability"
)

const (
	maxBodySize       = 64 << 10
	defaultPageSize   = 50
	maxPageSize       = 500
	idempotencyHeader = "Idempotency-Key"
	maxIdempotencyKey = 255
)

// RefundService is the coordinator surface the handler needs.
type RefundService interface {
	RequestRefund(ctx context.Context, req refundsvc.RefundRequest) (*refundsvc.RefundResult, error)
}

// PaymentService is the capture and read surface the handler needs.
type PaymentService interface {
	RecordCapture(ctx context.Context, req payment.CaptureRequest) (*domain.PaymentRecord, error)
	GetPayment(ctx context.Context, externalID string) (*domain.PaymentRecord, error)
	ListPayments(ctx context.Context, limit, offset int) ([]*domain.PaymentRecord, error)
	ListAuditTrail(ctx context.Context, externalID string) ([]*domain.AuditLogEntry, error)
	ListRefundAttempts(ctx context.Context, externalID string) ([]*domain.RefundAttempt, error)
}

// Handler serves the payments API.
type Handler struct {
	refunds  RefundService
	payments PaymentService
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler creates a new payments API handler
func NewHandler(refunds RefundService, payments PaymentService, logger *zap.Logger) *Handler {
	return &Handler{
		refunds:  refunds,
		payments: payments,
		validate: validator.New(),
		logger:   logger,
	}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /api/v1/payments", h.RecordCapture},
		{"GET /api/v1/payments", h.ListPayments},
		{"GET /api/v1/payments/{external_id}", h.GetPayment},
		{"POST /api/v1/payments/{external_id}/refunds", h.RequestRefund},
		{"GET /api/v1/payments/{external_id}/refunds", h.ListRefunds},
		{"GET /api/v1/payments/{external_id}/audit", h.ListAudit},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, observability.HTTPMiddleware(rt.pattern, rt.handler))
	}
}

type refundRequestBody struct {
	Nonce  *string `json:"nonce" validate:"omitempty,min=1,max=128"`
	Amount int64   `json:"amount"`
}

type captureRequestBody struct {
	DeviceToken    *string `json:"device_token" validate:"omitempty,max=512"`
	ExternalID     string  `json:"external_id" validate:"required,max=255"`
	Currency       string  `json:"currency" validate:"required,len=3,alpha"`
	CapturedAmount int64   `json:"captured_amount" validate:"gt=0"`
}

type paymentResponse struct {
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ExternalID      string    `json:"external_id"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	CapturedAmount  int64     `json:"captured_amount"`
	RefundedAmount  int64     `json:"refunded_amount"`
	RemainingAmount int64     `json:"remaining_amount"`
}

type attemptResponse struct {
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	IdempotencyKey    string    `json:"idempotency_key"`
	Outcome           string    `json:"outcome"`
	ErrorCode         string    `json:"error_code,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	ProviderReference string    `json:"provider_reference,omitempty"`
	Amount            int64     `json:"amount"`
	AttemptCount      int       `json:"attempt_count"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RequestRefund handles POST /api/v1/payments/{external_id}/refunds.
//
// The Idempotency-Key header identifies the refund. Without it the key is
// derived from the payment, the amount and the body's nonce; a request with
// neither gets a fresh nonce and is never deduplicated.
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("external_id")

	var body refundRequestBody
	if !h.decode(w, r, &body) {
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if len(key) > maxIdempotencyKey {
		h.respondError(w, http.StatusBadRequest, string(domain.ErrorCodeValidationFailed),
			fmt.Sprintf("%s must be at most %d characters", idempotencyHeader, maxIdempotencyKey))
		return
	}
	if key == "" {
		nonce := lo.FromPtr(body.Nonce)
		if nonce == "" {
			nonce = refundsvc.NewNonce()
		}
		key = refundsvc.DeriveIdempotencyKey(externalID, body.Amount, nonce)
	}

	result, err := h.refunds.RequestRefund(r.Context(), refundsvc.RefundRequest{
		ExternalID:     externalID,
		Amount:         body.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.writeJSON(w, outcomeStatus(result.Outcome), result)
}

// RecordCapture handles POST /api/v1/payments.
func (h *Handler) RecordCapture(w http.ResponseWriter, r *http.Request) {
	var body captureRequestBody
	if !h.decode(w, r, &body) {
		return
	}

	record, err := h.payments.RecordCapture(r.Context(), payment.CaptureRequest{
		ExternalID:     body.ExternalID,
		CapturedAmount: body.CapturedAmount,
		Currency:       body.Currency,
		DeviceToken:    body.DeviceToken,
	})
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toPaymentResponse(record))
}

// GetPayment handles GET /api/v1/payments/{external_id}.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	record, err := h.payments.GetPayment(r.Context(), r.PathValue("external_id"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(record))
}

// ListPayments handles GET /api/v1/payments?limit=&offset=.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	limit, okLimit := queryInt(r, "limit", defaultPageSize)
	offset, okOffset := queryInt(r, "offset", 0)
	if !okLimit || !okOffset || limit < 1 || limit > maxPageSize || offset < 0 {
		h.respondError(w, http.StatusBadRequest, string(domain.ErrorCodeValidationFailed),
			fmt.Sprintf("limit must be 1-%d and offset non-negative", maxPageSize))
		return
	}

	records, err := h.payments.ListPayments(r.Context(), limit, offset)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"payments": lo.Map(records, func(p *domain.PaymentRecord, _ int) paymentResponse { return toPaymentResponse(p) }),
		"limit":    limit,
		"offset":   offset,
	})
}

// ListRefunds handles GET /api/v1/payments/{external_id}/refunds.
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.payments.ListRefundAttempts(r.Context(), r.PathValue("external_id"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"refunds": lo.Map(attempts, func(a *domain.RefundAttempt, _ int) attemptResponse { return toAttemptResponse(a) }),
	})
}

// ListAudit handles GET /api/v1/payments/{external_id}/audit.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.payments.ListAuditTrail(r.Context(), r.PathValue("external_id"))
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.AuditLogEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, string(domain.ErrorCodeValidationFailed), "request body must be valid JSON")
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
				return fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag())
			})
			h.respondError(w, http.StatusBadRequest, string(domain.ErrorCodeValidationFailed),
				"invalid fields: "+strings.Join(fields, ", "))
			return false
		}
		h.respondError(w, http.StatusBadRequest, string(domain.ErrorCodeValidationFailed), err.Error())
		return false
	}
	return true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	var de *domain.DomainError
	if !errors.As(err, &de) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.respondError(w, http.StatusServiceUnavailable, "REQUEST_CANCELED", "request was canceled before it could be processed")
			return
		}
		h.logger.Error("Unclassified error", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	status := errorStatus(de.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Request failed", zap.String("code", string(de.Code)), zap.Error(err))
	}
	h.respondError(w, status, string(de.Code), de.Message)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func outcomeStatus(outcome domain.RefundOutcome) int {
	switch outcome {
	case domain.RefundOutcomeSettled:
		return http.StatusOK
	case domain.RefundOutcomeRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func errorStatus(code domain.ErrorCode) int {
	switch code {
	case domain.ErrorCodeInvalidAmount, domain.ErrorCodeValidationFailed, domain.ErrorCodeValidationMissingField:
		return http.StatusBadRequest
	case domain.ErrorCodeUnknownPayment, domain.ErrorCodeNotFound:
		return http.StatusNotFound
	case domain.ErrorCodeIdempotencyConflict, domain.ErrorCodePaymentAlreadyExists:
		return http.StatusConflict
	case domain.ErrorCodeInsufficientRemainingBalance:
		return http.StatusUnprocessableEntity
	case domain.ErrorCodePendingUnresolved, domain.ErrorCodeConcurrentModification, domain.ErrorCodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toPaymentResponse(p *domain.PaymentRecord) paymentResponse {
	return paymentResponse{
		ExternalID:      p.ExternalID,
		Currency:        p.Currency,
		Status:          string(p.Status),
		CapturedAmount:  p.CapturedAmount,
		RefundedAmount:  p.RefundedAmount,
		RemainingAmount: p.RemainingAmount(),
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func toAttemptResponse(a *domain.RefundAttempt) attemptResponse {
	return attemptResponse{
		IdempotencyKey:    a.IdempotencyKey,
		Outcome:           string(a.Outcome),
		ErrorCode:         string(a.ErrorCode),
		Reason:            a.Reason(),
		ProviderReference: lo.FromPtr(a.ProviderReference),
		Amount:            a.AmountRequested,
		AttemptCount:      a.AttemptCount,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}
