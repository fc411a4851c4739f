package cron

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kevin07696/refund-reconciler/internal/services/refund"
)

// PendingResolver re-runs the pending refund sweep.
type PendingResolver interface {
	ResolvePending(ctx context.Context) (*refund.RecoveryReport, error)
}

// RecoveryHandler handles cron job endpoints for pending refund recovery
type RecoveryHandler struct {
	resolver   PendingResolver
	logger     *zap.Logger
	cronSecret string // Secret token for authenticating cron requests
	timeout    time.Duration
}

// NewRecoveryHandler creates a new recovery cron handler
func NewRecoveryHandler(resolver PendingResolver, logger *zap.Logger, cronSecret string, timeout time.Duration) *RecoveryHandler {
	return &RecoveryHandler{
		resolver:   resolver,
		logger:     logger,
		cronSecret: cronSecret,
		timeout:    timeout,
	}
}

// ResolvePendingResponse represents the response from a recovery sweep
type ResolvePendingResponse struct {
	Success     bool                   `json:"success"`
	Report      *refund.RecoveryReport `json:"report,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ProcessedAt string                 `json:"processed_at"`
}

// ResolvePending handles the POST /cron/resolve-pending endpoint
func (h *RecoveryHandler) ResolvePending(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Pending refund sweep triggered",
		zap.String("method", r.Method),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
	)

	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "only POST method is allowed")
		return
	}

	if !h.authenticateRequest(r) {
		h.logger.Warn("Unauthorized cron request",
			zap.String("remote_addr", r.RemoteAddr),
		)
		h.respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// The sweep outlives the scheduler's connection.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
	defer cancel()

	report, err := h.resolver.ResolvePending(ctx)

	resp := ResolvePendingResponse{
		Success:     err == nil && report != nil && report.Unresolved == 0,
		Report:      report,
		ProcessedAt: time.Now().Format(time.RFC3339),
	}
	status := http.StatusOK
	switch {
	case err != nil:
		h.logger.Error("Pending refund sweep failed", zap.Error(err))
		resp.Error = "recovery sweep failed"
		status = http.StatusServiceUnavailable
	case report.Unresolved > 0:
		status = http.StatusPartialContent // 206 indicates some attempts remain pending
	}

	writeJSON(w, status, resp, h.logger)
}

// authenticateRequest verifies the cron request is authorized
func (h *RecoveryHandler) authenticateRequest(r *http.Request) bool {
	if h.cronSecret == "" {
		return false
	}

	if secret := r.Header.Get("X-Cron-Secret"); secret != "" {
		return subtle.ConstantTimeCompare([]byte(secret), []byte(h.cronSecret)) == 1
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) == 1
	}

	return false
}

// respondError sends an error response
func (h *RecoveryHandler) respondError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   message,
	}, h.logger)
}

// HealthCheck handles GET /cron/health for monitoring
func (h *RecoveryHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	}, h.logger)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
