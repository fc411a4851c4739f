// Package stripe implements the refund gateway on top of the Stripe API.
package stripe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/kevin07696/refund-reconciler/internal/config"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
	pkgerrors "github.com/kevin07696/refund-reconciler/pkg/errors"
	"github.com/kevin07696/refund-reconciler/pkg/observability"
)

const (
	providerName = "stripe"

	// metadataIdempotencyKey tags each refund so status lookups can find it.
	metadataIdempotencyKey = "refund_idempotency_key"
)

// Gateway implements ports.RefundGateway with stripe-go.
type Gateway struct {
	client      *stripe.Client
	logger      *zap.Logger
	callTimeout time.Duration
}

var _ ports.RefundGateway = (*Gateway)(nil)

// NewGateway creates a Stripe gateway from the resolved gateway config.
// cfg.BaseURL, when set, replaces the Stripe API root (e.g. stripe-mock).
// The client never retries on its own; the refund coordinator owns retries.
func NewGateway(cfg config.GatewayConfig, logger *zap.Logger) *Gateway {
	backend := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BaseURL != "" {
		backend.URL = stripe.String(cfg.BaseURL)
	}

	return &Gateway{
		client:      stripe.NewClient(cfg.Credential, stripe.WithBackends(stripe.NewBackendsWithConfig(backend))),
		logger:      logger,
		callTimeout: cfg.CallTimeout,
	}
}

// Name identifies the provider in logs and metrics.
func (g *Gateway) Name() string { return providerName }

// Refund creates a Stripe refund against a PaymentIntent (pi_) or Charge (ch_).
// The idempotency key is sent as Stripe's Idempotency-Key, so a retried call
// returns the refund created by the first one.
func (g *Gateway) Refund(ctx context.Context, req *ports.GatewayRefundRequest) (*ports.GatewayRefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	start := time.Now()

	params := &stripe.RefundCreateParams{
		Amount:   stripe.Int64(req.Amount),
		Metadata: map[string]string{metadataIdempotencyKey: req.IdempotencyKey},
	}
	if strings.HasPrefix(req.ExternalID, "ch_") {
		params.Charge = stripe.String(req.ExternalID)
	} else {
		params.PaymentIntent = stripe.String(req.ExternalID)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	refund, err := g.client.V1Refunds.Create(ctx, params)
	if err != nil {
		ge := classifyError(err)
		observability.RecordGatewayCall(providerName, "refund", resultLabel(ge), time.Since(start))
		g.logger.Warn("Stripe refund failed",
			zap.String("external_id", req.ExternalID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("code", ge.Code),
			zap.Bool("retriable", ge.IsRetriable),
			zap.Error(err),
		)
		return nil, ge
	}

	state, reason := mapRefundStatus(refund.Status, string(refund.FailureReason))
	switch state {
	case ports.GatewayRefundSettled:
		observability.RecordGatewayCall(providerName, "refund", "settled", time.Since(start))
		return &ports.GatewayRefundResult{ProviderReference: refund.ID, Status: string(refund.Status)}, nil
	case ports.GatewayRefundInProgress:
		observability.RecordGatewayCall(providerName, "refund", "transient", time.Since(start))
		return nil, pkgerrors.NewGatewayError("refund_pending", reason, pkgerrors.CategoryInProgress, true)
	default:
		observability.RecordGatewayCall(providerName, "refund", "permanent", time.Since(start))
		return nil, pkgerrors.NewGatewayError("refund_declined", reason, pkgerrors.CategoryDeclined, false)
	}
}

// RefundStatus scans the payment's refunds for the one tagged with idempotencyKey.
func (g *Gateway) RefundStatus(ctx context.Context, externalID, idempotencyKey string) (*ports.GatewayRefundStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	start := time.Now()

	params := &stripe.RefundListParams{}
	if strings.HasPrefix(externalID, "ch_") {
		params.Charge = stripe.String(externalID)
	} else {
		params.PaymentIntent = stripe.String(externalID)
	}

	for refund, err := range g.client.V1Refunds.List(ctx, params) {
		if err != nil {
			ge := classifyError(err)
			observability.RecordGatewayCall(providerName, "status", resultLabel(ge), time.Since(start))
			return nil, ge
		}
		if refund.Metadata[metadataIdempotencyKey] != idempotencyKey {
			continue
		}
		state, reason := mapRefundStatus(refund.Status, string(refund.FailureReason))
		observability.RecordGatewayCall(providerName, "status", string(state), time.Since(start))
		return &ports.GatewayRefundStatus{
			State:             state,
			ProviderReference: refund.ID,
			Amount:            refund.Amount,
			Reason:            reason,
		}, nil
	}

	observability.RecordGatewayCall(providerName, "status", string(ports.GatewayRefundNotFound), time.Since(start))
	return &ports.GatewayRefundStatus{State: ports.GatewayRefundNotFound}, nil
}

// mapRefundStatus maps a Stripe refund status onto the gateway state and a
// classified reason.
func mapRefundStatus(status stripe.RefundStatus, failureReason string) (ports.GatewayRefundState, string) {
	switch status {
	case stripe.RefundStatusSucceeded:
		return ports.GatewayRefundSettled, ""
	case stripe.RefundStatusPending, stripe.RefundStatusRequiresAction:
		return ports.GatewayRefundInProgress, "refund is still being processed by the provider"
	case stripe.RefundStatusCanceled:
		return ports.GatewayRefundRejected, "refund was canceled at the provider"
	default:
		switch failureReason {
		case "expired_or_canceled_card", "lost_or_stolen_card":
			return ports.GatewayRefundRejected, "refund could not be returned to the original card"
		case "insufficient_funds":
			return ports.GatewayRefundRejected, "provider balance insufficient for refund"
		default:
			return ports.GatewayRefundRejected, "refund declined by the provider"
		}
	}
}

// classifyError turns a stripe-go error into a GatewayError. Anything that is
// not a *stripe.Error (network, timeout) is transient.
func classifyError(err error) *pkgerrors.GatewayError {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return pkgerrors.NewTransientError(err)
	}

	ge := &pkgerrors.GatewayError{
		Cause:          err,
		Code:           string(stripeErr.Code),
		GatewayMessage: stripeErr.Msg,
		HTTPStatus:     stripeErr.HTTPStatusCode,
		Details:        map[string]interface{}{"request_id": stripeErr.RequestID},
	}

	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		ge.Category, ge.IsRetriable, ge.Message = pkgerrors.CategoryRateLimited, true, "payment provider is throttling requests"
	case stripeErr.HTTPStatusCode >= 500 || stripeErr.Type == stripe.ErrorTypeAPI:
		ge.Category, ge.IsRetriable, ge.Message = pkgerrors.CategorySystemError, true, "payment provider is temporarily unavailable"
	case stripeErr.HTTPStatusCode == http.StatusConflict && stripeErr.Type != stripe.ErrorTypeIdempotency:
		ge.Category, ge.IsRetriable, ge.Message = pkgerrors.CategoryInProgress, true, "refund is still being processed by the provider"
	case stripeErr.Type == stripe.ErrorTypeIdempotency:
		ge.Category, ge.Message = pkgerrors.CategoryInvalidRequest, "idempotency key already used for a different refund at the provider"
	case stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded:
		ge.Category, ge.Message = pkgerrors.CategoryAlreadyRefunded, "payment already fully refunded at the provider"
	case stripeErr.Code == stripe.ErrorCodeResourceMissing:
		ge.Category, ge.Message = pkgerrors.CategoryUnknownPayment, "payment is unknown to the provider"
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden:
		ge.Category, ge.Message = pkgerrors.CategoryAuthentication, "payment provider rejected the credentials"
	default:
		ge.Category, ge.Message = pkgerrors.CategoryDeclined, "refund declined by the provider"
	}
	if ge.Code == "" {
		ge.Code = string(stripeErr.Type)
	}
	return ge
}

func resultLabel(ge *pkgerrors.GatewayError) string {
	if ge.IsRetriable {
		return "transient"
	}
	return "permanent"
}
