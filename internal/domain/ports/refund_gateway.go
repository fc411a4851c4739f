package ports

import (
	"context"
)

// GatewayRefundRequest is a single refund call to the payment provider.
type GatewayRefundRequest struct {
	DeviceToken    *string
	ExternalID     string
	Currency       string
	IdempotencyKey string
	Amount         int64
}

// GatewayRefundResult describes a refund the provider settled.
type GatewayRefundResult struct {
	ProviderReference string
	Status            string
}

// GatewayRefundState is the provider's view of a refund looked up by idempotency key.
type GatewayRefundState string

const (
	GatewayRefundSettled    GatewayRefundState = "settled"
	GatewayRefundRejected   GatewayRefundState = "rejected"
	GatewayRefundInProgress GatewayRefundState = "in_progress"
	GatewayRefundNotFound   GatewayRefundState = "not_found"
)

// GatewayRefundStatus is the answer to a status query.
type GatewayRefundStatus struct {
	ProviderReference string
	Reason            string
	State             GatewayRefundState
	Amount            int64
}

// RefundGateway calls the external payment provider.
//
// Implementations never retry. Errors are *pkgerrors.GatewayError values whose
// IsRetriable flag separates transient failures (timeouts, connection errors,
// throttling, provider 5xx) from permanent rejections, and whose Message is a
// classified human-readable reason rather than the raw provider payload.
type RefundGateway interface {
	Refund(ctx context.Context, req *GatewayRefundRequest) (*GatewayRefundResult, error)
	RefundStatus(ctx context.Context, externalID, idempotencyKey string) (*GatewayRefundStatus, error)
	Name() string
}
