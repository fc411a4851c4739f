// Package sandbox is an in-process refund gateway for local runs and demos.
// It settles every refund unless a Script says otherwise.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
	pkgerrors "github.com/kevin07696/refund-reconciler/pkg/errors"
)

const providerName = "sandbox"

// Outcome scripts the sandbox's answer to one refund call.
type Outcome int

const (
	OutcomeSettle Outcome = iota
	OutcomeTransient
	OutcomeReject
)

// Script decides the outcome for a call. call counts submissions of the same
// idempotency key starting at 1.
type Script func(req *ports.GatewayRefundRequest, call int) Outcome

type refund struct {
	reference string
	amount    int64
	state     ports.GatewayRefundState
}

// Gateway implements ports.RefundGateway in memory.
type Gateway struct {
	mu      sync.Mutex
	script  Script
	refunds map[string]*refund
	calls   map[string]int
}

var _ ports.RefundGateway = (*Gateway)(nil)

// Option configures the sandbox.
type Option func(*Gateway)

// WithScript overrides the default settle-everything behaviour.
func WithScript(s Script) Option {
	return func(g *Gateway) { g.script = s }
}

// NewGateway creates a sandbox gateway.
func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		script:  func(*ports.GatewayRefundRequest, int) Outcome { return OutcomeSettle },
		refunds: make(map[string]*refund),
		calls:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Name() string { return providerName }

// Refund settles, rejects or times out according to the script. A key that
// already settled returns the original refund without consulting the script.
func (g *Gateway) Refund(ctx context.Context, req *ports.GatewayRefundRequest) (*ports.GatewayRefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.NewTransientError(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.refunds[req.IdempotencyKey]; ok {
		if r.amount != req.Amount {
			return nil, pkgerrors.NewGatewayError("idempotency_key_reused",
				"idempotency key already used for a different refund at the provider",
				pkgerrors.CategoryInvalidRequest, false)
		}
		if r.state == ports.GatewayRefundSettled {
			return &ports.GatewayRefundResult{ProviderReference: r.reference, Status: "succeeded"}, nil
		}
	}

	g.calls[req.IdempotencyKey]++
	switch g.script(req, g.calls[req.IdempotencyKey]) {
	case OutcomeTransient:
		return nil, pkgerrors.NewGatewayError("provider_error", "payment provider is temporarily unavailable",
			pkgerrors.CategorySystemError, true)
	case OutcomeReject:
		g.refunds[req.IdempotencyKey] = &refund{amount: req.Amount, state: ports.GatewayRefundRejected}
		return nil, pkgerrors.NewGatewayError("refund_declined", "refund declined by the provider",
			pkgerrors.CategoryDeclined, false)
	default:
		r := &refund{
			reference: fmt.Sprintf("sbx_re_%s", uuid.NewString()[:12]),
			amount:    req.Amount,
			state:     ports.GatewayRefundSettled,
		}
		g.refunds[req.IdempotencyKey] = r
		return &ports.GatewayRefundResult{ProviderReference: r.reference, Status: "succeeded"}, nil
	}
}

// RefundStatus reports what the sandbox recorded for idempotencyKey.
func (g *Gateway) RefundStatus(ctx context.Context, _ string, idempotencyKey string) (*ports.GatewayRefundStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.NewTransientError(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.refunds[idempotencyKey]
	if !ok {
		return &ports.GatewayRefundStatus{State: ports.GatewayRefundNotFound}, nil
	}
	status := &ports.GatewayRefundStatus{State: r.state, ProviderReference: r.reference, Amount: r.amount}
	if r.state == ports.GatewayRefundRejected {
		status.Reason = "refund declined by the provider"
	}
	return status, nil
}

// Calls returns how many times idempotencyKey reached the script.
func (g *Gateway) Calls(idempotencyKey string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[idempotencyKey]
}
