package refund_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
)

func TestResolvePending(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"pi_settled", "pi_rejected", "pi_missing", "pi_busy"} {
		f.capture(t, id, 1000)
	}
	f.pendingAttempt(t, "pi_settled", "k-settled", 600)
	f.pendingAttempt(t, "pi_rejected", "k-rejected", 600)
	f.pendingAttempt(t, "pi_missing", "k-missing", 600)
	f.pendingAttempt(t, "pi_busy", "k-busy", 600)

	f.gw.statusFn = func(_, key string) (*ports.GatewayRefundStatus, error) {
		switch key {
		case "k-settled":
			return &ports.GatewayRefundStatus{State: ports.GatewayRefundSettled, ProviderReference: "re_1", Amount: 600}, nil
		case "k-rejected":
			return &ports.GatewayRefundStatus{State: ports.GatewayRefundRejected, Reason: "refund declined by the provider"}, nil
		case "k-missing":
			return &ports.GatewayRefundStatus{State: ports.GatewayRefundNotFound}, nil
		default:
			return &ports.GatewayRefundStatus{State: ports.GatewayRefundInProgress}, nil
		}
	}

	report, err := f.svc.ResolvePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Unresolved)

	assert.Equal(t, domain.RefundOutcomeSettled, f.attempt(t, "k-settled").Outcome)
	assert.Equal(t, int64(600), f.payment(t, "pi_settled").RefundedAmount)

	rejected := f.attempt(t, "k-rejected")
	assert.Equal(t, domain.RefundOutcomeRejected, rejected.Outcome)
	assert.Equal(t, domain.ErrorCodePermanentGateway, rejected.ErrorCode)

	missing := f.attempt(t, "k-missing")
	assert.Equal(t, domain.RefundOutcomeFailed, missing.Outcome)
	assert.NotEmpty(t, missing.Reason())

	assert.Equal(t, domain.RefundOutcomePending, f.attempt(t, "k-busy").Outcome)
	assert.Equal(t, int64(0), f.payment(t, "pi_busy").RefundedAmount)

	// One query for each answered attempt, three for the one still in progress.
	assert.Equal(t, 6, f.gw.statusCalls)
	assert.Equal(t, 0, f.gw.totalRefundCalls())
}

func TestResolvePending_SettledBeyondBalanceNeedsManualReconciliation(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 1000)
	ctx := context.Background()

	rec := f.payment(t, "pi_1")
	require.NoError(t, rec.ApplyRefund(800))
	require.NoError(t, f.store.Payments().Save(ctx, nil, rec))

	f.pendingAttempt(t, "pi_1", "late", 500)
	f.gw.statusFn = func(_, key string) (*ports.GatewayRefundStatus, error) {
		return &ports.GatewayRefundStatus{State: ports.GatewayRefundSettled, ProviderReference: "re_late", Amount: 500}, nil
	}

	report, err := f.svc.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	late := f.attempt(t, "late")
	assert.Equal(t, domain.RefundOutcomeFailed, late.Outcome)
	assert.Equal(t, domain.ErrorCodeInsufficientRemainingBalance, late.ErrorCode)
	assert.Contains(t, late.Reason(), "manual reconciliation")
	require.NotNil(t, late.ProviderReference)
	assert.Equal(t, "re_late", *late.ProviderReference)
	assert.Equal(t, int64(800), f.payment(t, "pi_1").RefundedAmount)
}

func TestResolvePending_NothingPending(t *testing.T) {
	f := newFixture(t)

	report, err := f.svc.ResolvePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
}

func TestResolvePending_StorageUnavailable(t *testing.T) {
	f := newFixture(t)
	f.store.SetUnavailable(true)

	_, err := f.svc.ResolvePending(context.Background())
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeStorageUnavailable), "got %v", err)
}

func TestResolvePending_IsRerunnable(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 1000)
	f.pendingAttempt(t, "pi_1", "k", 400)

	inProgress := true
	f.gw.statusFn = func(string, string) (*ports.GatewayRefundStatus, error) {
		if inProgress {
			return &ports.GatewayRefundStatus{State: ports.GatewayRefundInProgress}, nil
		}
		return &ports.GatewayRefundStatus{State: ports.GatewayRefundSettled, ProviderReference: "re_k"}, nil
	}
	ctx := context.Background()

	report, err := f.svc.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unresolved)

	inProgress = false
	report, err = f.svc.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, int64(400), f.payment(t, "pi_1").RefundedAmount)
}
