package refund_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin07696/refund-reconciler/internal/adapters/memory"
	"github.com/kevin07696/refund-reconciler/internal/config"
	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
	"github.com/kevin07696/refund-reconciler/internal/services/refund"
	pkgerrors "github.com/kevin07696/refund-reconciler/pkg/errors"
	"github.com/kevin07696/refund-reconciler/pkg/resilience"
)

// fakeGateway answers refund and status calls from test-provided functions.
type fakeGateway struct {
	mu          sync.Mutex
	refundFn    func(req *ports.GatewayRefundRequest, call int) (*ports.GatewayRefundResult, error)
	statusFn    func(externalID, key string) (*ports.GatewayRefundStatus, error)
	refundCalls map[string]int
	statusCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{refundCalls: make(map[string]int)}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Refund(_ context.Context, req *ports.GatewayRefundRequest) (*ports.GatewayRefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls[req.IdempotencyKey]++
	if g.refundFn != nil {
		return g.refundFn(req, g.refundCalls[req.IdempotencyKey])
	}
	return &ports.GatewayRefundResult{ProviderReference: "re_" + req.IdempotencyKey, Status: "succeeded"}, nil
}

func (g *fakeGateway) RefundStatus(_ context.Context, externalID, key string) (*ports.GatewayRefundStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if g.statusFn != nil {
		return g.statusFn(externalID, key)
	}
	return &ports.GatewayRefundStatus{State: ports.GatewayRefundNotFound}, nil
}

func (g *fakeGateway) totalRefundCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.refundCalls {
		total += n
	}
	return total
}

func transientErr() error {
	return pkgerrors.NewGatewayError("provider_error", "payment provider is temporarily unavailable", pkgerrors.CategorySystemError, true)
}

func permanentErr() error {
	return pkgerrors.NewGatewayError("refund_declined", "refund declined by the provider", pkgerrors.CategoryDeclined, false)
}

type fixture struct {
	store *memory.Store
	gw    *fakeGateway
	svc   *refund.Service
}

func testRefundConfig() config.RefundConfig {
	return config.RefundConfig{
		MaxRetries:          3,
		RetryDelay:          time.Millisecond,
		RecoveryConcurrency: 4,
		ReplayCacheTTL:      time.Minute,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	gw := newFakeGateway()
	return &fixture{store: store, gw: gw, svc: newService(store, gw)}
}

func newService(store *memory.Store, gw ports.RefundGateway) *refund.Service {
	return refund.NewService(
		store, store.Payments(), store.Attempts(), store.AuditLog(), gw,
		ports.NopLogger{}, testRefundConfig(),
		refund.WithRecoveryBackoff(resilience.LinearBackoff{}),
	)
}

func (f *fixture) capture(t *testing.T, externalID string, amount int64) {
	t.Helper()
	rec, err := domain.NewPaymentRecord(externalID, amount, "USD", nil)
	require.NoError(t, err)
	require.NoError(t, f.store.Payments().Create(context.Background(), nil, rec))
}

func (f *fixture) payment(t *testing.T, externalID string) *domain.PaymentRecord {
	t.Helper()
	rec, err := f.store.Payments().Load(context.Background(), nil, externalID)
	require.NoError(t, err)
	return rec
}

func (f *fixture) attempt(t *testing.T, key string) *domain.RefundAttempt {
	t.Helper()
	a, err := f.store.Attempts().GetByIdempotencyKey(context.Background(), nil, key)
	require.NoError(t, err)
	return a
}

func (f *fixture) pendingAttempt(t *testing.T, externalID, key string, amount int64) {
	t.Helper()
	a := domain.NewRefundAttempt(externalID, key, amount)
	require.NoError(t, f.store.Attempts().Create(context.Background(), nil, a))
}

func TestRequestRefund_PartialThenFullThenRejected(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 12000)
	ctx := context.Background()

	r1, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 6000, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundOutcomeSettled, r1.Outcome)
	assert.Equal(t, int64(6000), r1.RefundedAmount)
	assert.Equal(t, int64(6000), r1.RemainingAmount)
	assert.Equal(t, "re_k1", r1.ProviderReference)
	assert.Equal(t, domain.PaymentStatusPartiallyRefunded, f.payment(t, "pi_1").Status)

	r2, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 6000, IdempotencyKey: "k2"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundOutcomeSettled, r2.Outcome)
	assert.Equal(t, int64(0), r2.RemainingAmount)
	assert.Equal(t, domain.PaymentStatusFullyRefunded, f.payment(t, "pi_1").Status)

	r3, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 1000, IdempotencyKey: "k3"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundOutcomeRejected, r3.Outcome)
	assert.Equal(t, domain.ErrorCodeInsufficientRemainingBalance, r3.ErrorCode)
	assert.NotEmpty(t, r3.Reason)

	assert.Equal(t, 2, f.gw.totalRefundCalls())
	assert.Equal(t, int64(12000), f.payment(t, "pi_1").RefundedAmount)

	entries, err := f.store.AuditLog().ListByPayment(ctx, nil, "pi_1")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.Equal(t, domain.RefundOutcomeRejected, entries[4].ToOutcome)
}

func TestRequestRefund_RemainingBoundary(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 5000)
	ctx := context.Background()

	over, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 5001, IdempotencyKey: "over"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundOutcomeRejected, over.Outcome)
	assert.Equal(t, domain.ErrorCodeInsufficientRemainingBalance, over.ErrorCode)
	assert.Equal(t, 0, f.gw.totalRefundCalls())
	assert.Equal(t, int64(0), f.payment(t, "pi_1").RefundedAmount)

	exact, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 5000, IdempotencyKey: "exact"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundOutcomeSettled, exact.Outcome)
	assert.Equal(t, domain.PaymentStatusFullyRefunded, f.payment(t, "pi_1").Status)

	one, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 1, IdempotencyKey: "one"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundOutcomeRejected, one.Outcome)
}

func TestRequestRefund_ReplayReturnsOriginalResult(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 10000)
	ctx := context.Background()

	first, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 3000, IdempotencyKey: "a"})
	require.NoError(t, err)
	_, err = f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 2000, IdempotencyKey: "b"})
	require.NoError(t, err)

	t.Run("from replay cache", func(t *testing.T) {
		again, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 3000, IdempotencyKey: "a"})
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, first.RefundedAmount, again.RefundedAmount)
		assert.Equal(t, first.ProviderReference, again.ProviderReference)
	})

	t.Run("from storage", func(t *testing.T) {
		fresh := newService(f.store, f.gw)
		again, err := fresh.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 3000, IdempotencyKey: "a"})
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, domain.RefundOutcomeSettled, again.Outcome)
		assert.Equal(t, int64(3000), again.RefundedAmount)
		assert.Equal(t, int64(7000), again.RemainingAmount)
	})

	assert.Equal(t, 2, f.gw.totalRefundCalls())
	assert.Equal(t, int64(5000), f.payment(t, "pi_1").RefundedAmount)
}

func TestRequestRefund_ReplayIgnoresOtherPendingAttempts(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 10000)
	ctx := context.Background()

	first, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 6000, IdempotencyKey: "a"})
	require.NoError(t, err)
	require.Equal(t, domain.RefundOutcomeSettled, first.Outcome)

	f.pendingAttempt(t, "pi_1", "b", 1000)
	f.gw.statusFn = func(string, string) (*ports.GatewayRefundStatus, error) {
		return &ports.GatewayRefundStatus{State: ports.GatewayRefundInProgress}, nil
	}

	fresh := newService(f.store, f.gw)
	again, err := fresh.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 6000, IdempotencyKey: "a"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, domain.RefundOutcomeSettled, again.Outcome)
	assert.Equal(t, int64(6000), again.RefundedAmount)
	assert.Equal(t, first.ProviderReference, again.ProviderReference)

	_, err = fresh.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 500, IdempotencyKey: "c"})
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodePendingUnresolved), "got %v", err)
	assert.Equal(t, domain.RefundOutcomePending, f.attempt(t, "b").Outcome)
	assert.Equal(t, 1, f.gw.totalRefundCalls())
}

func TestRequestRefund_TransientThenSuccess(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 1000)
	f.gw.refundFn = func(req *ports.GatewayRefundRequest, call int) (*ports.GatewayRefundResult, error) {
		if call == 1 {
			return nil, transientErr()
		}
		return &ports.GatewayRefundResult{ProviderReference: "re_1"}, nil
	}
	ctx := context.Background()

	res, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 400, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundOutcomeSettled, res.Outcome)
	assert.Equal(t, 1, res.AttemptCount)
	assert.Equal(t, int64(400), f.payment(t, "pi_1").RefundedAmount)
	assert.Equal(t, 2, f.gw.refundCalls["k"])

	entries, err := f.store.AuditLog().ListByPayment(ctx, nil, "pi_1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.RefundOutcomePending, entries[1].ToOutcome)
	assert.Equal(t, 1, entries[1].AttemptCount)
	assert.Equal(t, domain.RefundOutcomeSettled, entries[2].ToOutcome)
}

func TestRequestRefund_RetriesExhaustedThenResubmitted(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 1000)
	f.gw.refundFn = func(*ports.GatewayRefundRequest, int) (*ports.GatewayRefundResult, error) {
		return nil, transientErr()
	}
	ctx := context.Background()
	req := refund.RefundRequest{ExternalID: "pi_1", Amount: 400, IdempotencyKey: "k"}

	res, err := f.svc.RequestRefund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundOutcomeFailed, res.Outcome)
	assert.Equal(t, domain.ErrorCodeTransientGateway, res.ErrorCode)
	assert.Equal(t, 3, res.AttemptCount)
	assert.Equal(t, "payment provider is temporarily unavailable", res.Reason)
	assert.Equal(t, 3, f.gw.refundCalls["k"])
	assert.Equal(t, int64(0), f.payment(t, "pi_1").RefundedAmount)

	f.gw.refundFn = nil

	res, err = f.svc.RequestRefund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundOutcomeSettled, res.Outcome)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(400), f.payment(t, "pi_1").RefundedAmount)
	assert.Equal(t, 4, f.gw.refundCalls["k"])
}

func TestRequestRefund_PermanentRejection(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 1000)
	f.gw.refundFn = func(*ports.GatewayRefundRequest, int) (*ports.GatewayRefundResult, error) {
		return nil, permanentErr()
	}
	ctx := context.Background()
	req := refund.RefundRequest{ExternalID: "pi_1", Amount: 400, IdempotencyKey: "k"}

	res, err := f.svc.RequestRefund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundOutcomeRejected, res.Outcome)
	assert.Equal(t, domain.ErrorCodePermanentGateway, res.ErrorCode)
	assert.Equal(t, "refund declined by the provider", res.Reason)
	assert.Equal(t, 1, f.gw.refundCalls["k"])

	again, err := f.svc.RequestRefund(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, domain.RefundOutcomeRejected, again.Outcome)
	assert.Equal(t, 1, f.gw.refundCalls["k"])
}

func TestRequestRefund_CallerCancellationDoesNotAbandonGatewayPhase(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 1000)
	ctx, cancel := context.WithCancel(context.Background())
	f.gw.refundFn = func(_ *ports.GatewayRefundRequest, call int) (*ports.GatewayRefundResult, error) {
		if call == 1 {
			cancel()
			return nil, transientErr()
		}
		return &ports.GatewayRefundResult{ProviderReference: "re_1"}, nil
	}

	res, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 400, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundOutcomeSettled, res.Outcome)
	assert.Equal(t, int64(400), f.payment(t, "pi_1").RefundedAmount)
}

func TestRequestRefund_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 1000)
	ctx := context.Background()

	tests := []struct {
		name string
		req  refund.RefundRequest
		code domain.ErrorCode
	}{
		{"zero amount", refund.RefundRequest{ExternalID: "pi_1", Amount: 0, IdempotencyKey: "k"}, domain.ErrorCodeInvalidAmount},
		{"negative amount", refund.RefundRequest{ExternalID: "pi_1", Amount: -5, IdempotencyKey: "k"}, domain.ErrorCodeInvalidAmount},
		{"missing key", refund.RefundRequest{ExternalID: "pi_1", Amount: 5}, domain.ErrorCodeValidationMissingField},
		{"unknown payment", refund.RefundRequest{ExternalID: "pi_missing", Amount: 5, IdempotencyKey: "k"}, domain.ErrorCodeUnknownPayment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.RequestRefund(ctx, tt.req)
			assert.Nil(t, res)
			assert.True(t, domain.IsDomainError(err, tt.code), "got %v", err)
			assert.True(t, domain.IsCallerError(err))
		})
	}
	assert.Equal(t, 0, f.gw.totalRefundCalls())
}

func TestRequestRefund_IdempotencyConflict(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 1000)
	f.capture(t, "pi_2", 1000)
	ctx := context.Background()

	_, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 100, IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 200, IdempotencyKey: "k"})
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeIdempotencyConflict), "got %v", err)

	_, err = f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_2", Amount: 100, IdempotencyKey: "k"})
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeIdempotencyConflict), "got %v", err)

	assert.Equal(t, int64(100), f.payment(t, "pi_1").RefundedAmount)
	assert.Equal(t, int64(0), f.payment(t, "pi_2").RefundedAmount)
}

func TestRequestRefund_StorageUnavailable(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 1000)
	f.store.SetUnavailable(true)

	_, err := f.svc.RequestRefund(context.Background(), refund.RefundRequest{ExternalID: "pi_1", Amount: 100, IdempotencyKey: "k"})
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeStorageUnavailable), "got %v", err)
	assert.True(t, domain.IsRetryableLater(err))
	assert.Equal(t, 0, f.gw.totalRefundCalls())
}

func TestRequestRefund_SettledButNotRecordedStaysPending(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 1000)
	f.gw.refundFn = func(req *ports.GatewayRefundRequest, _ int) (*ports.GatewayRefundResult, error) {
		f.store.SetUnavailable(true)
		return &ports.GatewayRefundResult{ProviderReference: "re_" + req.IdempotencyKey}, nil
	}
	ctx := context.Background()

	_, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 300, IdempotencyKey: "k"})
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodePendingUnresolved), "got %v", err)

	f.store.SetUnavailable(false)
	assert.Equal(t, domain.RefundOutcomePending, f.attempt(t, "k").Outcome)
	assert.Equal(t, int64(0), f.payment(t, "pi_1").RefundedAmount)

	// The provider reports the refund settled; the next request records it first.
	f.gw.refundFn = nil
	f.gw.statusFn = func(_, key string) (*ports.GatewayRefundStatus, error) {
		return &ports.GatewayRefundStatus{State: ports.GatewayRefundSettled, ProviderReference: "re_" + key, Amount: 300}, nil
	}

	res, err := f.svc.RequestRefund(ctx, refund.RefundRequest{ExternalID: "pi_1", Amount: 300, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, domain.RefundOutcomeSettled, res.Outcome)
	assert.Equal(t, int64(300), f.payment(t, "pi_1").RefundedAmount)
	assert.Equal(t, 1, f.gw.refundCalls["k"])
}

func TestRequestRefund_ResolvesEarlierPendingAttempts(t *testing.T) {
	t.Run("settled at provider", func(t *testing.T) {
		f := newFixture(t)
		f.capture(t, "pi_1", 5000)
		f.pendingAttempt(t, "pi_1", "crashed", 4000)
		f.gw.statusFn = func(_, key string) (*ports.GatewayRefundStatus, error) {
			return &ports.GatewayRefundStatus{State: ports.GatewayRefundSettled, ProviderReference: "re_" + key}, nil
		}

		res, err := f.svc.RequestRefund(context.Background(), refund.RefundRequest{ExternalID: "pi_1", Amount: 1500, IdempotencyKey: "next"})
		require.NoError(t, err)
		assert.Equal(t, domain.RefundOutcomeRejected, res.Outcome)
		assert.Equal(t, domain.ErrorCodeInsufficientRemainingBalance, res.ErrorCode)
		assert.Equal(t, domain.RefundOutcomeSettled, f.attempt(t, "crashed").Outcome)
		assert.Equal(t, int64(4000), f.payment(t, "pi_1").RefundedAmount)
	})

	t.Run("unknown to provider", func(t *testing.T) {
		f := newFixture(t)
		f.capture(t, "pi_1", 5000)
		f.pendingAttempt(t, "pi_1", "crashed", 4000)

		res, err := f.svc.RequestRefund(context.Background(), refund.RefundRequest{ExternalID: "pi_1", Amount: 4000, IdempotencyKey: "crashed"})
		require.NoError(t, err)
		assert.Equal(t, domain.RefundOutcomeSettled, res.Outcome)
		assert.Equal(t, int64(4000), f.payment(t, "pi_1").RefundedAmount)
		assert.Equal(t, 1, f.gw.refundCalls["crashed"])
	})

	t.Run("still in progress blocks the payment", func(t *testing.T) {
		f := newFixture(t)
		f.capture(t, "pi_1", 5000)
		f.pendingAttempt(t, "pi_1", "crashed", 4000)
		f.gw.statusFn = func(string, string) (*ports.GatewayRefundStatus, error) {
			return &ports.GatewayRefundStatus{State: ports.GatewayRefundInProgress}, nil
		}

		_, err := f.svc.RequestRefund(context.Background(), refund.RefundRequest{ExternalID: "pi_1", Amount: 100, IdempotencyKey: "next"})
		assert.True(t, domain.IsDomainError(err, domain.ErrorCodePendingUnresolved), "got %v", err)
		assert.True(t, domain.IsRetryableLater(err))
		assert.Equal(t, 0, f.gw.totalRefundCalls())
	})
}

func TestRequestRefund_ConcurrentRequestsNeverOverRefund(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 12000)

	var wg sync.WaitGroup
	results := make([]*refund.RefundResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.RequestRefund(context.Background(), refund.RefundRequest{
				ExternalID:     "pi_1",
				Amount:         7000,
				IdempotencyKey: fmt.Sprintf("k%d", i),
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	settled, rejected := 0, 0
	for _, r := range results {
		require.NotNil(t, r)
		switch r.Outcome {
		case domain.RefundOutcomeSettled:
			settled++
		case domain.RefundOutcomeRejected:
			rejected++
			assert.Equal(t, domain.ErrorCodeInsufficientRemainingBalance, r.ErrorCode)
		}
	}
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int64(7000), f.payment(t, "pi_1").RefundedAmount)
	assert.Equal(t, 1, f.gw.totalRefundCalls())
}

func TestRequestRefund_SeparateLockersNeverOverRefund(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "pi_1", 10000)
	f.gw.statusFn = func(string, string) (*ports.GatewayRefundStatus, error) {
		return &ports.GatewayRefundStatus{State: ports.GatewayRefundInProgress}, nil
	}

	// Each service owns its locker, as two server processes would.
	services := []*refund.Service{newService(f.store, f.gw), newService(f.store, f.gw)}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, svc := range services {
		wg.Add(1)
		go func(i int, svc *refund.Service) {
			defer wg.Done()
			<-start
			_, _ = svc.RequestRefund(context.Background(), refund.RefundRequest{
				ExternalID:     "pi_1",
				Amount:         7000,
				IdempotencyKey: fmt.Sprintf("replica-%d", i),
			})
		}(i, svc)
	}
	close(start)
	wg.Wait()

	rec := f.payment(t, "pi_1")
	assert.Equal(t, int64(7000), rec.RefundedAmount)
	assert.LessOrEqual(t, rec.RefundedAmount, rec.CapturedAmount)

	attempts, err := f.store.Attempts().ListByPayment(context.Background(), nil, "pi_1")
	require.NoError(t, err)
	settled := 0
	for _, a := range attempts {
		if a.Outcome == domain.RefundOutcomeSettled {
			settled++
		}
	}
	assert.Equal(t, 1, settled)
}

func TestRequestRefund_RandomSequencesKeepInvariant(t *testing.T) {
	const (
		captured = 20000
		requests = 200
		workers  = 8
	)

	f := newFixture(t)
	f.capture(t, "pi_1", captured)
	f.capture(t, "pi_2", captured)

	rng := rand.New(rand.NewSource(42))
	f.gw.refundFn = func(req *ports.GatewayRefundRequest, _ int) (*ports.GatewayRefundResult, error) {
		switch n := rng.Intn(10); {
		case n < 6:
			return &ports.GatewayRefundResult{ProviderReference: "re_" + req.IdempotencyKey}, nil
		case n < 9:
			return nil, transientErr()
		default:
			return nil, permanentErr()
		}
	}

	jobs := make(chan refund.RefundRequest)
	var (
		mu      sync.Mutex
		settled = map[string]int64{}
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				res, err := f.svc.RequestRefund(context.Background(), req)
				if err != nil {
					assert.True(t, domain.IsRetryableLater(err) || domain.IsCallerError(err), "unexpected error %v", err)
					continue
				}
				if res.Outcome == domain.RefundOutcomeSettled && !res.Replayed {
					mu.Lock()
					settled[req.ExternalID] += req.Amount
					mu.Unlock()
				}
			}
		}()
	}

	amounts := rand.New(rand.NewSource(7))
	for i := 0; i < requests; i++ {
		externalID := "pi_1"
		if i%2 == 1 {
			externalID = "pi_2"
		}
		// Reuse a few keys so replays and re-opened failures are exercised.
		key := fmt.Sprintf("key-%d", amounts.Intn(requests/2))
		jobs <- refund.RefundRequest{
			ExternalID:     externalID,
			Amount:         int64(1 + amounts.Intn(3000)),
			IdempotencyKey: externalID + "-" + key,
		}
	}
	close(jobs)
	wg.Wait()

	ctx := context.Background()
	for _, id := range []string{"pi_1", "pi_2"} {
		rec := f.payment(t, id)
		assert.LessOrEqual(t, rec.RefundedAmount, rec.CapturedAmount)
		assert.GreaterOrEqual(t, rec.RefundedAmount, int64(0))
		assert.Equal(t, domain.DeriveStatus(rec.CapturedAmount, rec.RefundedAmount), rec.Status)

		attempts, err := f.store.Attempts().ListByPayment(ctx, nil, id)
		require.NoError(t, err)
		var sum int64
		for _, a := range attempts {
			if a.Outcome == domain.RefundOutcomeSettled {
				sum += a.AmountRequested
			}
		}
		assert.Equal(t, sum, rec.RefundedAmount)
		assert.Equal(t, settled[id], rec.RefundedAmount)
	}
}
