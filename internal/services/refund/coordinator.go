// Package refund coordinates refunds against captured payments.
//
// Every refund for a payment runs under that payment's lock. An attempt is
// persisted as pending before the provider is called, and a settlement moves
// the attempt, the payment's refunded total and the audit trail together in
// one storage transaction.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/patrickmn/go-cache"

	"github.com/kevin07696/refund-reconciler/internal/config"
	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
	pkgerrors "github.com/kevin07696/refund-reconciler/pkg/errors"
	"github.com/kevin07696/refund-reconciler/pkg/keylock"
	"github.com/kevin07696/refund-reconciler/pkg/observability"
	"github.com/kevin07696/refund-reconciler/pkg/resilience"
)

// concurrentModificationRetries is how many times a request is re-validated
// after losing an optimistic-concurrency race.
const concurrentModificationRetries = 1

const (
	reasonInsufficientBalance = "refund amount exceeds remaining refundable balance"
	reasonRetriesExhausted    = "payment provider unavailable after retries"
	reasonNotAtProvider       = "provider has no record of the refund; safe to resubmit"
	reasonManualReconcile     = "refund settled at the provider but exceeds the remaining balance; manual reconciliation required"
)

// RefundRequest asks for amount minor units back on a captured payment.
type RefundRequest struct {
	ExternalID     string
	IdempotencyKey string
	Amount         int64
}

// RefundResult is the terminal outcome of a refund request.
type RefundResult struct {
	Outcome           domain.RefundOutcome `json:"outcome"`
	ErrorCode         domain.ErrorCode     `json:"error_code,omitempty"`
	Reason            string               `json:"reason,omitempty"`
	IdempotencyKey    string               `json:"idempotency_key"`
	ProviderReference string               `json:"provider_reference,omitempty"`
	RefundedAmount    int64                `json:"refunded_amount"`
	RemainingAmount   int64                `json:"remaining_amount"`
	AttemptCount      int                  `json:"attempt_count"`
	Replayed          bool                 `json:"replayed"`
}

type cachedResult struct {
	externalID string
	amount     int64
	result     RefundResult
}

// Service implements the refund coordinator.
type Service struct {
	db              ports.TransactionManager
	payments        ports.PaymentRepository
	attempts        ports.RefundAttemptRepository
	audit           ports.AuditLogRepository
	gateway         ports.RefundGateway
	logger          ports.Logger
	locks           *keylock.Locker
	replayCache     *cache.Cache
	retryBackoff    resilience.BackoffStrategy
	recoveryBackoff resilience.BackoffStrategy
	cfg             config.RefundConfig
}

// Option customizes a Service.
type Option func(*Service)

// WithLocker shares a lock table with other components.
func WithLocker(l *keylock.Locker) Option {
	return func(s *Service) { s.locks = l }
}

// WithRecoveryBackoff replaces the delay between provider status queries during recovery.
func WithRecoveryBackoff(b resilience.BackoffStrategy) Option {
	return func(s *Service) { s.recoveryBackoff = b }
}

// NewService creates a refund coordinator.
func NewService(
	db ports.TransactionManager,
	payments ports.PaymentRepository,
	attempts ports.RefundAttemptRepository,
	audit ports.AuditLogRepository,
	gateway ports.RefundGateway,
	logger ports.Logger,
	cfg config.RefundConfig,
	opts ...Option,
) *Service {
	ttl := cfg.ReplayCacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	s := &Service{
		db:              db,
		payments:        payments,
		attempts:        attempts,
		audit:           audit,
		gateway:         gateway,
		logger:          logger,
		locks:           keylock.New(),
		replayCache:     cache.New(ttl, 10*time.Minute),
		retryBackoff:    resilience.LinearBackoff{Step: cfg.RetryDelay},
		recoveryBackoff: resilience.RecoveryBackoff(),
		cfg:             cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestRefund validates and executes one refund.
//
// Settled, rejected and failed refunds come back as a RefundResult with a nil
// error. An error means no terminal outcome was reached: the request was
// malformed, the payment is unknown, the key was reused for a different
// refund, or the service could not safely decide.
func (s *Service) RequestRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	start := time.Now()

	result, err := s.requestRefund(ctx, req)
	if err != nil {
		observability.RecordRefundOutcome("error", string(domain.GetErrorCode(err)), false, time.Since(start))
		return nil, err
	}
	observability.RecordRefundOutcome(string(result.Outcome), string(result.ErrorCode), result.Replayed, time.Since(start))
	return result, nil
}

func (s *Service) requestRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount.WithDetail("amount", req.Amount)
	}
	if req.ExternalID == "" {
		return nil, domain.ErrValidationMissingField.WithDetail("field", "external_id")
	}
	if req.IdempotencyKey == "" {
		return nil, domain.ErrValidationMissingField.WithDetail("field", "idempotency_key")
	}

	if cached, ok := s.cachedReplay(req); ok {
		return cached, nil
	}

	waitStart := time.Now()
	unlock, err := s.locks.Lock(ctx, req.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("acquire payment lock: %w", err)
	}
	defer unlock()
	observability.ObserveLockWait(time.Since(waitStart))

	var result *RefundResult
	for try := 0; ; try++ {
		result, err = s.processLocked(ctx, req)
		if err == nil || !errors.Is(err, domain.ErrConcurrentModification) || try >= concurrentModificationRetries {
			break
		}
		s.logger.Warn("Concurrent modification, re-validating refund",
			ports.String("external_id", req.ExternalID),
			ports.String("idempotency_key", req.IdempotencyKey),
		)
	}
	if err != nil {
		return nil, err
	}

	if result.Outcome.IsFinal() {
		s.replayCache.SetDefault(req.IdempotencyKey, cachedResult{
			externalID: req.ExternalID,
			amount:     req.Amount,
			result:     *result,
		})
	}
	return result, nil
}

func (s *Service) cachedReplay(req RefundRequest) (*RefundResult, bool) {
	v, ok := s.replayCache.Get(req.IdempotencyKey)
	if !ok {
		return nil, false
	}
	c := v.(cachedResult)
	if c.externalID != req.ExternalID || c.amount != req.Amount {
		return nil, false
	}
	r := c.result
	r.Replayed = true
	return &r, true
}

// processLocked runs validation and execution. The payment lock is held.
func (s *Service) processLocked(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	record, err := s.loadPayment(ctx, req.ExternalID)
	if err != nil {
		return nil, err
	}

	// A final attempt replays before pending work on other keys is consulted.
	existing, err := s.lookupAttempt(ctx, req)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Outcome.IsFinal() {
		return s.replay(ctx, req, existing, record)
	}

	if err := s.resolvePaymentPending(ctx, req.ExternalID); err != nil {
		return nil, err
	}

	// Pending resolution may have settled refunds; read the record again.
	record, err = s.loadPayment(ctx, req.ExternalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing, err = s.lookupAttempt(ctx, req); err != nil {
			return nil, err
		}
		if existing != nil && existing.Outcome.IsFinal() {
			return s.replay(ctx, req, existing, record)
		}
	}

	attempt := existing
	from := domain.RefundOutcome("")
	if attempt == nil {
		attempt = domain.NewRefundAttempt(req.ExternalID, req.IdempotencyKey, req.Amount)
	} else {
		from = attempt.Outcome
		s.logger.Info("Re-opening failed refund",
			ports.String("external_id", req.ExternalID),
			ports.String("idempotency_key", req.IdempotencyKey),
			ports.Int("previous_attempt_count", attempt.AttemptCount),
		)
	}

	if !record.CanRefund(req.Amount) {
		attempt.Outcome = domain.RefundOutcomeRejected
		attempt.ErrorCode = domain.ErrorCodeInsufficientRemainingBalance
		attempt.LastError = strPtr(reasonInsufficientBalance)
		if err := s.persistTransition(ctx, attempt, from, record.RefundedAmount, existing == nil); err != nil {
			return nil, err
		}
		return s.resultFor(attempt, record, false), nil
	}

	attempt.Outcome = domain.RefundOutcomePending
	attempt.AttemptCount = 0
	attempt.ErrorCode = ""
	attempt.LastError = nil
	if err := s.persistTransition(ctx, attempt, from, record.RefundedAmount, existing == nil); err != nil {
		return nil, err
	}

	return s.callGateway(ctx, record, attempt)
}

// callGateway drives the provider call and its retries to a terminal outcome.
// It ignores caller cancellation; only the per-call timeout bounds each try.
func (s *Service) callGateway(ctx context.Context, record *domain.PaymentRecord, attempt *domain.RefundAttempt) (*RefundResult, error) {
	ctx = context.WithoutCancel(ctx)
	greq := &ports.GatewayRefundRequest{
		ExternalID:     attempt.ExternalID,
		Amount:         attempt.AmountRequested,
		Currency:       record.Currency,
		IdempotencyKey: attempt.IdempotencyKey,
		DeviceToken:    record.DeviceToken,
	}

	for {
		res, err := s.gateway.Refund(ctx, greq)
		if err == nil {
			return s.settle(ctx, attempt, res.ProviderReference)
		}

		ge := pkgerrors.AsGatewayError(err)
		from := attempt.Outcome

		if !ge.IsRetriable {
			attempt.Outcome = domain.RefundOutcomeRejected
			attempt.ErrorCode = domain.ErrorCodePermanentGateway
			attempt.LastError = strPtr(ge.Message)
			s.logger.Warn("Refund rejected by provider",
				ports.String("external_id", attempt.ExternalID),
				ports.String("idempotency_key", attempt.IdempotencyKey),
				ports.String("code", ge.Code),
				ports.String("reason", ge.Message),
			)
			if err := s.persistTransition(ctx, attempt, from, record.RefundedAmount, false); err != nil {
				return nil, err
			}
			return s.resultFor(attempt, record, false), nil
		}

		attempt.AttemptCount++
		attempt.LastError = strPtr(ge.Message)

		if attempt.AttemptCount >= s.cfg.MaxRetries {
			attempt.Outcome = domain.RefundOutcomeFailed
			attempt.ErrorCode = domain.ErrorCodeTransientGateway
			s.logger.Error("Refund failed after retries",
				ports.String("external_id", attempt.ExternalID),
				ports.String("idempotency_key", attempt.IdempotencyKey),
				ports.Int("attempt_count", attempt.AttemptCount),
				ports.String("reason", ge.Message),
			)
			if err := s.persistTransition(ctx, attempt, from, record.RefundedAmount, false); err != nil {
				return nil, err
			}
			return s.resultFor(attempt, record, false), nil
		}

		if err := s.persistTransition(ctx, attempt, from, record.RefundedAmount, false); err != nil {
			return nil, err
		}

		delay := s.retryBackoff.NextDelay(attempt.AttemptCount)
		s.logger.Warn("Transient provider failure, retrying refund",
			ports.String("external_id", attempt.ExternalID),
			ports.String("idempotency_key", attempt.IdempotencyKey),
			ports.Int("attempt_count", attempt.AttemptCount),
			ports.Duration("delay", delay),
			ports.String("reason", ge.Message),
		)
		if err := resilience.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// settle records a refund the provider confirmed. The commit is retried once
// after a concurrent modification; if it still cannot be recorded the attempt
// stays pending so the next request or recovery sweep picks it up.
func (s *Service) settle(ctx context.Context, attempt *domain.RefundAttempt, providerRef string) (*RefundResult, error) {
	var (
		record *domain.PaymentRecord
		final  *domain.RefundAttempt
		err    error
	)
	for try := 0; try <= concurrentModificationRetries; try++ {
		record, final, err = s.commitSettlement(ctx, attempt, providerRef)
		if err == nil || !errors.Is(err, domain.ErrConcurrentModification) {
			break
		}
	}

	switch {
	case err == nil:
		*attempt = *final
		s.logger.Info("Refund settled",
			ports.String("external_id", attempt.ExternalID),
			ports.String("idempotency_key", attempt.IdempotencyKey),
			ports.Int64("amount", attempt.AmountRequested),
			ports.Int64("refunded_amount", record.RefundedAmount),
			ports.String("status", string(record.Status)),
		)
		observability.RecordRefundSettled(record.Currency, attempt.AmountRequested)
		return s.resultFor(attempt, record, false), nil

	case errors.Is(err, domain.ErrInsufficientBalance):
		return s.failForReconciliation(ctx, attempt, providerRef)

	default:
		s.logger.Error("Settled refund could not be recorded, leaving attempt pending",
			ports.String("external_id", attempt.ExternalID),
			ports.String("idempotency_key", attempt.IdempotencyKey),
			ports.String("provider_reference", providerRef),
			ports.Err(err),
		)
		return nil, domain.WrapError(domain.ErrorCodePendingUnresolved,
			"refund settled at the provider but could not be recorded", err).
			WithDetail("external_id", attempt.ExternalID).
			WithDetail("idempotency_key", attempt.IdempotencyKey)
	}
}

func (s *Service) commitSettlement(ctx context.Context, attempt *domain.RefundAttempt, providerRef string) (*domain.PaymentRecord, *domain.RefundAttempt, error) {
	var (
		record  *domain.PaymentRecord
		updated *domain.RefundAttempt
	)
	err := s.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		record, err = s.payments.Load(ctx, tx, attempt.ExternalID)
		if err != nil {
			return storageError("load payment", err)
		}
		if err := record.ApplyRefund(attempt.AmountRequested); err != nil {
			return err
		}

		updated = attempt.Clone()
		updated.Outcome = domain.RefundOutcomeSettled
		updated.ErrorCode = ""
		updated.LastError = nil
		if providerRef != "" {
			updated.ProviderReference = strPtr(providerRef)
		}

		if err := s.payments.Save(ctx, tx, record); err != nil {
			return storageError("save payment", err)
		}
		if err := s.attempts.Update(ctx, tx, updated); err != nil {
			return storageError("update refund attempt", err)
		}
		entry := domain.NewAuditLogEntry(updated, attempt.Outcome, record.RefundedAmount)
		if err := s.audit.Append(ctx, tx, entry); err != nil {
			return storageError("append audit entry", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return record, updated, nil
}

// failForReconciliation closes an attempt the provider settled but the
// payment can no longer absorb. The refunded total is left untouched.
func (s *Service) failForReconciliation(ctx context.Context, attempt *domain.RefundAttempt, providerRef string) (*RefundResult, error) {
	record, err := s.loadPayment(ctx, attempt.ExternalID)
	if err != nil {
		return nil, err
	}

	from := attempt.Outcome
	attempt.Outcome = domain.RefundOutcomeFailed
	attempt.ErrorCode = domain.ErrorCodeInsufficientRemainingBalance
	attempt.LastError = strPtr(reasonManualReconcile)
	if providerRef != "" {
		attempt.ProviderReference = strPtr(providerRef)
	}

	s.logger.Error("Provider settled a refund the payment cannot absorb",
		ports.String("external_id", attempt.ExternalID),
		ports.String("idempotency_key", attempt.IdempotencyKey),
		ports.Int64("amount", attempt.AmountRequested),
		ports.Int64("remaining", record.RemainingAmount()),
		ports.String("provider_reference", providerRef),
	)

	if err := s.persistTransition(ctx, attempt, from, record.RefundedAmount, false); err != nil {
		return nil, err
	}
	return s.resultFor(attempt, record, false), nil
}

// persistTransition writes attempt and its audit entry in one transaction.
func (s *Service) persistTransition(ctx context.Context, attempt *domain.RefundAttempt, from domain.RefundOutcome, refundedAmount int64, create bool) error {
	err := s.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if create {
			if err := s.attempts.Create(ctx, tx, attempt); err != nil {
				return storageError("create refund attempt", err)
			}
		} else if err := s.attempts.Update(ctx, tx, attempt); err != nil {
			return storageError("update refund attempt", err)
		}
		entry := domain.NewAuditLogEntry(attempt, from, refundedAmount)
		if err := s.audit.Append(ctx, tx, entry); err != nil {
			return storageError("append audit entry", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Refund attempt transition",
		ports.String("external_id", attempt.ExternalID),
		ports.String("idempotency_key", attempt.IdempotencyKey),
		ports.String("from", string(from)),
		ports.String("outcome", string(attempt.Outcome)),
		ports.Int("attempt_count", attempt.AttemptCount),
	)
	return nil
}

// originalResult rebuilds the result a final attempt produced, using the
// payment totals recorded in its last audit entry.
// lookupAttempt returns the attempt stored under the request's key, or nil.
func (s *Service) lookupAttempt(ctx context.Context, req RefundRequest) (*domain.RefundAttempt, error) {
	existing, err := s.attempts.GetByIdempotencyKey(ctx, nil, req.IdempotencyKey)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		return nil, nil
	default:
		return nil, storageError("load refund attempt", err)
	}
	if !existing.Matches(req.ExternalID, req.Amount) {
		return nil, domain.ErrIdempotencyConflict.
			WithDetail("idempotency_key", req.IdempotencyKey).
			WithDetail("external_id", existing.ExternalID).
			WithDetail("amount", existing.AmountRequested)
	}
	return existing, nil
}

func (s *Service) replay(ctx context.Context, req RefundRequest, existing *domain.RefundAttempt, record *domain.PaymentRecord) (*RefundResult, error) {
	s.logger.Info("Replaying refund result",
		ports.String("external_id", req.ExternalID),
		ports.String("idempotency_key", req.IdempotencyKey),
		ports.String("outcome", string(existing.Outcome)),
	)
	return s.originalResult(ctx, existing, record)
}

func (s *Service) originalResult(ctx context.Context, attempt *domain.RefundAttempt, record *domain.PaymentRecord) (*RefundResult, error) {
	result := s.resultFor(attempt, record, true)

	entries, err := s.audit.ListByPayment(ctx, nil, attempt.ExternalID)
	if err != nil {
		return nil, storageError("list audit entries", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].AttemptID == attempt.ID && entries[i].ToOutcome == attempt.Outcome {
			result.RefundedAmount = entries[i].RefundedAmount
			result.RemainingAmount = record.CapturedAmount - entries[i].RefundedAmount
			break
		}
	}
	return result, nil
}

func (s *Service) resultFor(attempt *domain.RefundAttempt, record *domain.PaymentRecord, replayed bool) *RefundResult {
	r := &RefundResult{
		Outcome:         attempt.Outcome,
		ErrorCode:       attempt.ErrorCode,
		Reason:          attempt.Reason(),
		IdempotencyKey:  attempt.IdempotencyKey,
		RefundedAmount:  record.RefundedAmount,
		RemainingAmount: record.RemainingAmount(),
		AttemptCount:    attempt.AttemptCount,
		Replayed:        replayed,
	}
	if attempt.ProviderReference != nil {
		r.ProviderReference = *attempt.ProviderReference
	}
	return r
}

func (s *Service) loadPayment(ctx context.Context, externalID string) (*domain.PaymentRecord, error) {
	record, err := s.payments.Load(ctx, nil, externalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnknownPayment.WithDetail("external_id", externalID)
		}
		return nil, storageError("load payment", err)
	}
	return record, nil
}

// storageError keeps classified errors and treats anything else as an
// unavailable store.
func storageError(op string, err error) error {
	if domain.GetErrorCode(err) != "" {
		return err
	}
	return domain.WrapError(domain.ErrorCodeStorageUnavailable, op, err)
}

func strPtr(s string) *string {
	return &s
}
