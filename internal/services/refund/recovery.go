package refund

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
	"github.com/kevin07696/refund-reconciler/pkg/observability"
	"github.com/kevin07696/refund-reconciler/pkg/resilience"
)

// recoveryStatusQueries bounds how often recovery asks the provider about one attempt.
const recoveryStatusQueries = 3

// RecoveryReport summarizes one ResolvePending sweep.
type RecoveryReport struct {
	Scanned    int `json:"scanned"`
	Settled    int `json:"settled"`
	Rejected   int `json:"rejected"`
	Failed     int `json:"failed"`
	Unresolved int `json:"unresolved"`
}

func (r *RecoveryReport) add(outcome domain.RefundOutcome) {
	switch outcome {
	case domain.RefundOutcomeSettled:
		r.Settled++
	case domain.RefundOutcomeRejected:
		r.Rejected++
	case domain.RefundOutcomeFailed:
		r.Failed++
	default:
		r.Unresolved++
	}
}

// ResolvePending asks the provider about every pending attempt and records
// what it reports. Payments are processed in parallel, each under its lock.
// Attempts the provider cannot answer for stay pending and keep their payment
// blocked until a later sweep resolves them.
func (s *Service) ResolvePending(ctx context.Context) (*RecoveryReport, error) {
	pending, err := s.attempts.ListPending(ctx, nil, "")
	if err != nil {
		return nil, storageError("list pending attempts", err)
	}

	report := &RecoveryReport{Scanned: len(pending)}
	if len(pending) == 0 {
		observability.SetPendingUnresolved(0)
		return report, nil
	}

	s.logger.Info("Resolving pending refunds",
		ports.Int("attempts", len(pending)),
	)

	byPayment := lo.GroupBy(pending, func(a *domain.RefundAttempt) string { return a.ExternalID })

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.RecoveryConcurrency, 1))

	for externalID, attempts := range byPayment {
		g.Go(func() error {
			unlock, err := s.locks.Lock(gctx, externalID)
			if err != nil {
				return fmt.Errorf("acquire payment lock: %w", err)
			}
			defer unlock()

			for _, a := range attempts {
				outcome, err := s.recoverAttempt(gctx, a)
				if err != nil {
					return err
				}
				observability.RecordRecoveryResolution(string(outcome))

				mu.Lock()
				report.add(outcome)
				mu.Unlock()
			}
			return nil
		})
	}

	err = g.Wait()
	observability.SetPendingUnresolved(report.Unresolved)

	s.logger.Info("Pending refund sweep finished",
		ports.Int("scanned", report.Scanned),
		ports.Int("settled", report.Settled),
		ports.Int("rejected", report.Rejected),
		ports.Int("failed", report.Failed),
		ports.Int("unresolved", report.Unresolved),
	)
	return report, err
}

// recoverAttempt re-reads the attempt under the lock and queries the provider
// with backoff until it reports a final answer.
func (s *Service) recoverAttempt(ctx context.Context, a *domain.RefundAttempt) (domain.RefundOutcome, error) {
	current, err := s.attempts.GetByIdempotencyKey(ctx, nil, a.IdempotencyKey)
	if err != nil {
		return "", storageError("load refund attempt", err)
	}
	if current.Outcome != domain.RefundOutcomePending {
		return current.Outcome, nil
	}

	for query := 0; query < recoveryStatusQueries; query++ {
		if query > 0 {
			if err := resilience.Sleep(ctx, s.recoveryBackoff.NextDelay(query-1)); err != nil {
				return domain.RefundOutcomePending, nil
			}
		}
		outcome, err := s.resolveAttempt(ctx, current)
		if err != nil {
			return "", err
		}
		if outcome != domain.RefundOutcomePending {
			return outcome, nil
		}
	}
	return domain.RefundOutcomePending, nil
}

// resolvePaymentPending settles the fate of earlier pending attempts on a
// payment before a new refund is validated. The payment lock is held.
func (s *Service) resolvePaymentPending(ctx context.Context, externalID string) error {
	pending, err := s.attempts.ListPending(ctx, nil, externalID)
	if err != nil {
		return storageError("list pending attempts", err)
	}

	unresolved := 0
	for _, a := range pending {
		outcome, err := s.resolveAttempt(ctx, a)
		if err != nil {
			return err
		}
		if outcome == domain.RefundOutcomePending {
			unresolved++
		}
	}
	if unresolved > 0 {
		return domain.ErrPendingUnresolved.
			WithDetail("external_id", externalID).
			WithDetail("pending", unresolved)
	}
	return nil
}

// resolveAttempt asks the provider once about a pending attempt and records
// a final answer when there is one. It returns the attempt's outcome, which
// stays pending when the provider cannot say.
func (s *Service) resolveAttempt(ctx context.Context, attempt *domain.RefundAttempt) (domain.RefundOutcome, error) {
	ctx = context.WithoutCancel(ctx)

	status, err := s.gateway.RefundStatus(ctx, attempt.ExternalID, attempt.IdempotencyKey)
	if err != nil {
		s.logger.Warn("Refund status unavailable",
			ports.String("external_id", attempt.ExternalID),
			ports.String("idempotency_key", attempt.IdempotencyKey),
			ports.Err(err),
		)
		return domain.RefundOutcomePending, nil
	}

	switch status.State {
	case ports.GatewayRefundSettled:
		result, err := s.settle(ctx, attempt, status.ProviderReference)
		if err != nil {
			if domain.IsDomainError(err, domain.ErrorCodePendingUnresolved) {
				return domain.RefundOutcomePending, nil
			}
			return "", err
		}
		return result.Outcome, nil

	case ports.GatewayRefundRejected:
		reason := status.Reason
		if reason == "" {
			reason = "refund declined by the provider"
		}
		return s.closeAttempt(ctx, attempt, domain.RefundOutcomeRejected, domain.ErrorCodePermanentGateway, reason)

	case ports.GatewayRefundNotFound:
		return s.closeAttempt(ctx, attempt, domain.RefundOutcomeFailed, domain.ErrorCodeTransientGateway, reasonNotAtProvider)

	default:
		return domain.RefundOutcomePending, nil
	}
}

func (s *Service) closeAttempt(ctx context.Context, attempt *domain.RefundAttempt, outcome domain.RefundOutcome, code domain.ErrorCode, reason string) (domain.RefundOutcome, error) {
	record, err := s.loadPayment(ctx, attempt.ExternalID)
	if err != nil {
		return "", err
	}

	from := attempt.Outcome
	attempt.Outcome = outcome
	attempt.ErrorCode = code
	attempt.LastError = strPtr(reason)
	if err := s.persistTransition(ctx, attempt, from, record.RefundedAmount, false); err != nil {
		return "", err
	}
	return outcome, nil
}
