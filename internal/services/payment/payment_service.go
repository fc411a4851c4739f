// Package payment records captured payments and serves their refund history.
package payment

import (
	"context"
	"errors"
	"strings"

	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
)

// CaptureRequest registers a payment captured by the provider.
type CaptureRequest struct {
	DeviceToken    *string
	ExternalID     string
	Currency       string
	CapturedAmount int64
}

// Service implements capture registration and the read side of refunds.
type Service struct {
	payments ports.PaymentRepository
	attempts ports.RefundAttemptRepository
	audit    ports.AuditLogRepository
	logger   ports.Logger
}

// NewService creates a new payment service
func NewService(
	payments ports.PaymentRepository,
	attempts ports.RefundAttemptRepository,
	audit ports.AuditLogRepository,
	logger ports.Logger,
) *Service {
	return &Service{
		payments: payments,
		attempts: attempts,
		audit:    audit,
		logger:   logger,
	}
}

// RecordCapture stores a new payment with nothing refunded.
func (s *Service) RecordCapture(ctx context.Context, req CaptureRequest) (*domain.PaymentRecord, error) {
	record, err := domain.NewPaymentRecord(req.ExternalID, req.CapturedAmount, strings.ToUpper(req.Currency), req.DeviceToken)
	if err != nil {
		return nil, err
	}

	if err := s.payments.Create(ctx, nil, record); err != nil {
		if errors.Is(err, domain.ErrPaymentAlreadyExists) {
			return nil, err
		}
		return nil, storageError("create payment", err)
	}

	s.logger.Info("Payment capture recorded",
		ports.String("external_id", record.ExternalID),
		ports.Int64("captured_amount", record.CapturedAmount),
		ports.String("currency", record.Currency),
	)
	return record, nil
}

// GetPayment returns the payment record for externalID.
func (s *Service) GetPayment(ctx context.Context, externalID string) (*domain.PaymentRecord, error) {
	record, err := s.payments.Load(ctx, nil, externalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnknownPayment.WithDetail("external_id", externalID)
		}
		return nil, storageError("load payment", err)
	}
	return record, nil
}

// ListPayments returns a page of payments, newest first.
func (s *Service) ListPayments(ctx context.Context, limit, offset int) ([]*domain.PaymentRecord, error) {
	records, err := s.payments.List(ctx, nil, limit, offset)
	if err != nil {
		return nil, storageError("list payments", err)
	}
	return records, nil
}

// ListAuditTrail returns the payment's audit entries in sequence order.
func (s *Service) ListAuditTrail(ctx context.Context, externalID string) ([]*domain.AuditLogEntry, error) {
	if _, err := s.GetPayment(ctx, externalID); err != nil {
		return nil, err
	}
	entries, err := s.audit.ListByPayment(ctx, nil, externalID)
	if err != nil {
		return nil, storageError("list audit entries", err)
	}
	return entries, nil
}

// ListRefundAttempts returns every refund attempt made against the payment.
func (s *Service) ListRefundAttempts(ctx context.Context, externalID string) ([]*domain.RefundAttempt, error) {
	if _, err := s.GetPayment(ctx, externalID); err != nil {
		return nil, err
	}
	attempts, err := s.attempts.ListByPayment(ctx, nil, externalID)
	if err != nil {
		return nil, storageError("list refund attempts", err)
	}
	return attempts, nil
}

func storageError(op string, err error) error {
	if domain.GetErrorCode(err) != "" {
		return err
	}
	return domain.WrapError(domain.ErrorCodeStorageUnavailable, op, err)
}
