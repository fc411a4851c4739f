package ports

import (
	"context"

	"github.com/kevin07696/refund-reconciler/internal/domain"
)

// PaymentRepository persists payment records.
//
// Save is optimistic: it succeeds only when the stored version equals
// record.Version, increments the version on the passed record, and otherwise
// fails with domain.ErrorCodeConcurrentModification. Load returns
// domain.ErrorCodeNotFound for unknown ids. Any other failure is reported as
// domain.ErrorCodeStorageUnavailable.
type PaymentRepository interface {
	Create(ctx context.Context, db DBTX, record *domain.PaymentRecord) error
	Load(ctx context.Context, db DBTX, externalID string) (*domain.PaymentRecord, error)
	Save(ctx context.Context, db DBTX, record *domain.PaymentRecord) error
	List(ctx context.Context, db DBTX, limit, offset int) ([]*domain.PaymentRecord, error)
}

// RefundAttemptRepository persists refund attempts keyed by idempotency key.
// Create fails with domain.ErrorCodeConcurrentModification when the key exists.
type RefundAttemptRepository interface {
	Create(ctx context.Context, db DBTX, attempt *domain.RefundAttempt) error
	GetByIdempotencyKey(ctx context.Context, db DBTX, key string) (*domain.RefundAttempt, error)
	Update(ctx context.Context, db DBTX, attempt *domain.RefundAttempt) error
	// ListPending returns pending attempts for externalID, or for every payment when externalID is empty.
	ListPending(ctx context.Context, db DBTX, externalID string) ([]*domain.RefundAttempt, error)
	ListByPayment(ctx context.Context, db DBTX, externalID string) ([]*domain.RefundAttempt, error)
}

// AuditLogRepository is the append-only refund audit trail.
type AuditLogRepository interface {
	// Append assigns entry.Sequence as the next sequence for entry.ExternalID.
	Append(ctx context.Context, db DBTX, entry *domain.AuditLogEntry) error
	ListByPayment(ctx context.Context, db DBTX, externalID string) ([]*domain.AuditLogEntry, error)
}
