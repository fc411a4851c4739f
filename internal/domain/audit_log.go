package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/kevin07696/refund-reconciler/pkg/timeutil"
)

// AuditLogEntry records one state transition of a refund attempt. Entries are
// append-only; Sequence increases monotonically per ExternalID starting at 1.
type AuditLogEntry struct {
	CreatedAt      time.Time     `json:"created_at"`
	IdempotencyKey string        `json:"idempotency_key"`
	ExternalID     string        `json:"external_id"`
	FromOutcome    RefundOutcome `json:"from_outcome,omitempty"`
	ToOutcome      RefundOutcome `json:"to_outcome"`
	ErrorCode      ErrorCode     `json:"error_code,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	ID             uuid.UUID     `json:"id"`
	AttemptID      uuid.UUID     `json:"attempt_id"`
	Sequence       int64         `json:"sequence"`
	Amount         int64         `json:"amount"`
	RefundedAmount int64         `json:"refunded_amount"`
	AttemptCount   int           `json:"attempt_count"`
}

// NewAuditLogEntry builds the entry describing attempt's move from `from` to its current outcome.
// refundedAmount is the payment's refunded total after the transition.
func NewAuditLogEntry(attempt *RefundAttempt, from RefundOutcome, refundedAmount int64) *AuditLogEntry {
	return &AuditLogEntry{
		ID:             uuid.New(),
		ExternalID:     attempt.ExternalID,
		IdempotencyKey: attempt.IdempotencyKey,
		AttemptID:      attempt.ID,
		FromOutcome:    from,
		ToOutcome:      attempt.Outcome,
		Amount:         attempt.AmountRequested,
		AttemptCount:   attempt.AttemptCount,
		RefundedAmount: refundedAmount,
		ErrorCode:      attempt.ErrorCode,
		Reason:         attempt.Reason(),
		CreatedAt:      timeutil.Now(),
	}
}
