package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/kevin07696/refund-reconciler/pkg/timeutil"
)

// RefundOutcome is the lifecycle state of a refund attempt.
type RefundOutcome string

const (
	RefundOutcomePending  RefundOutcome = "pending"
	RefundOutcomeSettled  RefundOutcome = "settled"
	RefundOutcomeRejected RefundOutcome = "rejected"
	RefundOutcomeFailed   RefundOutcome = "failed"
)

// IsTerminal reports whether no further gateway calls happen for this outcome.
func (o RefundOutcome) IsTerminal() bool {
	return o == RefundOutcomeSettled || o == RefundOutcomeRejected || o == RefundOutcomeFailed
}

// IsFinal reports whether the outcome can never change again.
// Failed attempts are terminal but may be re-opened by resubmitting the same key.
func (o RefundOutcome) IsFinal() bool {
	return o == RefundOutcomeSettled || o == RefundOutcomeRejected
}

// RefundAttempt is one logical refund, identified by its idempotency key.
type RefundAttempt struct {
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	LastError         *string       `json:"last_error,omitempty"`
	ProviderReference *string       `json:"provider_reference,omitempty"`
	IdempotencyKey    string        `json:"idempotency_key"`
	ExternalID        string        `json:"external_id"`
	Outcome           RefundOutcome `json:"outcome"`
	ErrorCode         ErrorCode     `json:"error_code,omitempty"`
	ID                uuid.UUID     `json:"id"`
	AmountRequested   int64         `json:"amount_requested"`
	AttemptCount      int           `json:"attempt_count"`
}

// NewRefundAttempt creates a pending attempt.
func NewRefundAttempt(externalID, idempotencyKey string, amount int64) *RefundAttempt {
	now := timeutil.Now()
	return &RefundAttempt{
		ID:              uuid.New(),
		IdempotencyKey:  idempotencyKey,
		ExternalID:      externalID,
		AmountRequested: amount,
		Outcome:         RefundOutcomePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Matches reports whether a resubmission describes the same logical refund.
func (a *RefundAttempt) Matches(externalID string, amount int64) bool {
	return a.ExternalID == externalID && a.AmountRequested == amount
}

// Reason returns the classified reason recorded with the attempt.
func (a *RefundAttempt) Reason() string {
	if a.LastError == nil {
		return ""
	}
	return *a.LastError
}

// Clone returns a deep copy of the attempt.
func (a *RefundAttempt) Clone() *RefundAttempt {
	if a == nil {
		return nil
	}
	c := *a
	if a.LastError != nil {
		v := *a.LastError
		c.LastError = &v
	}
	if a.ProviderReference != nil {
		v := *a.ProviderReference
		c.ProviderReference = &v
	}
	return &c
}
