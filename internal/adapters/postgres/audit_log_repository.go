package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
)

// AuditLogRepository implements ports.AuditLogRepository using PostgreSQL.
// The table rejects UPDATE and DELETE; see the migrations.
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

var _ ports.AuditLogRepository = (*AuditLogRepository)(nil)

// NewAuditLogRepository creates a new PostgreSQL audit log repository
func NewAuditLogRepository(pool *pgxpool.Pool) *AuditLogRepository {
	return &AuditLogRepository{pool: pool}
}

// Append inserts entry with the next sequence for its payment. Two writers
// racing for the same sequence hit the (external_id, sequence) unique key and
// the loser gets CONCURRENT_MODIFICATION.
func (r *AuditLogRepository) Append(ctx context.Context, db ports.DBTX, e *domain.AuditLogEntry) error {
	row := executor(r.pool, db).QueryRow(ctx, `
		INSERT INTO refund_audit_log (
			id, external_id, sequence, idempotency_key, attempt_id, from_outcome, to_outcome,
			amount, attempt_count, refunded_amount, error_code, reason, created_at
		)
		SELECT $1::uuid, $2::text, COALESCE(MAX(sequence), 0) + 1, $3::text, $4::uuid, $5::text, $6::text,
		       $7::bigint, $8::int, $9::bigint, $10::text, $11::text, $12::timestamptz
		FROM refund_audit_log
		WHERE external_id = $2::text
		RETURNING sequence`,
		e.ID, e.ExternalID, e.IdempotencyKey, e.AttemptID,
		nullText(outcomePtr(e.FromOutcome)), string(e.ToOutcome),
		e.Amount, e.AttemptCount, e.RefundedAmount,
		nullText(errorCodePtr(e.ErrorCode)), nullText(&e.Reason), e.CreatedAt,
	)
	return mapError("append audit entry", row.Scan(&e.Sequence))
}

// ListByPayment returns the audit trail of a payment in sequence order.
func (r *AuditLogRepository) ListByPayment(ctx context.Context, db ports.DBTX, externalID string) ([]*domain.AuditLogEntry, error) {
	rows, err := executor(r.pool, db).Query(ctx, `
		SELECT id, external_id, sequence, idempotency_key, attempt_id, from_outcome, to_outcome,
		       amount, attempt_count, refunded_amount, error_code, reason, created_at
		FROM refund_audit_log
		WHERE external_id = $1
		ORDER BY sequence`, externalID)
	if err != nil {
		return nil, mapError("list audit entries", err)
	}
	defer rows.Close()

	var out []*domain.AuditLogEntry
	for rows.Next() {
		var (
			e         domain.AuditLogEntry
			from      pgtype.Text
			to        string
			errorCode pgtype.Text
			reason    pgtype.Text
		)
		if err := rows.Scan(
			&e.ID, &e.ExternalID, &e.Sequence, &e.IdempotencyKey, &e.AttemptID, &from, &to,
			&e.Amount, &e.AttemptCount, &e.RefundedAmount, &errorCode, &reason, &e.CreatedAt,
		); err != nil {
			return nil, mapError("scan audit entry", err)
		}
		e.FromOutcome = domain.RefundOutcome(from.String)
		e.ToOutcome = domain.RefundOutcome(to)
		e.ErrorCode = domain.ErrorCode(errorCode.String)
		e.Reason = reason.String
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate audit entries", err)
	}
	return out, nil
}

func outcomePtr(o domain.RefundOutcome) *string {
	if o == "" {
		return nil
	}
	s := string(o)
	return &s
}
