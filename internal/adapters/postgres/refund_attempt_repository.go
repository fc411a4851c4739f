package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
)

const attemptColumns = `id, idempotency_key, external_id, amount_requested, attempt_count, outcome,
	error_code, last_error, provider_reference, created_at, updated_at`

// RefundAttemptRepository implements ports.RefundAttemptRepository using PostgreSQL
type RefundAttemptRepository struct {
	pool *pgxpool.Pool
}

var _ ports.RefundAttemptRepository = (*RefundAttemptRepository)(nil)

// NewRefundAttemptRepository creates a new PostgreSQL refund attempt repository
func NewRefundAttemptRepository(pool *pgxpool.Pool) *RefundAttemptRepository {
	return &RefundAttemptRepository{pool: pool}
}

func (r *RefundAttemptRepository) Create(ctx context.Context, db ports.DBTX, a *domain.RefundAttempt) error {
	_, err := executor(r.pool, db).Exec(ctx, `
		INSERT INTO refund_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.IdempotencyKey, a.ExternalID, a.AmountRequested, a.AttemptCount, string(a.Outcome),
		nullText(errorCodePtr(a.ErrorCode)), nullText(a.LastError), nullText(a.ProviderReference),
		a.CreatedAt, a.UpdatedAt,
	)
	return mapError("create refund attempt", err)
}

func (r *RefundAttemptRepository) GetByIdempotencyKey(ctx context.Context, db ports.DBTX, key string) (*domain.RefundAttempt, error) {
	row := executor(r.pool, db).QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM refund_attempts WHERE idempotency_key = $1`, key)
	a, err := scanAttempt(row)
	if err != nil {
		return nil, mapError("get refund attempt", err)
	}
	return a, nil
}

func (r *RefundAttemptRepository) Update(ctx context.Context, db ports.DBTX, a *domain.RefundAttempt) error {
	row := executor(r.pool, db).QueryRow(ctx, `
		UPDATE refund_attempts
		SET attempt_count = $2, outcome = $3, error_code = $4, last_error = $5,
		    provider_reference = $6, updated_at = NOW()
		WHERE idempotency_key = $1
		RETURNING updated_at`,
		a.IdempotencyKey, a.AttemptCount, string(a.Outcome),
		nullText(errorCodePtr(a.ErrorCode)), nullText(a.LastError), nullText(a.ProviderReference),
	)
	return mapError("update refund attempt", row.Scan(&a.UpdatedAt))
}

func (r *RefundAttemptRepository) ListPending(ctx context.Context, db ports.DBTX, externalID string) ([]*domain.RefundAttempt, error) {
	rows, err := executor(r.pool, db).Query(ctx, `
		SELECT `+attemptColumns+` FROM refund_attempts
		WHERE outcome = 'pending' AND ($1::text = '' OR external_id = $1::text)
		ORDER BY created_at`, externalID)
	if err != nil {
		return nil, mapError("list pending refund attempts", err)
	}
	return collectAttempts(rows)
}

func (r *RefundAttemptRepository) ListByPayment(ctx context.Context, db ports.DBTX, externalID string) ([]*domain.RefundAttempt, error) {
	rows, err := executor(r.pool, db).Query(ctx, `
		SELECT `+attemptColumns+` FROM refund_attempts
		WHERE external_id = $1
		ORDER BY created_at`, externalID)
	if err != nil {
		return nil, mapError("list refund attempts", err)
	}
	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]*domain.RefundAttempt, error) {
	defer rows.Close()

	var out []*domain.RefundAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, mapError("scan refund attempt", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate refund attempts", err)
	}
	return out, nil
}

func scanAttempt(row pgx.Row) (*domain.RefundAttempt, error) {
	var (
		a         domain.RefundAttempt
		outcome   string
		errorCode pgtype.Text
		lastError pgtype.Text
		reference pgtype.Text
	)
	if err := row.Scan(
		&a.ID, &a.IdempotencyKey, &a.ExternalID, &a.AmountRequested, &a.AttemptCount, &outcome,
		&errorCode, &lastError, &reference, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Outcome = domain.RefundOutcome(outcome)
	if errorCode.Valid {
		a.ErrorCode = domain.ErrorCode(errorCode.String)
	}
	a.LastError = textPtr(lastError)
	a.ProviderReference = textPtr(reference)
	return &a, nil
}

func errorCodePtr(code domain.ErrorCode) *string {
	if code == "" {
		return nil
	}
	s := string(code)
	return &s
}
