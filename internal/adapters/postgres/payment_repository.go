package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
)

const paymentColumns = `external_id, captured_amount, refunded_amount, currency, status,
	device_token, version, created_at, updated_at`

// PaymentRepository implements ports.PaymentRepository using PostgreSQL
type PaymentRepository struct {
	pool *pgxpool.Pool
}

var _ ports.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository creates a new PostgreSQL payment repository
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// Create inserts a newly captured payment with version 1.
func (r *PaymentRepository) Create(ctx context.Context, db ports.DBTX, record *domain.PaymentRecord) error {
	row := executor(r.pool, db).QueryRow(ctx, `
		INSERT INTO payment_records (external_id, captured_amount, refunded_amount, currency, status, device_token, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING version, created_at, updated_at`,
		record.ExternalID, record.CapturedAmount, record.RefundedAmount, record.Currency,
		string(record.Status), nullText(record.DeviceToken),
	)
	if err := row.Scan(&record.Version, &record.CreatedAt, &record.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPaymentAlreadyExists.WithDetail("external_id", record.ExternalID)
		}
		return mapError("create payment", err)
	}
	return nil
}

// Load fetches a payment by external id.
func (r *PaymentRepository) Load(ctx context.Context, db ports.DBTX, externalID string) (*domain.PaymentRecord, error) {
	row := executor(r.pool, db).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_records WHERE external_id = $1`, externalID)
	rec, err := scanPayment(row)
	if err != nil {
		return nil, mapError("load payment", err)
	}
	return rec, nil
}

// Save writes the refunded total and status if the stored version still
// matches record.Version. A missed update means another writer got there
// first; the caller has already loaded the row so it exists.
func (r *PaymentRepository) Save(ctx context.Context, db ports.DBTX, record *domain.PaymentRecord) error {
	row := executor(r.pool, db).QueryRow(ctx, `
		UPDATE payment_records
		SET refunded_amount = $2, status = $3, version = version + 1, updated_at = NOW()
		WHERE external_id = $1 AND version = $4
		RETURNING version, updated_at`,
		record.ExternalID, record.RefundedAmount, string(record.Status), record.Version,
	)
	if err := row.Scan(&record.Version, &record.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrConcurrentModification.
				WithDetail("external_id", record.ExternalID).
				WithDetail("expected_version", record.Version)
		}
		return mapError("save payment", err)
	}
	return nil
}

// List returns payments, newest first.
func (r *PaymentRepository) List(ctx context.Context, db ports.DBTX, limit, offset int) ([]*domain.PaymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := executor(r.pool, db).Query(ctx,
		`SELECT `+paymentColumns+` FROM payment_records ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, mapError("list payments", err)
	}
	defer rows.Close()

	var out []*domain.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, mapError("scan payment", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list payments", err)
	}
	return out, nil
}

func scanPayment(row pgx.Row) (*domain.PaymentRecord, error) {
	var (
		rec         domain.PaymentRecord
		status      string
		deviceToken pgtype.Text
	)
	if err := row.Scan(
		&rec.ExternalID, &rec.CapturedAmount, &rec.RefundedAmount, &rec.Currency, &status,
		&deviceToken, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = domain.PaymentStatus(status)
	rec.DeviceToken = textPtr(deviceToken)
	return &rec, nil
}
