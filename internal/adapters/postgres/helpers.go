package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
)

const uniqueViolation = "23505"

// executor returns db, or the pool when no transaction was passed.
func executor(pool *pgxpool.Pool, db ports.DBTX) ports.DBTX {
	if db == nil {
		return pool
	}
	return db
}

// mapError translates driver errors into domain errors. Anything not
// recognised is reported as StorageUnavailable so callers fail closed.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.WrapError(domain.ErrorCodeConcurrentModification, op, err)
	}
	return domain.WrapError(domain.ErrorCodeStorageUnavailable, op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// nullText converts an optional string into pgtype.Text
func nullText(s *string) pgtype.Text {
	if s == nil || *s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}
