// Package memory implements the storage ports in process memory. It backs
// local sandbox runs and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"

	"github.com/kevin07696/refund-reconciler/internal/domain"
	"github.com/kevin07696/refund-reconciler/internal/domain/ports"
	"github.com/kevin07696/refund-reconciler/pkg/timeutil"
)

// Store holds payments, refund attempts and audit entries.
// WithTransaction serializes units of work and restores a snapshot when fn fails.
// Writes made outside a transaction wait for the running one to finish, so a
// restore never discards them.
type Store struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	payments map[string]*domain.PaymentRecord
	attempts map[string]*domain.RefundAttempt
	audit    map[string][]*domain.AuditLogEntry

	unavailable atomic.Bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		payments: make(map[string]*domain.PaymentRecord),
		attempts: make(map[string]*domain.RefundAttempt),
		audit:    make(map[string][]*domain.AuditLogEntry),
	}
}

// SetUnavailable makes every operation fail with StorageUnavailable while true.
func (s *Store) SetUnavailable(v bool) {
	s.unavailable.Store(v)
}

func (s *Store) check() error {
	if s.unavailable.Load() {
		return domain.WrapError(domain.ErrorCodeStorageUnavailable, "memory store unavailable", nil)
	}
	return nil
}

type snapshot struct {
	payments map[string]*domain.PaymentRecord
	attempts map[string]*domain.RefundAttempt
	audit    map[string][]*domain.AuditLogEntry
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		payments: make(map[string]*domain.PaymentRecord, len(s.payments)),
		attempts: make(map[string]*domain.RefundAttempt, len(s.attempts)),
		audit:    make(map[string][]*domain.AuditLogEntry, len(s.audit)),
	}
	for k, v := range s.payments {
		snap.payments[k] = v.Clone()
	}
	for k, v := range s.attempts {
		snap.attempts[k] = v.Clone()
	}
	for k, v := range s.audit {
		snap.audit[k] = append([]*domain.AuditLogEntry(nil), v...)
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = snap.payments
	s.attempts = snap.attempts
	s.audit = snap.audit
}

type txKey struct{}

// exclusive holds txMu for a write issued outside WithTransaction.
func (s *Store) exclusive(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.txMu.Lock()
	return s.txMu.Unlock
}

// WithTransaction runs fn as one unit of work. fn receives a nil tx and must
// pass the ctx it is given to the repositories.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	if err := s.check(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	defer func() {
		if p := recover(); p != nil {
			s.restore(snap)
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, true), nil); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Payments returns the PaymentRepository view of the store.
func (s *Store) Payments() *PaymentRepository { return &PaymentRepository{s: s} }

// Attempts returns the RefundAttemptRepository view of the store.
func (s *Store) Attempts() *RefundAttemptRepository { return &RefundAttemptRepository{s: s} }

// AuditLog returns the AuditLogRepository view of the store.
func (s *Store) AuditLog() *AuditLogRepository { return &AuditLogRepository{s: s} }

// PaymentRepository implements ports.PaymentRepository.
type PaymentRepository struct{ s *Store }

var _ ports.PaymentRepository = (*PaymentRepository)(nil)

func (r *PaymentRepository) Create(ctx context.Context, _ ports.DBTX, record *domain.PaymentRecord) error {
	if err := r.s.check(); err != nil {
		return err
	}
	defer r.s.exclusive(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.payments[record.ExternalID]; ok {
		return domain.ErrPaymentAlreadyExists.WithDetail("external_id", record.ExternalID)
	}
	record.Version = 1
	r.s.payments[record.ExternalID] = record.Clone()
	return nil
}

func (r *PaymentRepository) Load(_ context.Context, _ ports.DBTX, externalID string) (*domain.PaymentRecord, error) {
	if err := r.s.check(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.payments[externalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *PaymentRepository) Save(ctx context.Context, _ ports.DBTX, record *domain.PaymentRecord) error {
	if err := r.s.check(); err != nil {
		return err
	}
	defer r.s.exclusive(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.payments[record.ExternalID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != record.Version {
		return domain.ErrConcurrentModification.
			WithDetail("expected_version", record.Version).
			WithDetail("stored_version", stored.Version)
	}
	record.Version++
	record.UpdatedAt = timeutil.Now()
	r.s.payments[record.ExternalID] = record.Clone()
	return nil
}

func (r *PaymentRepository) List(_ context.Context, _ ports.DBTX, limit, offset int) ([]*domain.PaymentRecord, error) {
	if err := r.s.check(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*domain.PaymentRecord, 0, len(r.s.payments))
	for _, rec := range r.s.payments {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

// RefundAttemptRepository implements ports.RefundAttemptRepository.
type RefundAttemptRepository struct{ s *Store }

var _ ports.RefundAttemptRepository = (*RefundAttemptRepository)(nil)

func (r *RefundAttemptRepository) Create(ctx context.Context, _ ports.DBTX, attempt *domain.RefundAttempt) error {
	if err := r.s.check(); err != nil {
		return err
	}
	defer r.s.exclusive(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.attempts[attempt.IdempotencyKey]; ok {
		return domain.ErrConcurrentModification.WithDetail("idempotency_key", attempt.IdempotencyKey)
	}
	r.s.attempts[attempt.IdempotencyKey] = attempt.Clone()
	return nil
}

func (r *RefundAttemptRepository) GetByIdempotencyKey(_ context.Context, _ ports.DBTX, key string) (*domain.RefundAttempt, error) {
	if err := r.s.check(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.attempts[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a.Clone(), nil
}

func (r *RefundAttemptRepository) Update(ctx context.Context, _ ports.DBTX, attempt *domain.RefundAttempt) error {
	if err := r.s.check(); err != nil {
		return err
	}
	defer r.s.exclusive(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.attempts[attempt.IdempotencyKey]; !ok {
		return domain.ErrNotFound
	}
	attempt.UpdatedAt = timeutil.Now()
	r.s.attempts[attempt.IdempotencyKey] = attempt.Clone()
	return nil
}

func (r *RefundAttemptRepository) ListPending(_ context.Context, _ ports.DBTX, externalID string) ([]*domain.RefundAttempt, error) {
	return r.list(func(a *domain.RefundAttempt) bool {
		return a.Outcome == domain.RefundOutcomePending && (externalID == "" || a.ExternalID == externalID)
	})
}

func (r *RefundAttemptRepository) ListByPayment(_ context.Context, _ ports.DBTX, externalID string) ([]*domain.RefundAttempt, error) {
	return r.list(func(a *domain.RefundAttempt) bool { return a.ExternalID == externalID })
}

func (r *RefundAttemptRepository) list(keep func(*domain.RefundAttempt) bool) ([]*domain.RefundAttempt, error) {
	if err := r.s.check(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.RefundAttempt
	for _, a := range r.s.attempts {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AuditLogRepository implements ports.AuditLogRepository.
type AuditLogRepository struct{ s *Store }

var _ ports.AuditLogRepository = (*AuditLogRepository)(nil)

func (r *AuditLogRepository) Append(ctx context.Context, _ ports.DBTX, entry *domain.AuditLogEntry) error {
	if err := r.s.check(); err != nil {
		return err
	}
	defer r.s.exclusive(ctx)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	entry.Sequence = int64(len(r.s.audit[entry.ExternalID]) + 1)
	stored := *entry
	r.s.audit[entry.ExternalID] = append(r.s.audit[entry.ExternalID], &stored)
	return nil
}

func (r *AuditLogRepository) ListByPayment(_ context.Context, _ ports.DBTX, externalID string) ([]*domain.AuditLogEntry, error) {
	if err := r.s.check(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	entries := r.s.audit[externalID]
	out := make([]*domain.AuditLogEntry, len(entries))
	for i, e := range entries {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
