package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tokenexchange/backend/internal/models"
)

// IdempotencyLedger owns the idempotency_records table. External payment
// callbacks are delivered at-least-once; a reservation here is what makes a
// mint exactly-once. The reservation is independent of the balance mutation,
// so a crash between Reserve and Commit leaves a PENDING row that a later
// redelivery can reclaim once pendingTimeout has passed.
type IdempotencyLedger struct {
	db             *sql.DB
	entries        *LedgerLog
	pendingTimeout time.Duration
}

func NewIdempotencyLedger(db *sql.DB, entries *LedgerLog, pendingTimeout time.Duration) *IdempotencyLedger {
	return &IdempotencyLedger{
		db:             db,
		entries:        entries,
		pendingTimeout: pendingTimeout,
	}
}

// Reserve atomically inserts a PENDING record for externalRef iff none
// exists. It also reclaims a stale PENDING reservation left behind by a
// crashed worker. Returns true when the caller now holds the reservation.
func (il *IdempotencyLedger) Reserve(ctx context.Context, externalRef string) (bool, error) {
	result, err := il.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (external_ref, status, reserved_at)
		VALUES ($1, 'PENDING', $2)
		ON CONFLICT (external_ref) DO NOTHING`,
		externalRef, time.Now())
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == pqUniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("reserve external ref: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve external ref: %w", err)
	}
	if rowsAffected == 1 {
		return true, nil
	}

	// A record already exists. If it is PENDING and older than the timeout
	// the original worker died mid-flight; take over its reservation.
	result, err = il.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET reserved_at = $1
		WHERE external_ref = $2 AND status = 'PENDING' AND reserved_at < $3`,
		time.Now(), externalRef, time.Now().Add(-il.pendingTimeout))
	if err != nil {
		return false, fmt.Errorf("reclaim reservation: %w", err)
	}
	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim reservation: %w", err)
	}
	return rowsAffected == 1, nil
}

// Commit marks the reservation as applied and links the resulting entry.
func (il *IdempotencyLedger) Commit(ctx context.Context, externalRef, entryID string) error {
	_, err := il.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = 'APPLIED', entry_id = $1, applied_at = $2
		WHERE external_ref = $3`,
		entryID, time.Now(), externalRef)
	if err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	return nil
}

// Release rolls back a PENDING reservation after the balance mutation failed,
// so a later redelivery can start fresh. APPLIED records are never removed.
func (il *IdempotencyLedger) Release(ctx context.Context, externalRef string) error {
	_, err := il.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE external_ref = $1 AND status = 'PENDING'`,
		externalRef)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// Lookup returns the ledger entry produced by an applied reservation.
// A PENDING reservation surfaces ErrDuplicateExternalRef (another delivery is
// mid-flight); an unknown ref surfaces ErrAccountNotFound-style sql.ErrNoRows
// wrapped as a plain not-found error for the caller to map.
func (il *IdempotencyLedger) Lookup(ctx context.Context, externalRef string) (*models.LedgerEntry, error) {
	var status string
	var entryID sql.NullString
	err := il.db.QueryRowContext(ctx, `
		SELECT status, entry_id FROM idempotency_records
		WHERE external_ref = $1`, externalRef).Scan(&status, &entryID)
	if err == sql.ErrNoRows {
		return nil, ErrMissingRef
	}
	if err != nil {
		return nil, fmt.Errorf("lookup external ref: %w", err)
	}

	if status != models.IdempotencyApplied || !entryID.Valid {
		return nil, ErrDuplicateExternalRef
	}
	return il.entries.Get(ctx, entryID.String)
}
