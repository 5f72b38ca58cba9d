package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tokenexchange/backend/internal/models"
)

// pqUniqueViolation is the Postgres error code for a unique constraint hit.
const pqUniqueViolation = "23505"

// LedgerLog owns the ledger_entries table: the append-only audit trail of
// every applied operation. Entries are immutable once written.
type LedgerLog struct {
	db *sql.DB
}

func NewLedgerLog(db *sql.DB) *LedgerLog {
	return &LedgerLog{db: db}
}

// Append writes one entry. The ID and timestamp are stamped here so callers
// hand in only the operation fields. A partial unique index on external_ref
// backs the at-most-one-MINT-per-ref invariant; a violation surfaces as
// ErrDuplicateExternalRef.
func (l *LedgerLog) Append(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, kind, token, amount, source_account, destination_account, external_ref, reason, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)`,
		entry.ID, entry.Kind, entry.Token, entry.Amount,
		entry.Source, entry.Destination, entry.ExternalRef, entry.Reason, entry.CreatedAt)

	if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == pqUniqueViolation {
		return ErrDuplicateExternalRef
	}
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// Get returns a single entry by id.
func (l *LedgerLog) Get(ctx context.Context, entryID string) (*models.LedgerEntry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, kind, token, amount, COALESCE(source_account, ''), COALESCE(destination_account, ''),
		       COALESCE(external_ref, ''), COALESCE(reason, ''), created_at
		FROM ledger_entries
		WHERE id = $1`, entryID)
	return scanEntry(row)
}

// GetByExternalRef returns the entry recorded for an external payment
// reference, or ErrMissingRef if none was ever applied.
func (l *LedgerLog) GetByExternalRef(ctx context.Context, externalRef string) (*models.LedgerEntry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, kind, token, amount, COALESCE(source_account, ''), COALESCE(destination_account, ''),
		       COALESCE(external_ref, ''), COALESCE(reason, ''), created_at
		FROM ledger_entries
		WHERE external_ref = $1`, externalRef)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrMissingRef
	}
	return entry, err
}

// ListByAccount returns the most recent entries touching the account, newest
// first.
func (l *LedgerLog) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, kind, token, amount, COALESCE(source_account, ''), COALESCE(destination_account, ''),
		       COALESCE(external_ref, ''), COALESCE(reason, ''), created_at
		FROM ledger_entries
		WHERE source_account = $1 OR destination_account = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Token, &e.Amount, &e.Source,
			&e.Destination, &e.ExternalRef, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.Kind, &e.Token, &e.Amount, &e.Source,
		&e.Destination, &e.ExternalRef, &e.Reason, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	return &e, nil
}
