package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tokenexchange/backend/internal/models"
)

// balanceColumns maps each token to its accounts column. The token set is
// closed, so interpolating the column name into SQL is safe.
var balanceColumns = map[models.Token]string{
	models.TokenDOV: "dov_balance",
	models.TokenDJR: "djr_balance",
}

// AccountStore owns the accounts table. All balance mutations go through
// TryApplyDelta; nothing else in the codebase writes balances directly.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// Get returns the account by id.
func (s *AccountStore) Get(ctx context.Context, accountID string) (*models.Account, error) {
	return s.getByColumn(ctx, "id", accountID)
}

// GetByHandle returns the account owning the given handle.
func (s *AccountStore) GetByHandle(ctx context.Context, handle string) (*models.Account, error) {
	account, err := s.getByColumn(ctx, "handle", handle)
	if err == ErrAccountNotFound {
		return nil, ErrRecipientNotFound
	}
	return account, err
}

func (s *AccountStore) getByColumn(ctx context.Context, column, value string) (*models.Account, error) {
	account := &models.Account{Balances: map[models.Token]int64{}}
	var dov, djr int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, handle, status, dov_balance, djr_balance, version, created_at, updated_at
		FROM accounts
		WHERE %s = $1`, column), value).Scan(
		&account.ID, &account.Handle, &account.Status, &dov, &djr,
		&account.Version, &account.CreatedAt, &account.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}

	account.Balances[models.TokenDOV] = dov
	account.Balances[models.TokenDJR] = djr
	return account, nil
}

// CreateIfAbsent inserts a zero-balance account for a newly seen identity.
// Safe to call on every authenticated request. A unique violation here means
// the generated handle collided with another account (id conflicts are
// swallowed by the upsert); the caller retries with a fresh handle.
func (s *AccountStore) CreateIfAbsent(ctx context.Context, accountID, handle string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, handle, status, dov_balance, djr_balance, version, created_at, updated_at)
		VALUES ($1, $2, 'ACTIVE', 0, 0, 1, $3, $3)
		ON CONFLICT (id) DO NOTHING`,
		accountID, handle, time.Now())
	if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == pqUniqueViolation {
		return ErrHandleTaken
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// TryApplyDelta applies balances[token] += delta iff the stored version still
// equals expectedVersion and the resulting balance stays non-negative.
// On success the version is incremented by exactly one and the new version is
// returned. On failure nothing is written and the error is one of
// ErrAccountNotFound, ErrVersionConflict or ErrInsufficientBalance.
func (s *AccountStore) TryApplyDelta(ctx context.Context, accountID string, token models.Token, delta int64, expectedVersion int64) (int64, error) {
	column, ok := balanceColumns[token]
	if !ok {
		return 0, fmt.Errorf("unknown token %q", token)
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE accounts
		SET %[1]s = %[1]s + $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4 AND %[1]s + $1 >= 0`, column),
		delta, time.Now(), accountID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("apply delta: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("apply delta: %w", err)
	}
	if rowsAffected == 1 {
		return expectedVersion + 1, nil
	}

	// The guarded update matched nothing. Re-read to tell the caller whether
	// it lost the version race, would have gone negative, or the account is
	// missing entirely.
	return 0, s.classifyFailure(ctx, accountID, token, delta, expectedVersion)
}

func (s *AccountStore) classifyFailure(ctx context.Context, accountID string, token models.Token, delta, expectedVersion int64) error {
	account, err := s.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if account.Version != expectedVersion {
		return ErrVersionConflict
	}
	if account.Balances[token]+delta < 0 {
		return ErrInsufficientBalance
	}
	// Version matched on the re-read, so another writer raced us between the
	// update and this read.
	return ErrVersionConflict
}
