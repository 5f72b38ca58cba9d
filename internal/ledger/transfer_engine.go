package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tokenexchange/backend/internal/audit"
	"github.com/tokenexchange/backend/internal/models"
)

// BalanceStore is the only mutation surface the coordinators use. Account
// rows are never touched with a direct read-modify-write.
type BalanceStore interface {
	Get(ctx context.Context, accountID string) (*models.Account, error)
	TryApplyDelta(ctx context.Context, accountID string, token models.Token, delta int64, expectedVersion int64) (int64, error)
}

// EntryAppender records applied operations in the audit trail.
type EntryAppender interface {
	Append(ctx context.Context, entry *models.LedgerEntry) error
}

// TransferEngine validates and atomically applies peer-to-peer transfers.
// It holds no persistent state; any number of instances may run concurrently.
type TransferEngine struct {
	accounts   BalanceStore
	entries    EntryAppender
	audit      *audit.AuditLogger
	maxRetries int
	backoff    time.Duration
}

func NewTransferEngine(accounts BalanceStore, entries EntryAppender, maxRetries int, backoff time.Duration) *TransferEngine {
	return &TransferEngine{
		accounts:   accounts,
		entries:    entries,
		audit:      audit.NewAuditLogger(),
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Transfer moves amount minor units of token from sourceID to destinationID.
// The debit is applied first; if the matching credit cannot be applied the
// debit is compensated before the error is returned, so the source is never
// left debited without a credit. At most one ledger entry is written per
// successful call.
func (e *TransferEngine) Transfer(ctx context.Context, callerID, sourceID, destinationID string, token models.Token, amount int64) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if sourceID == destinationID {
		return nil, ErrSelfTransfer
	}
	if callerID != sourceID {
		return nil, ErrNotAuthorized
	}

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			if err := e.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		entry, err := e.attempt(ctx, sourceID, destinationID, token, amount)
		if err == nil {
			e.audit.LogTransfer(entry.ID, sourceID, destinationID, string(token), amount, "SUCCESS")
			return entry, nil
		}
		if errors.Is(err, ErrVersionConflict) {
			log.Printf("[TRANSFER] version conflict on %s -> %s, attempt %d", sourceID, destinationID, attempt+1)
			continue
		}
		// Business rejections and fatal errors are not retried.
		return nil, err
	}
	return nil, ErrConcurrencyExhausted
}

func (e *TransferEngine) attempt(ctx context.Context, sourceID, destinationID string, token models.Token, amount int64) (*models.LedgerEntry, error) {
	// Read both accounts in a deterministic order so concurrent transfers
	// over the same pair observe them consistently.
	firstID, secondID := sourceID, destinationID
	if sourceID > destinationID {
		firstID, secondID = destinationID, sourceID
	}

	first, err := e.accounts.Get(ctx, firstID)
	if err != nil {
		return nil, err
	}
	second, err := e.accounts.Get(ctx, secondID)
	if err != nil {
		return nil, err
	}

	source, destination := first, second
	if firstID != sourceID {
		source, destination = second, first
	}

	if source.Balances[token] < amount {
		return nil, ErrInsufficientBalance
	}

	if _, err := e.accounts.TryApplyDelta(ctx, source.ID, token, -amount, source.Version); err != nil {
		return nil, err
	}

	if err := e.creditWithRetry(ctx, destination, token, amount); err != nil {
		// The source is debited and the credit is unrecoverable. Reverse the
		// debit before surfacing the failure.
		if compErr := e.compensate(ctx, source.ID, token, amount); compErr != nil {
			e.audit.LogReconciliation(source.ID, string(token), amount, compErr)
			return nil, fmt.Errorf("%w: credit failed (%v), reversal failed (%v)", ErrCompensationFailed, err, compErr)
		}
		log.Printf("[TRANSFER] debit of %d %s on %s compensated after credit failure: %v", amount, token, source.ID, err)
		return nil, err
	}

	entry := &models.LedgerEntry{
		Kind:        models.EntryTransfer,
		Token:       token,
		Amount:      amount,
		Source:      sourceID,
		Destination: destinationID,
	}
	if err := e.entries.Append(ctx, entry); err != nil {
		// Balances already moved; the audit trail write is the one thing we
		// cannot roll forward from here. Undo both legs.
		if compErr := e.undoBothLegs(ctx, sourceID, destinationID, token, amount); compErr != nil {
			e.audit.LogReconciliation(sourceID, string(token), amount, compErr)
			return nil, fmt.Errorf("%w: %v", ErrCompensationFailed, compErr)
		}
		return nil, fmt.Errorf("record transfer: %w", err)
	}
	return entry, nil
}

// creditWithRetry applies the credit half. Credits never fail on balance, so
// the only transient failure mode is a version conflict against a concurrent
// writer on the destination row.
func (e *TransferEngine) creditWithRetry(ctx context.Context, destination *models.Account, token models.Token, amount int64) error {
	version := destination.Version
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		_, err := e.accounts.TryApplyDelta(ctx, destination.ID, token, amount, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if err := e.wait(ctx, attempt+1); err != nil {
			return err
		}
		fresh, err := e.accounts.Get(ctx, destination.ID)
		if err != nil {
			return err
		}
		version = fresh.Version
	}
	return ErrConcurrencyExhausted
}

// compensate credits amount back to the debited account, retrying version
// conflicts. A failure here means a broken conservation invariant.
func (e *TransferEngine) compensate(ctx context.Context, accountID string, token models.Token, amount int64) error {
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		account, err := e.accounts.Get(ctx, accountID)
		if err != nil {
			return err
		}
		if _, err := e.accounts.TryApplyDelta(ctx, account.ID, token, amount, account.Version); err == nil {
			return nil
		} else if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if err := e.wait(ctx, attempt+1); err != nil {
			return err
		}
	}
	return ErrConcurrencyExhausted
}

func (e *TransferEngine) undoBothLegs(ctx context.Context, sourceID, destinationID string, token models.Token, amount int64) error {
	if err := e.debitBack(ctx, destinationID, token, amount); err != nil {
		return err
	}
	return e.compensate(ctx, sourceID, token, amount)
}

func (e *TransferEngine) debitBack(ctx context.Context, accountID string, token models.Token, amount int64) error {
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		account, err := e.accounts.Get(ctx, accountID)
		if err != nil {
			return err
		}
		if _, err := e.accounts.TryApplyDelta(ctx, account.ID, token, -amount, account.Version); err == nil {
			return nil
		} else if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if err := e.wait(ctx, attempt+1); err != nil {
			return err
		}
	}
	return ErrConcurrencyExhausted
}

// wait sleeps for an exponentially growing backoff, honouring ctx deadlines.
func (e *TransferEngine) wait(ctx context.Context, attempt int) error {
	delay := e.backoff << uint(attempt-1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
