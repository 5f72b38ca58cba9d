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

// ReservationLedger is the exactly-once gate for externally triggered
// supply changes.
type ReservationLedger interface {
	Reserve(ctx context.Context, externalRef string) (bool, error)
	Commit(ctx context.Context, externalRef, entryID string) error
	Release(ctx context.Context, externalRef string) error
	Lookup(ctx context.Context, externalRef string) (*models.LedgerEntry, error)
}

// EntryStore is the audit-trail surface mint needs: appends plus lookup by
// external reference, for recovering work a crashed delivery left behind.
type EntryStore interface {
	EntryAppender
	GetByExternalRef(ctx context.Context, externalRef string) (*models.LedgerEntry, error)
}

// SupplyService applies supply-changing operations: mint (external credit)
// and burn (unilateral debit, "release" in the product's vocabulary). Like
// TransferEngine it is a stateless coordinator over the stores.
type SupplyService struct {
	accounts     BalanceStore
	entries      EntryStore
	reservations ReservationLedger
	audit        *audit.AuditLogger
	maxRetries   int
	backoff      time.Duration
}

func NewSupplyService(accounts BalanceStore, entries EntryStore, reservations ReservationLedger, maxRetries int, backoff time.Duration) *SupplyService {
	return &SupplyService{
		accounts:     accounts,
		entries:      entries,
		reservations: reservations,
		audit:        audit.NewAuditLogger(),
		maxRetries:   maxRetries,
		backoff:      backoff,
	}
}

// Mint credits amount minor units of token to the account, exactly once per
// externalRef. A redelivery whose first application already completed gets
// the original entry back; a redelivery racing an in-flight application gets
// ErrDuplicateExternalRef and should retry later.
func (s *SupplyService) Mint(ctx context.Context, accountID string, token models.Token, amount int64, externalRef string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if externalRef == "" {
		return nil, ErrMissingRef
	}

	reserved, err := s.reservations.Reserve(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if !reserved {
		entry, err := s.reservations.Lookup(ctx, externalRef)
		if err != nil {
			return nil, err
		}
		log.Printf("[MINT] duplicate external ref %s, returning entry %s", externalRef, entry.ID)
		return entry, nil
	}

	// A reclaimed reservation may come from a worker that crashed after the
	// credit and the entry were durable but before the commit. Finish its
	// work instead of crediting a second time.
	if existing, lookupErr := s.entries.GetByExternalRef(ctx, externalRef); lookupErr == nil {
		if err := s.reservations.Commit(ctx, externalRef, existing.ID); err != nil {
			log.Printf("[MINT] failed to commit reservation %s: %v", externalRef, err)
		}
		log.Printf("[MINT] recovered entry %s for external ref %s", existing.ID, externalRef)
		return existing, nil
	} else if !errors.Is(lookupErr, ErrMissingRef) {
		if relErr := s.reservations.Release(ctx, externalRef); relErr != nil {
			log.Printf("[MINT] failed to release reservation %s: %v", externalRef, relErr)
		}
		return nil, lookupErr
	}

	if err := s.applyWithRetry(ctx, accountID, token, amount); err != nil {
		// Roll back the reservation so a later redelivery can complete.
		if relErr := s.reservations.Release(ctx, externalRef); relErr != nil {
			log.Printf("[MINT] failed to release reservation %s: %v", externalRef, relErr)
		}
		return nil, err
	}

	entry := &models.LedgerEntry{
		Kind:        models.EntryMint,
		Token:       token,
		Amount:      amount,
		Destination: accountID,
		ExternalRef: externalRef,
	}
	if err := s.entries.Append(ctx, entry); err != nil {
		if undoErr := s.applyWithRetry(ctx, accountID, token, -amount); undoErr != nil {
			s.audit.LogReconciliation(accountID, string(token), amount, undoErr)
			return nil, fmt.Errorf("%w: %v", ErrCompensationFailed, undoErr)
		}
		if errors.Is(err, ErrDuplicateExternalRef) {
			// A concurrent delivery appended first. Its entry is
			// authoritative; our credit was just undone.
			if existing, lookupErr := s.entries.GetByExternalRef(ctx, externalRef); lookupErr == nil {
				if cErr := s.reservations.Commit(ctx, externalRef, existing.ID); cErr != nil {
					log.Printf("[MINT] failed to commit reservation %s: %v", externalRef, cErr)
				}
				log.Printf("[MINT] adopted entry %s for external ref %s after append race", existing.ID, externalRef)
				return existing, nil
			}
		}
		if relErr := s.reservations.Release(ctx, externalRef); relErr != nil {
			log.Printf("[MINT] failed to release reservation %s: %v", externalRef, relErr)
		}
		return nil, fmt.Errorf("record mint: %w", err)
	}

	if err := s.reservations.Commit(ctx, externalRef, entry.ID); err != nil {
		// The credit and the entry are durable; a redelivery will reclaim the
		// stale PENDING reservation and find the entry via its external ref.
		log.Printf("[MINT] failed to commit reservation %s: %v", externalRef, err)
	}

	s.audit.LogSupply("MINT", entry.ID, accountID, string(token), amount, "SUCCESS")
	return entry, nil
}

// Burn debits amount minor units of token from the account with no
// counterparty. Burns are caller-initiated and carry no idempotency key; an
// insufficient balance is a business rejection, exactly as for transfers.
func (s *SupplyService) Burn(ctx context.Context, accountID string, token models.Token, amount int64, reason string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if err := s.applyWithRetry(ctx, accountID, token, -amount); err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		Kind:   models.EntryBurn,
		Token:  token,
		Amount: amount,
		Source: accountID,
		Reason: reason,
	}
	if err := s.entries.Append(ctx, entry); err != nil {
		if undoErr := s.applyWithRetry(ctx, accountID, token, amount); undoErr != nil {
			s.audit.LogReconciliation(accountID, string(token), amount, undoErr)
			return nil, fmt.Errorf("%w: %v", ErrCompensationFailed, undoErr)
		}
		return nil, fmt.Errorf("record burn: %w", err)
	}

	s.audit.LogSupply("BURN", entry.ID, accountID, string(token), amount, "SUCCESS")
	return entry, nil
}

// applyWithRetry runs one conditional balance write, re-reading and retrying
// on version conflicts with exponential backoff.
func (s *SupplyService) applyWithRetry(ctx context.Context, accountID string, token models.Token, delta int64) error {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.backoff << uint(attempt-1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		account, err := s.accounts.Get(ctx, accountID)
		if err != nil {
			return err
		}
		_, err = s.accounts.TryApplyDelta(ctx, account.ID, token, delta, account.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		log.Printf("[SUPPLY] version conflict on %s, attempt %d", accountID, attempt+1)
	}
	return ErrConcurrencyExhausted
}
