package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/tokenexchange/backend/internal/models"
)

// memAccountStore is an in-memory BalanceStore with the same conditional
// write semantics as the SQL-backed store, for exercising the coordinators
// under real concurrency.
type memAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account

	// creditErr, when set for an account, fails any positive delta against
	// it. Used to force the compensation path.
	creditErr map[string]error
	// conflictAlways makes every conditional write lose the version race.
	conflictAlways bool
}

func newMemAccountStore() *memAccountStore {
	return &memAccountStore{
		accounts:  make(map[string]*models.Account),
		creditErr: make(map[string]error),
	}
}

func (m *memAccountStore) add(id string, dov, djr int64) {
	m.accounts[id] = &models.Account{
		ID:      id,
		Handle:  id,
		Status:  "ACTIVE",
		Version: 1,
		Balances: map[models.Token]int64{
			models.TokenDOV: dov,
			models.TokenDJR: djr,
		},
	}
}

func (m *memAccountStore) balance(id string, token models.Token) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].Balances[token]
}

func (m *memAccountStore) Get(ctx context.Context, accountID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	clone := *account
	clone.Balances = map[models.Token]int64{}
	for token, amount := range account.Balances {
		clone.Balances[token] = amount
	}
	return &clone, nil
}

func (m *memAccountStore) TryApplyDelta(ctx context.Context, accountID string, token models.Token, delta int64, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if err, ok := m.creditErr[accountID]; ok && delta > 0 {
		return 0, err
	}
	if m.conflictAlways || account.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	if account.Balances[token]+delta < 0 {
		return 0, ErrInsufficientBalance
	}

	account.Balances[token] += delta
	account.Version++
	return account.Version, nil
}

// memEntryLog collects appended entries.
type memEntryLog struct {
	mu      sync.Mutex
	entries []models.LedgerEntry
	failErr error

	// racingEntry, when set, simulates a concurrent writer landing an entry
	// with the same external ref just before our append: the append fails
	// with ErrDuplicateExternalRef and the racing entry becomes visible.
	racingEntry *models.LedgerEntry
}

func (m *memEntryLog) Append(ctx context.Context, entry *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	if m.racingEntry != nil && m.racingEntry.ExternalRef == entry.ExternalRef {
		m.entries = append(m.entries, *m.racingEntry)
		m.racingEntry = nil
		return ErrDuplicateExternalRef
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memEntryLog) GetByExternalRef(ctx context.Context, externalRef string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.entries {
		if m.entries[i].ExternalRef == externalRef {
			entry := m.entries[i]
			return &entry, nil
		}
	}
	return nil, ErrMissingRef
}

func (m *memEntryLog) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// memReservations is an in-memory ReservationLedger. Marking a ref stale
// models a PENDING reservation whose worker died: the next Reserve reclaims
// it, as the SQL-backed ledger does after the pending timeout.
type memReservations struct {
	mu      sync.Mutex
	status  map[string]string
	entryID map[string]string
	stale   map[string]bool
	log     *memEntryLog
}

func newMemReservations(log *memEntryLog) *memReservations {
	return &memReservations{
		status:  make(map[string]string),
		entryID: make(map[string]string),
		stale:   make(map[string]bool),
		log:     log,
	}
}

func (m *memReservations) Reserve(ctx context.Context, externalRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.status[externalRef]; ok {
		if m.status[externalRef] == models.IdempotencyPending && m.stale[externalRef] {
			delete(m.stale, externalRef)
			return true, nil
		}
		return false, nil
	}
	m.status[externalRef] = models.IdempotencyPending
	return true, nil
}

func (m *memReservations) Commit(ctx context.Context, externalRef, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status[externalRef] = models.IdempotencyApplied
	m.entryID[externalRef] = entryID
	return nil
}

func (m *memReservations) Release(ctx context.Context, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status[externalRef] == models.IdempotencyPending {
		delete(m.status, externalRef)
	}
	return nil
}

func (m *memReservations) Lookup(ctx context.Context, externalRef string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.status[externalRef]
	if !ok {
		return nil, ErrMissingRef
	}
	if status != models.IdempotencyApplied {
		return nil, ErrDuplicateExternalRef
	}

	id := m.entryID[externalRef]
	m.log.mu.Lock()
	defer m.log.mu.Unlock()
	for i := range m.log.entries {
		if m.log.entries[i].ID == id {
			entry := m.log.entries[i]
			return &entry, nil
		}
	}
	return nil, ErrMissingRef
}
