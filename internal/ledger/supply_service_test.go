package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenexchange/backend/internal/models"
)

func newTestSupply(store *memAccountStore, log *memEntryLog) (*SupplyService, *memReservations) {
	reservations := newMemReservations(log)
	return NewSupplyService(store, log, reservations, 5, time.Millisecond), reservations
}

func TestMint_Success(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 0, 0)
	log := &memEntryLog{}
	supply, reservations := newTestSupply(store, log)

	entry, err := supply.Mint(context.Background(), "alice", models.TokenDOV, 25_00, "pp-1001")
	require.NoError(t, err)

	assert.Equal(t, models.EntryMint, entry.Kind)
	assert.Equal(t, int64(25_00), entry.Amount)
	assert.Equal(t, "alice", entry.Destination)
	assert.Equal(t, "pp-1001", entry.ExternalRef)

	assert.Equal(t, int64(25_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, 1, log.count())
	assert.Equal(t, models.IdempotencyApplied, reservations.status["pp-1001"])
}

func TestMint_DuplicateRefReturnsOriginalEntry(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 0, 0)
	log := &memEntryLog{}
	supply, _ := newTestSupply(store, log)

	first, err := supply.Mint(context.Background(), "alice", models.TokenDOV, 25_00, "pp-1001")
	require.NoError(t, err)

	second, err := supply.Mint(context.Background(), "alice", models.TokenDOV, 25_00, "pp-1001")
	require.NoError(t, err)

	// The redelivery gets the original entry back and credits nothing.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(25_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, 1, log.count())
}

func TestMint_InFlightRefIsRejected(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 0, 0)
	log := &memEntryLog{}
	supply, reservations := newTestSupply(store, log)

	// Simulate a concurrent delivery that reserved the ref but has not
	// committed yet.
	reserved, err := reservations.Reserve(context.Background(), "pp-2002")
	require.NoError(t, err)
	require.True(t, reserved)

	_, err = supply.Mint(context.Background(), "alice", models.TokenDOV, 10_00, "pp-2002")
	assert.ErrorIs(t, err, ErrDuplicateExternalRef)
	assert.Equal(t, int64(0), store.balance("alice", models.TokenDOV))
}

func TestMint_Validation(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 0, 0)
	supply, _ := newTestSupply(store, &memEntryLog{})

	_, err := supply.Mint(context.Background(), "alice", models.TokenDOV, 0, "pp-1")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = supply.Mint(context.Background(), "alice", models.TokenDOV, -5, "pp-2")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = supply.Mint(context.Background(), "alice", models.TokenDOV, 10_00, "")
	assert.ErrorIs(t, err, ErrMissingRef)
}

func TestMint_MissingAccountReleasesReservation(t *testing.T) {
	store := newMemAccountStore()
	log := &memEntryLog{}
	supply, reservations := newTestSupply(store, log)

	_, err := supply.Mint(context.Background(), "ghost", models.TokenDOV, 10_00, "pp-3003")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	// The reservation was released, so a redelivery can succeed once the
	// account exists.
	_, held := reservations.status["pp-3003"]
	assert.False(t, held)

	store.add("ghost", 0, 0)
	entry, err := supply.Mint(context.Background(), "ghost", models.TokenDOV, 10_00, "pp-3003")
	require.NoError(t, err)
	assert.Equal(t, int64(10_00), store.balance("ghost", models.TokenDOV))
	assert.Equal(t, "pp-3003", entry.ExternalRef)
}

func TestMint_UndoesCreditOnAppendFailure(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 0, 0)
	log := &memEntryLog{failErr: errors.New("ledger unavailable")}
	supply, reservations := newTestSupply(store, log)

	_, err := supply.Mint(context.Background(), "alice", models.TokenDOV, 10_00, "pp-4004")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCompensationFailed)

	assert.Equal(t, int64(0), store.balance("alice", models.TokenDOV))
	_, held := reservations.status["pp-4004"]
	assert.False(t, held)
}

func TestMint_RecoversAfterCrashBeforeCommit(t *testing.T) {
	// A worker credited the balance and wrote the entry, then died before
	// committing the reservation. The redelivery reclaims the stale PENDING
	// reservation and must finish the commit without crediting again.
	store := newMemAccountStore()
	store.add("alice", 25_00, 0)
	log := &memEntryLog{entries: []models.LedgerEntry{{
		ID:          "entry-1",
		Kind:        models.EntryMint,
		Token:       models.TokenDOV,
		Amount:      25_00,
		Destination: "alice",
		ExternalRef: "pp-5005",
	}}}
	supply, reservations := newTestSupply(store, log)

	reserved, err := reservations.Reserve(context.Background(), "pp-5005")
	require.NoError(t, err)
	require.True(t, reserved)
	reservations.stale["pp-5005"] = true

	entry, err := supply.Mint(context.Background(), "alice", models.TokenDOV, 25_00, "pp-5005")
	require.NoError(t, err)

	assert.Equal(t, "entry-1", entry.ID)
	assert.Equal(t, int64(25_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, 1, log.count())
	assert.Equal(t, models.IdempotencyApplied, reservations.status["pp-5005"])
	assert.Equal(t, "entry-1", reservations.entryID["pp-5005"])
}

func TestMint_AdoptsEntryWhenLosingAppendRace(t *testing.T) {
	// A concurrent delivery lands its entry between our existence check and
	// our append. The unique ref index rejects ours; the duplicate credit is
	// undone and the winner's entry is returned.
	store := newMemAccountStore()
	store.add("alice", 25_00, 0)
	log := &memEntryLog{racingEntry: &models.LedgerEntry{
		ID:          "entry-2",
		Kind:        models.EntryMint,
		Token:       models.TokenDOV,
		Amount:      25_00,
		Destination: "alice",
		ExternalRef: "pp-6006",
	}}
	supply, reservations := newTestSupply(store, log)

	entry, err := supply.Mint(context.Background(), "alice", models.TokenDOV, 25_00, "pp-6006")
	require.NoError(t, err)

	assert.Equal(t, "entry-2", entry.ID)
	assert.Equal(t, int64(25_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, 1, log.count())
	assert.Equal(t, models.IdempotencyApplied, reservations.status["pp-6006"])
}

func TestBurn_Success(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 50_00, 0)
	log := &memEntryLog{}
	supply, _ := newTestSupply(store, log)

	entry, err := supply.Burn(context.Background(), "alice", models.TokenDOV, 20_00, "cash out")
	require.NoError(t, err)

	assert.Equal(t, models.EntryBurn, entry.Kind)
	assert.Equal(t, int64(20_00), entry.Amount)
	assert.Equal(t, "alice", entry.Source)
	assert.Equal(t, "cash out", entry.Reason)

	assert.Equal(t, int64(30_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, 1, log.count())
}

func TestBurn_InsufficientBalance(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 15_00, 0)
	log := &memEntryLog{}
	supply, _ := newTestSupply(store, log)

	_, err := supply.Burn(context.Background(), "alice", models.TokenDOV, 20_00, "cash out")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, int64(15_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, 0, log.count())
}

func TestBurn_Validation(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 50_00, 0)
	supply, _ := newTestSupply(store, &memEntryLog{})

	_, err := supply.Burn(context.Background(), "alice", models.TokenDOV, 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = supply.Burn(context.Background(), "ghost", models.TokenDOV, 10_00, "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
