package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenexchange/backend/internal/models"
)

func newTestEngine(store *memAccountStore, log *memEntryLog) *TransferEngine {
	return NewTransferEngine(store, log, 5, time.Millisecond)
}

func TestTransfer_Success(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 100_00, 0)
	store.add("bob", 50_00, 0)
	log := &memEntryLog{}
	engine := newTestEngine(store, log)

	entry, err := engine.Transfer(context.Background(), "alice", "alice", "bob", models.TokenDOV, 30_00)
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, models.EntryTransfer, entry.Kind)
	assert.Equal(t, int64(30_00), entry.Amount)
	assert.Equal(t, "alice", entry.Source)
	assert.Equal(t, "bob", entry.Destination)

	assert.Equal(t, int64(70_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, int64(80_00), store.balance("bob", models.TokenDOV))
	assert.Equal(t, 1, log.count())
}

func TestTransfer_Validation(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 100_00, 0)
	store.add("bob", 0, 0)
	engine := newTestEngine(store, &memEntryLog{})

	tests := []struct {
		name    string
		caller  string
		source  string
		dest    string
		amount  int64
		wantErr error
	}{
		{"zero amount", "alice", "alice", "bob", 0, ErrInvalidAmount},
		{"negative amount", "alice", "alice", "bob", -5, ErrInvalidAmount},
		{"self transfer", "alice", "alice", "alice", 10_00, ErrSelfTransfer},
		{"caller is not source", "bob", "alice", "bob", 10_00, ErrNotAuthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Transfer(context.Background(), tt.caller, tt.source, tt.dest, models.TokenDOV, tt.amount)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Rejected calls must not touch balances.
	assert.Equal(t, int64(100_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, int64(0), store.balance("bob", models.TokenDOV))
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 20_00, 0)
	store.add("bob", 0, 0)
	log := &memEntryLog{}
	engine := newTestEngine(store, log)

	_, err := engine.Transfer(context.Background(), "alice", "alice", "bob", models.TokenDOV, 25_00)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, int64(20_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, int64(0), store.balance("bob", models.TokenDOV))
	assert.Equal(t, 0, log.count())
}

func TestTransfer_TokensAreIndependent(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 0, 40_00)
	store.add("bob", 100_00, 0)
	engine := newTestEngine(store, &memEntryLog{})

	// A fat DOV balance does not cover a DJR transfer.
	_, err := engine.Transfer(context.Background(), "bob", "bob", "alice", models.TokenDJR, 10_00)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	entry, err := engine.Transfer(context.Background(), "alice", "alice", "bob", models.TokenDJR, 15_00)
	require.NoError(t, err)
	assert.Equal(t, models.TokenDJR, entry.Token)
	assert.Equal(t, int64(25_00), store.balance("alice", models.TokenDJR))
	assert.Equal(t, int64(15_00), store.balance("bob", models.TokenDJR))
	assert.Equal(t, int64(100_00), store.balance("bob", models.TokenDOV))
}

func TestTransfer_AccountNotFound(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 100_00, 0)
	engine := newTestEngine(store, &memEntryLog{})

	_, err := engine.Transfer(context.Background(), "alice", "alice", "ghost", models.TokenDOV, 10_00)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, int64(100_00), store.balance("alice", models.TokenDOV))

	_, err = engine.Transfer(context.Background(), "ghost", "ghost", "alice", models.TokenDOV, 10_00)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestTransfer_CompensatesFailedCredit(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 100_00, 0)
	store.add("bob", 0, 0)
	creditFailure := errors.New("destination row gone")
	store.creditErr["bob"] = creditFailure

	log := &memEntryLog{}
	engine := newTestEngine(store, log)

	_, err := engine.Transfer(context.Background(), "alice", "alice", "bob", models.TokenDOV, 40_00)
	require.Error(t, err)
	assert.ErrorIs(t, err, creditFailure)
	assert.NotErrorIs(t, err, ErrCompensationFailed)

	// The debit was rolled back and nothing hit the audit trail.
	assert.Equal(t, int64(100_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, int64(0), store.balance("bob", models.TokenDOV))
	assert.Equal(t, 0, log.count())
}

func TestTransfer_UndoesBothLegsOnAppendFailure(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 100_00, 0)
	store.add("bob", 10_00, 0)
	log := &memEntryLog{failErr: errors.New("ledger unavailable")}
	engine := newTestEngine(store, log)

	_, err := engine.Transfer(context.Background(), "alice", "alice", "bob", models.TokenDOV, 40_00)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCompensationFailed)

	assert.Equal(t, int64(100_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, int64(10_00), store.balance("bob", models.TokenDOV))
}

func TestTransfer_RetriesExhausted(t *testing.T) {
	store := newMemAccountStore()
	store.add("alice", 100_00, 0)
	store.add("bob", 0, 0)
	store.conflictAlways = true
	engine := NewTransferEngine(store, &memEntryLog{}, 2, time.Microsecond)

	_, err := engine.Transfer(context.Background(), "alice", "alice", "bob", models.TokenDOV, 10_00)
	assert.ErrorIs(t, err, ErrConcurrencyExhausted)
}

func TestTransfer_ConcurrentDoubleSpend(t *testing.T) {
	// Two simultaneous 60.00 transfers out of a 100.00 balance: exactly one
	// may win, never both.
	store := newMemAccountStore()
	store.add("alice", 100_00, 0)
	store.add("bob", 0, 0)
	store.add("carol", 0, 0)
	log := &memEntryLog{}
	engine := newTestEngine(store, log)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, dest := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(dest string) {
			defer wg.Done()
			_, err := engine.Transfer(context.Background(), "alice", "alice", dest, models.TokenDOV, 60_00)
			results <- err
		}(dest)
	}
	wg.Wait()
	close(results)

	var successes, rejections int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientBalance):
			rejections++
		default:
			t.Fatalf("unexpected transfer error: %v", err)
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, rejections)
	assert.Equal(t, int64(40_00), store.balance("alice", models.TokenDOV))
	assert.Equal(t, int64(60_00),
		store.balance("bob", models.TokenDOV)+store.balance("carol", models.TokenDOV))
	assert.Equal(t, 1, log.count())
}

func TestTransfer_ConservationUnderLoad(t *testing.T) {
	store := newMemAccountStore()
	ids := []string{"AAA001", "AAA002", "AAA003", "AAA004"}
	for _, id := range ids {
		store.add(id, 1_000_00, 0)
	}
	engine := newTestEngine(store, &memEntryLog{})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := ids[i%len(ids)]
			dest := ids[(i+1)%len(ids)]
			_, err := engine.Transfer(context.Background(), source, source, dest, models.TokenDOV, 7_50)
			if err != nil && !errors.Is(err, ErrInsufficientBalance) && !errors.Is(err, ErrConcurrencyExhausted) {
				t.Errorf("transfer %s -> %s: %v", source, dest, err)
			}
		}(i)
	}
	wg.Wait()

	var total int64
	for _, id := range ids {
		balance := store.balance(id, models.TokenDOV)
		assert.GreaterOrEqual(t, balance, int64(0))
		total += balance
	}
	assert.Equal(t, int64(4_000_00), total)
}
