package ledger

import "errors"

// Every public operation fails with exactly one of these kinds. Handlers
// translate them to HTTP; the ledger itself never formats user-facing text.
var (
	// Validation errors, rejected before any store access.
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrSelfTransfer  = errors.New("cannot transfer to same account")
	ErrMissingRef    = errors.New("external reference is required")

	// Business rejections, never retried automatically.
	ErrAccountNotFound     = errors.New("account not found")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotAuthorized       = errors.New("caller does not own source account")

	// Transient concurrency error, retried internally with bounded backoff.
	ErrVersionConflict = errors.New("optimistic lock failed")

	// A generated handle collided with an existing account; account creation
	// retries with a fresh handle.
	ErrHandleTaken = errors.New("handle already taken")

	// Retries exhausted without a successful conditional write.
	ErrConcurrencyExhausted = errors.New("too many concurrent updates, retries exhausted")

	// A reservation for the external reference exists but has not been
	// applied yet; the caller should redeliver later.
	ErrDuplicateExternalRef = errors.New("external reference already reserved")

	// Fatal: a debit was applied and the compensating credit failed.
	// Balances require manual reconciliation. Never swallowed.
	ErrCompensationFailed = errors.New("compensation failed, manual reconciliation required")
)
