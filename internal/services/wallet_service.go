package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/tokenexchange/backend/internal/config"
	"github.com/tokenexchange/backend/internal/ledger"
	"github.com/tokenexchange/backend/internal/models"
)

// eventQueue is the redis list the notifications feed consumes.
const eventQueue = "ledger_events"

// WalletService is the caller-facing layer over the ledger core: it owns
// request decoding, handle resolution, decimal conversion and error-to-HTTP
// mapping. The ledger packages never see HTTP or user-facing text.
type WalletService struct {
	db        *sql.DB
	redis     *redis.Client
	accounts  *ledger.AccountStore
	transfers *ledger.TransferEngine
	supply    *ledger.SupplyService
	entries   *ledger.LedgerLog
	validator *ValidationHelper
	cfg       *config.LedgerConfig
}

func NewWalletService(db *sql.DB, redisClient *redis.Client) *WalletService {
	cfg := config.LoadLedgerConfig()
	accounts := ledger.NewAccountStore(db)
	entries := ledger.NewLedgerLog(db)
	reservations := ledger.NewIdempotencyLedger(db, entries, cfg.PendingTimeout)

	return &WalletService{
		db:        db,
		redis:     redisClient,
		accounts:  accounts,
		transfers: ledger.NewTransferEngine(accounts, entries, cfg.MaxRetries, cfg.RetryBackoff),
		supply:    ledger.NewSupplyService(accounts, entries, reservations, cfg.MaxRetries, cfg.RetryBackoff),
		entries:   entries,
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// Supply exposes the mint/burn coordinator for the webhook layer so both
// layers share one idempotency ledger.
func (ws *WalletService) Supply() *ledger.SupplyService {
	return ws.supply
}

type transferRequest struct {
	Recipient string `json:"recipient" validate:"required,len=6"`
	Token     string `json:"token" validate:"required,oneof=DOV DJR"`
	Amount    string `json:"amount" validate:"required"`
}

// Transfer moves tokens from the caller to another account
// @Summary Transfer tokens
// @Description Atomically move a token amount from the caller's account to the recipient identified by handle
// @Tags ledger
// @Accept json
// @Produce json
// @Param transfer body transferRequest true "Transfer details"
// @Success 201 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /transfers [post]
func (ws *WalletService) Transfer(w http.ResponseWriter, r *http.Request) {
	callerID, ok := r.Context().Value("userID").(string)
	if !ok || callerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req transferRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	recipient := strings.ToUpper(strings.TrimSpace(req.Recipient))
	if !models.IsValidHandle(recipient) {
		SendErrorResponse(w, "Invalid recipient handle", http.StatusBadRequest, nil)
		return
	}

	token, err := models.ParseToken(req.Token)
	if err != nil {
		SendErrorResponse(w, "Unknown token", http.StatusBadRequest, nil)
		return
	}

	amount, err := ParseAmount(req.Amount)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if amount > ws.cfg.MaxTransferAmount {
		SendErrorResponse(w, "Amount too large for single transfer", http.StatusBadRequest, nil)
		return
	}

	if err := ws.ensureAccount(r.Context(), callerID); err != nil {
		log.Printf("[TRANSFER] failed to ensure account for %s: %v", callerID, err)
		SendErrorResponse(w, "Failed to process transfer", http.StatusInternalServerError, nil)
		return
	}

	destination, err := ws.accounts.GetByHandle(r.Context(), recipient)
	if err != nil {
		status, msg := ledgerErrorStatus(err)
		SendErrorResponse(w, msg, status, nil)
		return
	}

	entry, err := ws.transfers.Transfer(r.Context(), callerID, callerID, destination.ID, token, amount)
	if err != nil {
		log.Printf("[TRANSFER] %s -> %s %d %s failed: %v", callerID, destination.ID, amount, token, err)
		status, msg := ledgerErrorStatus(err)
		SendErrorResponse(w, msg, status, nil)
		return
	}

	ws.publishEvent(entry)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"entry":   entry,
	})
}

type releaseRequest struct {
	Token  string `json:"token" validate:"required,oneof=DOV DJR"`
	Amount string `json:"amount" validate:"required"`
	Reason string `json:"reason" validate:"max=200"`
}

// Release burns tokens from the caller's account
// @Summary Release tokens
// @Description Unilaterally remove a token amount from circulation, with an optional reason
// @Tags ledger
// @Accept json
// @Produce json
// @Param release body releaseRequest true "Release details"
// @Success 201 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /release [post]
func (ws *WalletService) Release(w http.ResponseWriter, r *http.Request) {
	callerID, ok := r.Context().Value("userID").(string)
	if !ok || callerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req releaseRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	token, err := models.ParseToken(req.Token)
	if err != nil {
		SendErrorResponse(w, "Unknown token", http.StatusBadRequest, nil)
		return
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	entry, err := ws.supply.Burn(r.Context(), callerID, token, amount, strings.TrimSpace(req.Reason))
	if err != nil {
		log.Printf("[RELEASE] %s %d %s failed: %v", callerID, amount, token, err)
		status, msg := ledgerErrorStatus(err)
		SendErrorResponse(w, msg, status, nil)
		return
	}

	ws.publishEvent(entry)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"entry":   entry,
	})
}

type adminMintRequest struct {
	AccountID   string `json:"accountId" validate:"required"`
	Token       string `json:"token" validate:"required,oneof=DOV DJR"`
	Amount      string `json:"amount" validate:"required"`
	ExternalRef string `json:"externalRef" validate:"required"`
}

// AdminMint credits tokens as a privileged direct action
// @Summary Mint tokens (admin)
// @Description Credit a token amount to an account, exactly once per external reference
// @Tags admin
// @Accept json
// @Produce json
// @Param mint body adminMintRequest true "Mint details"
// @Success 201 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/mint [post]
func (ws *WalletService) AdminMint(w http.ResponseWriter, r *http.Request) {
	var req adminMintRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	token, err := models.ParseToken(req.Token)
	if err != nil {
		SendErrorResponse(w, "Unknown token", http.StatusBadRequest, nil)
		return
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	entry, err := ws.supply.Mint(r.Context(), req.AccountID, token, amount, req.ExternalRef)
	if err != nil {
		log.Printf("[MINT] admin mint for %s failed: %v", req.AccountID, err)
		status, msg := ledgerErrorStatus(err)
		SendErrorResponse(w, msg, status, nil)
		return
	}

	ws.publishEvent(entry)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"entry":   entry,
	})
}

// GetBalances returns the caller's balances
// @Summary Get balances
// @Description Current DOV and DJR balances for the authenticated account
// @Tags accounts
// @Produce json
// @Success 200 {object} map[string]any
// @Router /accounts/balances [get]
func (ws *WalletService) GetBalances(w http.ResponseWriter, r *http.Request) {
	callerID, ok := r.Context().Value("userID").(string)
	if !ok || callerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := ws.ensureAccount(r.Context(), callerID); err != nil {
		log.Printf("[BALANCES] failed to ensure account for %s: %v", callerID, err)
		SendErrorResponse(w, "Failed to fetch balances", http.StatusInternalServerError, nil)
		return
	}

	account, err := ws.accounts.Get(r.Context(), callerID)
	if err != nil {
		status, msg := ledgerErrorStatus(err)
		SendErrorResponse(w, msg, status, nil)
		return
	}

	balances := map[string]string{}
	for _, token := range models.Tokens {
		balances[string(token)] = FormatAmount(account.Balances[token])
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accountId": account.ID,
		"handle":    account.Handle,
		"balances":  balances,
		"version":   account.Version,
	})
}

// ListEntries returns the caller's recent ledger entries
// @Summary List ledger entries
// @Description Recent transfers, mints and burns touching the caller's account, newest first
// @Tags ledger
// @Produce json
// @Param limit query int false "Number of entries to return (default: 20, max: 100)"
// @Success 200 {object} map[string]any
// @Router /ledger/entries [get]
func (ws *WalletService) ListEntries(w http.ResponseWriter, r *http.Request) {
	callerID, ok := r.Context().Value("userID").(string)
	if !ok || callerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	entries, err := ws.entries.ListByAccount(r.Context(), callerID, limit)
	if err != nil {
		log.Printf("[LEDGER] failed to list entries for %s: %v", callerID, err)
		SendErrorResponse(w, "Failed to fetch ledger entries", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// ensureAccount creates the caller's zero-balance account row the first time
// an authenticated identity is seen. Handle collisions are retried with a
// fresh handle.
func (ws *WalletService) ensureAccount(ctx context.Context, accountID string) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = ws.accounts.CreateIfAbsent(ctx, accountID, generateHandle())
		if !errors.Is(err, ledger.ErrHandleTaken) {
			return err
		}
	}
	return err
}

// generateHandle produces a random AAA999 handle for a newly created account.
func generateHandle() string {
	letters := "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, 6)
	for i := 0; i < 3; i++ {
		b[i] = letters[rand.Intn(len(letters))]
	}
	for i := 3; i < 6; i++ {
		b[i] = byte('0' + rand.Intn(10))
	}
	return string(b)
}

// publishEvent pushes the applied entry onto the notifications feed queue.
// Best effort: feed delivery is not part of the ledger's guarantees.
func (ws *WalletService) publishEvent(entry *models.LedgerEntry) {
	if ws.redis == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := ws.redis.RPush(context.Background(), eventQueue, data).Err(); err != nil {
		log.Printf("[EVENTS] failed to queue ledger event %s: %v", entry.ID, err)
	}
}

// decodeJSONBody applies the shared body limits and strict decoding rules.
// Returns false after writing the error response.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// ledgerErrorStatus maps ledger error kinds onto HTTP statuses and messages.
func ledgerErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "Amount must be positive"
	case errors.Is(err, ledger.ErrSelfTransfer):
		return http.StatusBadRequest, "Cannot transfer to same account"
	case errors.Is(err, ledger.ErrMissingRef):
		return http.StatusBadRequest, "External reference is required"
	case errors.Is(err, ledger.ErrNotAuthorized):
		return http.StatusForbidden, "Not authorized for source account"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found"
	case errors.Is(err, ledger.ErrRecipientNotFound):
		return http.StatusNotFound, "Recipient not found"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "Insufficient balance"
	case errors.Is(err, ledger.ErrDuplicateExternalRef):
		return http.StatusConflict, "Payment reference is already being processed"
	case errors.Is(err, ledger.ErrConcurrencyExhausted):
		return http.StatusServiceUnavailable, "Account is busy, please retry"
	case errors.Is(err, ledger.ErrCompensationFailed):
		return http.StatusInternalServerError, "Transfer failed, support has been notified"
	default:
		return http.StatusInternalServerError, "Failed to process request"
	}
}
