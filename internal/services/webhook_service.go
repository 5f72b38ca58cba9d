package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tokenexchange/backend/internal/ledger"
	"github.com/tokenexchange/backend/internal/models"
)

// eventPaymentCompleted is the only provider event that credits tokens.
const eventPaymentCompleted = "PAYMENT.CAPTURE.COMPLETED"

// WebhookService turns normalized payment-confirmation events into mints.
// The provider delivers at-least-once; the idempotency ledger underneath
// Mint makes the credit exactly-once regardless of redeliveries.
type WebhookService struct {
	redis     *redis.Client
	supply    *ledger.SupplyService
	validator *ValidationHelper
	secret    []byte
}

func NewWebhookService(redisClient *redis.Client, supply *ledger.SupplyService, secret string) *WebhookService {
	return &WebhookService{
		redis:     redisClient,
		supply:    supply,
		validator: NewValidationHelper(),
		secret:    []byte(secret),
	}
}

type paymentEvent struct {
	EventType string `json:"eventType" validate:"required"`
	PaymentID string `json:"paymentId" validate:"required"`
	AccountID string `json:"accountId" validate:"required"`
	Amount    string `json:"amount" validate:"required"` // USD, decimal string
	Currency  string `json:"currency" validate:"required,len=3"`
}

// PaymentWebhook handles payment provider confirmations
// @Summary Payment confirmation webhook
// @Description Credit DOV for a completed payment, exactly once per provider payment id
// @Tags webhooks
// @Accept json
// @Produce json
// @Param event body paymentEvent true "Normalized payment event"
// @Success 200 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /webhooks/payment [post]
func (wh *WebhookService) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := wh.verifySignature(body, r.Header.Get("X-Webhook-Signature")); err != nil {
		log.Printf("[WEBHOOK] signature verification failed: %v", err)
		SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	var event paymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := wh.validator.ValidateStruct(&event); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	log.Printf("[WEBHOOK] received %s for payment %s", event.EventType, event.PaymentID)

	if event.EventType != eventPaymentCompleted {
		// Acknowledge unhandled event types so the provider stops retrying.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "ignored": true})
		return
	}

	// The $1 = 1 DOV conversion only holds for USD captures; anything else
	// must be rejected rather than credited at the wrong rate.
	if !strings.EqualFold(event.Currency, "USD") {
		SendErrorResponse(w, "Unsupported currency", http.StatusBadRequest, nil)
		return
	}

	// $1 buys 1 DOV, so the USD amount converts one-to-one into token units.
	amount, err := ParseAmount(event.Amount)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	wh.markDelivery(r.Context(), event.PaymentID)

	entry, err := wh.supply.Mint(r.Context(), event.AccountID, models.TokenDOV, amount, event.PaymentID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateExternalRef) {
			// Another delivery of the same payment is mid-flight; tell the
			// provider to redeliver after it settles.
			SendErrorResponse(w, "Payment is being processed", http.StatusConflict, nil)
			return
		}
		log.Printf("[WEBHOOK] mint for payment %s failed: %v", event.PaymentID, err)
		status, msg := ledgerErrorStatus(err)
		SendErrorResponse(w, msg, status, nil)
		return
	}

	log.Printf("[WEBHOOK] credited %s DOV to %s for payment %s (entry %s)",
		FormatAmount(amount), event.AccountID, event.PaymentID, entry.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"entryId": entry.ID,
	})
}

// verifySignature checks the shared-secret HMAC over the raw body.
func (wh *WebhookService) verifySignature(body []byte, signature string) error {
	if signature == "" {
		return errors.New("missing signature header")
	}

	h := hmac.New(sha256.New, wh.secret)
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// markDelivery records the payment id in redis as a fast-path duplicate
// signal for operators. The idempotency ledger stays authoritative; this is
// diagnostics only and degrades to a no-op without redis.
func (wh *WebhookService) markDelivery(ctx context.Context, paymentID string) {
	if wh.redis == nil {
		return
	}
	set, err := wh.redis.SetNX(ctx, "webhook:"+paymentID, 1, 24*time.Hour).Result()
	if err != nil {
		log.Printf("[WEBHOOK] redis delivery marker failed for %s: %v", paymentID, err)
		return
	}
	if !set {
		log.Printf("[WEBHOOK] duplicate delivery detected for payment %s", paymentID)
	}
}
