package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"

	"github.com/tokenexchange/backend/internal/ledger"
	"github.com/tokenexchange/backend/internal/models"
)

// QRService issues scannable payment requests: a QR encoding the receiving
// handle, token and amount, which another user scans to pre-fill a transfer.
type QRService struct {
	db       *sql.DB
	redis    *redis.Client
	accounts *ledger.AccountStore
}

func NewQRService(db *sql.DB, redisClient *redis.Client) *QRService {
	return &QRService{
		db:       db,
		redis:    redisClient,
		accounts: ledger.NewAccountStore(db),
	}
}

// ReceiveQR generates a payment-request QR code
// @Summary Generate receive QR
// @Description QR code encoding a payment request for the caller's handle
// @Tags qr
// @Produce json
// @Param token query string true "Token symbol (DOV or DJR)"
// @Param amount query string true "Requested amount, decimal string"
// @Success 200 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Router /qr/receive [get]
func (s *QRService) ReceiveQR(w http.ResponseWriter, r *http.Request) {
	callerID, ok := r.Context().Value("userID").(string)
	if !ok || callerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	token, err := models.ParseToken(r.URL.Query().Get("token"))
	if err != nil {
		SendErrorResponse(w, "Unknown token", http.StatusBadRequest, nil)
		return
	}
	amount, err := ParseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	account, err := s.accounts.Get(r.Context(), callerID)
	if err != nil {
		status, msg := ledgerErrorStatus(err)
		SendErrorResponse(w, msg, status, nil)
		return
	}

	code, image, err := s.generatePaymentRequest(r.Context(), account.Handle, token, amount)
	if err != nil {
		log.Printf("[QR] failed to generate payment request for %s: %v", callerID, err)
		SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"qrImage": image,
	})
}

// RedeemQR resolves a previously issued payment request
// @Summary Redeem receive QR
// @Description Resolve a scanned payment-request code into recipient handle, token and amount
// @Tags qr
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Router /qr/redeem [post]
func (s *QRService) RedeemQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}

	request, err := s.resolvePaymentRequest(r.Context(), req.Code)
	if err != nil {
		SendErrorResponse(w, "Invalid or expired QR code", http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(request)
}

func (s *QRService) generatePaymentRequest(ctx context.Context, handle string, token models.Token, amount int64) (string, string, error) {
	qrData := map[string]any{
		"handle":    handle,
		"token":     token,
		"amount":    amount,
		"timestamp": time.Now().Unix(),
		"nonce":     s.generateNonce(),
	}

	jsonData, err := json.Marshal(qrData)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)

	if s.redis != nil {
		key := fmt.Sprintf("qr:%s", code)
		if err := s.redis.Set(ctx, key, jsonData, 5*time.Minute).Err(); err != nil {
			return "", "", err
		}
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *QRService) resolvePaymentRequest(ctx context.Context, code string) (map[string]any, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("payment requests unavailable")
	}

	key := fmt.Sprintf("qr:%s", code)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired QR code")
	}
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return result, nil
}

func (s *QRService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
