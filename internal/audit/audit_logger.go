package audit

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	EntryID   string    `json:"entry_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	Token     string    `json:"token,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogTransfer(entryID, fromAccount, toAccount, token string, amount int64, status string) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "TRANSFER",
		EntryID:   entryID,
		Token:     token,
		Amount:    amount,
		Status:    status,
		Details: map[string]string{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	}
	a.log(event)
}

func (a *AuditLogger) LogSupply(eventType, entryID, accountID, token string, amount int64, status string) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		EntryID:   entryID,
		AccountID: accountID,
		Token:     token,
		Amount:    amount,
		Status:    status,
	}
	a.log(event)
}

func (a *AuditLogger) LogError(entryID, accountID string, err error) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		EntryID:   entryID,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

// LogReconciliation flags a broken invariant that needs a human. These lines
// are the trigger for manual balance reconciliation and must never be dropped.
func (a *AuditLogger) LogReconciliation(accountID, token string, amount int64, err error) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "RECONCILIATION_REQUIRED",
		AccountID: accountID,
		Token:     token,
		Amount:    amount,
		Status:    "FATAL",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
