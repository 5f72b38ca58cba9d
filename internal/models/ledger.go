package models

import (
	"time"
)

// EntryKind classifies an applied ledger operation.
type EntryKind string

const (
	EntryTransfer EntryKind = "TRANSFER"
	EntryMint     EntryKind = "MINT"
	EntryBurn     EntryKind = "BURN"
)

// LedgerEntry is the immutable audit record of one applied operation.
// Amount is always positive; direction is carried by Source/Destination.
// Source is empty for MINT, Destination is empty for BURN.
type LedgerEntry struct {
	ID          string    `json:"id" db:"id"`
	Kind        EntryKind `json:"kind" db:"kind"`
	Token       Token     `json:"token" db:"token"`
	Amount      int64     `json:"amount" db:"amount"` // minor units
	Source      string    `json:"source,omitempty" db:"source_account"`
	Destination string    `json:"destination,omitempty" db:"destination_account"`
	ExternalRef string    `json:"external_ref,omitempty" db:"external_ref"`
	Reason      string    `json:"reason,omitempty" db:"reason"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// IdempotencyRecord tracks a processed external payment reference. At most
// one record and one resulting MINT entry ever exist per external_ref.
type IdempotencyRecord struct {
	ExternalRef string     `json:"external_ref" db:"external_ref"`
	Status      string     `json:"status" db:"status"` // PENDING or APPLIED
	EntryID     string     `json:"entry_id,omitempty" db:"entry_id"`
	ReservedAt  time.Time  `json:"reserved_at" db:"reserved_at"`
	AppliedAt   *time.Time `json:"applied_at,omitempty" db:"applied_at"`
}

const (
	IdempotencyPending = "PENDING"
	IdempotencyApplied = "APPLIED"
)
