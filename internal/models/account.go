package models

import (
	"fmt"
	"regexp"
	"time"
)

// Token is a fungible unit type tracked independently per account.
type Token string

const (
	TokenDOV Token = "DOV"
	TokenDJR Token = "DJR"
)

// Tokens lists every token the ledger tracks.
var Tokens = []Token{TokenDOV, TokenDJR}

func ParseToken(s string) (Token, error) {
	switch Token(s) {
	case TokenDOV:
		return TokenDOV, nil
	case TokenDJR:
		return TokenDJR, nil
	}
	return "", fmt.Errorf("unknown token %q", s)
}

// Account is a ledger-tracked balance holder, one per authenticated user.
// Balances are int64 minor units (100 units = 1 token). Version increments
// by exactly one on every successful mutation and drives optimistic locking.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Handle    string          `json:"handle" db:"handle"`
	Status    string          `json:"status" db:"status"`
	Balances  map[Token]int64 `json:"balances"`
	Version   int64           `json:"version" db:"version"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

var handleRegex = regexp.MustCompile(`^[A-Z]{3}[0-9]{3}$`)

// IsValidHandle reports whether s is a well-formed account handle (AAA999).
func IsValidHandle(s string) bool {
	return handleRegex.MatchString(s)
}
