// Package ledger defines the authoritative credit ledger: user balances,
// the append-only transaction log, manual payment top-ups and transcription
// history. The Service interface is the contract the billing core charges
// against; implementations live in ledger/sqlite (local store) and
// ledger/client (remote HTTP ledger).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StartingCredits is the grant applied when an account is created.
const StartingCredits = 999

// TransactionType is the business reason for a credit adjustment.
type TransactionType string

const (
	TxPurchase TransactionType = "purchase"
	TxUsage    TransactionType = "usage"
	TxBonus    TransactionType = "bonus"
)

// PaymentStatus tracks the manual approval workflow for mobile-money top-ups.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentRejected PaymentStatus = "rejected"
)

var (
	// ErrInsufficientCredits is returned when a decrement is requested
	// against a zero balance. The balance is unchanged; this is the
	// definite "no further decrement occurred" answer a concurrently
	// metering device needs.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUserNotFound is returned when the user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when registering an already-taken email.
	ErrUserExists = errors.New("user already exists")

	// ErrInvalidToken is returned for unknown or revoked session tokens.
	ErrInvalidToken = errors.New("invalid session token")

	// ErrDuplicateTransactionID is returned when a payment is submitted
	// with a mobile-money transaction ID that was already used.
	ErrDuplicateTransactionID = errors.New("transaction ID already exists")

	// ErrPaymentNotFound is returned when a payment does not exist.
	ErrPaymentNotFound = errors.New("payment not found")
)

// LedgerError wraps a transport or server fault encountered while talking to
// the ledger. It is deliberately distinct from ErrInsufficientCredits: a
// network fault must never be treated as "out of credits".
type LedgerError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *LedgerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ledger: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// User is an account holding a prepaid credit balance. Credits never go
// negative; they are mutated only through Service.Adjust.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Credits   int64     `json:"credits"`
	Plan      string    `json:"plan"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	LastLogin time.Time `json:"lastLogin"`
}

// IsAdmin reports whether the user may access the admin endpoints.
func (u *User) IsAdmin() bool {
	return u.Status == "admin"
}

// Transaction is one immutable row in the append-only credit log. Amount is
// the signed delta actually applied; the sum of a user's transaction amounts
// plus the starting grant equals their current balance.
type Transaction struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	Amount           int64           `json:"amount"`
	Type             TransactionType `json:"type"`
	Description      string          `json:"description"`
	RelatedPaymentID string          `json:"relatedPaymentId,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Payment is a user-submitted mobile-money top-up awaiting manual approval.
type Payment struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	UserName      string        `json:"userName"`
	UserEmail     string        `json:"userEmail"`
	PhoneNumber   string        `json:"phoneNumber"`
	TransactionID string        `json:"transactionId"`
	Amount        int64         `json:"amount"`
	Credits       int64         `json:"credits"`
	Status        PaymentStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	ApprovedAt    *time.Time    `json:"approvedAt,omitempty"`
	ApprovedBy    string        `json:"approvedBy,omitempty"`
}

// HistoryEntry is one saved transcription, live session or uploaded file.
type HistoryEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Text       string    `json:"text"`
	Type       string    `json:"type"` // "live" or "file"
	FileName   string    `json:"fileName,omitempty"`
	Language   string    `json:"language"`
	Duration   float64   `json:"duration,omitempty"`
	Confidence float32   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Adjustment describes one requested balance change.
type Adjustment struct {
	Delta            int64
	Type             TransactionType
	Description      string
	RelatedPaymentID string
}

// Service is the contract the billing core depends on. Adjust is atomic per
// user: decrements clamp at zero (the effective delta is what gets logged),
// a decrement against a zero balance performs no write and returns
// ErrInsufficientCredits, and every applied adjustment appends exactly one
// Transaction. The returned balance is always the server-confirmed value.
type Service interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	Adjust(ctx context.Context, userID string, adj Adjustment) (int64, error)
}
