// Package transfer implements the multi-level authorization workflow that gates an
// outbound fund transfer before the source account is debited.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"harborbank.org/internal/bank"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Open reports whether the transfer can still change state.
func (s Status) Open() bool { return s == StatusPending || s == StatusProcessing }

// OpenStatuses are the states a transfer may leave.
var OpenStatuses = []Status{StatusPending, StatusProcessing}

type Recipient struct {
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name,omitempty"`
	Note          string `json:"note,omitempty"`
}

// Transfer is one outbound fund movement. Amount never changes after creation.
type Transfer struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Recipient     Recipient       `json:"recipient"`
	Status        Status          `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Levels        []bool          `json:"levels"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AllLevelsComplete is true iff every security level has been verified.
func (t Transfer) AllLevelsComplete() bool {
	if len(t.Levels) == 0 {
		return false
	}
	for _, done := range t.Levels {
		if !done {
			return false
		}
	}
	return true
}

// NextLevel returns the 1-based level awaiting verification, or 0 when all are done.
func (t Transfer) NextLevel() int {
	for i, done := range t.Levels {
		if !done {
			return i + 1
		}
	}
	return 0
}

// CompletedLevels counts verified levels.
func (t Transfer) CompletedLevels() int {
	n := 0
	for _, done := range t.Levels {
		if done {
			n++
		}
	}
	return n
}

// Details is the caller-supplied part of a new transfer.
type Details struct {
	AccountID string
	Amount    decimal.Decimal
	Recipient Recipient
}

func (d Details) validate() error {
	if strings.TrimSpace(d.AccountID) == "" {
		return fmt.Errorf("%w: account_id is required", ErrInvalidTransferDetails)
	}
	if !d.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidTransferDetails)
	}
	if !d.Amount.Equal(d.Amount.Round(2)) {
		return fmt.Errorf("%w: amount has more than two decimal places", ErrInvalidTransferDetails)
	}
	if strings.TrimSpace(d.Recipient.Name) == "" {
		return fmt.Errorf("%w: recipient name is required", ErrInvalidTransferDetails)
	}
	acct := strings.TrimSpace(d.Recipient.AccountNumber)
	if acct == "" {
		return fmt.Errorf("%w: recipient account number is required", ErrInvalidTransferDetails)
	}
	if len(acct) > 34 {
		return fmt.Errorf("%w: recipient account number too long", ErrInvalidTransferDetails)
	}
	return nil
}

// Evaluate computes the balance left after debiting t from currentBalance. It is the
// pure precondition check behind completion and mutates nothing.
func Evaluate(t Transfer, currentBalance decimal.Decimal) (decimal.Decimal, error) {
	if !t.Status.Open() {
		return decimal.Decimal{}, ErrTransferNotPending
	}
	if !t.AllLevelsComplete() {
		return decimal.Decimal{}, ErrIncompleteVerification
	}
	newBalance := currentBalance.Sub(t.Amount)
	if newBalance.IsNegative() {
		return decimal.Decimal{}, ErrInsufficientFunds
	}
	return newBalance, nil
}

// SettleFunc decides, inside the settlement transaction, the new balance of the source
// account. Returning an error aborts settlement with nothing written.
type SettleFunc func(t Transfer, account bank.Account) (decimal.Decimal, error)

// Store persists transfers. SettleTransfer must debit the account and mark the transfer
// completed in one atomic unit, serialised per transfer.
type Store interface {
	// CreateTransfer fails with ErrPendingTransferExists when the owner has an open transfer.
	CreateTransfer(ctx context.Context, t *Transfer) error
	GetTransfer(ctx context.Context, id string) (Transfer, error)
	// FindOpenTransfer returns the owner's pending or processing transfer, or bank.ErrNotFound.
	FindOpenTransfer(ctx context.Context, ownerID string) (Transfer, error)
	ListTransfers(ctx context.Context, ownerID string, limit int) ([]Transfer, error)
	// CompleteLevel flags a level on a pending transfer and moves it to processing once
	// every level is flagged. ErrTransferNotPending when the transfer is not pending.
	CompleteLevel(ctx context.Context, id string, level int, now time.Time) (Transfer, error)
	// UpdateTransferStatus moves a transfer from one of from to to, or fails with
	// ErrTransferNotPending.
	UpdateTransferStatus(ctx context.Context, id string, from []Status, to Status, reason string, now time.Time) (Transfer, error)
	SettleTransfer(ctx context.Context, id string, settle SettleFunc, now time.Time) (Transfer, decimal.Decimal, error)
}

var (
	ErrInvalidTransferDetails = errors.New("invalid transfer details")
	ErrSecurityCodeMismatch   = errors.New("security code mismatch")
	ErrTransferNotPending     = errors.New("transfer is not pending")
	ErrIncompleteVerification = errors.New("security verification incomplete")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrPendingTransferExists  = errors.New("a pending transfer already exists")
	ErrInvalidLevel           = errors.New("invalid security level")
	ErrLevelOutOfOrder        = errors.New("security levels must be verified in order")
	ErrBalanceMismatch        = errors.New("balance changed since it was read")
	ErrAccountNotActive       = errors.New("source account is not active")
	ErrTransferExpired        = errors.New("transfer expired")
)
