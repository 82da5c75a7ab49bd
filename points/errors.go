/*
errors.go - Error kinds of the points engine

ERROR CATEGORIES:
  1. Missing resources   - ErrAccountNotFound, ErrTransactionNotFound
  2. Business rules      - ErrInsufficientBalance, ErrInvalidAmount, ErrInvalidExpiry
  3. Lifecycle misuse    - ErrWrongTransactionType, ErrInvalidTransition
  4. Storage passthrough - ErrStorageUnavailable, ErrStorageConflict

PROPAGATION:
  Repeating a terminal action (double cancel, double write-off) is not an
  error. Contradicting one (cancel a commit, commit a cancellation) is.
  ErrAccountAlreadyExists is returned by stores; the Ledger swallows it.
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountAlreadyExists = errors.New("account already exists")
	ErrTransactionNotFound  = errors.New("transaction not found")

	// ErrInsufficientBalance is returned when a reservation exceeds the available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrWrongTransactionType is returned when cancel or write-off targets
	// something other than a reservation.
	ErrWrongTransactionType = errors.New("wrong transaction type")

	// ErrInvalidTransition is returned for cancel-after-commit and commit-after-cancel.
	ErrInvalidTransition = errors.New("invalid transaction transition")

	ErrInvalidAmount = errors.New("amount must not be negative")
	ErrInvalidExpiry = errors.New("expiry must be in the future")

	// ErrBalanceOverflow is returned when a credit would push the account's
	// points past the int64 range.
	ErrBalanceOverflow = errors.New("balance would overflow")

	// ErrStorageUnavailable and ErrStorageConflict are returned by stores.
	// A conflict means the whole operation may be retried.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStorageConflict    = errors.New("storage conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a rejected reservation.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: available %d, requested %d",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// TransitionError describes a rejected reservation state change.
type TransitionError struct {
	TransactionID TransactionID
	From          Kind
	To            Kind
}

func (e *TransitionError) Error() string {
	if !e.settled() {
		return fmt.Sprintf("transaction %d is %s, not a reservation", e.TransactionID, e.From)
	}
	return fmt.Sprintf("cannot move transaction %d from %s to %s", e.TransactionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	if e.settled() {
		return ErrInvalidTransition
	}
	return ErrWrongTransactionType
}

func (e *TransitionError) settled() bool {
	return e.From == KindCommitted || e.From == KindCanceled
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict) || errors.Is(err, ErrStorageUnavailable)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrWrongTransactionType) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidExpiry) ||
		errors.Is(err, ErrBalanceOverflow)
}

// IsNotFound returns true if the error indicates a missing account or transaction.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
