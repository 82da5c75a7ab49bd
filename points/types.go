/*
Package points provides the points ledger engine.

PURPOSE:
  Tracks a per-account balance made of permanent points and temporary points
  that decay at a scheduled expiry time, and lets callers hold ("reserve")
  points before writing them off or releasing them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: the canonical balance record of one account
  - Grant: a temporary-points grant waiting for its expiry
  - Transaction: one entry of the append-only transaction log
  - Kind: closed set of transaction kinds

BALANCE FIELDS:
  Total           Permanent points. Never expire.
  TotalTemporary  Granted temporary points that are still spendable.
  PayedTemporary  Temporary points already spent by a write-off whose funding
                  grant has not reached its expiry yet. Netted against that
                  grant when it expires so the spent points are not removed twice.
  Reserved        Points held by open reservations.
  EarliestExpiry  Cached pointer to the soonest unexpired grant. Reconciliation
                  only runs once this time has passed.

SEE ALSO:
  - reconcile.go: Expiry reconciliation
  - reservation.go: Reserve / cancel / write-off state machine
  - ledger.go: Public facade
*/
package points

import (
	"fmt"
	"math"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID is the opaque, caller-supplied account key.
type AccountID string

// TransactionID is assigned by the store on append. IDs are monotonic.
type TransactionID int64

// =============================================================================
// ACCOUNT - Balance record
// =============================================================================

// Expiry points at the soonest-expiring grant of an account.
type Expiry struct {
	At     time.Time
	Amount int64 // sum of grants expiring exactly at At
}

// Account is a snapshot of an account's balance.
type Account struct {
	ID             AccountID
	Total          int64
	TotalTemporary int64
	PayedTemporary int64
	Reserved       int64
	EarliestExpiry *Expiry
}

// Available returns the points that a new reservation may hold.
func (a Account) Available() int64 {
	return a.Total + a.TotalTemporary - a.Reserved
}

// Spendable returns the points a write-off may consume, ignoring holds.
func (a Account) Spendable() int64 {
	return a.Total + a.TotalTemporary
}

// checkCredit fails with ErrBalanceOverflow unless amount more points fit.
// Total + TotalTemporary + PayedTemporary stays within int64; write-offs and
// expiries never increase it.
func (a Account) checkCredit(amount int64) error {
	held := a.Total + a.TotalTemporary + a.PayedTemporary
	if amount > math.MaxInt64-held {
		return fmt.Errorf("%w: account %s holds %d, crediting %d", ErrBalanceOverflow, a.ID, held, amount)
	}
	return nil
}

// DueForReconciliation reports whether the earliest grant has expired as of now.
func (a Account) DueForReconciliation(now time.Time) bool {
	return a.EarliestExpiry != nil && !a.EarliestExpiry.At.After(now)
}

// Valid checks the non-negativity invariants.
func (a Account) Valid() bool {
	return a.Total >= 0 && a.TotalTemporary >= 0 && a.PayedTemporary >= 0 && a.Reserved >= 0
}

// withExpiry folds a new grant into the cached earliest expiry.
func (a Account) withExpiry(at time.Time, amount int64) Account {
	switch {
	case a.EarliestExpiry == nil || at.Before(a.EarliestExpiry.At):
		a.EarliestExpiry = &Expiry{At: at, Amount: amount}
	case at.Equal(a.EarliestExpiry.At):
		a.EarliestExpiry = &Expiry{At: at, Amount: a.EarliestExpiry.Amount + amount}
	}
	return a
}

// =============================================================================
// GRANT - Temporary points awaiting expiry
// =============================================================================

// Grant is an outstanding temporary-points grant. Its ID is the ID of the
// TemporaryGrant transaction that created it.
type Grant struct {
	ID        TransactionID
	AccountID AccountID
	Amount    int64
	ExpiresAt time.Time
}

// =============================================================================
// TRANSACTION - Append-only log entry
// =============================================================================

// Kind identifies what a transaction recorded.
type Kind uint8

const (
	KindAccountCreated Kind = iota + 1
	KindPointsAdded
	KindTemporaryGrant
	KindReserved
	KindCommitted
	KindCanceled
)

var kindNames = map[Kind]string{
	KindAccountCreated: "account_created",
	KindPointsAdded:    "points_added",
	KindTemporaryGrant: "temporary_grant",
	KindReserved:       "reserved",
	KindCommitted:      "committed",
	KindCanceled:       "canceled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Terminal reports whether no further transition is possible.
// Only a reservation (KindReserved) can still move.
func (k Kind) Terminal() bool {
	return k != KindReserved
}

// ParseKind converts the stored name back into a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown transaction kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown transaction kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Transaction is one entry of the transaction log. Immutable once written,
// except that a KindReserved entry moves to KindCommitted or KindCanceled.
type Transaction struct {
	ID        TransactionID
	AccountID AccountID
	Amount    int64
	CreatedAt time.Time
	ExpiresAt *time.Time // TemporaryGrant only
	Kind      Kind
	SettledAt *time.Time // set when a reservation reaches a terminal kind
}

// =============================================================================
// SETTLEMENT - Outcome of cancel / write-off
// =============================================================================

// Settlement describes what a cancel or write-off did to a reservation.
type Settlement struct {
	TransactionID TransactionID
	AccountID     AccountID
	Amount        int64
	Kind          Kind // kind after the call
	Applied       bool // false when the call repeated an earlier terminal transition
	Cascaded      bool // write-off fell back to cancel for lack of funds
}
