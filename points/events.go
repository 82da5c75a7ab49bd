package points

import (
	"context"
	"time"
)

// Event is emitted after an operation that changed the ledger has committed.
type Event struct {
	TransactionID TransactionID `json:"transaction_id"`
	AccountID     AccountID     `json:"account_id"`
	Kind          Kind          `json:"kind"`
	Amount        int64         `json:"amount"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	Cascaded      bool          `json:"cascaded,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
	Balance       Balance       `json:"balance"`
}

// Balance is the account state carried on events.
type Balance struct {
	Total          int64 `json:"total"`
	TotalTemporary int64 `json:"total_temporary"`
	PayedTemporary int64 `json:"payed_temporary"`
	Reserved       int64 `json:"reserved"`
}

func balanceOf(a Account) Balance {
	return Balance{
		Total:          a.Total,
		TotalTemporary: a.TotalTemporary,
		PayedTemporary: a.PayedTemporary,
		Reserved:       a.Reserved,
	}
}

// Publisher delivers ledger events. Publishing happens after commit while the
// account is still locked, so one account's events arrive in commit order. A
// failure is logged and never undoes the operation.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
