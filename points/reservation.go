/*
reservation.go - Reserve / write-off / cancel state machine

STATES:
  ┌──────────┐  writeOff   ┌───────────┐
  │ Reserved │───────────▶ │ Committed │
  └──────────┘             └───────────┘
        │ cancel
        │ (or writeOff without funds)
        ▼
  ┌──────────┐
  │ Canceled │
  └──────────┘

  Committed and Canceled are terminal. Repeating the transition that got a
  reservation there is a no-op; attempting the other one is a TransitionError.

WRITE-OFF ORDER:
  Temporary points are spent before permanent ones. Whatever comes out of
  TotalTemporary is added to PayedTemporary so that the grant funding it does
  not remove the same points again when it expires.

  If decay since the hold left Total + TotalTemporary below the reserved
  amount, the write-off cancels the reservation instead of committing it.

All functions here run inside the caller's WithTx.
*/
package points

import (
	"context"
	"fmt"
	"time"
)

// reserve holds amount points on the account.
func reserve(ctx context.Context, s Store, id AccountID, amount int64, now time.Time) (TransactionID, Account, error) {
	account, err := reconcile(ctx, s, id, now)
	if err != nil {
		return 0, Account{}, err
	}

	if available := account.Available(); available < amount {
		return 0, account, &InsufficientBalanceError{
			AccountID: id,
			Available: available,
			Requested: amount,
		}
	}

	txID, err := s.AppendTransaction(ctx, Transaction{
		AccountID: id,
		Amount:    amount,
		CreatedAt: now,
		Kind:      KindReserved,
	})
	if err != nil {
		return 0, Account{}, fmt.Errorf("append reservation: %w", err)
	}

	account.Reserved += amount
	if err := s.UpdateAccount(ctx, account); err != nil {
		return 0, Account{}, fmt.Errorf("save reservation hold: %w", err)
	}
	return txID, account, nil
}

// loadReservation fetches tx and decides whether moving it to target is
// allowed, a repeat, or an error.
func loadReservation(ctx context.Context, s Store, txID TransactionID, target Kind) (Transaction, bool, error) {
	tx, err := s.GetTransaction(ctx, txID)
	if err != nil {
		return Transaction{}, false, err
	}
	switch tx.Kind {
	case KindReserved:
		return tx, false, nil
	case target:
		return tx, true, nil
	default:
		// TransitionError unwraps to ErrInvalidTransition for the other
		// terminal kind and to ErrWrongTransactionType for everything else.
		return tx, false, &TransitionError{TransactionID: txID, From: tx.Kind, To: target}
	}
}

// cancel releases the hold of a reservation.
func cancel(ctx context.Context, s Store, txID TransactionID, now time.Time) (Settlement, error) {
	tx, repeated, err := loadReservation(ctx, s, txID, KindCanceled)
	if err != nil {
		return Settlement{}, err
	}
	if repeated {
		return settlementOf(tx, false), nil
	}

	account, err := reconcile(ctx, s, tx.AccountID, now)
	if err != nil {
		return Settlement{}, err
	}
	return release(ctx, s, tx, account, now)
}

func release(ctx context.Context, s Store, tx Transaction, account Account, now time.Time) (Settlement, error) {
	if err := s.SettleTransaction(ctx, tx.ID, KindCanceled, now); err != nil {
		return Settlement{}, fmt.Errorf("cancel transaction %d: %w", tx.ID, err)
	}

	account.Reserved = max(account.Reserved-tx.Amount, 0)
	if err := s.UpdateAccount(ctx, account); err != nil {
		return Settlement{}, fmt.Errorf("release hold: %w", err)
	}

	tx.Kind = KindCanceled
	return settlementOf(tx, true), nil
}

// writeOff commits a reservation, or cancels it if the points are gone.
func writeOff(ctx context.Context, s Store, txID TransactionID, now time.Time) (Settlement, error) {
	tx, repeated, err := loadReservation(ctx, s, txID, KindCommitted)
	if err != nil {
		return Settlement{}, err
	}
	if repeated {
		return settlementOf(tx, false), nil
	}

	account, err := reconcile(ctx, s, tx.AccountID, now)
	if err != nil {
		return Settlement{}, err
	}

	if account.Spendable() < tx.Amount {
		result, err := release(ctx, s, tx, account, now)
		result.Cascaded = err == nil
		return result, err
	}

	account = deduct(account, tx.Amount)
	account.Reserved = max(account.Reserved-tx.Amount, 0)

	if err := s.SettleTransaction(ctx, tx.ID, KindCommitted, now); err != nil {
		return Settlement{}, fmt.Errorf("commit transaction %d: %w", tx.ID, err)
	}
	if err := s.UpdateAccount(ctx, account); err != nil {
		return Settlement{}, fmt.Errorf("save write-off: %w", err)
	}

	tx.Kind = KindCommitted
	return settlementOf(tx, true), nil
}

// deduct spends amount, temporary pool first.
func deduct(account Account, amount int64) Account {
	if amount < account.TotalTemporary {
		account.TotalTemporary -= amount
		account.PayedTemporary += amount
		return account
	}
	account.Total -= amount - account.TotalTemporary
	account.PayedTemporary += account.TotalTemporary
	account.TotalTemporary = 0
	return account
}

func settlementOf(tx Transaction, applied bool) Settlement {
	return Settlement{
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		Amount:        tx.Amount,
		Kind:          tx.Kind,
		Applied:       applied,
	}
}
