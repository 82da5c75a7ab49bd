/*
reconcile.go - Lazy expiry reconciliation

PURPOSE:
  Brings TotalTemporary, PayedTemporary and EarliestExpiry up to date as of a
  given time. Nothing runs on a timer: every Ledger operation calls
  reconcile first and it is a no-op unless the cached earliest expiry has
  passed.

NETTING:
  For every grant with ExpiresAt <= now:

    PayedTemporary >= grant   →  PayedTemporary -= grant
                                 (already spent while valid, nothing left to expire)
    otherwise                 →  TotalTemporary -= grant - PayedTemporary
                                 PayedTemporary  = 0
                                 (the unspent remainder is lost)

  The result does not depend on the order in which grants are netted.

  TotalTemporary + PayedTemporary always equals the sum of outstanding grants,
  which is why TotalTemporary can never go negative here.

EXAMPLE:
  grant 5 @t+100, write-off 3 @t+10:  TotalTemporary=2  PayedTemporary=3
  reconcile @t+150:                   TotalTemporary=0  PayedTemporary=0
*/
package points

import (
	"context"
	"fmt"
	"time"
)

// applyExpiries nets the expiring grants against the account counters.
func applyExpiries(account Account, expiring []Grant) Account {
	for _, g := range expiring {
		if account.PayedTemporary >= g.Amount {
			account.PayedTemporary -= g.Amount
			continue
		}
		unconsumed := g.Amount - account.PayedTemporary
		account.PayedTemporary = 0
		account.TotalTemporary -= unconsumed
	}
	return account
}

// reconcile loads the account and applies every expiry due at now.
// It must run inside the caller's WithTx.
func reconcile(ctx context.Context, s Store, id AccountID, now time.Time) (Account, error) {
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	return reconcileAccount(ctx, s, account, now)
}

func reconcileAccount(ctx context.Context, s Store, account Account, now time.Time) (Account, error) {
	if !account.DueForReconciliation(now) {
		return account, nil
	}

	expiring, err := s.GrantsExpiringBy(ctx, account.ID, now)
	if err != nil {
		return Account{}, fmt.Errorf("load expiring grants: %w", err)
	}

	account = applyExpiries(account, expiring)

	next, err := s.NextExpiry(ctx, account.ID, now)
	if err != nil {
		return Account{}, fmt.Errorf("load next expiry: %w", err)
	}
	account.EarliestExpiry = next

	ids := make([]TransactionID, len(expiring))
	for i, g := range expiring {
		ids[i] = g.ID
	}
	if len(ids) > 0 {
		if err := s.DeleteGrants(ctx, ids); err != nil {
			return Account{}, fmt.Errorf("delete expired grants: %w", err)
		}
	}

	if err := s.UpdateAccount(ctx, account); err != nil {
		return Account{}, fmt.Errorf("save reconciled account: %w", err)
	}
	return account, nil
}
