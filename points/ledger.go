/*
ledger.go - Public facade of the points engine

PURPOSE:
  Composes reconciliation, the reservation state machine and the transaction
  log into the operations callers use. Each operation is one atomic unit:

    1. Lock the account (Locker)
    2. Open one storage transaction (TxStore.WithTx)
    3. Reconcile the account as of the invocation time
    4. Read-modify-write the account and the transaction log
    5. Commit, publish an Event, unlock

OPERATIONS:
  CreateAccount         Duplicate keys are a logged no-op
  AddPoints             Permanent points
  GrantTemporaryPoints  Points that expire at a given time
  Reserve               Hold points, returns the reservation's transaction ID
  Cancel                Release a hold
  WriteOff              Commit a hold (cancels it if the points have decayed)
  Reconcile             Apply expiries as of a given time
  GetAccount            Reconciled snapshot
  GetTransaction        One log entry
  Transactions          An account's log
  Grants                An account's outstanding temporary grants

MISSING RESOURCES:
  Mutations against an unknown account or transaction change nothing, are
  logged, and return ErrAccountNotFound / ErrTransactionNotFound so callers
  can treat them as benign (see IsNotFound).

EXAMPLE:
  ledger := points.New(store.NewMemory(), points.WithClock(clock))
  ledger.CreateAccount(ctx, "acc-1", 10)
  ledger.GrantTemporaryPoints(ctx, "acc-1", 5, clock.Now().Add(100*time.Second))
  id, err := ledger.Reserve(ctx, "acc-1", 12)
  settlement, err := ledger.WriteOff(ctx, id)
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the points engine facade. It is safe for concurrent use.
type Ledger struct {
	store     TxStore
	clock     Clock
	locker    Locker
	publisher Publisher
	logger    *log.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the source of invocation times.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLocker sets the per-account lock. Use a distributed Locker when several
// processes share one store.
func WithLocker(lk Locker) Option {
	return func(l *Ledger) { l.locker = lk }
}

// WithPublisher sets where committed changes are announced.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithLogger sets where rejected and benign no-op operations are reported.
func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger over store.
func New(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		clock:     SystemClock{},
		locker:    NewKeyedMutex(),
		publisher: nopPublisher{},
		logger:    log.New(os.Stderr, "[points] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// run executes fn as one atomic unit against the account. The committed
// callbacks run after a successful commit while the account is still locked,
// so events of one account are published in commit order.
func (l *Ledger) run(ctx context.Context, id AccountID, fn func(Store) error, committed ...func()) error {
	unlock, err := l.locker.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("lock account %s: %w", id, err)
	}
	defer unlock()
	if err := l.store.WithTx(ctx, fn); err != nil {
		return err
	}
	for _, f := range committed {
		f()
	}
	return nil
}

func (l *Ledger) publish(ctx context.Context, event Event) {
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.Printf("Failed to publish %s event for transaction %d: %v", event.Kind, event.TransactionID, err)
	}
}

// =============================================================================
// ACCOUNTS AND CREDITS
// =============================================================================

// CreateAccount opens an account holding initialTotal permanent points.
// It returns false, and no error, if the account already existed.
func (l *Ledger) CreateAccount(ctx context.Context, id AccountID, initialTotal int64) (bool, error) {
	if initialTotal < 0 {
		return false, ErrInvalidAmount
	}
	now := l.clock.Now()
	account := Account{ID: id, Total: initialTotal}

	var txID TransactionID
	err := l.run(ctx, id, func(s Store) error {
		if err := s.CreateAccount(ctx, account); err != nil {
			return err
		}
		var err error
		txID, err = s.AppendTransaction(ctx, Transaction{
			AccountID: id,
			Amount:    initialTotal,
			CreatedAt: now,
			Kind:      KindAccountCreated,
		})
		return err
	}, func() {
		l.publish(ctx, Event{TransactionID: txID, AccountID: id, Kind: KindAccountCreated,
			Amount: initialTotal, OccurredAt: now, Balance: balanceOf(account)})
	})
	if errors.Is(err, ErrAccountAlreadyExists) {
		l.logger.Printf("Attempt to add already added account %s", id)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddPoints credits permanent points.
func (l *Ledger) AddPoints(ctx context.Context, id AccountID, amount int64) (TransactionID, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	now := l.clock.Now()

	var (
		txID    TransactionID
		account Account
	)
	err := l.run(ctx, id, func(s Store) error {
		var err error
		if account, err = reconcile(ctx, s, id, now); err != nil {
			return err
		}
		if err := account.checkCredit(amount); err != nil {
			return err
		}
		txID, err = s.AppendTransaction(ctx, Transaction{
			AccountID: id,
			Amount:    amount,
			CreatedAt: now,
			Kind:      KindPointsAdded,
		})
		if err != nil {
			return fmt.Errorf("append points: %w", err)
		}
		account.Total += amount
		return s.UpdateAccount(ctx, account)
	}, func() {
		l.publish(ctx, Event{TransactionID: txID, AccountID: id, Kind: KindPointsAdded,
			Amount: amount, OccurredAt: now, Balance: balanceOf(account)})
	})
	switch {
	case errors.Is(err, ErrAccountNotFound):
		l.logger.Printf("Attempt to add points to unknown account %s", id)
	case errors.Is(err, ErrBalanceOverflow):
		l.logger.Printf("Refused to add %d points to account %s: %v", amount, id, err)
	}
	if err != nil {
		return 0, err
	}
	return txID, nil
}

// GrantTemporaryPoints credits points that expire at expiresAt.
func (l *Ledger) GrantTemporaryPoints(ctx context.Context, id AccountID, amount int64, expiresAt time.Time) (TransactionID, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	now := l.clock.Now()
	if !expiresAt.After(now) {
		return 0, fmt.Errorf("%w: %s is not after %s", ErrInvalidExpiry,
			expiresAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	var (
		txID    TransactionID
		account Account
	)
	err := l.run(ctx, id, func(s Store) error {
		var err error
		if account, err = reconcile(ctx, s, id, now); err != nil {
			return err
		}
		if err := account.checkCredit(amount); err != nil {
			return err
		}
		txID, err = s.AppendTransaction(ctx, Transaction{
			AccountID: id,
			Amount:    amount,
			CreatedAt: now,
			ExpiresAt: &expiresAt,
			Kind:      KindTemporaryGrant,
		})
		if err != nil {
			return fmt.Errorf("append grant: %w", err)
		}
		grant := Grant{ID: txID, AccountID: id, Amount: amount, ExpiresAt: expiresAt}
		if err := s.InsertGrant(ctx, grant); err != nil {
			return fmt.Errorf("insert grant: %w", err)
		}
		account.TotalTemporary += amount
		account = account.withExpiry(expiresAt, amount)
		return s.UpdateAccount(ctx, account)
	}, func() {
		l.publish(ctx, Event{TransactionID: txID, AccountID: id, Kind: KindTemporaryGrant,
			Amount: amount, ExpiresAt: &expiresAt, OccurredAt: now, Balance: balanceOf(account)})
	})
	switch {
	case errors.Is(err, ErrAccountNotFound):
		l.logger.Printf("Attempt to add temporary points to unknown account %s", id)
	case errors.Is(err, ErrBalanceOverflow):
		l.logger.Printf("Refused to grant %d temporary points to account %s: %v", amount, id, err)
	}
	if err != nil {
		return 0, err
	}
	return txID, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// Reserve holds amount points and returns the reservation's transaction ID.
// Every call creates a new hold.
func (l *Ledger) Reserve(ctx context.Context, id AccountID, amount int64) (TransactionID, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	now := l.clock.Now()

	var (
		txID    TransactionID
		account Account
	)
	err := l.run(ctx, id, func(s Store) error {
		var err error
		txID, account, err = reserve(ctx, s, id, amount, now)
		return err
	}, func() {
		l.publish(ctx, Event{TransactionID: txID, AccountID: id, Kind: KindReserved,
			Amount: amount, OccurredAt: now, Balance: balanceOf(account)})
	})
	if err != nil {
		var insufficient *InsufficientBalanceError
		switch {
		case errors.As(err, &insufficient):
			l.logger.Printf("Account %s does not have points enough (available: %d) to reserve %d",
				id, insufficient.Available, amount)
		case errors.Is(err, ErrAccountNotFound):
			l.logger.Printf("Attempt to reserve points of unknown account %s", id)
		}
		return 0, err
	}
	return txID, nil
}

// Cancel releases a reservation. Canceling twice is a no-op.
func (l *Ledger) Cancel(ctx context.Context, txID TransactionID) (Settlement, error) {
	return l.settle(ctx, txID, "cancel", cancel)
}

// WriteOff commits a reservation. Writing off twice is a no-op. If the
// account no longer holds enough points, the reservation is canceled instead
// and the returned Settlement has Cascaded set.
func (l *Ledger) WriteOff(ctx context.Context, txID TransactionID) (Settlement, error) {
	return l.settle(ctx, txID, "write off", writeOff)
}

type settleFunc func(context.Context, Store, TransactionID, time.Time) (Settlement, error)

func (l *Ledger) settle(ctx context.Context, txID TransactionID, verb string, fn settleFunc) (Settlement, error) {
	// The owning account is only known after reading the transaction; the
	// read inside the locked unit below is the one that counts.
	tx, err := l.store.GetTransaction(ctx, txID)
	if errors.Is(err, ErrTransactionNotFound) {
		l.logger.Printf("Attempt to %s unknown transaction %d", verb, txID)
		return Settlement{}, err
	}
	if err != nil {
		return Settlement{}, err
	}

	now := l.clock.Now()
	var (
		result  Settlement
		account Account
	)
	err = l.run(ctx, tx.AccountID, func(s Store) error {
		var err error
		if result, err = fn(ctx, s, txID, now); err != nil {
			return err
		}
		account, err = s.GetAccount(ctx, tx.AccountID)
		return err
	}, func() {
		if !result.Applied {
			return
		}
		l.publish(ctx, Event{TransactionID: txID, AccountID: result.AccountID, Kind: result.Kind,
			Amount: result.Amount, Cascaded: result.Cascaded, OccurredAt: now, Balance: balanceOf(account)})
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrWrongTransactionType) {
			l.logger.Printf("Refused to %s transaction %d: %v", verb, txID, err)
		}
		return Settlement{}, err
	}

	switch {
	case !result.Applied:
		l.logger.Printf("Transaction %d is already %s", txID, result.Kind)
	case result.Cascaded:
		l.logger.Printf("Account %s does not have points enough (spendable: %d) to commit transaction %d of %d, canceled instead",
			account.ID, account.Spendable(), txID, result.Amount)
	}
	return result, nil
}

// =============================================================================
// QUERIES AND RECONCILIATION
// =============================================================================

// Reconcile applies every expiry due at `at` and returns the account.
func (l *Ledger) Reconcile(ctx context.Context, id AccountID, at time.Time) (Account, error) {
	var account Account
	err := l.run(ctx, id, func(s Store) error {
		var err error
		account, err = reconcile(ctx, s, id, at)
		return err
	})
	return account, err
}

// GetAccount returns the account reconciled as of now.
func (l *Ledger) GetAccount(ctx context.Context, id AccountID) (Account, error) {
	return l.Reconcile(ctx, id, l.clock.Now())
}

// GetTransaction returns one transaction log entry.
func (l *Ledger) GetTransaction(ctx context.Context, txID TransactionID) (Transaction, error) {
	return l.store.GetTransaction(ctx, txID)
}

// Transactions returns the account's transaction log ordered by ID.
func (l *Ledger) Transactions(ctx context.Context, id AccountID) ([]Transaction, error) {
	if _, err := l.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return l.store.Transactions(ctx, id)
}

// Grants returns the account's unexpired temporary grants ordered by expiry.
func (l *Ledger) Grants(ctx context.Context, id AccountID) ([]Grant, error) {
	now := l.clock.Now()
	var grants []Grant
	err := l.run(ctx, id, func(s Store) error {
		if _, err := reconcile(ctx, s, id, now); err != nil {
			return err
		}
		var err error
		grants, err = s.Grants(ctx, id)
		return err
	})
	return grants, err
}
