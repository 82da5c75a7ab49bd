// Package store provides the in-memory points.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps. Outside WithTx every call is atomic on its
// own; inside WithTx writes are staged and applied together on commit.
type Memory struct {
	mu           sync.RWMutex
	accounts     map[points.AccountID]accountRow
	transactions map[points.TransactionID]points.Transaction
	byAccount    map[points.AccountID][]points.TransactionID
	grants       map[points.TransactionID]points.Grant

	lastID atomic.Int64
}

type accountRow struct {
	account points.Account
	version uint64
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[points.AccountID]accountRow),
		transactions: make(map[points.TransactionID]points.Transaction),
		byAccount:    make(map[points.AccountID][]points.TransactionID),
		grants:       make(map[points.TransactionID]points.Grant),
	}
}

var (
	_ points.TxStore = (*Memory)(nil)
	_ points.Store   = (*txView)(nil)
)

// Every Store method outside WithTx is a one-call transaction.
func (m *Memory) single(ctx context.Context, fn func(points.Store) error) error {
	return m.WithTx(ctx, fn)
}

func (m *Memory) GetAccount(ctx context.Context, id points.AccountID) (points.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.accounts[id]
	if !ok {
		return points.Account{}, points.ErrAccountNotFound
	}
	return cloneAccount(row.account), nil
}

func (m *Memory) CreateAccount(ctx context.Context, account points.Account) error {
	return m.single(ctx, func(s points.Store) error { return s.CreateAccount(ctx, account) })
}

func (m *Memory) UpdateAccount(ctx context.Context, account points.Account) error {
	return m.single(ctx, func(s points.Store) error { return s.UpdateAccount(ctx, account) })
}

func (m *Memory) AppendTransaction(ctx context.Context, tx points.Transaction) (points.TransactionID, error) {
	var id points.TransactionID
	err := m.single(ctx, func(s points.Store) error {
		var err error
		id, err = s.AppendTransaction(ctx, tx)
		return err
	})
	return id, err
}

func (m *Memory) GetTransaction(_ context.Context, id points.TransactionID) (points.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return points.Transaction{}, points.ErrTransactionNotFound
	}
	return tx, nil
}

func (m *Memory) SettleTransaction(ctx context.Context, id points.TransactionID, kind points.Kind, at time.Time) error {
	return m.single(ctx, func(s points.Store) error { return s.SettleTransaction(ctx, id, kind, at) })
}

func (m *Memory) Transactions(_ context.Context, accountID points.AccountID) ([]points.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byAccount[accountID]
	result := make([]points.Transaction, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.transactions[id])
	}
	return result, nil
}

func (m *Memory) InsertGrant(ctx context.Context, grant points.Grant) error {
	return m.single(ctx, func(s points.Store) error { return s.InsertGrant(ctx, grant) })
}

func (m *Memory) Grants(_ context.Context, accountID points.AccountID) ([]points.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grantsLocked(accountID, nil), nil
}

func (m *Memory) GrantsExpiringBy(ctx context.Context, accountID points.AccountID, at time.Time) ([]points.Grant, error) {
	grants, _ := m.Grants(ctx, accountID)
	return expiringBy(grants, at), nil
}

func (m *Memory) NextExpiry(ctx context.Context, accountID points.AccountID, after time.Time) (*points.Expiry, error) {
	grants, _ := m.Grants(ctx, accountID)
	return nextExpiry(grants, after), nil
}

func (m *Memory) DeleteGrants(ctx context.Context, ids []points.TransactionID) error {
	return m.single(ctx, func(s points.Store) error { return s.DeleteGrants(ctx, ids) })
}

// grantsLocked lists committed grants of the account, with staged changes
// from view applied on top when view is non-nil.
func (m *Memory) grantsLocked(accountID points.AccountID, view *txView) []points.Grant {
	var result []points.Grant
	for id, g := range m.grants {
		if g.AccountID != accountID {
			continue
		}
		if view != nil {
			if _, staged := view.grants[id]; staged {
				continue
			}
		}
		result = append(result, g)
	}
	if view != nil {
		for _, g := range view.grants {
			if g != nil && g.AccountID == accountID {
				result = append(result, *g)
			}
		}
	}
	sortGrants(result)
	return result
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn against a view that stages every write. The staged
// writes are applied under the store lock when fn returns nil, and dropped
// otherwise. Accounts that fn read or wrote must not have changed in the
// meantime, or WithTx fails with points.ErrStorageConflict.
func (m *Memory) WithTx(ctx context.Context, fn func(points.Store) error) error {
	view := &txView{
		parent:       m,
		seen:         make(map[points.AccountID]uint64),
		accounts:     make(map[points.AccountID]points.Account),
		transactions: make(map[points.TransactionID]points.Transaction),
		grants:       make(map[points.TransactionID]*points.Grant),
	}
	if err := fn(view); err != nil {
		return err
	}
	return m.commit(view)
}

func (m *Memory) commit(v *txView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, version := range v.seen {
		if m.accounts[id].version != version {
			return points.ErrStorageConflict
		}
	}

	for id, account := range v.accounts {
		row := m.accounts[id]
		m.accounts[id] = accountRow{account: account, version: row.version + 1}
	}
	for _, id := range v.appended {
		tx := v.transactions[id]
		m.byAccount[tx.AccountID] = append(m.byAccount[tx.AccountID], id)
	}
	for id, tx := range v.transactions {
		m.transactions[id] = tx
	}
	for id, g := range v.grants {
		if g == nil {
			delete(m.grants, id)
			continue
		}
		m.grants[id] = *g
	}
	return nil
}

type txView struct {
	parent *Memory

	seen         map[points.AccountID]uint64 // version observed; 0 = absent
	accounts     map[points.AccountID]points.Account
	transactions map[points.TransactionID]points.Transaction
	appended     []points.TransactionID
	grants       map[points.TransactionID]*points.Grant // nil = deleted
}

func (v *txView) observe(id points.AccountID) (points.Account, bool) {
	if account, ok := v.accounts[id]; ok {
		return cloneAccount(account), true
	}
	v.parent.mu.RLock()
	row, ok := v.parent.accounts[id]
	v.parent.mu.RUnlock()
	if _, tracked := v.seen[id]; !tracked {
		v.seen[id] = row.version
	}
	return cloneAccount(row.account), ok
}

func (v *txView) GetAccount(_ context.Context, id points.AccountID) (points.Account, error) {
	account, ok := v.observe(id)
	if !ok {
		return points.Account{}, points.ErrAccountNotFound
	}
	return account, nil
}

func (v *txView) CreateAccount(_ context.Context, account points.Account) error {
	if _, ok := v.observe(account.ID); ok {
		return points.ErrAccountAlreadyExists
	}
	v.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (v *txView) UpdateAccount(_ context.Context, account points.Account) error {
	if _, ok := v.observe(account.ID); !ok {
		return points.ErrAccountNotFound
	}
	v.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (v *txView) AppendTransaction(_ context.Context, tx points.Transaction) (points.TransactionID, error) {
	tx.ID = points.TransactionID(v.parent.lastID.Add(1))
	v.transactions[tx.ID] = tx
	v.appended = append(v.appended, tx.ID)
	return tx.ID, nil
}

func (v *txView) GetTransaction(ctx context.Context, id points.TransactionID) (points.Transaction, error) {
	if tx, ok := v.transactions[id]; ok {
		return tx, nil
	}
	return v.parent.GetTransaction(ctx, id)
}

func (v *txView) SettleTransaction(ctx context.Context, id points.TransactionID, kind points.Kind, at time.Time) error {
	tx, err := v.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	tx.Kind = kind
	tx.SettledAt = &at
	v.transactions[id] = tx
	return nil
}

func (v *txView) Transactions(ctx context.Context, accountID points.AccountID) ([]points.Transaction, error) {
	committed, _ := v.parent.Transactions(ctx, accountID)
	for i, tx := range committed {
		if staged, ok := v.transactions[tx.ID]; ok {
			committed[i] = staged
		}
	}
	for _, id := range v.appended {
		if tx := v.transactions[id]; tx.AccountID == accountID {
			committed = append(committed, tx)
		}
	}
	return committed, nil
}

func (v *txView) InsertGrant(_ context.Context, grant points.Grant) error {
	v.grants[grant.ID] = &grant
	return nil
}

func (v *txView) Grants(_ context.Context, accountID points.AccountID) ([]points.Grant, error) {
	v.parent.mu.RLock()
	defer v.parent.mu.RUnlock()
	return v.parent.grantsLocked(accountID, v), nil
}

func (v *txView) GrantsExpiringBy(ctx context.Context, accountID points.AccountID, at time.Time) ([]points.Grant, error) {
	grants, _ := v.Grants(ctx, accountID)
	return expiringBy(grants, at), nil
}

func (v *txView) NextExpiry(ctx context.Context, accountID points.AccountID, after time.Time) (*points.Expiry, error) {
	grants, _ := v.Grants(ctx, accountID)
	return nextExpiry(grants, after), nil
}

func (v *txView) DeleteGrants(_ context.Context, ids []points.TransactionID) error {
	for _, id := range ids {
		v.grants[id] = nil
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneAccount(a points.Account) points.Account {
	if a.EarliestExpiry != nil {
		e := *a.EarliestExpiry
		a.EarliestExpiry = &e
	}
	return a
}

func sortGrants(grants []points.Grant) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].ExpiresAt.Equal(grants[j].ExpiresAt) {
			return grants[i].ID < grants[j].ID
		}
		return grants[i].ExpiresAt.Before(grants[j].ExpiresAt)
	})
}

// expiringBy expects grants sorted by expiry.
func expiringBy(grants []points.Grant, at time.Time) []points.Grant {
	i := sort.Search(len(grants), func(i int) bool { return grants[i].ExpiresAt.After(at) })
	return grants[:i]
}

func nextExpiry(grants []points.Grant, after time.Time) *points.Expiry {
	var next *points.Expiry
	for _, g := range grants {
		if !g.ExpiresAt.After(after) {
			continue
		}
		if next == nil {
			next = &points.Expiry{At: g.ExpiresAt, Amount: g.Amount}
			continue
		}
		if !g.ExpiresAt.Equal(next.At) {
			break
		}
		next.Amount += g.Amount
	}
	return next
}
