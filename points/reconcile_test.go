package points

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// NETTING
// =============================================================================

func TestApplyExpiries_UnspentGrantIsLost(t *testing.T) {
	// GIVEN: 5 temporary points, none spent
	// WHEN: The grant expires
	// THEN: All 5 are removed from TotalTemporary

	account := Account{Total: 10, TotalTemporary: 5}
	got := applyExpiries(account, []Grant{{ID: 1, Amount: 5, ExpiresAt: t0}})

	assert.Equal(t, int64(10), got.Total)
	assert.Equal(t, int64(0), got.TotalTemporary)
	assert.Equal(t, int64(0), got.PayedTemporary)
}

func TestApplyExpiries_PartiallySpentGrant(t *testing.T) {
	// GIVEN: Grant of 5, of which 3 were written off (TT=2, PT=3)
	// WHEN: The grant expires
	// THEN: PT absorbs 3, the remaining 2 leave TT

	account := Account{TotalTemporary: 2, PayedTemporary: 3}
	got := applyExpiries(account, []Grant{{ID: 1, Amount: 5, ExpiresAt: t0}})

	assert.Equal(t, int64(0), got.TotalTemporary)
	assert.Equal(t, int64(0), got.PayedTemporary)
}

func TestApplyExpiries_FullySpentGrantLeavesOthersAlone(t *testing.T) {
	// GIVEN: Two grants (4 expiring, 6 later); 4 already spent
	// WHEN: The first grant expires
	// THEN: Only PT shrinks; the 6 still-valid points stay

	account := Account{TotalTemporary: 6, PayedTemporary: 4}
	got := applyExpiries(account, []Grant{{ID: 1, Amount: 4, ExpiresAt: t0}})

	assert.Equal(t, int64(6), got.TotalTemporary)
	assert.Equal(t, int64(0), got.PayedTemporary)
}

func TestApplyExpiries_OrderDoesNotMatter(t *testing.T) {
	account := Account{TotalTemporary: 4, PayedTemporary: 4}
	a := Grant{ID: 1, Amount: 5, ExpiresAt: t0}
	b := Grant{ID: 2, Amount: 3, ExpiresAt: t0}

	assert.Equal(t, applyExpiries(account, []Grant{a, b}), applyExpiries(account, []Grant{b, a}))
}

func TestApplyExpiries_NeverNegative(t *testing.T) {
	// Any split of a set of grants between TT and PT nets back to zero.
	grants := []Grant{{ID: 1, Amount: 7}, {ID: 2, Amount: 2}, {ID: 3, Amount: 5}}
	var sum int64
	for _, g := range grants {
		sum += g.Amount
	}
	for payed := int64(0); payed <= sum; payed++ {
		got := applyExpiries(Account{TotalTemporary: sum - payed, PayedTemporary: payed}, grants)
		assert.True(t, got.Valid(), "payed=%d: %+v", payed, got)
		assert.Zero(t, got.TotalTemporary, "payed=%d", payed)
		assert.Zero(t, got.PayedTemporary, "payed=%d", payed)
	}
}

// =============================================================================
// DEDUCTION
// =============================================================================

func TestDeduct_FromTemporaryPool(t *testing.T) {
	got := deduct(Account{Total: 10, TotalTemporary: 5}, 3)

	assert.Equal(t, int64(10), got.Total)
	assert.Equal(t, int64(2), got.TotalTemporary)
	assert.Equal(t, int64(3), got.PayedTemporary)
}

func TestDeduct_SpillsIntoPermanentPool(t *testing.T) {
	// GIVEN: 10 permanent, 5 temporary
	// WHEN: Spending 12
	// THEN: All 5 temporary go to PT (counted before zeroing), 7 from Total

	got := deduct(Account{Total: 10, TotalTemporary: 5}, 12)

	assert.Equal(t, int64(3), got.Total)
	assert.Equal(t, int64(0), got.TotalTemporary)
	assert.Equal(t, int64(5), got.PayedTemporary)
}

func TestDeduct_ExactTemporaryAmount(t *testing.T) {
	got := deduct(Account{Total: 10, TotalTemporary: 5, PayedTemporary: 1}, 5)

	assert.Equal(t, int64(10), got.Total)
	assert.Equal(t, int64(0), got.TotalTemporary)
	assert.Equal(t, int64(6), got.PayedTemporary)
}

// =============================================================================
// ACCOUNT HELPERS
// =============================================================================

func TestAccount_WithExpiry(t *testing.T) {
	later := t0.Add(time.Hour)

	a := Account{}.withExpiry(later, 5)
	assert.Equal(t, &Expiry{At: later, Amount: 5}, a.EarliestExpiry)

	a = a.withExpiry(t0, 2)
	assert.Equal(t, &Expiry{At: t0, Amount: 2}, a.EarliestExpiry, "sooner expiry replaces")

	a = a.withExpiry(t0, 3)
	assert.Equal(t, &Expiry{At: t0, Amount: 5}, a.EarliestExpiry, "same instant sums")

	a = a.withExpiry(later, 9)
	assert.Equal(t, &Expiry{At: t0, Amount: 5}, a.EarliestExpiry, "later expiry is ignored")
}

func TestAccount_DueForReconciliation(t *testing.T) {
	assert.False(t, Account{}.DueForReconciliation(t0))

	a := Account{EarliestExpiry: &Expiry{At: t0, Amount: 1}}
	assert.False(t, a.DueForReconciliation(t0.Add(-time.Second)))
	assert.True(t, a.DueForReconciliation(t0), "expiry at exactly now is due")
	assert.True(t, a.DueForReconciliation(t0.Add(time.Second)))
}

func TestKind_TextRoundTrip(t *testing.T) {
	for k := range kindNames {
		text, err := k.MarshalText()
		assert.NoError(t, err)

		var parsed Kind
		assert.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, k, parsed)
	}

	_, err := Kind(0).MarshalText()
	assert.Error(t, err)
	_, err = ParseKind("refunded")
	assert.Error(t, err)
}

func TestKind_Terminal(t *testing.T) {
	assert.False(t, KindReserved.Terminal())
	assert.True(t, KindCommitted.Terminal())
	assert.True(t, KindCanceled.Terminal())
	assert.True(t, KindPointsAdded.Terminal())
}
