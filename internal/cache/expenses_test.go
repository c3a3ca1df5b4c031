package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/core"
)

func expenseWithID(id int64) core.Expense {
	return core.Expense{
		ID:     id,
		UserID: 1,
		Date:   core.NewDate(2025, 3, 10),
		Detail: core.ExpenseDetail{Name: "x", Type: core.Loss, PaymentMethod: "cash"},
	}
}

func TestExpenseListCacheAppendInPlace(t *testing.T) {
	c := NewExpenseListCache(10, time.Minute)
	c.Put(1, []core.Expense{expenseWithID(1)})

	c.Append(1, expenseWithID(2), expenseWithID(3))

	list, ok := c.Get(1)
	require.True(t, ok)
	require.Len(t, list, 3)
	assert.Equal(t, int64(3), list[2].ID)
}

func TestExpenseListCacheAppendOnMissIsNoop(t *testing.T) {
	c := NewExpenseListCache(10, time.Minute)

	c.Append(7, expenseWithID(1))

	_, ok := c.Get(7)
	assert.False(t, ok, "append must not create an entry on miss")
}

func TestExpenseListCacheRemoveInPlace(t *testing.T) {
	c := NewExpenseListCache(10, time.Minute)
	c.Put(1, []core.Expense{expenseWithID(1), expenseWithID(2), expenseWithID(3)})

	c.Remove(1, 2)

	list, ok := c.Get(1)
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, int64(1), list[0].ID)
	assert.Equal(t, int64(3), list[1].ID)
}

func TestExpenseListCacheReturnsDefensiveCopy(t *testing.T) {
	c := NewExpenseListCache(10, time.Minute)
	c.Put(1, []core.Expense{expenseWithID(1)})

	first, ok := c.Get(1)
	require.True(t, ok)
	first[0].Detail.Name = "mutated"

	second, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "x", second[0].Detail.Name)
}

func TestExpenseListCacheEvict(t *testing.T) {
	c := NewExpenseListCache(10, time.Minute)
	c.Put(1, []core.Expense{expenseWithID(1)})

	c.Evict(1)

	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestLRUCacheTTLExpiry(t *testing.T) {
	c := NewLRUCache[string](10, 10*time.Millisecond)
	c.Set("k", "v")

	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestLRUCacheEvictsOldest(t *testing.T) {
	c := NewLRUCache[int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Size())
}

func TestLRUCacheMutateMissReturnsFalse(t *testing.T) {
	c := NewLRUCache[int](2, time.Minute)
	assert.False(t, c.Mutate("missing", func(v int) int { return v + 1 }))

	c.Set("k", 1)
	assert.True(t, c.Mutate("k", func(v int) int { return v + 1 }))
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}
