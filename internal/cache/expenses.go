package cache

import (
	"strconv"
	"time"

	"ledger/internal/core"
)

// ExpenseListCache holds each user's full expense list, keyed by user id.
// Writers repair the cached list in place (append on create, remove on
// delete) rather than evicting it, so the next read never triggers a full
// reload stampede.
type ExpenseListCache struct {
	lru *LRUCache[[]core.Expense]
}

func NewExpenseListCache(maxUsers int, ttl time.Duration) *ExpenseListCache {
	return &ExpenseListCache{
		lru: NewLRUCache[[]core.Expense](maxUsers, ttl),
	}
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// Get returns a defensive copy of the user's cached list.
func (c *ExpenseListCache) Get(userID int64) ([]core.Expense, bool) {
	cached, ok := c.lru.Get(userKey(userID))
	if !ok {
		return nil, false
	}
	out := make([]core.Expense, len(cached))
	for i, e := range cached {
		out[i] = e.Clone()
	}
	return out, true
}

// Put replaces the user's cached list. The input is copied.
func (c *ExpenseListCache) Put(userID int64, expenses []core.Expense) {
	stored := make([]core.Expense, len(expenses))
	for i, e := range expenses {
		stored[i] = e.Clone()
	}
	c.lru.Set(userKey(userID), stored)
}

// Append adds freshly created rows to the cached list, if one exists.
// A miss is fine: the next read repopulates from storage.
func (c *ExpenseListCache) Append(userID int64, expenses ...core.Expense) {
	c.lru.Mutate(userKey(userID), func(list []core.Expense) []core.Expense {
		for _, e := range expenses {
			list = append(list, e.Clone())
		}
		return list
	})
}

// Remove drops rows by id from the cached list, if one exists.
func (c *ExpenseListCache) Remove(userID int64, ids ...int64) {
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	c.lru.Mutate(userKey(userID), func(list []core.Expense) []core.Expense {
		kept := list[:0]
		for _, e := range list {
			if _, gone := drop[e.ID]; !gone {
				kept = append(kept, e)
			}
		}
		return kept
	})
}

// Evict drops the user's cached list entirely. Used on updates, where the
// re-fetch from storage is authoritative anyway.
func (c *ExpenseListCache) Evict(userID int64) {
	c.lru.Delete(userKey(userID))
}

// CleanExpired implements Cleaner.
func (c *ExpenseListCache) CleanExpired() int {
	return c.lru.CleanExpired()
}

// Size returns the number of cached user lists.
func (c *ExpenseListCache) Size() int {
	return c.lru.Size()
}
