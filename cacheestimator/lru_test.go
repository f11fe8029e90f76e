package cacheestimator

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrefixCache_PutThenGetHits(t *testing.T) {
	c := newPrefixCache()
	now := time.Now()
	c.put("h1", &prefixEntry{PrefixHash: "h1"}, now)
	entry, ok := c.get("h1", now)
	require.True(t, ok)
	require.Equal(t, "h1", entry.PrefixHash)
}

func TestPrefixCache_ExpiresAfterTTL(t *testing.T) {
	c := newPrefixCache()
	now := time.Now()
	c.put("h1", &prefixEntry{PrefixHash: "h1"}, now)
	_, ok := c.get("h1", now.Add(prefixCacheTTL+time.Second))
	require.False(t, ok)
}

func TestPrefixCache_EvictsOldestAtCapacity(t *testing.T) {
	c := newPrefixCache()
	now := time.Now()
	for i := 0; i < prefixCacheCapacity+1; i++ {
		c.put(strconv.Itoa(i), &prefixEntry{}, now)
	}
	require.LessOrEqual(t, c.len(), prefixCacheCapacity)
}

func TestAccountLRU_SameAccountReturnsSameCache(t *testing.T) {
	lru := newAccountLRU()
	now := time.Now()
	c1 := lru.forAccount("acct-1", now)
	c2 := lru.forAccount("acct-1", now)
	require.Same(t, c1, c2)
}

func TestAccountLRU_ExpiresAfterTTL(t *testing.T) {
	lru := newAccountLRU()
	now := time.Now()
	c1 := lru.forAccount("acct-1", now)
	c1.put("h", &prefixEntry{}, now)

	c2 := lru.forAccount("acct-1", now.Add(accountCacheTTL+time.Minute))
	require.NotSame(t, c1, c2)
	require.Zero(t, c2.len())
}
