package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

func TestCacheGetPutRoundTrip(t *testing.T) {
	c := NewCache(4)
	c.Put(1, 10, []byte("v1"))

	serial, data, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, ids.TID(10), serial)
	assert.Equal(t, []byte("v1"), data)
}

func TestCacheGetMissing(t *testing.T) {
	c := NewCache(4)
	_, _, ok := c.Get(99)
	assert.False(t, ok)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)
	c.Put(1, 1, []byte("a"))
	c.Put(2, 1, []byte("b"))
	// touch 1 so 2 becomes the least recently used
	_, _, _ = c.Get(1)
	c.Put(3, 1, []byte("c"))

	_, _, ok := c.Get(2)
	assert.False(t, ok, "least recently used entry should have been evicted")

	_, _, ok = c.Get(1)
	assert.True(t, ok)
	_, _, ok = c.Get(3)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCacheEvictUnconditional(t *testing.T) {
	c := NewCache(4)
	c.Evict(1) // no-op, never cached
	c.Put(1, 5, []byte("x"))
	c.Evict(1)
	_, _, ok := c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCachePutRefreshesExistingEntry(t *testing.T) {
	c := NewCache(4)
	c.Put(1, 10, []byte("old"))
	c.Put(1, 20, []byte("new"))

	serial, data, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, ids.TID(20), serial)
	assert.Equal(t, []byte("new"), data)
	assert.Equal(t, 1, c.Len())
}

func TestCacheUnboundedWhenCapacityNonPositive(t *testing.T) {
	c := NewCache(0)
	for oid := ids.OID(0); oid < 50; oid++ {
		c.Put(oid, 1, []byte("x"))
	}
	assert.Equal(t, 50, c.Len())
}
