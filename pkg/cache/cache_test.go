package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache_SetGet(t *testing.T) {
	c := New(time.Minute)
	c.Set("BTC/USDT", "42000")

	v, ok := c.Get("BTC/USDT")
	assert.True(t, ok)
	assert.Equal(t, "42000", v)

	_, ok = c.Get("ETH/USDT")
	assert.False(t, ok)
}

func TestTTLCache_Expiry(t *testing.T) {
	c := New(30 * time.Second)
	base := time.Now()
	c.SetClock(func() time.Time { return base })
	c.Set("balance:1", 100)

	c.SetClock(func() time.Time { return base.Add(29 * time.Second) })
	_, ok := c.Get("balance:1")
	assert.True(t, ok)

	c.SetClock(func() time.Time { return base.Add(31 * time.Second) })
	_, ok = c.Get("balance:1")
	assert.False(t, ok)

	// Expired entries are removed on read.
	_, ok = c.Get("balance:1")
	assert.False(t, ok)
}

func TestTTLCache_RemoveAndClear(t *testing.T) {
	c := New(time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Remove("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	_, ok = c.Get("b")
	assert.False(t, ok)
}
