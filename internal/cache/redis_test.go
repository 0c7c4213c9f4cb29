// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) Cache {
	t.Helper()
	srv := miniredis.RunT(t)
	c, err := NewRedisCache(RedisConfig{Addr: srv.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.(*RedisCache).Close() })
	return c
}

func TestRedisCache_SetGet(t *testing.T) {
	c := newRedisCache(t)
	c.Set("puppet:12345", map[string]any{"name": "Bob"}, time.Minute)

	v, ok := c.Get("puppet:12345")
	require.True(t, ok)
	m, ok := v.(map[string]any)
	require.True(t, ok, "redis values round-trip through JSON")
	assert.Equal(t, "Bob", m["name"])
}

func TestRedisCache_MissAndDelete(t *testing.T) {
	c := newRedisCache(t)

	_, ok := c.Get("absent")
	assert.False(t, ok)

	c.Set("k", "v", time.Minute)
	c.Delete("k")
	_, ok = c.Get("k")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Sets)
	assert.GreaterOrEqual(t, stats.Misses, int64(2))
}

func TestNewRedisCache_ConnectionFailure(t *testing.T) {
	_, err := NewRedisCache(RedisConfig{Addr: "127.0.0.1:1"}, zerolog.Nop())
	require.Error(t, err)
}
