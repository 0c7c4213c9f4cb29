// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"testing"
	"time"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache(0)
	c.Set("profile:1", "alice", time.Minute)

	v, ok := c.Get("profile:1")
	if !ok || v != "alice" {
		t.Fatalf("expected hit with alice, got (%v, %v)", v, ok)
	}

	if _, ok := c.Get("profile:2"); ok {
		t.Fatal("expected miss for unknown key")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Sets != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(0)
	c.Set("ephemeral", 42, 1*time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("ephemeral"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestMemoryCache_DeleteAndClear(t *testing.T) {
	c := NewMemoryCache(0)
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("deleted key must miss")
	}

	c.Clear()
	if c.Stats().CurrentSize != 0 {
		t.Fatal("clear must empty the cache")
	}
}

func TestMemoryCache_JanitorEvicts(t *testing.T) {
	c := NewMemoryCache(5 * time.Millisecond).(*memoryCache)
	defer c.Stop()

	c.Set("gone", 1, 1*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	c.mu.RLock()
	_, present := c.entries["gone"]
	c.mu.RUnlock()
	if present {
		t.Fatal("janitor should have evicted the expired entry")
	}
}
