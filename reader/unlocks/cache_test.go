package unlocks

import (
	"testing"
	"time"
)

func TestResponseCacheHitAndExpiry(t *testing.T) {
	now := time.Now()
	c := newResponseCache(time.Hour)
	c.now = func() time.Time { return now }

	if _, ok := c.get("k"); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	c.set("k", []byte("value"))
	body, ok := c.get("k")
	if !ok || string(body) != "value" {
		t.Fatalf("expected hit, got %q ok=%v", body, ok)
	}

	now = now.Add(time.Hour + time.Second)
	if _, ok := c.get("k"); ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestResponseCachePurge(t *testing.T) {
	c := newResponseCache(time.Hour)
	c.set("k", []byte("value"))
	c.purge()
	if _, ok := c.get("k"); ok {
		t.Fatal("expected miss after purge")
	}
}

func TestResponseCacheDefaultTTL(t *testing.T) {
	c := newResponseCache(0)
	if c.ttl != time.Hour {
		t.Fatalf("default ttl = %v, want 1h", c.ttl)
	}
}
