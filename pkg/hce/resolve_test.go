package hce

import (
	"context"
	"testing"
	"time"
)

func TestResolveLiteralAddressBypassesDNS(t *testing.T) {
	r := NewResolver()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	addr, err := r.Resolve(ctx, "192.0.2.10")
	if err != nil {
		t.Fatalf("Resolve literal: %v", err)
	}
	if addr.String() != "192.0.2.10" {
		t.Fatalf("addr = %s, want 192.0.2.10", addr)
	}
}

func TestResolveLiteralIPv6BypassesDNS(t *testing.T) {
	r := NewResolver()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	addr, err := r.Resolve(ctx, "::1")
	if err != nil {
		t.Fatalf("Resolve literal ipv6: %v", err)
	}
	if !addr.Is6() && !addr.Is4In6() {
		t.Fatalf("addr = %s, want ipv6", addr)
	}
}

func TestResolveCachesAnswer(t *testing.T) {
	r := NewResolver()
	r.cache["cached.example"] = resolveCacheEntry{
		addr:    mustAddr(t, "203.0.113.5"),
		expires: time.Now().Add(time.Minute),
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	addr, err := r.Resolve(ctx, "cached.example")
	if err != nil {
		t.Fatalf("Resolve cached: %v", err)
	}
	if addr.String() != "203.0.113.5" {
		t.Fatalf("addr = %s, want 203.0.113.5", addr)
	}
}

func TestResolveExpiredCacheEntryTriggersFreshLookup(t *testing.T) {
	r := NewResolver()
	r.cache["stale.example"] = resolveCacheEntry{
		addr:    mustAddr(t, "203.0.113.6"),
		expires: time.Now().Add(-time.Minute),
	}

	// An expired entry must not short-circuit Resolve: the cache-hit
	// branch requires time.Now().Before(e.expires), which is false here.
	// Assert on the guard, then check that Resolve does not hand back the
	// stale address; the fresh lookup of this reserved name fails or
	// answers differently whether or not the network is reachable.
	r.mu.Lock()
	e, ok := r.cache["stale.example"]
	r.mu.Unlock()
	if !ok {
		t.Fatalf("expected entry to still be present before lookup")
	}
	if time.Now().Before(e.expires) {
		t.Fatalf("test fixture entry should already be expired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if addr, err := r.Resolve(ctx, "stale.example"); err == nil && addr.String() == "203.0.113.6" {
		t.Fatal("Resolve returned the expired cache entry instead of doing a fresh lookup")
	}
}
