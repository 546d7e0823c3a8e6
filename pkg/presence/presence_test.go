package presence

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheOnlineOffline(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)

	if c.IsOnline(ctx, "alice") {
		t.Fatalf("alice should start offline")
	}
	if err := c.SetOnline(ctx, "alice"); err != nil {
		t.Fatalf("set online: %v", err)
	}
	if !c.IsOnline(ctx, "alice") {
		t.Fatalf("alice should be online")
	}
	if err := c.SetOffline(ctx, "alice"); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	if c.IsOnline(ctx, "alice") {
		t.Fatalf("alice should be offline after disconnect")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)

	base := time.Now()
	now := base
	c.now = func() time.Time { return now }

	if err := c.SetOnline(ctx, "bob"); err != nil {
		t.Fatalf("set online: %v", err)
	}
	now = base.Add(30 * time.Second)
	if !c.IsOnline(ctx, "bob") {
		t.Fatalf("bob should still be online before expiry")
	}

	// A refresh pushes the expiry out from the current instant.
	if err := c.Refresh(ctx, "bob"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	now = base.Add(80 * time.Second)
	if !c.IsOnline(ctx, "bob") {
		t.Fatalf("bob should survive past the original expiry after refresh")
	}

	now = base.Add(3 * time.Minute)
	if c.IsOnline(ctx, "bob") {
		t.Fatalf("bob should fall offline once the mark expires")
	}
}

func TestRefreshReestablishesLapsedMark(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)

	base := time.Now()
	now := base
	c.now = func() time.Time { return now }

	if err := c.SetOnline(ctx, "carol"); err != nil {
		t.Fatalf("set online: %v", err)
	}

	// The mark lapses while the connection stays up; the next heartbeat
	// refresh must bring it back, not silently no-op.
	now = base.Add(2 * time.Minute)
	if c.IsOnline(ctx, "carol") {
		t.Fatalf("carol's mark should have expired")
	}
	if err := c.Refresh(ctx, "carol"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !c.IsOnline(ctx, "carol") {
		t.Fatalf("refresh should re-establish presence for a live connection")
	}
}

func TestMemoryCacheDefaultTTL(t *testing.T) {
	c := NewMemoryCache(0)
	if c.ttl != DefaultTTL {
		t.Fatalf("ttl = %v, want %v", c.ttl, DefaultTTL)
	}
}
