package presence

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a presence mark survives without a refresh.
// A crashed client that never disconnects cleanly falls offline once the
// mark expires.
const DefaultTTL = 5 * time.Minute

// Cache tracks which users currently hold a live connection. Lookups are
// advisory: a failed or stale read is treated as offline and the message
// takes the queued path instead.
type Cache interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	// Refresh extends the presence mark for an active user.
	Refresh(ctx context.Context, userID string) error
	// IsOnline never returns an error; on backend failure it reports
	// false so delivery degrades to the offline path.
	IsOnline(ctx context.Context, userID string) bool
}

// MemoryCache is a process-local presence cache with per-user expiry.
// Used for tests and single-node deployments without Redis.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache builds an in-process cache. A non-positive ttl falls
// back to DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		ttl:     ttl,
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (c *MemoryCache) SetOnline(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires[userID] = c.now().Add(c.ttl)
	return nil
}

func (c *MemoryCache) SetOffline(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expires, userID)
	return nil
}

func (c *MemoryCache) Refresh(ctx context.Context, userID string) error {
	return c.SetOnline(ctx, userID)
}

func (c *MemoryCache) IsOnline(_ context.Context, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.expires[userID]
	if !ok {
		return false
	}
	if c.now().After(exp) {
		delete(c.expires, userID)
		return false
	}
	return true
}
