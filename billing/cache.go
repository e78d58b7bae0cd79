package billing

import "sync"

// BalanceCache mirrors the authenticated user's last server-confirmed credit
// balance so the metering loop can make a synchronous go/no-go decision
// without a network round trip on every tick. It is written only by the
// initial load and by the adjustment client's success path, so it never
// holds a locally predicted value.
type BalanceCache struct {
	mu      sync.RWMutex
	credits int64
}

// NewBalanceCache creates a cache seeded with the given balance.
func NewBalanceCache(credits int64) *BalanceCache {
	return &BalanceCache{credits: credits}
}

// Get returns the last known balance. Never blocks on I/O.
func (b *BalanceCache) Get() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.credits
}

// Set overwrites the cached balance with a server-confirmed value.
func (b *BalanceCache) Set(credits int64) {
	b.mu.Lock()
	b.credits = credits
	b.mu.Unlock()
}
