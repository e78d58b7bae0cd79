package billing

import (
	"context"
	"errors"

	"github.com/likhon-app/likhon/ledger"
)

// Client is the ledger adjustment client for one user: it requests balance
// deltas from the ledger service and propagates the authoritative result
// back into the balance cache. It never retries — a lost decrement must not
// silently compound, so retry policy belongs to the metering loop's caller.
type Client struct {
	svc    ledger.Service
	cache  *BalanceCache
	userID string
}

// NewClient wraps a ledger service and cache for the given user.
func NewClient(svc ledger.Service, cache *BalanceCache, userID string) *Client {
	return &Client{svc: svc, cache: cache, userID: userID}
}

// Balance returns the cached balance.
func (c *Client) Balance() int64 {
	return c.cache.Get()
}

// Refresh seeds the cache from the ledger's authoritative balance.
func (c *Client) Refresh(ctx context.Context) error {
	credits, err := c.svc.GetBalance(ctx, c.userID)
	if err != nil {
		return err
	}
	c.cache.Set(credits)
	return nil
}

// Adjust requests a signed balance delta. On success the cache is updated to
// the server-confirmed balance, never a locally guessed one. Failures pass
// through unchanged: ledger.ErrInsufficientCredits for a refused decrement,
// *ledger.LedgerError for transport faults.
func (c *Client) Adjust(ctx context.Context, delta int64, typ ledger.TransactionType, description string) (int64, error) {
	newBalance, err := c.svc.Adjust(ctx, c.userID, ledger.Adjustment{
		Delta:       delta,
		Type:        typ,
		Description: description,
	})
	if errors.Is(err, ledger.ErrInsufficientCredits) {
		// A refused decrement is itself a server-confirmed answer: the
		// balance is zero.
		c.cache.Set(0)
		return 0, err
	}
	if err != nil {
		return 0, err
	}
	c.cache.Set(newBalance)
	return newBalance, nil
}
