package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/avhall/leverbot/internal/domain"
)

// releaseLua deletes a lease key only if its value matches the caller's
// token, so a holder cannot release a lease it lost to TTL expiry.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// renewLua extends a lease's TTL only while the caller still holds it.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// SymbolLease implements domain.SymbolLease using SETNX with a TTL and
// Lua-based conditional renewal and release. Only one bot instance may trade
// a symbol at a time.
type SymbolLease struct {
	rdb       *redis.Client
	releaseSc *redis.Script
	renewSc   *redis.Script
}

// NewSymbolLease creates a SymbolLease backed by the given Client.
func NewSymbolLease(c *Client) *SymbolLease {
	return &SymbolLease{
		rdb:       c.Underlying(),
		releaseSc: redis.NewScript(releaseLua),
		renewSc:   redis.NewScript(renewLua),
	}
}

func leaseKey(symbol string) string {
	return "lease:levbot:" + symbol
}

// Acquire claims the symbol for ttl and returns a release function. A
// keepalive goroutine renews the claim at ttl/3 intervals until release is
// called, so the lease outlives ttl for a healthy holder and lapses shortly
// after a crash. It returns domain.ErrLeaseHeld while another instance holds
// the lease. The release function is safe to call more than once.
func (sl *SymbolLease) Acquire(ctx context.Context, symbol string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	key := leaseKey(symbol)

	ok, err := sl.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", symbol, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: symbol %s: %w", symbol, domain.ErrLeaseHeld)
	}

	stop := make(chan struct{})
	go sl.keepAlive(key, token, ttl, stop)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)

			// Background context so release works during shutdown, after the
			// caller's context is cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = sl.releaseSc.Run(releaseCtx, sl.rdb, []string{key}, token).Err()
		})
	}

	return release, nil
}

// keepAlive renews the lease until stop closes. A renewal that finds the
// lease gone stops early: the holder lost it to expiry and renewing a key
// now owned by another instance would break its exclusivity.
func (sl *SymbolLease) keepAlive(key, token string, ttl time.Duration, stop <-chan struct{}) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			res, err := sl.renewSc.Run(ctx, sl.rdb, []string{key}, token, ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && res == 0 {
				return
			}
		}
	}
}

// Compile-time interface check.
var _ domain.SymbolLease = (*SymbolLease)(nil)
