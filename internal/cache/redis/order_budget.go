package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// OrderBudget caps mutating exchange calls with a sliding window over a
// Redis sorted set, so the account-level ceiling survives restarts and is
// shared between instances. It satisfies the exchange client's budget
// interface.
type OrderBudget struct {
	rdb    *redis.Client
	script *redis.Script
	limit  int
	window time.Duration
}

// NewOrderBudget creates an OrderBudget allowing limit operations per window
// and per operation kind.
func NewOrderBudget(c *Client, limit int, window time.Duration) *OrderBudget {
	return &OrderBudget{
		rdb:    c.Underlying(),
		script: redis.NewScript(slidingWindowLua),
		limit:  limit,
		window: window,
	}
}

func budgetKey(op string) string {
	return "budget:levbot:" + op
}

// Allow reports whether one more operation fits the window. An allowed
// operation is counted immediately; the script runs atomically so two
// instances cannot both take the last slot.
func (ob *OrderBudget) Allow(ctx context.Context, op string) (bool, error) {
	now := time.Now().UnixMicro()

	res, err := ob.script.Run(
		ctx,
		ob.rdb,
		[]string{budgetKey(op)},
		now,
		ob.window.Microseconds(),
		ob.limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: order budget %s: %w", op, err)
	}
	if len(res) < 2 {
		return false, fmt.Errorf("redis: order budget %s: unexpected result length %d", op, len(res))
	}

	return res[0] == 1, nil
}
