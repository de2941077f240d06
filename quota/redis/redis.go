// Package redis provides the Redis-backed quota counter for multi-process
// deployments.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// The increment and the expiry have to land together or a crash between
// them leaves a counter that never resets.
var addScript = redis.NewScript(`
local total = redis.call("incrby", KEYS[1], ARGV[1])
if redis.call("pttl", KEYS[1]) < 0 then
	redis.call("pexpire", KEYS[1], ARGV[2])
end
return total`)

// Counter is a Redis-backed windowed counter: INCRBY with a PEXPIRE window
// started by the first increment.
type Counter struct {
	rdb *redis.Client
}

// New returns a counter over the given Redis connection.
func New(rdb *redis.Client) *Counter {
	return &Counter{rdb: rdb}
}

// Add increments key by amount within the window and returns the running
// total.
func (c *Counter) Add(ctx context.Context, key string, amount int64, window time.Duration) (int64, error) {
	total, err := addScript.Run(ctx, c.rdb, []string{key}, amount, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("quota: increment counter: %w", err)
	}
	return total, nil
}
