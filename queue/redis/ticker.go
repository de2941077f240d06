package redis

import (
	"context"
	"time"

	"goa.design/pulse/pool"
)

// PoolTicker adapts a Pulse pool node into a TickerFactory. The pool hands
// each tick to exactly one node, so only one maintenance pass runs per
// interval across the cluster; the lock still guards against late ticks.
func PoolTicker(node *pool.Node) TickerFactory {
	return func(ctx context.Context, name string, interval time.Duration) (<-chan time.Time, func(), error) {
		ticker, err := node.NewTicker(ctx, name, interval)
		if err != nil {
			return nil, nil, err
		}
		out := make(chan time.Time, 1)
		done := make(chan struct{})
		go func() {
			defer close(out)
			for {
				select {
				case <-done:
					return
				case _, ok := <-ticker.C:
					if !ok {
						return
					}
					select {
					case out <- time.Now():
					default:
					}
				}
			}
		}()
		stop := func() {
			ticker.Stop()
			close(done)
		}
		return out, stop, nil
	}
}
