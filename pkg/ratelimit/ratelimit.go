package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter that
// meters burst traffic per quota identity, one unit per model call, over
// a one-minute window. It guards against request floods; daily quotas
// are enforced separately.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, callsPerMinute int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(callsPerMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func (l *Limiter) Allow(ctx context.Context, identity string, calls int) (bool, error) {
	key := fmt.Sprintf("burst:identity:%s", identity)
	res, err := l.store.AllowN(ctx, key, calls)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, identity string) (*extratelimit.Result, error) {
	key := fmt.Sprintf("burst:identity:%s", identity)
	return l.store.Status(ctx, key)
}
