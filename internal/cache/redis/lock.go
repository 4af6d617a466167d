package redis

import (
	"context"
	"fmt"
	"time"

	"ConsolLedger/internal/guard"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the key only while it still holds the caller's token, so
// a holder whose TTL lapsed cannot release a successor's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements guard.Locker with SETNX plus TTL.
type LockManager struct {
	rdb      *redis.Client
	prefix   string
	unlockSc *redis.Script
}

// NewLockManager namespaces every key under prefix, e.g. "consol:".
func NewLockManager(c *Client, prefix string) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		prefix:   prefix,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func (lm *LockManager) key(k string) string {
	return lm.prefix + "lock:" + k
}

// Acquire takes the lock for ttl. It returns guard.ErrLockHeld if another
// holder has it, this process included.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lm.key(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, guard.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true
		// the caller's context may already be cancelled
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
	}
	return unlock, nil
}

// Held reports whether any holder has the lock.
func (lm *LockManager) Held(ctx context.Context, key string) (bool, error) {
	n, err := lm.rdb.Exists(ctx, lm.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check lock %s: %w", key, err)
	}
	return n > 0, nil
}

var _ guard.Locker = (*LockManager)(nil)
