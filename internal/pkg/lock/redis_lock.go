package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flashmart/internal/pkg/keys"
	"flashmart/internal/pkg/metrics"
	"flashmart/internal/pkg/redis"
)

const releaseScriptName = "lock_release"

// 只有持有者才能删除
var releaseScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`

// RedisMutex 基于 SET NX PX 的互斥锁。
type RedisMutex struct {
	rdb *redis.Client
}

func NewRedisMutex(rdb *redis.Client) (*RedisMutex, error) {
	if err := rdb.LoadScriptFromContent(releaseScriptName, releaseScript); err != nil {
		return nil, fmt.Errorf("failed to load lock release script: %w", err)
	}
	return &RedisMutex{rdb: rdb}, nil
}

func (m *RedisMutex) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if err := validate(name, ttl); err != nil {
		return "", err
	}
	token := uuid.NewString()
	ok, err := m.rdb.GetClient().SetNX(ctx, keys.Lock(name), token, ttl).Result()
	if err != nil {
		metrics.LockAcquire.WithLabelValues("redis", "error").Inc()
		return "", err
	}
	if !ok {
		metrics.LockAcquire.WithLabelValues("redis", "busy").Inc()
		return "", ErrBusy
	}
	metrics.LockAcquire.WithLabelValues("redis", "ok").Inc()
	return token, nil
}

func (m *RedisMutex) Release(ctx context.Context, name, token string) (bool, error) {
	n, err := m.rdb.RunInt64Script(ctx, releaseScriptName, []string{keys.Lock(name)}, token)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
