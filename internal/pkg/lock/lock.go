// Package lock 提供快速失败的分布式互斥锁。
//
// 锁带硬性 TTL，持有者崩溃后自动失效；释放时校验持有者令牌，
// 过期后被别人拿到的锁不会被旧持有者误删。获取失败立即返回 ErrBusy，不排队等待。
package lock

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/logger"
)

var ErrBusy = errors.New("lock is held by another owner")

// Mutex 分布式互斥锁。
type Mutex interface {
	// Acquire 成功时返回持有者令牌，锁已被占用时返回 ErrBusy。
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, error)
	// Release 仅当 token 仍是当前持有者时删除锁，返回是否真的删除。
	Release(ctx context.Context, name, token string) (bool, error)
}

// WithLock 在锁内执行 fn，所有路径都会释放锁。
// 锁被占用映射为 bizerr.ErrDuplicateSubmission。
func WithLock(ctx context.Context, m Mutex, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := m.Acquire(ctx, name, ttl)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return bizerr.ErrDuplicateSubmission
		}
		return pkgerrors.Wrapf(err, "acquire lock %s", name)
	}
	defer func() {
		// 业务 ctx 可能已取消，释放用独立的 ctx
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		released, rerr := m.Release(releaseCtx, name, token)
		if rerr != nil {
			logger.Ctx(ctx).Warn().Err(rerr).Str("lock", name).Msg("failed to release lock, it will expire by ttl")
			return
		}
		if !released {
			logger.Ctx(ctx).Warn().Str("lock", name).Msg("lock expired before release, critical section overran ttl")
		}
	}()
	return fn(ctx)
}

func validate(name string, ttl time.Duration) error {
	if name == "" {
		return bizerr.Validation("lock name is empty")
	}
	if ttl <= 0 {
		return bizerr.Validation("lock ttl must be positive, got %s", ttl)
	}
	return nil
}
