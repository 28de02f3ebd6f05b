package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/redis"
)

func newRedisMutex(t *testing.T) (*RedisMutex, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewFromUniversal(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	m, err := NewRedisMutex(rdb)
	require.NoError(t, err)
	return m, mr
}

func TestRedisMutexFailFast(t *testing.T) {
	m, _ := newRedisMutex(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "order:create:1", 5*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = m.Acquire(ctx, "order:create:1", 5*time.Second)
	assert.ErrorIs(t, err, ErrBusy)

	ok, err := m.Release(ctx, "order:create:1", token)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Acquire(ctx, "order:create:1", 5*time.Second)
	assert.NoError(t, err)
}

func TestRedisMutexExpiredOwnerCannotRelease(t *testing.T) {
	m, mr := newRedisMutex(t)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "pay:A1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := m.Acquire(ctx, "pay:A1", 5*time.Second)
	require.NoError(t, err)

	ok, err := m.Release(ctx, "pay:A1", stale)
	require.NoError(t, err)
	assert.False(t, ok, "stale holder must not delete the new owner's lock")

	_, err = m.Acquire(ctx, "pay:A1", 5*time.Second)
	assert.ErrorIs(t, err, ErrBusy)

	ok, err = m.Release(ctx, "pay:A1", fresh)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisMutexRejectsBadArguments(t *testing.T) {
	m, _ := newRedisMutex(t)
	_, err := m.Acquire(context.Background(), "x", 0)
	assert.ErrorIs(t, err, bizerr.ErrValidation)
	_, err = m.Acquire(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, bizerr.ErrValidation)
}

func TestWithLockExclusive(t *testing.T) {
	m, _ := newRedisMutex(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		entered atomic.Int32
		busy    atomic.Int32
		start   = make(chan struct{})
		release = make(chan struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := WithLock(ctx, m, "coupon:1:7", 5*time.Second, func(ctx context.Context) error {
				entered.Add(1)
				<-release
				return nil
			})
			if errors.Is(err, bizerr.ErrDuplicateSubmission) {
				busy.Add(1)
			}
		}()
	}
	close(start)
	// 等其余 goroutine 都撞锁失败后再放行持有者
	require.Eventually(t, func() bool { return busy.Load() == 7 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), entered.Load())

	// 锁已释放
	token, err := m.Acquire(ctx, "coupon:1:7", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestWithLockReleasesOnError(t *testing.T) {
	m, _ := newRedisMutex(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithLock(ctx, m, "k", time.Second, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = m.Acquire(ctx, "k", time.Second)
	assert.NoError(t, err)
}
