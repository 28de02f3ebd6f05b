// Package application 库存用例：缓存扣减账本、对账中继与漂移校正。
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/keys"
	"flashmart/internal/pkg/logger"
	"flashmart/internal/pkg/metrics"
	"flashmart/internal/pkg/mq"
	"flashmart/internal/pkg/redis"
	"flashmart/internal/service/inventory/domain"
)

// Reservation 一次库存扣减请求。Restore 时传入同一个 Reservation 即可得到逆操作。
type Reservation struct {
	Pool          domain.Pool
	ResourceID    int64
	Quantity      int
	CorrelationID string
	// Change 为 ChangeReserve 或 ChangeLock
	Change domain.ChangeType
	// Buyer 非空时同一个购买者只能扣减一次
	Buyer string
}

func (r Reservation) validate() error {
	if !r.Pool.Valid() {
		return bizerr.Validation("unknown pool %q", r.Pool)
	}
	if r.Quantity <= 0 {
		return bizerr.Validation("quantity must be positive, got %d", r.Quantity)
	}
	if r.ResourceID <= 0 || r.CorrelationID == "" {
		return bizerr.Validation("resource id and correlation id are required")
	}
	if !r.Change.Decrements() {
		return bizerr.Validation("reservation change must decrement, got %s", r.Change)
	}
	return nil
}

// Ledger 缓存侧库存账本。扣减与归还在 Redis 中原子完成，随后发布 InventoryDelta 交给中继落库。
// 发布失败时执行逆操作补偿，保证缓存与待同步的变更一致。
type Ledger struct {
	rdb    *redis.Client
	repo   domain.StockRepository
	pub    mq.Publisher
	topic  string
	tracer trace.Tracer
	now    func() time.Time
}

func NewLedger(rdb *redis.Client, repo domain.StockRepository, pub mq.Publisher, topic string, tracer trace.Tracer) (*Ledger, error) {
	for name, src := range map[string]string{
		reserveScriptName: reserveScript,
		restoreScriptName: restoreScript,
		casScriptName:     casScript,
	} {
		if err := rdb.LoadScriptFromContent(name, src); err != nil {
			return nil, fmt.Errorf("failed to load critical ledger script: %w", err)
		}
	}
	return &Ledger{rdb: rdb, repo: repo, pub: pub, topic: topic, tracer: tracer, now: time.Now}, nil
}

// Reserve 原子扣减。库存不足返回 ErrInsufficientStock，重复购买返回 ErrAlreadyPurchased，均不做任何修改。
func (l *Ledger) Reserve(ctx context.Context, r Reservation) error {
	ctx, span := l.tracer.Start(ctx, "ledger.Reserve", trace.WithAttributes(
		attribute.String("pool", string(r.Pool)),
		attribute.Int64("resource.id", r.ResourceID),
		attribute.Int("quantity", r.Quantity),
		attribute.String("correlation.id", r.CorrelationID),
	))
	defer span.End()

	if err := r.validate(); err != nil {
		return err
	}
	code, err := l.runReserve(ctx, r)
	if err == nil && code == codeMissing {
		// 计数器尚未预热
		if _, err = l.Warm(ctx, r.Pool, r.ResourceID); err == nil {
			code, err = l.runReserve(ctx, r)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve script failed")
		metrics.LedgerOps.WithLabelValues(string(r.Pool), string(r.Change), "error").Inc()
		return err
	}
	switch code {
	case codeInsufficient:
		metrics.LedgerOps.WithLabelValues(string(r.Pool), string(r.Change), "insufficient").Inc()
		span.AddEvent("InsufficientStock")
		return bizerr.ErrInsufficientStock
	case codeDuplicate:
		metrics.LedgerOps.WithLabelValues(string(r.Pool), string(r.Change), "duplicate").Inc()
		span.AddEvent("AlreadyPurchased")
		return bizerr.ErrAlreadyPurchased
	case codeMissing:
		return pkgerrors.Wrapf(bizerr.ErrNotFound, "%s counter %d", r.Pool, r.ResourceID)
	}
	span.SetAttributes(attribute.Int64("stock.left", code))

	if err := l.publish(ctx, r, r.Change); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish delta failed")
		l.compensate(ctx, r, restoreScriptName)
		metrics.LedgerOps.WithLabelValues(string(r.Pool), string(r.Change), "compensated").Inc()
		return pkgerrors.Wrap(err, "publish inventory delta")
	}
	metrics.LedgerOps.WithLabelValues(string(r.Pool), string(r.Change), "ok").Inc()
	return nil
}

// Restore 归还 Reserve 扣减的库存，发布逆向变更。
func (l *Ledger) Restore(ctx context.Context, r Reservation) error {
	change := r.Change.Inverse()
	ctx, span := l.tracer.Start(ctx, "ledger.Restore", trace.WithAttributes(
		attribute.String("pool", string(r.Pool)),
		attribute.Int64("resource.id", r.ResourceID),
		attribute.Int("quantity", r.Quantity),
		attribute.String("correlation.id", r.CorrelationID),
	))
	defer span.End()

	if err := r.validate(); err != nil {
		return err
	}
	keysArg := []string{keys.Counter(string(r.Pool), r.ResourceID), keys.Buyers(string(r.Pool), r.ResourceID)}
	if _, err := l.rdb.RunInt64Script(ctx, restoreScriptName, keysArg, r.Quantity, r.Buyer); err != nil {
		span.RecordError(err)
		metrics.LedgerOps.WithLabelValues(string(r.Pool), string(change), "error").Inc()
		return pkgerrors.Wrap(err, "restore stock in cache")
	}

	if err := l.publish(ctx, r, change); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish delta failed")
		l.compensate(ctx, r, reserveScriptName)
		metrics.LedgerOps.WithLabelValues(string(r.Pool), string(change), "compensated").Inc()
		return pkgerrors.Wrap(err, "publish inventory delta")
	}
	metrics.LedgerOps.WithLabelValues(string(r.Pool), string(change), "ok").Inc()
	return nil
}

// Warm 计数器不存在时用持久层的值初始化，已存在则不覆盖。返回计数器当前值。
func (l *Ledger) Warm(ctx context.Context, pool domain.Pool, id int64) (int, error) {
	snap, err := l.repo.Snapshot(ctx, pool, id)
	if err != nil {
		return 0, err
	}
	key := keys.Counter(string(pool), id)
	if _, err := l.rdb.GetClient().SetNX(ctx, key, snap.Quantity, 0).Result(); err != nil {
		return 0, pkgerrors.Wrapf(err, "warm %s", key)
	}
	return l.Available(ctx, pool, id)
}

// Available 读取缓存中的剩余量，计数器不存在时返回 ErrNotFound。
func (l *Ledger) Available(ctx context.Context, pool domain.Pool, id int64) (int, error) {
	v, err := l.rdb.GetClient().Get(ctx, keys.Counter(string(pool), id)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, pkgerrors.Wrapf(bizerr.ErrNotFound, "%s counter %d", pool, id)
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

// CompareAndSet 仅当计数器仍为 expected 时改写为 value。
func (l *Ledger) CompareAndSet(ctx context.Context, pool domain.Pool, id int64, expected, value int) (bool, error) {
	n, err := l.rdb.RunInt64Script(ctx, casScriptName, []string{keys.Counter(string(pool), id)}, strconv.Itoa(expected), value)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Ledger) runReserve(ctx context.Context, r Reservation) (int64, error) {
	keysArg := []string{keys.Counter(string(r.Pool), r.ResourceID), keys.Buyers(string(r.Pool), r.ResourceID)}
	return l.rdb.RunInt64Script(ctx, reserveScriptName, keysArg, r.Quantity, r.Buyer)
}

func (l *Ledger) publish(ctx context.Context, r Reservation, change domain.ChangeType) error {
	delta := domain.InventoryDelta{
		ResourceID:    r.ResourceID,
		Pool:          r.Pool,
		ChangeType:    change,
		Quantity:      r.Quantity,
		CorrelationID: r.CorrelationID,
		IsSeckill:     r.Pool == domain.PoolSeckill,
		OccurredAt:    l.now(),
	}
	payload, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	return l.pub.Publish(ctx, mq.Message{
		Topic: l.topic,
		Key:   []byte(delta.Key()),
		Value: payload,
		Headers: map[string]string{
			mq.HeaderRetryCount: "0",
		},
	})
}

// compensate 撤销已在缓存生效的操作，失败时按指数退避重试，最终失败由 StockSync 兜底。
func (l *Ledger) compensate(ctx context.Context, r Reservation, script string) {
	ctx = context.WithoutCancel(ctx)
	keysArg := []string{keys.Counter(string(r.Pool), r.ResourceID), keys.Buyers(string(r.Pool), r.ResourceID)}
	op := func() error {
		code, err := l.rdb.RunInt64Script(ctx, script, keysArg, r.Quantity, r.Buyer)
		if err != nil {
			return err
		}
		if code == codeInsufficient || code == codeDuplicate {
			// 反向扣减失败说明计数器已被并发消耗，无法安全回滚
			return backoff.Permanent(fmt.Errorf("compensation rejected by cache, code %d", code))
		}
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(200*time.Millisecond),
	), 3)
	if err := backoff.Retry(op, policy); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("pool", string(r.Pool)).
			Int64("resource_id", r.ResourceID).
			Str("correlation_id", r.CorrelationID).
			Msg("cache compensation failed, stock sync will reconcile")
		return
	}
	logger.Ctx(ctx).Warn().
		Str("pool", string(r.Pool)).
		Int64("resource_id", r.ResourceID).
		Str("correlation_id", r.CorrelationID).
		Msg("delta publish failed, cache operation compensated")
}
