package application_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/mq"
	"flashmart/internal/service/inventory/application"
	"flashmart/internal/service/inventory/domain"
	"flashmart/internal/service/inventory/infrastructure"
	"flashmart/internal/service/inventory/interfaces"
)

func publishDelta(t *testing.T, broker *mq.MemoryBroker, d domain.InventoryDelta) {
	t.Helper()
	payload, err := json.Marshal(d)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), mq.Message{Topic: deltaTopic, Key: []byte(d.Key()), Value: payload}))
}

func TestRelayIsIdempotentUnderRedelivery(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct(t, 1, 10, 0)
	d := domain.InventoryDelta{ResourceID: 1, Pool: domain.PoolStock, ChangeType: domain.ChangeReserve, Quantity: 2, CorrelationID: "A1"}

	publishDelta(t, env.broker, d)
	publishDelta(t, env.broker, d)
	env.relayAll()

	snap := env.snapshot(t, domain.PoolStock, 1)
	assert.Equal(t, 8, snap.Quantity)
	assert.Equal(t, int64(1), snap.Version)

	var logs []infrastructure.InventoryLogModel
	require.NoError(t, env.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, 10, logs[0].BeforeQty)
	assert.Equal(t, 8, logs[0].AfterQty)

	// 同一关联号的逆操作是另一条变更
	d.ChangeType = domain.ChangeRestore
	res, err := env.relay.Apply(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, application.ResultApplied, res)
	res, err = env.relay.Apply(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, application.ResultDuplicate, res)
	assert.Equal(t, 10, env.snapshot(t, domain.PoolStock, 1).Quantity)
}

func TestRelaySendsImpossibleDeltaToDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct(t, 1, 1, 0)
	publishDelta(t, env.broker, domain.InventoryDelta{ResourceID: 1, Pool: domain.PoolStock, ChangeType: domain.ChangeReserve, Quantity: 2, CorrelationID: "A1"})

	assert.Equal(t, 1, env.relayAll(), "permanent failures are not requeued")
	dlq := env.broker.Messages(deltaTopic + ".dlq")
	require.Len(t, dlq, 1)
	assert.Equal(t, deltaTopic, dlq[0].Header(mq.HeaderOriginalTopic))
	assert.Equal(t, 1, env.snapshot(t, domain.PoolStock, 1).Quantity)
}

func TestRelayRejectsMalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.broker.Publish(context.Background(), mq.Message{Topic: deltaTopic, Value: []byte("{not json")}))
	env.relayAll()
	assert.Len(t, env.broker.Messages(deltaTopic+".dlq"), 1)
}

func TestRelayCouponSupplyBounds(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.Create(&infrastructure.CouponStockModel{ID: 9, RemainingQuantity: 5, TotalQuantity: 5}).Error)
	ctx := context.Background()

	_, err := env.relay.Apply(ctx, domain.InventoryDelta{ResourceID: 9, Pool: domain.PoolCoupon, ChangeType: domain.ChangeRestore, Quantity: 1, CorrelationID: "uc-1"})
	assert.ErrorIs(t, err, domain.ErrExceedsTotal, "remaining cannot exceed total")
	assert.False(t, mq.IsPermanent(err), "the matching reserve may still be in flight")
	assert.Equal(t, 5, env.snapshot(t, domain.PoolCoupon, 9).Quantity)

	_, err = env.relay.Apply(ctx, domain.InventoryDelta{ResourceID: 9, Pool: domain.PoolCoupon, ChangeType: domain.ChangeReserve, Quantity: 1, CorrelationID: "uc-1"})
	require.NoError(t, err)
	snap := env.snapshot(t, domain.PoolCoupon, 9)
	assert.Equal(t, 4, snap.Quantity)
	assert.Equal(t, 5, snap.Total)
}

func TestRelayAppliesRestoreArrivingBeforeItsReserve(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.Create(&infrastructure.CouponStockModel{ID: 9, RemainingQuantity: 5, TotalQuantity: 5}).Error)

	publishDelta(t, env.broker, domain.InventoryDelta{ResourceID: 9, Pool: domain.PoolCoupon, ChangeType: domain.ChangeRestore, Quantity: 1, CorrelationID: "uc-1"})
	publishDelta(t, env.broker, domain.InventoryDelta{ResourceID: 9, Pool: domain.PoolCoupon, ChangeType: domain.ChangeReserve, Quantity: 1, CorrelationID: "uc-1"})

	assert.Equal(t, 3, env.relayAll(), "restore is requeued once behind its reserve")
	assert.Empty(t, env.broker.Messages(deltaTopic+".dlq"))
	snap := env.snapshot(t, domain.PoolCoupon, 9)
	assert.Equal(t, 5, snap.Quantity)
	assert.Equal(t, int64(2), snap.Version)

	var logs []infrastructure.InventoryLogModel
	require.NoError(t, env.db.Find(&logs).Error)
	assert.Len(t, logs, 2)
}

// conflictingRepo 让前 n 次条件更新都因版本不匹配而落空
type conflictingRepo struct {
	domain.StockRepository
	remaining *atomic.Int32
}

func (r conflictingRepo) Transaction(ctx context.Context, fn func(repo domain.StockRepository) error) error {
	return r.StockRepository.Transaction(ctx, func(tx domain.StockRepository) error {
		return fn(conflictingRepo{StockRepository: tx, remaining: r.remaining})
	})
}

func (r conflictingRepo) ReduceStock(ctx context.Context, pool domain.Pool, id int64, qty int, v int64) (int64, error) {
	if r.remaining.Add(-1) >= 0 {
		return 0, nil
	}
	return r.StockRepository.ReduceStock(ctx, pool, id, qty, v)
}

func TestRelayRetriesVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct(t, 1, 10, 0)
	remaining := &atomic.Int32{}
	remaining.Store(2)
	relay := application.NewRelay(conflictingRepo{StockRepository: env.repo, remaining: remaining}, otel.Tracer("t"), nil)

	res, err := relay.Apply(context.Background(), domain.InventoryDelta{ResourceID: 1, Pool: domain.PoolStock, ChangeType: domain.ChangeReserve, Quantity: 1, CorrelationID: "A1"})
	require.NoError(t, err)
	assert.Equal(t, application.ResultApplied, res)
	assert.Equal(t, 9, env.snapshot(t, domain.PoolStock, 1).Quantity)
}

func TestRelayExhaustedConflictsAreRequeuedThenDeadLettered(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct(t, 1, 10, 0)
	remaining := &atomic.Int32{}
	remaining.Store(1 << 20)
	relay := application.NewRelay(conflictingRepo{StockRepository: env.repo, remaining: remaining}, otel.Tracer("t"), nil)

	_, err := relay.Apply(context.Background(), domain.InventoryDelta{ResourceID: 1, Pool: domain.PoolStock, ChangeType: domain.ChangeReserve, Quantity: 1, CorrelationID: "A0"})
	assert.ErrorIs(t, err, bizerr.ErrVersionConflict)
	assert.False(t, mq.IsPermanent(err))

	consumer := mq.NewConsumer("relay", env.broker.Subscribe(deltaTopic), interfaces.NewDeltaHandler(relay), mq.NewFailureHandler(env.broker, mq.DefaultMaxRetries))
	publishDelta(t, env.broker, domain.InventoryDelta{ResourceID: 1, Pool: domain.PoolStock, ChangeType: domain.ChangeReserve, Quantity: 1, CorrelationID: "A1"})

	processed := env.broker.Deliver(context.Background(), deltaTopic, consumer.Handle)
	assert.Equal(t, 4, processed, "first delivery plus three requeues")
	dlq := env.broker.Messages(deltaTopic + ".dlq")
	require.Len(t, dlq, 1)
	assert.Equal(t, "3", dlq[0].Header(mq.HeaderRetryCount))
	assert.Equal(t, 10, env.snapshot(t, domain.PoolStock, 1).Quantity)
}
