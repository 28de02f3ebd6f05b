package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/bootstrap"
	"flashmart/internal/pkg/keys"
	"flashmart/internal/pkg/mq"
	"flashmart/internal/service/inventory/application"
	"flashmart/internal/service/inventory/domain"
	"flashmart/internal/service/inventory/infrastructure"
	"flashmart/internal/service/inventory/interfaces"
	testioc "flashmart/internal/test/ioc"
)

const deltaTopic = "stock.delta"

type testEnv struct {
	db       *gorm.DB
	repo     *infrastructure.GormStockRepository
	mr       *miniredis.Miniredis
	broker   *mq.MemoryBroker
	ledger   *application.Ledger
	relay    *application.Relay
	consumer *mq.Consumer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testioc.InitDB(t)
	require.NoError(t, infrastructure.InitTables(db))
	require.NoError(t, db.AutoMigrate(&infrastructure.CouponStockModel{}))
	repo := infrastructure.NewGormStockRepository(db)
	rdb, mr := testioc.InitRedis(t)
	broker := mq.NewMemoryBroker()
	tracer := otel.Tracer("inventory-test")

	ledger, err := application.NewLedger(rdb, repo, broker, deltaTopic, tracer)
	require.NoError(t, err)
	relay := application.NewRelay(repo, tracer, bootstrap.IsDuplicateKey)
	consumer := mq.NewConsumer("relay", broker.Subscribe(deltaTopic), interfaces.NewDeltaHandler(relay), mq.NewFailureHandler(broker, mq.DefaultMaxRetries))
	return &testEnv{db: db, repo: repo, mr: mr, broker: broker, ledger: ledger, relay: relay, consumer: consumer}
}

func (e *testEnv) seedProduct(t *testing.T, id int64, stock, seckill int) {
	t.Helper()
	require.NoError(t, e.repo.SaveProduct(context.Background(), &domain.Product{
		ID: id, Name: "p", Price: decimal.NewFromInt(100), SeckillPrice: decimal.NewFromInt(50),
		Stock: stock, SeckillStock: seckill,
	}))
}

func (e *testEnv) relayAll() int {
	return e.broker.Deliver(context.Background(), deltaTopic, e.consumer.Handle)
}

func (e *testEnv) snapshot(t *testing.T, pool domain.Pool, id int64) domain.Snapshot {
	t.Helper()
	s, err := e.repo.Snapshot(context.Background(), pool, id)
	require.NoError(t, err)
	return s
}

func reservation(id int64, corr string) application.Reservation {
	return application.Reservation{Pool: domain.PoolStock, ResourceID: id, Quantity: 1, CorrelationID: corr, Change: domain.ChangeReserve}
}

func TestReserveNeverOversells(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct(t, 1, 10, 0)
	ctx := context.Background()

	var (
		wg           sync.WaitGroup
		ok, rejected atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := env.ledger.Reserve(ctx, reservation(1, "order-"+string(rune('a'+i))))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, bizerr.ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(15), rejected.Load())
	left, err := env.ledger.Available(ctx, domain.PoolStock, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, left)
	assert.Len(t, env.broker.Messages(deltaTopic), 10)

	// 中继收敛后持久层与缓存一致，每次扣减版本加一
	assert.Equal(t, 10, env.relayAll())
	snap := env.snapshot(t, domain.PoolStock, 1)
	assert.Equal(t, 0, snap.Quantity)
	assert.Equal(t, int64(10), snap.Version)
	assert.Empty(t, env.broker.Messages(deltaTopic+".dlq"))
}

func TestEleventhReservationIsRejectedWithoutSideEffects(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct(t, 2, 10, 0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, env.ledger.Reserve(ctx, reservation(2, "c"+string(rune('0'+i)))))
	}
	err := env.ledger.Reserve(ctx, reservation(2, "c-11"))
	assert.ErrorIs(t, err, bizerr.ErrInsufficientStock)
	assert.Len(t, env.broker.Messages(deltaTopic), 10)

	got, err := env.mr.Get(keys.Counter("stock", 2))
	require.NoError(t, err)
	assert.Equal(t, "0", got)
}

func TestReserveCompensatesWhenPublishFails(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct(t, 3, 5, 0)
	ctx := context.Background()

	_, err := env.ledger.Warm(ctx, domain.PoolStock, 3)
	require.NoError(t, err)

	env.broker.FailPublish(func(mq.Message) error { return errors.New("broker down") })
	err = env.ledger.Reserve(ctx, reservation(3, "A1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, bizerr.ErrInsufficientStock)

	left, err := env.ledger.Available(ctx, domain.PoolStock, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, left, "cache decrement must be undone")
	assert.Empty(t, env.broker.Messages(deltaTopic))
}

func TestRestoreCompensatesWhenPublishFails(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct(t, 4, 5, 0)
	ctx := context.Background()
	r := reservation(4, "A1")
	require.NoError(t, env.ledger.Reserve(ctx, r))

	env.broker.FailPublish(func(mq.Message) error { return errors.New("broker down") })
	require.Error(t, env.ledger.Restore(ctx, r))

	left, err := env.ledger.Available(ctx, domain.PoolStock, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, left)
}

func TestSeckillOnePurchasePerBuyer(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct(t, 5, 0, 3)
	ctx := context.Background()
	r := application.Reservation{Pool: domain.PoolSeckill, ResourceID: 5, Quantity: 1, CorrelationID: "S1", Change: domain.ChangeLock, Buyer: "42"}

	require.NoError(t, env.ledger.Reserve(ctx, r))
	r2 := r
	r2.CorrelationID = "S2"
	assert.ErrorIs(t, env.ledger.Reserve(ctx, r2), bizerr.ErrAlreadyPurchased)

	require.NoError(t, env.ledger.Restore(ctx, r))
	require.NoError(t, env.ledger.Reserve(ctx, r2), "buyer may purchase again after restore")

	msgs := env.broker.Messages(deltaTopic)
	require.Len(t, msgs, 3)
	var d domain.InventoryDelta
	require.NoError(t, json.Unmarshal(msgs[1].Value, &d))
	assert.Equal(t, domain.ChangeRelease, d.ChangeType)
	assert.True(t, d.IsSeckill)
	assert.Equal(t, domain.PoolSeckill, d.Pool)

	env.relayAll()
	assert.Equal(t, 2, env.snapshot(t, domain.PoolSeckill, 5).Quantity)
}

func TestReserveUnknownProduct(t *testing.T) {
	env := newTestEnv(t)
	err := env.ledger.Reserve(context.Background(), reservation(404, "A1"))
	assert.ErrorIs(t, err, bizerr.ErrNotFound)
}

func TestReserveValidation(t *testing.T) {
	env := newTestEnv(t)
	r := reservation(1, "A1")
	r.Quantity = 0
	assert.ErrorIs(t, env.ledger.Reserve(context.Background(), r), bizerr.ErrValidation)
	r = reservation(1, "A1")
	r.Change = domain.ChangeRestore
	assert.ErrorIs(t, env.ledger.Reserve(context.Background(), r), bizerr.ErrValidation)
}
