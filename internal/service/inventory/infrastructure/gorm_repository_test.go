package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/service/inventory/domain"
	testioc "flashmart/internal/test/ioc"
)

func newRepo(t *testing.T) *GormStockRepository {
	t.Helper()
	db := testioc.InitDB(t)
	require.NoError(t, InitTables(db))
	require.NoError(t, db.AutoMigrate(&CouponStockModel{}))
	return NewGormStockRepository(db)
}

func TestProductRoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	start := time.Date(2026, 10, 1, 20, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveProduct(ctx, &domain.Product{
		ID: 7, Name: "phone", Price: decimal.RequireFromString("1999.00"), SeckillPrice: decimal.RequireFromString("999.00"),
		Stock: 5, SeckillStock: 2, SeckillStart: start, SeckillEnd: start.Add(time.Hour),
	}))

	p, err := repo.FindProduct(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "phone", p.Name)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("1999")))
	assert.True(t, p.SeckillStart.Equal(start))
	assert.Equal(t, 2, p.SeckillStock)

	_, err = repo.FindProduct(ctx, 8)
	assert.ErrorIs(t, err, bizerr.ErrNotFound)
	_, err = repo.Snapshot(ctx, domain.PoolCoupon, 8)
	assert.ErrorIs(t, err, bizerr.ErrNotFound)
}

func TestConditionalUpdatesHonorVersion(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveProduct(ctx, &domain.Product{ID: 1, Name: "p", Stock: 3}))

	rows, err := repo.ReduceStock(ctx, domain.PoolStock, 1, 1, 1)
	require.NoError(t, err)
	assert.Zero(t, rows, "stale version")

	rows, err = repo.ReduceStock(ctx, domain.PoolStock, 1, 4, 0)
	require.NoError(t, err)
	assert.Zero(t, rows, "not enough stock")

	rows, err = repo.ReduceStock(ctx, domain.PoolStock, 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	snap, err := repo.Snapshot(ctx, domain.PoolStock, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.Snapshot{Quantity: 1, Total: -1, Version: 1}, snap)

	rows, err = repo.RestoreStock(ctx, domain.PoolStock, 1, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
}

func TestCouponRestoreCappedByTotal(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.db.Create(&CouponStockModel{ID: 3, RemainingQuantity: 4, TotalQuantity: 5}).Error)

	rows, err := repo.RestoreStock(ctx, domain.PoolCoupon, 3, 2, 0)
	require.NoError(t, err)
	assert.Zero(t, rows)

	rows, err = repo.RestoreStock(ctx, domain.PoolCoupon, 3, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
}

func TestInventoryLogIsUnique(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	entry := &domain.InventoryLog{ResourceID: 1, Pool: domain.PoolStock, ChangeType: domain.ChangeReserve, Quantity: 1, CorrelationID: "A1"}
	require.NoError(t, repo.AppendLog(ctx, entry))
	assert.NotZero(t, entry.ID)

	ok, err := repo.LogExists(ctx, domain.LogKey{ResourceID: 1, Pool: domain.PoolStock, CorrelationID: "A1", ChangeType: domain.ChangeReserve})
	require.NoError(t, err)
	assert.True(t, ok)

	dup := *entry
	dup.ID = 0
	err = repo.AppendLog(ctx, &dup)
	require.Error(t, err)

	// 事务内返回错误时整体回滚
	sentinel := errors.New("boom")
	err = repo.Transaction(ctx, func(tx domain.StockRepository) error {
		require.NoError(t, tx.AppendLog(ctx, &domain.InventoryLog{ResourceID: 2, Pool: domain.PoolStock, ChangeType: domain.ChangeReserve, Quantity: 1, CorrelationID: "B1"}))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	ok, err = repo.LogExists(ctx, domain.LogKey{ResourceID: 2, Pool: domain.PoolStock, CorrelationID: "B1", ChangeType: domain.ChangeReserve})
	require.NoError(t, err)
	assert.False(t, ok)
}
