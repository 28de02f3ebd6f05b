package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/service/inventory/domain"
)

// GormStockRepository 是 domain.StockRepository 的 GORM 实现
type GormStockRepository struct {
	db *gorm.DB
}

func NewGormStockRepository(db *gorm.DB) *GormStockRepository {
	return &GormStockRepository{db: db}
}

// poolTable 返回库存池对应的模型与数量列
func poolTable(pool domain.Pool) (any, string, error) {
	switch pool {
	case domain.PoolStock:
		return &ProductModel{}, "stock", nil
	case domain.PoolSeckill:
		return &ProductModel{}, "seckill_stock", nil
	case domain.PoolCoupon:
		return &CouponStockModel{}, "remaining_quantity", nil
	}
	return nil, "", fmt.Errorf("unknown pool %q", pool)
}

func (r *GormStockRepository) FindProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var m ProductModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrapf(bizerr.ErrNotFound, "product %d", id)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "find product %d", id)
	}
	return toDomainProduct(&m), nil
}

func (r *GormStockRepository) Snapshot(ctx context.Context, pool domain.Pool, id int64) (domain.Snapshot, error) {
	db := r.db.WithContext(ctx)
	switch pool {
	case domain.PoolStock, domain.PoolSeckill:
		var m ProductModel
		err := db.Select("id", "stock", "seckill_stock", "version").Where("id = ?", id).First(&m).Error
		if err != nil {
			return domain.Snapshot{}, wrapNotFound(err, pool, id)
		}
		qty := m.Stock
		if pool == domain.PoolSeckill {
			qty = m.SeckillStock
		}
		return domain.Snapshot{Quantity: qty, Total: -1, Version: m.Version}, nil
	case domain.PoolCoupon:
		var m CouponStockModel
		err := db.Where("id = ?", id).First(&m).Error
		if err != nil {
			return domain.Snapshot{}, wrapNotFound(err, pool, id)
		}
		return domain.Snapshot{Quantity: m.RemainingQuantity, Total: m.TotalQuantity, Version: m.Version}, nil
	}
	return domain.Snapshot{}, fmt.Errorf("unknown pool %q", pool)
}

func (r *GormStockRepository) ReduceStock(ctx context.Context, pool domain.Pool, id int64, qty int, expectedVersion int64) (int64, error) {
	model, col, err := poolTable(pool)
	if err != nil {
		return 0, err
	}
	res := r.db.WithContext(ctx).Model(model).
		Where("id = ? AND version = ? AND "+col+" >= ?", id, expectedVersion, qty).
		Updates(map[string]any{
			col:       gorm.Expr(col+" - ?", qty),
			"version": gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

func (r *GormStockRepository) RestoreStock(ctx context.Context, pool domain.Pool, id int64, qty int, expectedVersion int64) (int64, error) {
	model, col, err := poolTable(pool)
	if err != nil {
		return 0, err
	}
	db := r.db.WithContext(ctx).Model(model).Where("id = ? AND version = ?", id, expectedVersion)
	if pool == domain.PoolCoupon {
		// 归还后的剩余量不能超过发放总量
		db = db.Where("remaining_quantity + ? <= total_quantity", qty)
	}
	res := db.Updates(map[string]any{
		col:       gorm.Expr(col+" + ?", qty),
		"version": gorm.Expr("version + 1"),
	})
	return res.RowsAffected, res.Error
}

func (r *GormStockRepository) LogExists(ctx context.Context, key domain.LogKey) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&InventoryLogModel{}).
		Where("resource_id = ? AND pool = ? AND correlation_id = ? AND change_type = ?",
			key.ResourceID, string(key.Pool), key.CorrelationID, string(key.ChangeType)).
		Count(&n).Error
	return n > 0, err
}

func (r *GormStockRepository) AppendLog(ctx context.Context, log *domain.InventoryLog) error {
	m := InventoryLogModel{
		ResourceID:    log.ResourceID,
		Pool:          string(log.Pool),
		CorrelationID: log.CorrelationID,
		ChangeType:    string(log.ChangeType),
		Quantity:      log.Quantity,
		BeforeQty:     log.BeforeQty,
		AfterQty:      log.AfterQty,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	log.ID = m.ID
	log.CreatedAt = m.CreatedAt
	return nil
}

func (r *GormStockRepository) ListResources(ctx context.Context) ([]domain.ResourceRef, error) {
	var products []ProductModel
	if err := r.db.WithContext(ctx).Select("id", "stock", "seckill_stock", "version").Find(&products).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "list products")
	}
	var coupons []CouponStockModel
	if err := r.db.WithContext(ctx).Find(&coupons).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "list coupons")
	}
	refs := make([]domain.ResourceRef, 0, len(products)*2+len(coupons))
	for _, p := range products {
		refs = append(refs,
			domain.ResourceRef{Pool: domain.PoolStock, ID: p.ID, Quantity: p.Stock, Version: p.Version},
			domain.ResourceRef{Pool: domain.PoolSeckill, ID: p.ID, Quantity: p.SeckillStock, Version: p.Version},
		)
	}
	for _, c := range coupons {
		refs = append(refs, domain.ResourceRef{Pool: domain.PoolCoupon, ID: c.ID, Quantity: c.RemainingQuantity, Version: c.Version})
	}
	return refs, nil
}

func (r *GormStockRepository) Transaction(ctx context.Context, fn func(repo domain.StockRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStockRepository{db: tx})
	})
}

// SaveProduct 新增或覆盖商品，供运营后台与测试初始化数据
func (r *GormStockRepository) SaveProduct(ctx context.Context, p *domain.Product) error {
	m := ProductModel{
		ID:           p.ID,
		Name:         p.Name,
		Price:        p.Price,
		SeckillPrice: p.SeckillPrice,
		Stock:        p.Stock,
		SeckillStock: p.SeckillStock,
		SeckillStart: nullableTime(p.SeckillStart),
		SeckillEnd:   nullableTime(p.SeckillEnd),
		Version:      p.Version,
	}
	return r.db.WithContext(ctx).Save(&m).Error
}

func toDomainProduct(m *ProductModel) *domain.Product {
	p := &domain.Product{
		ID:           m.ID,
		Name:         m.Name,
		Price:        m.Price,
		SeckillPrice: m.SeckillPrice,
		Stock:        m.Stock,
		SeckillStock: m.SeckillStock,
		Version:      m.Version,
	}
	if m.SeckillStart != nil {
		p.SeckillStart = *m.SeckillStart
	}
	if m.SeckillEnd != nil {
		p.SeckillEnd = *m.SeckillEnd
	}
	return p
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func wrapNotFound(err error, pool domain.Pool, id int64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.Wrapf(bizerr.ErrNotFound, "%s %d", pool, id)
	}
	return pkgerrors.Wrapf(err, "snapshot %s %d", pool, id)
}
