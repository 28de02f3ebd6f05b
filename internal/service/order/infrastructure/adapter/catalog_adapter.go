package adapter

import (
	"context"

	inventory "flashmart/internal/service/inventory/domain"
	"flashmart/internal/service/order/port"
)

// CatalogAdapter 从库存服务的商品表读取价格与秒杀窗口
type CatalogAdapter struct {
	repo inventory.StockRepository
}

var _ port.Catalog = (*CatalogAdapter)(nil)

func NewCatalogAdapter(repo inventory.StockRepository) *CatalogAdapter {
	return &CatalogAdapter{repo: repo}
}

func (a *CatalogAdapter) FindProduct(ctx context.Context, id int64) (*port.Product, error) {
	p, err := a.repo.FindProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	return &port.Product{
		ID:           p.ID,
		Price:        p.Price,
		SeckillPrice: p.SeckillPrice,
		SeckillStart: p.SeckillStart,
		SeckillEnd:   p.SeckillEnd,
	}, nil
}
