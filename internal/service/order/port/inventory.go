package port

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Product 下单所需的商品信息
type Product struct {
	ID           int64
	Price        decimal.Decimal
	SeckillPrice decimal.Decimal
	SeckillStart time.Time
	SeckillEnd   time.Time
}

// SeckillActive 秒杀窗口左闭右开
func (p *Product) SeckillActive(now time.Time) bool {
	if p.SeckillStart.IsZero() || p.SeckillEnd.IsZero() {
		return false
	}
	return !now.Before(p.SeckillStart) && now.Before(p.SeckillEnd)
}

// Catalog 商品查询的出站端口
type Catalog interface {
	FindProduct(ctx context.Context, id int64) (*Product, error)
}

// StockRequest 一笔订单对库存的占用
type StockRequest struct {
	ProductID int64
	Quantity  int
	Seckill   bool
	// Settled 已支付订单直接扣减（Reserve），待支付订单锁定（Lock）
	Settled       bool
	CorrelationID string
	// Buyer 秒杀时用于限购
	Buyer string
}

// InventoryService 是库存账本的出站端口。ReleaseStock 传入与 ReserveStock 相同的请求。
type InventoryService interface {
	ReserveStock(ctx context.Context, req StockRequest) error
	ReleaseStock(ctx context.Context, req StockRequest) error
}
