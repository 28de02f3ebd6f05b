package adapter

import (
	"context"

	inventoryapp "flashmart/internal/service/inventory/application"
	inventory "flashmart/internal/service/inventory/domain"
	"flashmart/internal/service/order/port"
)

// InventoryLedgerAdapter 实现 port.InventoryService，直接调用进程内的库存账本
type InventoryLedgerAdapter struct {
	ledger *inventoryapp.Ledger
}

var _ port.InventoryService = (*InventoryLedgerAdapter)(nil)

func NewInventoryLedgerAdapter(ledger *inventoryapp.Ledger) *InventoryLedgerAdapter {
	return &InventoryLedgerAdapter{ledger: ledger}
}

func (a *InventoryLedgerAdapter) ReserveStock(ctx context.Context, req port.StockRequest) error {
	return a.ledger.Reserve(ctx, toReservation(req))
}

func (a *InventoryLedgerAdapter) ReleaseStock(ctx context.Context, req port.StockRequest) error {
	return a.ledger.Restore(ctx, toReservation(req))
}

// toReservation 秒杀订单走 seckill 池；已支付订单 Reserve，待支付订单 Lock
func toReservation(req port.StockRequest) inventoryapp.Reservation {
	r := inventoryapp.Reservation{
		Pool:          inventory.PoolStock,
		ResourceID:    req.ProductID,
		Quantity:      req.Quantity,
		CorrelationID: req.CorrelationID,
		Change:        inventory.ChangeLock,
		Buyer:         req.Buyer,
	}
	if req.Seckill {
		r.Pool = inventory.PoolSeckill
	}
	if req.Settled {
		r.Change = inventory.ChangeReserve
	}
	return r
}
