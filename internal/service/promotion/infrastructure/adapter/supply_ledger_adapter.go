package adapter

import (
	"context"
	"strconv"

	inventoryapp "flashmart/internal/service/inventory/application"
	inventory "flashmart/internal/service/inventory/domain"
	"flashmart/internal/service/promotion/port"
)

// SupplyLedgerAdapter 把 port.SupplyLedger 适配到库存账本的 coupon 池
type SupplyLedgerAdapter struct {
	ledger *inventoryapp.Ledger
}

var _ port.SupplyLedger = (*SupplyLedgerAdapter)(nil)

func NewSupplyLedgerAdapter(ledger *inventoryapp.Ledger) *SupplyLedgerAdapter {
	return &SupplyLedgerAdapter{ledger: ledger}
}

func (a *SupplyLedgerAdapter) Reserve(ctx context.Context, couponID, userCouponID int64) error {
	return a.ledger.Reserve(ctx, grantReservation(couponID, userCouponID))
}

func (a *SupplyLedgerAdapter) Restore(ctx context.Context, couponID, userCouponID int64) error {
	return a.ledger.Restore(ctx, grantReservation(couponID, userCouponID))
}

func grantReservation(couponID, userCouponID int64) inventoryapp.Reservation {
	return inventoryapp.Reservation{
		Pool:          inventory.PoolCoupon,
		ResourceID:    couponID,
		Quantity:      1,
		CorrelationID: "uc-" + strconv.FormatInt(userCouponID, 10),
		Change:        inventory.ChangeReserve,
	}
}
