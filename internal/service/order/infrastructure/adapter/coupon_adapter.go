package adapter

import (
	"context"

	"flashmart/internal/service/order/port"
	promotionapp "flashmart/internal/service/promotion/application"
	promotion "flashmart/internal/service/promotion/domain"
)

// CouponAdapter 实现 port.CouponService，委托给优惠券应用服务
type CouponAdapter struct {
	svc *promotionapp.CouponService
}

var _ port.CouponService = (*CouponAdapter)(nil)

func NewCouponAdapter(svc *promotionapp.CouponService) *CouponAdapter {
	return &CouponAdapter{svc: svc}
}

func (a *CouponAdapter) Quote(ctx context.Context, fact port.PriceFact, userCouponIDs []int64) (port.PriceQuote, error) {
	q, err := a.svc.Quote(ctx, fact.UserID, userCouponIDs, promotion.Fact{
		UserID:    fact.UserID,
		ProductID: fact.ProductID,
		Quantity:  fact.Quantity,
		Subtotal:  fact.Subtotal,
	})
	if err != nil {
		return port.PriceQuote{}, err
	}
	ids := make([]int64, 0, len(q.Applied))
	for _, applied := range q.Applied {
		ids = append(ids, applied.UserCouponID)
	}
	return port.PriceQuote{Discount: q.Discount, Payable: q.Payable, CouponIDs: ids}, nil
}

func (a *CouponAdapter) Freeze(ctx context.Context, userID, userCouponID int64, orderNo string) error {
	return a.svc.Freeze(ctx, userID, userCouponID, orderNo)
}

func (a *CouponAdapter) Use(ctx context.Context, userID, userCouponID int64, orderNo string) error {
	return a.svc.Use(ctx, userID, userCouponID, orderNo)
}

func (a *CouponAdapter) Restore(ctx context.Context, userCouponID int64, orderNo string) error {
	return a.svc.Restore(ctx, userCouponID, orderNo)
}
