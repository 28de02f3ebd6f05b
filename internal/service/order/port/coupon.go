package port

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceFact 计算优惠所需的订单事实
type PriceFact struct {
	UserID    int64
	ProductID int64
	Quantity  int
	Subtotal  decimal.Decimal
}

// PriceQuote 优惠计算结果
type PriceQuote struct {
	Discount  decimal.Decimal
	Payable   decimal.Decimal
	CouponIDs []int64
}

// CouponService 是优惠券服务的出站端口
type CouponService interface {
	Quote(ctx context.Context, fact PriceFact, userCouponIDs []int64) (PriceQuote, error)
	Freeze(ctx context.Context, userID, userCouponID int64, orderNo string) error
	Use(ctx context.Context, userID, userCouponID int64, orderNo string) error
	Restore(ctx context.Context, userCouponID int64, orderNo string) error
}
