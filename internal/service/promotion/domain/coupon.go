package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"flashmart/internal/pkg/bizerr"
)

// DiscountType 优惠的计算方式
type DiscountType string

const (
	DiscountThreshold DiscountType = "THRESHOLD" // 满减
	DiscountRate      DiscountType = "RATE"      // 折扣，rate 为百分比
	DiscountFixed     DiscountType = "FIXED"     // 立减
)

func (t DiscountType) Valid() bool {
	switch t {
	case DiscountThreshold, DiscountRate, DiscountFixed:
		return true
	}
	return false
}

// Coupon 是优惠券模板，RemainingQuantity 由库存账本在缓存中扣减，异步回写。
type Coupon struct {
	ID           int64
	Name         string
	DiscountType DiscountType
	Threshold    decimal.Decimal
	Amount       decimal.Decimal
	Rate         decimal.Decimal
	// Condition 是可选的 CEL 表达式，变量为 userId、productId、quantity、subtotal
	Condition         string
	RemainingQuantity int
	TotalQuantity     int
	PerUserLimit      int
	ValidFrom         time.Time
	ValidTo           time.Time
	Version           int64
}

// InWindow 判断领取时间是否落在有效期内，区间左闭右开
func (c *Coupon) InWindow(now time.Time) bool {
	if !c.ValidFrom.IsZero() && now.Before(c.ValidFrom) {
		return false
	}
	if !c.ValidTo.IsZero() && !now.Before(c.ValidTo) {
		return false
	}
	return true
}

// Discount 计算单张券对小计的抵扣额，不满足门槛时为 0。
func (c *Coupon) Discount(subtotal decimal.Decimal) decimal.Decimal {
	switch c.DiscountType {
	case DiscountThreshold:
		if subtotal.GreaterThanOrEqual(c.Threshold) {
			return c.Amount
		}
	case DiscountRate:
		return subtotal.Mul(c.Rate).Div(decimal.NewFromInt(100))
	case DiscountFixed:
		return c.Amount
	}
	return decimal.Zero
}

// UserCouponStatus 用户券的生命周期状态。
// Frozen 表示被一笔待支付订单占用。
type UserCouponStatus string

const (
	StatusUnused  UserCouponStatus = "UNUSED"
	StatusFrozen  UserCouponStatus = "FROZEN"
	StatusUsed    UserCouponStatus = "USED"
	StatusExpired UserCouponStatus = "EXPIRED"
)

// UserCoupon 用户持有的一张券。有效期在领取时从模板复制。
type UserCoupon struct {
	ID        int64
	UserID    int64
	CouponID  int64
	Status    UserCouponStatus
	OrderNo   string
	ValidFrom time.Time
	ValidTo   time.Time
	UsedTime  time.Time
	CreatedAt time.Time
}

// Held 未过期且仍被用户占有（未使用或冻结）
func (uc *UserCoupon) Held(now time.Time) bool {
	return (uc.Status == StatusUnused || uc.Status == StatusFrozen) && now.Before(uc.ValidTo)
}

// Usable 判断这张券能否被 orderNo 对应的订单使用
func (uc *UserCoupon) Usable(userID int64, orderNo string, now time.Time) error {
	if uc.UserID != userID {
		return bizerr.ErrCouponUnavailable
	}
	if !now.Before(uc.ValidTo) || now.Before(uc.ValidFrom) {
		return bizerr.ErrCouponUnavailable
	}
	switch uc.Status {
	case StatusUnused:
		return nil
	case StatusFrozen:
		if orderNo != "" && uc.OrderNo == orderNo {
			return nil
		}
	}
	return bizerr.ErrCouponUnavailable
}

// Fact 是计算优惠时的订单事实
type Fact struct {
	UserID    int64
	ProductID int64
	Quantity  int
	Subtotal  decimal.Decimal
}

// ConditionEvaluator 评估券上的使用条件
type ConditionEvaluator interface {
	Evaluate(condition string, fact Fact) (bool, error)
}

// AppliedCoupon 一张券在某次报价中的抵扣
type AppliedCoupon struct {
	UserCouponID int64           `json:"userCouponId"`
	CouponID     int64           `json:"couponId"`
	Discount     decimal.Decimal `json:"discount"`
}

// Quote 报价结果。Payable = max(0, Subtotal - ΣDiscount)，保留两位小数
type Quote struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Payable  decimal.Decimal `json:"payable"`
	Applied  []AppliedCoupon `json:"applied"`
}

// Settle 汇总各券抵扣，得到应付金额
func Settle(subtotal decimal.Decimal, applied []AppliedCoupon) Quote {
	total := decimal.Zero
	for _, a := range applied {
		total = total.Add(a.Discount)
	}
	payable := subtotal.Sub(total)
	if payable.IsNegative() {
		payable = decimal.Zero
	}
	payable = payable.Round(2)
	return Quote{
		Subtotal: subtotal,
		Discount: subtotal.Sub(payable),
		Payable:  payable,
		Applied:  applied,
	}
}
