package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order 是订单聚合的根实体
type Order struct {
	ID             int64
	OrderNo        string
	UserID         int64
	ProductID      int64
	Quantity       int
	IsSeckill      bool
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	PayAmount      decimal.Decimal
	Status         OrderStatus
	PayStatus      PayStatus
	PayType        string
	// CouponIDs 本单占用的用户券
	CouponIDs    []int64
	CancelReason string
	TrackingNo   string
	CreatedAt    time.Time
	ExpireTime   time.Time
	PayTime      time.Time
	CancelTime   time.Time
	ShipTime     time.Time
	CompleteTime time.Time
}

// Expired 待支付订单是否已过支付截止时间
func (o *Order) Expired(now time.Time) bool {
	return o.Status == StatusPendingPay && !o.ExpireTime.IsZero() && !now.Before(o.ExpireTime)
}

// Guard 条件更新的前置状态，零值字段不参与匹配
type Guard struct {
	Status    OrderStatus
	PayStatus PayStatus
}

// Patch 状态变更写入的字段，零值字段不修改
type Patch struct {
	Status       OrderStatus
	PayStatus    PayStatus
	PayType      string
	CancelReason string
	TrackingNo   string
	PayTime      time.Time
	CancelTime   time.Time
	ShipTime     time.Time
	CompleteTime time.Time
}
