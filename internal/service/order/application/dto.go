package application

import (
	"time"

	"github.com/shopspring/decimal"

	"flashmart/internal/service/order/domain"
)

// PlaceOrderRequest 下单（create / confirm）请求
type PlaceOrderRequest struct {
	UserID    int64
	ProductID int64
	Quantity  int
	CouponIDs []int64
}

// CancelResult 取消结果。Changed 为 false 表示订单状态未变化（已取消或已支付）
type CancelResult struct {
	OrderNo string             `json:"orderNo"`
	Changed bool               `json:"changed"`
	Status  domain.OrderStatus `json:"status"`
}

// OrderView 订单对外视图
type OrderView struct {
	OrderNo        string          `json:"orderNo"`
	UserID         int64           `json:"userId"`
	ProductID      int64           `json:"productId"`
	Quantity       int             `json:"quantity"`
	IsSeckill      bool            `json:"isSeckill"`
	OriginalAmount decimal.Decimal `json:"originalAmount"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	PayAmount      decimal.Decimal `json:"payAmount"`
	OrderStatus    string          `json:"orderStatus"`
	PayStatus      string          `json:"payStatus"`
	PayType        string          `json:"payType,omitempty"`
	CouponIDs      []int64         `json:"couponIds"`
	CancelReason   string          `json:"cancelReason,omitempty"`
	TrackingNo     string          `json:"trackingNo,omitempty"`
	CreateTime     time.Time       `json:"createTime"`
	ExpireTime     *time.Time      `json:"expireTime,omitempty"`
	PayTime        *time.Time      `json:"payTime,omitempty"`
}

func NewOrderView(o *domain.Order) OrderView {
	v := OrderView{
		OrderNo:        o.OrderNo,
		UserID:         o.UserID,
		ProductID:      o.ProductID,
		Quantity:       o.Quantity,
		IsSeckill:      o.IsSeckill,
		OriginalAmount: o.OriginalAmount,
		DiscountAmount: o.DiscountAmount,
		PayAmount:      o.PayAmount,
		OrderStatus:    string(o.Status),
		PayStatus:      string(o.PayStatus),
		PayType:        o.PayType,
		CouponIDs:      o.CouponIDs,
		CancelReason:   o.CancelReason,
		TrackingNo:     o.TrackingNo,
		CreateTime:     o.CreatedAt,
	}
	if !o.ExpireTime.IsZero() {
		v.ExpireTime = &o.ExpireTime
	}
	if !o.PayTime.IsZero() {
		v.PayTime = &o.PayTime
	}
	return v
}
