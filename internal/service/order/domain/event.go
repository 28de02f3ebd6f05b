package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderPaidEvent 支付完成后发布，下游据此创建发货单
type OrderPaidEvent struct {
	OrderNo   string          `json:"orderNo"`
	UserID    int64           `json:"userId"`
	ProductID int64           `json:"productId"`
	Quantity  int             `json:"quantity"`
	PayAmount decimal.Decimal `json:"payAmount"`
	PayType   string          `json:"payType"`
	PaidAt    time.Time       `json:"paidAt"`
}

// OrderTimeoutEvent 延迟投递的支付超时检查任务
type OrderTimeoutEvent struct {
	TraceID   string    `json:"traceId"`
	OrderNo   string    `json:"orderNo"`
	UserID    int64     `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpireAt  time.Time `json:"expireAt"`
}

func NewOrderPaidEvent(o *Order) OrderPaidEvent {
	return OrderPaidEvent{
		OrderNo:   o.OrderNo,
		UserID:    o.UserID,
		ProductID: o.ProductID,
		Quantity:  o.Quantity,
		PayAmount: o.PayAmount,
		PayType:   o.PayType,
		PaidAt:    o.PayTime,
	}
}
