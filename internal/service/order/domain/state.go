package domain

// OrderStatus 订单状态
type OrderStatus string

const (
	StatusPendingPay OrderStatus = "PENDING_PAY" // 已确认，等待支付
	StatusPaid       OrderStatus = "PAID"
	StatusCancelled  OrderStatus = "CANCELLED" // 用户取消或支付超时
	StatusClosed     OrderStatus = "CLOSED"    // 兜底任务关闭的超时订单
	StatusShipped    OrderStatus = "SHIPPED"
	StatusCompleted  OrderStatus = "COMPLETED"
)

// PayStatus 支付状态
type PayStatus string

const (
	PayUnpaid PayStatus = "UNPAID"
	PayPaid   PayStatus = "PAID"
)

var transitions = map[OrderStatus][]OrderStatus{
	StatusPendingPay: {StatusPaid, StatusCancelled, StatusClosed},
	StatusPaid:       {StatusShipped},
	StatusShipped:    {StatusCompleted},
}

// CanTransition 状态机是否允许 from → to
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Released 订单是否已释放占用的库存与优惠券
func (s OrderStatus) Released() bool {
	return s == StatusCancelled || s == StatusClosed
}
