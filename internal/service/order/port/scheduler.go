package port

import (
	"context"
	"time"

	"flashmart/internal/service/order/domain"
)

// DelayScheduler 是延迟任务调度器的出站端口。
type DelayScheduler interface {
	// SchedulePaymentTimeout 安排一个在 deliverAt 执行的订单支付超时检查任务。
	SchedulePaymentTimeout(ctx context.Context, event domain.OrderTimeoutEvent, deliverAt time.Time) error
}
