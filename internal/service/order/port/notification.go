package port

import (
	"context"

	"flashmart/internal/service/order/domain"
)

// EventPublisher 订单领域事件的出站端口
type EventPublisher interface {
	PublishOrderPaid(ctx context.Context, event domain.OrderPaidEvent) error
}
