package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/logger"
	"flashmart/internal/pkg/mq"
	"flashmart/internal/service/order/application"
	"flashmart/internal/service/order/domain"
)

// NewOrderTimeoutHandler 消费延迟调度器转发来的支付超时任务。
// 订单不存在或消息体非法时重试没有意义，直接进入死信。
func NewOrderTimeoutHandler(service *application.OrderService) mq.Handler {
	return func(ctx context.Context, msg mq.Message) error {
		var event domain.OrderTimeoutEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return mq.Permanent(fmt.Errorf("unmarshal order timeout event: %w", err))
		}
		if event.OrderNo == "" {
			return mq.Permanent(errors.New("order timeout event without orderNo"))
		}

		res, err := service.HandleTimeout(ctx, event.OrderNo)
		if errors.Is(err, bizerr.ErrNotFound) {
			return mq.Permanent(err)
		}
		if err != nil {
			return err
		}
		logger.Ctx(ctx).Info().
			Str("order_no", event.OrderNo).
			Bool("changed", res.Changed).
			Str("status", string(res.Status)).
			Msg("payment timeout handled")
		return nil
	}
}
