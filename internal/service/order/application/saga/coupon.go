package saga

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"flashmart/internal/pkg/logger"
)

// CouponHandler 冻结（待支付）或直接核销（已支付）订单使用的券。
type CouponHandler struct {
	NextHandler
	// Consume 为 true 时直接核销
	Consume bool
}

func (h *CouponHandler) Handle(orderCtx *OrderContext) error {
	order := orderCtx.Order
	if len(order.CouponIDs) == 0 {
		return h.executeNext(orderCtx)
	}
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Coupons")
	defer span.End()
	span.SetAttributes(attribute.Int64Slice("user_coupon.ids", order.CouponIDs), attribute.Bool("consume", h.Consume))

	for _, id := range order.CouponIDs {
		var err error
		if h.Consume {
			err = orderCtx.Coupons.Use(ctx, order.UserID, id, order.OrderNo)
		} else {
			err = orderCtx.Coupons.Freeze(ctx, order.UserID, id, order.OrderNo)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "coupon step failed")
			return err
		}
		orderCtx.AddCompensation(func(compCtx context.Context) {
			if err := orderCtx.Coupons.Restore(compCtx, id, order.OrderNo); err != nil {
				logger.Ctx(compCtx).Error().Err(err).Int64("user_coupon_id", id).Str("order_no", order.OrderNo).Msg("failed to restore coupon during compensation")
			}
		})
	}
	return h.executeNext(orderCtx)
}
