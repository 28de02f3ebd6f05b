package saga

import (
	"context"

	"flashmart/internal/pkg/logger"
	"flashmart/internal/service/order/port"
)

// TokenHandler 签发确认令牌，绑定订单号、商品、数量与使用的券。
type TokenHandler struct {
	NextHandler
}

func (h *TokenHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.IssueConfirmToken")
	defer span.End()

	order := orderCtx.Order
	_, err := orderCtx.Tokens.Issue(ctx, port.ConfirmToken{
		OrderNo:   order.OrderNo,
		ProductID: order.ProductID,
		Quantity:  order.Quantity,
		CouponIDs: order.CouponIDs,
	}, orderCtx.TokenTTL)
	if err != nil {
		span.RecordError(err)
		return err
	}
	orderCtx.AddCompensation(func(compCtx context.Context) {
		if err := orderCtx.Tokens.Delete(compCtx, order.OrderNo); err != nil {
			logger.Ctx(compCtx).Warn().Err(err).Str("order_no", order.OrderNo).Msg("failed to delete confirm token")
		}
	})
	return h.executeNext(orderCtx)
}
