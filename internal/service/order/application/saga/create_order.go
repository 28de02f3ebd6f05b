package saga

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"flashmart/internal/pkg/logger"
	"flashmart/internal/service/order/domain"
)

// CreateOrderHandler 负责持久化订单。
type CreateOrderHandler struct {
	NextHandler
}

func (h *CreateOrderHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.CreateOrder")
	defer span.End()

	order := orderCtx.Order
	span.SetAttributes(attribute.String("order.no", order.OrderNo), attribute.String("order.status", string(order.Status)))
	if err := orderCtx.Repo.Create(ctx, order); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist order failed")
		return err
	}
	span.AddEvent("OrderPersisted")
	return h.executeNext(orderCtx)
}

// ScheduleTimeoutHandler 投递支付超时检查任务。
// 投递失败不回滚订单，过期订单由兜底任务关闭。
type ScheduleTimeoutHandler struct {
	NextHandler
}

func (h *ScheduleTimeoutHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.SchedulePaymentTimeout")
	defer span.End()

	order := orderCtx.Order
	event := domain.OrderTimeoutEvent{
		TraceID:   trace.SpanFromContext(ctx).SpanContext().TraceID().String(),
		OrderNo:   order.OrderNo,
		UserID:    order.UserID,
		CreatedAt: order.CreatedAt,
		ExpireAt:  order.ExpireTime,
	}
	if err := orderCtx.Scheduler.SchedulePaymentTimeout(ctx, event, order.ExpireTime); err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Str("order_no", order.OrderNo).Msg("failed to schedule payment timeout, backstop sweep will close it")
	}
	return h.executeNext(orderCtx)
}

// PaidEventHandler 发布订单已支付事件。订单已落库，发布失败只记录。
type PaidEventHandler struct {
	NextHandler
}

func (h *PaidEventHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.PublishOrderPaid")
	defer span.End()

	order := orderCtx.Order
	if err := orderCtx.Events.PublishOrderPaid(ctx, domain.NewOrderPaidEvent(order)); err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Str("order_no", order.OrderNo).Msg("failed to publish order paid event")
	}
	return h.executeNext(orderCtx)
}
