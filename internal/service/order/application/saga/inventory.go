package saga

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"flashmart/internal/pkg/logger"
)

// InventoryHandler 负责库存占用步骤。
type InventoryHandler struct {
	NextHandler
}

func (h *InventoryHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.InventoryReserve")
	defer span.End()

	req := orderCtx.Stock
	span.SetAttributes(
		attribute.Int64("product.id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
		attribute.Bool("seckill", req.Seckill),
	)
	if err := orderCtx.Inventory.ReserveStock(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inventory reservation failed")
		return err
	}

	orderCtx.AddCompensation(func(compCtx context.Context) {
		compCtx, compSpan := orderCtx.Tracer.Start(compCtx, "saga.compensation.ReleaseStock")
		defer compSpan.End()
		if err := orderCtx.Inventory.ReleaseStock(compCtx, req); err != nil {
			// 缓存未能归还，由库存对账任务兜底
			compSpan.RecordError(err)
			logger.Ctx(compCtx).Error().Err(err).Str("order_no", req.CorrelationID).Msg("failed to release stock during compensation")
		}
	})
	span.AddEvent("StockReserved")
	return h.executeNext(orderCtx)
}
