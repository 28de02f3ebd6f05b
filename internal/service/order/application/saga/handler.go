package saga

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"flashmart/internal/pkg/logger"
	"flashmart/internal/service/order/domain"
	"flashmart/internal/service/order/port"
)

// OrderContext 在下单流程中传递上下文数据。
// 每一步成功后登记自己的补偿，失败时按登记的逆序执行。
type OrderContext struct {
	Ctx    context.Context
	Order  *domain.Order
	Tracer trace.Tracer

	Stock    port.StockRequest
	TokenTTL time.Duration

	Repo      domain.OrderRepository
	Inventory port.InventoryService
	Coupons   port.CouponService
	Tokens    port.TokenStore
	Scheduler port.DelayScheduler
	Events    port.EventPublisher

	compensations []func(ctx context.Context)
	compLock      sync.Mutex
}

func (c *OrderContext) AddCompensation(comp func(ctx context.Context)) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	c.compensations = append([]func(context.Context){comp}, c.compensations...)
}

// TriggerCompensation 执行所有已登记的补偿。业务 ctx 可能已经取消，补偿使用独立的 ctx。
func (c *OrderContext) TriggerCompensation() {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	ctx := context.WithoutCancel(c.Ctx)
	logger.Ctx(ctx).Warn().Str("order_no", c.Order.OrderNo).Int("compensations", len(c.compensations)).Msg("executing saga compensations")
	for _, comp := range c.compensations {
		comp(ctx)
	}
	c.compensations = nil
}

type Handler interface {
	SetNext(handler Handler) Handler
	Handle(orderCtx *OrderContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(orderCtx *OrderContext) error {
	if h.next != nil {
		return h.next.Handle(orderCtx)
	}
	return nil
}

// Chain 依次串联处理器，返回链头
func Chain(first Handler, rest ...Handler) Handler {
	cur := first
	for _, h := range rest {
		cur = cur.SetNext(h)
	}
	return first
}

// Run 执行处理链，失败时触发补偿
func Run(chain Handler, orderCtx *OrderContext) error {
	if err := chain.Handle(orderCtx); err != nil {
		orderCtx.TriggerCompensation()
		return err
	}
	return nil
}
