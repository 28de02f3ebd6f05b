package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/lock"
	"flashmart/internal/pkg/logger"
	"flashmart/internal/pkg/metrics"
	"flashmart/internal/service/order/application/saga"
	"flashmart/internal/service/order/domain"
	"flashmart/internal/service/order/port"
)

const (
	ReasonTimeout = "timeout"
	ReasonExpired = "expired"

	defaultListLimit = 20
	maxListLimit     = 100
	closeBatchSize   = 100
)

// Dependencies 订单服务依赖的出站端口
type Dependencies struct {
	Repo      domain.OrderRepository
	Catalog   port.Catalog
	Inventory port.InventoryService
	Coupons   port.CouponService
	Tokens    port.TokenStore
	Scheduler port.DelayScheduler
	Events    port.EventPublisher
	Mutex     lock.Mutex
	IDs       port.IDGenerator
	Tracer    trace.Tracer
}

type Options struct {
	PaymentTimeout time.Duration
	// CloseGrace 兜底关单在支付截止后额外等待的时间
	CloseGrace time.Duration
	LockTTL    time.Duration
}

// OrderService 编排订单的完整生命周期：下单、支付、取消、超时、发货、收货。
type OrderService struct {
	Dependencies
	opts Options
	now  func() time.Time
}

func NewOrderService(deps Dependencies, opts Options) *OrderService {
	return &OrderService{Dependencies: deps, opts: opts, now: time.Now}
}

// SetClock 仅用于测试
func (s *OrderService) SetClock(now func() time.Time) {
	s.now = now
}

// Create 直接生成已支付订单（支付已在外部完成），库存扣减、券核销并发布支付事件。
func (s *OrderService) Create(ctx context.Context, req PlaceOrderRequest) (string, error) {
	ctx, span := s.Tracer.Start(ctx, "order.Create", requestAttrs(req))
	defer span.End()

	var orderNo string
	err := s.withUserLock(ctx, req.UserID, func(ctx context.Context) error {
		order, err := s.draft(ctx, req, false)
		if err != nil {
			return err
		}
		now := s.now()
		order.Status, order.PayStatus, order.PayTime = domain.StatusPaid, domain.PayPaid, now

		oc := s.newContext(ctx, order, true)
		chain := saga.Chain(&saga.InventoryHandler{}, &saga.CouponHandler{Consume: true}, &saga.CreateOrderHandler{}, &saga.PaidEventHandler{})
		if err := saga.Run(chain, oc); err != nil {
			return err
		}
		orderNo = order.OrderNo
		return nil
	})
	if err != nil {
		recordFailure(span, err, "create order failed")
		return "", err
	}
	metrics.OrderTransitions.WithLabelValues(string(domain.StatusPaid)).Inc()
	logger.Ctx(ctx).Info().Str("order_no", orderNo).Int64("user_id", req.UserID).Msg("settled order created")
	return orderNo, nil
}

// Confirm 生成待支付订单：锁定库存、冻结券、签发确认令牌并投递超时任务。
func (s *OrderService) Confirm(ctx context.Context, req PlaceOrderRequest) (string, error) {
	ctx, span := s.Tracer.Start(ctx, "order.Confirm", requestAttrs(req))
	defer span.End()

	var orderNo string
	err := s.withUserLock(ctx, req.UserID, func(ctx context.Context) error {
		order, err := s.draft(ctx, req, false)
		if err != nil {
			return err
		}
		if err := s.placePending(ctx, order); err != nil {
			return err
		}
		orderNo = order.OrderNo
		return nil
	})
	if err != nil {
		recordFailure(span, err, "confirm order failed")
		return "", err
	}
	logger.Ctx(ctx).Info().Str("order_no", orderNo).Int64("user_id", req.UserID).Msg("order confirmed, awaiting payment")
	return orderNo, nil
}

// SeckillOrder 秒杀下单：校验活动窗口，每个用户限购一次，按秒杀价生成待支付订单，不使用优惠券。
func (s *OrderService) SeckillOrder(ctx context.Context, userID, productID int64, quantity int) (string, error) {
	req := PlaceOrderRequest{UserID: userID, ProductID: productID, Quantity: quantity}
	ctx, span := s.Tracer.Start(ctx, "order.SeckillOrder", requestAttrs(req))
	defer span.End()

	var orderNo string
	err := s.withUserLock(ctx, userID, func(ctx context.Context) error {
		order, err := s.draft(ctx, req, true)
		if err != nil {
			return err
		}
		if err := s.placePending(ctx, order); err != nil {
			return err
		}
		orderNo = order.OrderNo
		return nil
	})
	if err != nil {
		recordFailure(span, err, "seckill order failed")
		return "", err
	}
	logger.Ctx(ctx).Info().Str("order_no", orderNo).Int64("user_id", userID).Int64("product_id", productID).Msg("seckill order placed")
	return orderNo, nil
}

// Pay 确认支付。超过支付截止时间的订单会被取消并返回 ErrTimeoutExpired。
func (s *OrderService) Pay(ctx context.Context, userID int64, orderNo, payType string) error {
	ctx, span := s.Tracer.Start(ctx, "order.Pay", trace.WithAttributes(
		attribute.String("order.no", orderNo),
		attribute.String("pay.type", payType),
	))
	defer span.End()

	if orderNo == "" || payType == "" {
		return bizerr.Validation("orderNo and payType are required")
	}
	err := lock.WithLock(ctx, s.Mutex, "order:pay:"+orderNo, s.opts.LockTTL, func(ctx context.Context) error {
		order, err := s.load(ctx, userID, orderNo)
		if err != nil {
			return err
		}
		if order.Status != domain.StatusPendingPay || order.PayStatus != domain.PayUnpaid {
			return bizerr.ErrOrderStateMismatch
		}
		now := s.now()
		if order.Expired(now) {
			if _, err := s.release(ctx, order, ReasonTimeout, domain.StatusCancelled); err != nil {
				return err
			}
			return bizerr.ErrTimeoutExpired
		}

		couponIDs := order.CouponIDs
		token, err := s.Tokens.Get(ctx, orderNo)
		if err != nil {
			return err
		}
		if token != nil {
			if !token.Matches(order) {
				logger.Ctx(ctx).Warn().Str("order_no", orderNo).Msg("confirm token does not match order")
				return bizerr.ErrOrderStateMismatch
			}
			couponIDs = token.CouponIDs
		}

		changed, err := s.Repo.Transition(ctx, orderNo,
			domain.Guard{Status: domain.StatusPendingPay, PayStatus: domain.PayUnpaid},
			domain.Patch{Status: domain.StatusPaid, PayStatus: domain.PayPaid, PayType: payType, PayTime: now})
		if err != nil {
			return err
		}
		if !changed {
			return bizerr.ErrOrderStateMismatch
		}
		order.Status, order.PayStatus, order.PayType, order.PayTime = domain.StatusPaid, domain.PayPaid, payType, now
		metrics.OrderTransitions.WithLabelValues(string(domain.StatusPaid)).Inc()

		for _, id := range couponIDs {
			if err := s.Coupons.Use(ctx, order.UserID, id, orderNo); err != nil {
				// 订单已支付，券状态由人工核对
				logger.Ctx(ctx).Error().Err(err).Str("order_no", orderNo).Int64("user_coupon_id", id).Msg("failed to consume coupon for paid order")
			}
		}
		if err := s.Events.PublishOrderPaid(ctx, domain.NewOrderPaidEvent(order)); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_no", orderNo).Msg("failed to publish order paid event")
		}
		if err := s.Tokens.Delete(ctx, orderNo); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("order_no", orderNo).Msg("failed to delete confirm token")
		}
		return nil
	})
	if err != nil {
		recordFailure(span, err, "pay order failed")
		return err
	}
	span.AddEvent("OrderPaid")
	logger.Ctx(ctx).Info().Str("order_no", orderNo).Str("pay_type", payType).Msg("order paid")
	return nil
}

// Cancel 取消待支付订单。对已取消或已支付的订单重复调用返回 Changed=false，不会重复归还资源。
func (s *OrderService) Cancel(ctx context.Context, userID int64, orderNo, reason string) (CancelResult, error) {
	ctx, span := s.Tracer.Start(ctx, "order.Cancel", trace.WithAttributes(
		attribute.String("order.no", orderNo),
		attribute.String("cancel.reason", reason),
	))
	defer span.End()

	order, err := s.load(ctx, userID, orderNo)
	if err != nil {
		recordFailure(span, err, "cancel order failed")
		return CancelResult{}, err
	}
	res, err := s.release(ctx, order, reason, domain.StatusCancelled)
	if err != nil {
		recordFailure(span, err, "cancel order failed")
		return CancelResult{}, err
	}
	span.SetAttributes(attribute.Bool("cancel.changed", res.Changed))
	return res, nil
}

// HandleTimeout 处理到期的支付超时任务，已支付或已取消的订单不做任何事。
func (s *OrderService) HandleTimeout(ctx context.Context, orderNo string) (CancelResult, error) {
	ctx, span := s.Tracer.Start(ctx, "order.HandleTimeout", trace.WithAttributes(attribute.String("order.no", orderNo)))
	defer span.End()

	order, err := s.Repo.FindByOrderNo(ctx, orderNo)
	if err != nil {
		recordFailure(span, err, "load order failed")
		return CancelResult{}, err
	}
	if order.Status != domain.StatusPendingPay {
		span.AddEvent("TimeoutIgnored")
		return CancelResult{OrderNo: orderNo, Status: order.Status}, nil
	}
	return s.release(ctx, order, ReasonTimeout, domain.StatusCancelled)
}

// CloseExpired 兜底关闭超过截止时间仍未支付的订单，覆盖延迟消息丢失的情况。
func (s *OrderService) CloseExpired(ctx context.Context) (int, error) {
	ctx, span := s.Tracer.Start(ctx, "order.CloseExpired")
	defer span.End()

	before := s.now().Add(-s.opts.CloseGrace)
	orders, err := s.Repo.ListExpiredPending(ctx, before, closeBatchSize)
	if err != nil {
		recordFailure(span, err, "list expired orders failed")
		return 0, err
	}
	closed := 0
	for _, o := range orders {
		res, err := s.release(ctx, o, ReasonExpired, domain.StatusClosed)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_no", o.OrderNo).Msg("failed to close expired order")
			continue
		}
		if res.Changed {
			closed++
		}
	}
	span.SetAttributes(attribute.Int("orders.closed", closed))
	if closed > 0 {
		logger.Ctx(ctx).Warn().Int("closed", closed).Msg("expired orders closed by backstop sweep")
	}
	return closed, nil
}

// Ship 已支付订单发货
func (s *OrderService) Ship(ctx context.Context, orderNo, trackingNo string) error {
	ctx, span := s.Tracer.Start(ctx, "order.Ship", trace.WithAttributes(attribute.String("order.no", orderNo)))
	defer span.End()

	if trackingNo == "" {
		return bizerr.Validation("trackingNo is required")
	}
	err := s.transition(ctx, 0, orderNo,
		domain.Guard{Status: domain.StatusPaid, PayStatus: domain.PayPaid},
		domain.Patch{Status: domain.StatusShipped, TrackingNo: trackingNo, ShipTime: s.now()})
	if err != nil {
		recordFailure(span, err, "ship order failed")
	}
	return err
}

// Receive 用户确认收货
func (s *OrderService) Receive(ctx context.Context, userID int64, orderNo string) error {
	ctx, span := s.Tracer.Start(ctx, "order.Receive", trace.WithAttributes(attribute.String("order.no", orderNo)))
	defer span.End()

	err := s.transition(ctx, userID, orderNo,
		domain.Guard{Status: domain.StatusShipped},
		domain.Patch{Status: domain.StatusCompleted, CompleteTime: s.now()})
	if err != nil {
		recordFailure(span, err, "receive order failed")
	}
	return err
}

func (s *OrderService) Get(ctx context.Context, userID int64, orderNo string) (*domain.Order, error) {
	return s.load(ctx, userID, orderNo)
}

func (s *OrderService) ListByUser(ctx context.Context, userID int64, offset, limit int) ([]*domain.Order, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.Repo.ListByUser(ctx, userID, offset, limit)
}

func (s *OrderService) withUserLock(ctx context.Context, userID int64, fn func(ctx context.Context) error) error {
	return lock.WithLock(ctx, s.Mutex, "order:submit:"+strconv.FormatInt(userID, 10), s.opts.LockTTL, fn)
}

// draft 校验请求并计算金额，生成尚未落库的订单
func (s *OrderService) draft(ctx context.Context, req PlaceOrderRequest, seckill bool) (*domain.Order, error) {
	if req.UserID <= 0 || req.ProductID <= 0 {
		return nil, bizerr.Validation("userId and productId are required")
	}
	if req.Quantity <= 0 {
		return nil, bizerr.Validation("quantity must be positive, got %d", req.Quantity)
	}
	product, err := s.Catalog.FindProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	price := product.Price
	if seckill {
		if !product.SeckillActive(now) {
			return nil, bizerr.ErrSeckillNotActive
		}
		price = product.SeckillPrice
	}
	subtotal := price.Mul(decimal.NewFromInt(int64(req.Quantity)))

	quote := port.PriceQuote{Payable: subtotal.Round(2), Discount: decimal.Zero}
	if !seckill && len(req.CouponIDs) > 0 {
		quote, err = s.Coupons.Quote(ctx, port.PriceFact{
			UserID:    req.UserID,
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			Subtotal:  subtotal,
		}, req.CouponIDs)
		if err != nil {
			return nil, err
		}
	}

	return &domain.Order{
		ID:             s.IDs.NextID(),
		OrderNo:        s.IDs.NextOrderNo(ctx),
		UserID:         req.UserID,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		IsSeckill:      seckill,
		OriginalAmount: subtotal.Round(2),
		DiscountAmount: quote.Discount.Round(2),
		PayAmount:      quote.Payable,
		PayStatus:      domain.PayUnpaid,
		CouponIDs:      quote.CouponIDs,
		CreatedAt:      now,
	}, nil
}

func (s *OrderService) placePending(ctx context.Context, order *domain.Order) error {
	order.Status = domain.StatusPendingPay
	order.ExpireTime = order.CreatedAt.Add(s.opts.PaymentTimeout)

	oc := s.newContext(ctx, order, false)
	chain := saga.Chain(&saga.InventoryHandler{}, &saga.CouponHandler{}, &saga.TokenHandler{}, &saga.CreateOrderHandler{}, &saga.ScheduleTimeoutHandler{})
	if err := saga.Run(chain, oc); err != nil {
		return err
	}
	metrics.OrderTransitions.WithLabelValues(string(domain.StatusPendingPay)).Inc()
	return nil
}

func (s *OrderService) newContext(ctx context.Context, order *domain.Order, settled bool) *saga.OrderContext {
	return &saga.OrderContext{
		Ctx:       ctx,
		Order:     order,
		Tracer:    s.Tracer,
		Stock:     stockRequest(order, settled),
		TokenTTL:  s.opts.PaymentTimeout,
		Repo:      s.Repo,
		Inventory: s.Inventory,
		Coupons:   s.Coupons,
		Tokens:    s.Tokens,
		Scheduler: s.Scheduler,
		Events:    s.Events,
	}
}

func stockRequest(order *domain.Order, settled bool) port.StockRequest {
	req := port.StockRequest{
		ProductID:     order.ProductID,
		Quantity:      order.Quantity,
		Seckill:       order.IsSeckill,
		Settled:       settled,
		CorrelationID: order.OrderNo,
	}
	if order.IsSeckill {
		req.Buyer = strconv.FormatInt(order.UserID, 10)
	}
	return req
}

// release 把待支付订单流转到 to（取消或关闭），并归还库存、优惠券与令牌。
// 条件更新失败说明订单已被支付或已被别人释放，此时不做任何归还。
func (s *OrderService) release(ctx context.Context, order *domain.Order, reason string, to domain.OrderStatus) (CancelResult, error) {
	res := CancelResult{OrderNo: order.OrderNo, Status: order.Status}
	if order.Status != domain.StatusPendingPay {
		return res, nil
	}
	changed, err := s.Repo.Transition(ctx, order.OrderNo,
		domain.Guard{Status: domain.StatusPendingPay, PayStatus: domain.PayUnpaid},
		domain.Patch{Status: to, CancelReason: reason, CancelTime: s.now()})
	if err != nil {
		return CancelResult{}, err
	}
	if !changed {
		current, err := s.Repo.FindByOrderNo(ctx, order.OrderNo)
		if err == nil {
			res.Status = current.Status
		}
		return res, nil
	}
	res.Changed, res.Status = true, to
	metrics.OrderTransitions.WithLabelValues(string(to)).Inc()

	// 状态已经落定，归还失败只能重试后告警，由对账任务兜底
	releaseCtx := context.WithoutCancel(ctx)
	stock := stockRequest(order, false)
	op := func() error { return s.Inventory.ReleaseStock(releaseCtx, stock) }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), releaseCtx)
	if err := backoff.Retry(op, policy); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("alert", "stock_release").Str("order_no", order.OrderNo).
			Msg("ALERT: failed to release stock for cancelled order")
	}
	for _, id := range order.CouponIDs {
		if err := s.Coupons.Restore(releaseCtx, id, order.OrderNo); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_no", order.OrderNo).Int64("user_coupon_id", id).Msg("failed to restore coupon for cancelled order")
		}
	}
	if err := s.Tokens.Delete(releaseCtx, order.OrderNo); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_no", order.OrderNo).Msg("failed to delete confirm token")
	}
	logger.Ctx(ctx).Info().Str("order_no", order.OrderNo).Str("reason", reason).Str("status", string(to)).Msg("order released")
	return res, nil
}

func (s *OrderService) transition(ctx context.Context, userID int64, orderNo string, guard domain.Guard, patch domain.Patch) error {
	if !domain.CanTransition(guard.Status, patch.Status) {
		return fmt.Errorf("illegal order transition %s -> %s", guard.Status, patch.Status)
	}
	if _, err := s.load(ctx, userID, orderNo); err != nil {
		return err
	}
	changed, err := s.Repo.Transition(ctx, orderNo, guard, patch)
	if err != nil {
		return err
	}
	if !changed {
		return bizerr.ErrOrderStateMismatch
	}
	metrics.OrderTransitions.WithLabelValues(string(patch.Status)).Inc()
	return nil
}

// load 查询订单，userID 非零时校验归属；不属于该用户的订单视为不存在
func (s *OrderService) load(ctx context.Context, userID int64, orderNo string) (*domain.Order, error) {
	if orderNo == "" {
		return nil, bizerr.Validation("orderNo is required")
	}
	order, err := s.Repo.FindByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if userID != 0 && order.UserID != userID {
		return nil, fmt.Errorf("order %s of another user: %w", orderNo, bizerr.ErrNotFound)
	}
	return order, nil
}

func requestAttrs(req PlaceOrderRequest) trace.SpanStartEventOption {
	return trace.WithAttributes(
		attribute.Int64("user.id", req.UserID),
		attribute.Int64("product.id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
		attribute.Int64Slice("coupon.ids", req.CouponIDs),
	)
}

// recordFailure 业务失败只记录事件，其他错误标记 span 为失败
func recordFailure(span trace.Span, err error, msg string) {
	span.RecordError(err)
	if _, ok := bizerr.CodeOf(err); ok && !errors.Is(err, bizerr.ErrVersionConflict) {
		return
	}
	span.SetStatus(codes.Error, msg)
}
