package application_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/delay"
	"flashmart/internal/pkg/idgen"
	"flashmart/internal/pkg/lock"
	"flashmart/internal/pkg/mq"
	inventoryapp "flashmart/internal/service/inventory/application"
	inventory "flashmart/internal/service/inventory/domain"
	inventoryinfra "flashmart/internal/service/inventory/infrastructure"
	"flashmart/internal/service/order/application"
	"flashmart/internal/service/order/domain"
	"flashmart/internal/service/order/infrastructure"
	"flashmart/internal/service/order/infrastructure/adapter"
	"flashmart/internal/service/order/interfaces"
	"flashmart/internal/service/order/port"
	promotionapp "flashmart/internal/service/promotion/application"
	promotion "flashmart/internal/service/promotion/domain"
	promotioninfra "flashmart/internal/service/promotion/infrastructure"
	promotionadapter "flashmart/internal/service/promotion/infrastructure/adapter"
	"flashmart/internal/service/promotion/infrastructure/rule"
	testioc "flashmart/internal/test/ioc"
)

const (
	deltaTopic   = "stock.delta"
	paidTopic    = "order.paid"
	timeoutTopic = "order.timeout"
	delayTopic   = "delay.order-timeout"

	productID int64 = 100
	couponID  int64 = 9
)

var start = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

type OrderServiceSuite struct {
	suite.Suite
	now        time.Time
	broker     *mq.MemoryBroker
	mutex      lock.Mutex
	ledger     *inventoryapp.Ledger
	stockRepo  *inventoryinfra.GormStockRepository
	repo       *infrastructure.GormOrderRepository
	coupons    *promotionapp.CouponService
	couponRepo *promotioninfra.GormCouponRepository
	tokens     *adapter.TokenRedisAdapter
	scheduler  *delay.Scheduler
	svc        *application.OrderService
}

func TestOrderService(t *testing.T) {
	suite.Run(t, new(OrderServiceSuite))
}

func (s *OrderServiceSuite) SetupTest() {
	t := s.T()
	s.now = start
	clock := func() time.Time { return s.now }

	db := testioc.InitDB(t)
	require.NoError(t, inventoryinfra.InitTables(db))
	require.NoError(t, promotioninfra.InitTables(db))
	require.NoError(t, infrastructure.InitTables(db))
	rdb, _ := testioc.InitRedis(t)
	s.broker = mq.NewMemoryBroker()
	s.broker.SetClock(clock)
	tracer := otel.Tracer("order-test")

	s.stockRepo = inventoryinfra.NewGormStockRepository(db)
	ledger, err := inventoryapp.NewLedger(rdb, s.stockRepo, s.broker, deltaTopic, tracer)
	require.NoError(t, err)
	s.ledger = ledger
	mutex, err := lock.NewRedisMutex(rdb)
	require.NoError(t, err)
	s.mutex = mutex
	ids, err := idgen.New(1, rdb.GetClient())
	require.NoError(t, err)
	ids.SetClock(clock)
	evaluator, err := rule.NewCELEvaluator()
	require.NoError(t, err)

	s.couponRepo = promotioninfra.NewGormCouponRepository(db)
	s.coupons = promotionapp.NewCouponService(s.couponRepo, promotionadapter.NewSupplyLedgerAdapter(ledger), mutex, 5*time.Second, ids, evaluator, tracer)
	s.coupons.SetClock(clock)

	s.tokens = adapter.NewTokenRedisAdapter(rdb.GetClient())
	s.repo = infrastructure.NewGormOrderRepository(db)
	s.svc = application.NewOrderService(application.Dependencies{
		Repo:      s.repo,
		Catalog:   adapter.NewCatalogAdapter(s.stockRepo),
		Inventory: adapter.NewInventoryLedgerAdapter(ledger),
		Coupons:   adapter.NewCouponAdapter(s.coupons),
		Tokens:    s.tokens,
		Scheduler: adapter.NewSchedulerKafkaAdapter(delay.NewProducer(s.broker, delayTopic), timeoutTopic),
		Events:    adapter.NewNotificationKafkaAdapter(s.broker, paidTopic),
		Mutex:     mutex,
		IDs:       ids,
		Tracer:    tracer,
	}, application.Options{
		PaymentTimeout: 30 * time.Minute,
		CloseGrace:     2 * time.Minute,
		LockTTL:        5 * time.Second,
	})
	s.svc.SetClock(clock)
	s.scheduler = delay.NewScheduler(s.broker.Subscribe(delayTopic), s.broker, time.Second,
		delay.WithClock(clock), delay.WithFetchWait(10*time.Millisecond))

	require.NoError(t, s.stockRepo.SaveProduct(context.Background(), &inventory.Product{
		ID:           productID,
		Name:         "keyboard",
		Price:        decimal.NewFromInt(100),
		SeckillPrice: decimal.NewFromInt(49),
		Stock:        10,
		SeckillStock: 2,
		SeckillStart: start.Add(-time.Hour),
		SeckillEnd:   start.Add(time.Hour),
	}))
}

func (s *OrderServiceSuite) stockLeft(pool inventory.Pool) int {
	left, err := s.ledger.Available(context.Background(), pool, productID)
	require.NoError(s.T(), err)
	return left
}

func (s *OrderServiceSuite) grantCoupon(userID int64) int64 {
	require.NoError(s.T(), s.couponRepo.SaveCoupon(context.Background(), &promotion.Coupon{
		ID:                couponID,
		Name:              "minus five",
		DiscountType:      promotion.DiscountFixed,
		Amount:            decimal.NewFromInt(5),
		RemainingQuantity: 100,
		TotalQuantity:     100,
		PerUserLimit:      1,
		ValidFrom:         start.Add(-time.Hour),
		ValidTo:           start.Add(24 * time.Hour),
	}))
	uc, err := s.coupons.Grant(context.Background(), userID, couponID)
	require.NoError(s.T(), err)
	return uc.ID
}

func (s *OrderServiceSuite) userCoupon(id int64) *promotion.UserCoupon {
	uc, err := s.couponRepo.FindUserCoupon(context.Background(), id)
	require.NoError(s.T(), err)
	return uc
}

func (s *OrderServiceSuite) order(orderNo string) *domain.Order {
	o, err := s.repo.FindByOrderNo(context.Background(), orderNo)
	require.NoError(s.T(), err)
	return o
}

func (s *OrderServiceSuite) TestCreateSettledOrder() {
	t := s.T()
	ctx := context.Background()
	ucID := s.grantCoupon(7)

	orderNo, err := s.svc.Create(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 2, CouponIDs: []int64{ucID}})
	require.NoError(t, err)

	o := s.order(orderNo)
	assert.Equal(t, domain.StatusPaid, o.Status)
	assert.Equal(t, domain.PayPaid, o.PayStatus)
	assertAmount(t, "200", o.OriginalAmount)
	assertAmount(t, "5", o.DiscountAmount)
	assertAmount(t, "195", o.PayAmount)
	assert.Equal(t, []int64{ucID}, o.CouponIDs)
	assert.Equal(t, 8, s.stockLeft(inventory.PoolStock))

	uc := s.userCoupon(ucID)
	assert.Equal(t, promotion.StatusUsed, uc.Status)
	assert.Equal(t, orderNo, uc.OrderNo)

	paid := s.broker.Messages(paidTopic)
	require.Len(t, paid, 1)
	var event domain.OrderPaidEvent
	require.NoError(t, json.Unmarshal(paid[0].Value, &event))
	assert.Equal(t, orderNo, event.OrderNo)
	assertAmount(t, "195", event.PayAmount)

	// 已支付订单不投递超时任务
	assert.Empty(t, s.broker.Messages(delayTopic))
}

func (s *OrderServiceSuite) TestCreateFailsWithoutStockAndLeavesNothingBehind() {
	t := s.T()
	ctx := context.Background()
	ucID := s.grantCoupon(7)

	_, err := s.svc.Create(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 11, CouponIDs: []int64{ucID}})
	assert.ErrorIs(t, err, bizerr.ErrInsufficientStock)
	assert.Equal(t, 10, s.stockLeft(inventory.PoolStock))
	assert.Equal(t, promotion.StatusUnused, s.userCoupon(ucID).Status)

	orders, err := s.svc.ListByUser(ctx, 7, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func (s *OrderServiceSuite) TestConfirmThenPay() {
	t := s.T()
	ctx := context.Background()
	ucID := s.grantCoupon(7)

	orderNo, err := s.svc.Confirm(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 1, CouponIDs: []int64{ucID}})
	require.NoError(t, err)

	o := s.order(orderNo)
	assert.Equal(t, domain.StatusPendingPay, o.Status)
	assert.True(t, o.ExpireTime.Equal(start.Add(30*time.Minute)))
	assertAmount(t, "95", o.PayAmount)
	assert.Equal(t, 9, s.stockLeft(inventory.PoolStock))
	assert.Equal(t, promotion.StatusFrozen, s.userCoupon(ucID).Status)

	token, err := s.tokens.Get(ctx, orderNo)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.NotEmpty(t, token.Token)
	assert.Len(t, s.broker.Messages(delayTopic), 1)

	s.now = start.Add(10 * time.Minute)
	require.NoError(t, s.svc.Pay(ctx, 7, orderNo, "ALIPAY"))

	o = s.order(orderNo)
	assert.Equal(t, domain.StatusPaid, o.Status)
	assert.Equal(t, "ALIPAY", o.PayType)
	assert.True(t, o.PayTime.Equal(s.now))
	assert.Equal(t, promotion.StatusUsed, s.userCoupon(ucID).Status)
	assert.Len(t, s.broker.Messages(paidTopic), 1)

	token, err = s.tokens.Get(ctx, orderNo)
	require.NoError(t, err)
	assert.Nil(t, token)

	assert.ErrorIs(t, s.svc.Pay(ctx, 7, orderNo, "ALIPAY"), bizerr.ErrOrderStateMismatch)
	// 超时任务到期后对已支付订单无效
	s.now = start.Add(31 * time.Minute)
	res, err := s.svc.HandleTimeout(ctx, orderNo)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, domain.StatusPaid, res.Status)
	assert.Equal(t, 9, s.stockLeft(inventory.PoolStock))
}

func (s *OrderServiceSuite) TestCancelIsIdempotent() {
	t := s.T()
	ctx := context.Background()
	ucID := s.grantCoupon(7)

	orderNo, err := s.svc.Confirm(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 3, CouponIDs: []int64{ucID}})
	require.NoError(t, err)
	assert.Equal(t, 7, s.stockLeft(inventory.PoolStock))

	res, err := s.svc.Cancel(ctx, 7, orderNo, "user")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.StatusCancelled, res.Status)

	res, err = s.svc.Cancel(ctx, 7, orderNo, "user")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, domain.StatusCancelled, res.Status)

	assert.Equal(t, 10, s.stockLeft(inventory.PoolStock))
	deltas := s.broker.Messages(deltaTopic)
	var stockDeltas []inventory.InventoryDelta
	for _, m := range deltas {
		var d inventory.InventoryDelta
		require.NoError(t, json.Unmarshal(m.Value, &d))
		if d.Pool == inventory.PoolStock {
			stockDeltas = append(stockDeltas, d)
		}
	}
	require.Len(t, stockDeltas, 2)
	assert.Equal(t, inventory.ChangeLock, stockDeltas[0].ChangeType)
	assert.Equal(t, inventory.ChangeRelease, stockDeltas[1].ChangeType)

	uc := s.userCoupon(ucID)
	assert.Equal(t, promotion.StatusUnused, uc.Status)
	assert.Empty(t, uc.OrderNo)

	o := s.order(orderNo)
	assert.Equal(t, "user", o.CancelReason)
	assert.ErrorIs(t, s.svc.Pay(ctx, 7, orderNo, "ALIPAY"), bizerr.ErrOrderStateMismatch)
}

func (s *OrderServiceSuite) TestCancelOtherUsersOrder() {
	t := s.T()
	orderNo, err := s.svc.Confirm(context.Background(), application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 1})
	require.NoError(t, err)

	_, err = s.svc.Cancel(context.Background(), 8, orderNo, "user")
	assert.ErrorIs(t, err, bizerr.ErrNotFound)
	assert.Equal(t, domain.StatusPendingPay, s.order(orderNo).Status)
}

func (s *OrderServiceSuite) TestPaymentTimeoutRestoresStock() {
	t := s.T()
	ctx := context.Background()
	orderNo, err := s.svc.Confirm(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, 8, s.stockLeft(inventory.PoolStock))

	consumer := mq.NewConsumer("order-timeout", s.broker.Subscribe(timeoutTopic),
		interfaces.NewOrderTimeoutHandler(s.svc), mq.NewFailureHandler(s.broker, mq.DefaultMaxRetries))

	s.now = start.Add(29 * time.Minute)
	n, err := s.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	s.now = start.Add(31 * time.Minute)
	n, err = s.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.broker.Deliver(ctx, timeoutTopic, consumer.Handle))

	o := s.order(orderNo)
	assert.Equal(t, domain.StatusCancelled, o.Status)
	assert.Equal(t, application.ReasonTimeout, o.CancelReason)
	assert.Equal(t, 10, s.stockLeft(inventory.PoolStock))
	assert.Empty(t, s.broker.Messages(mq.DeadLetterTopic(timeoutTopic)))

	// 重复投递不会再次归还
	res, err := s.svc.HandleTimeout(ctx, orderNo)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 10, s.stockLeft(inventory.PoolStock))
}

func (s *OrderServiceSuite) TestPayAfterDeadlineCancels() {
	t := s.T()
	ctx := context.Background()
	orderNo, err := s.svc.Confirm(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 1})
	require.NoError(t, err)

	s.now = start.Add(31 * time.Minute)
	assert.ErrorIs(t, s.svc.Pay(ctx, 7, orderNo, "WECHAT"), bizerr.ErrTimeoutExpired)
	assert.Equal(t, domain.StatusCancelled, s.order(orderNo).Status)
	assert.Equal(t, 10, s.stockLeft(inventory.PoolStock))
}

func (s *OrderServiceSuite) TestTimeoutForUnknownOrderIsDeadLettered() {
	t := s.T()
	ctx := context.Background()
	consumer := mq.NewConsumer("order-timeout", s.broker.Subscribe(timeoutTopic),
		interfaces.NewOrderTimeoutHandler(s.svc), mq.NewFailureHandler(s.broker, mq.DefaultMaxRetries))

	require.NoError(t, s.broker.Publish(ctx,
		mq.Message{Topic: timeoutTopic, Key: []byte("NOPE"), Value: []byte(`{"orderNo":"NOPE"}`)},
		mq.Message{Topic: timeoutTopic, Key: []byte("BAD"), Value: []byte(`{`)},
	))
	assert.Equal(t, 2, s.broker.Deliver(ctx, timeoutTopic, consumer.Handle))
	assert.Len(t, s.broker.Messages(mq.DeadLetterTopic(timeoutTopic)), 2)
}

func (s *OrderServiceSuite) TestSeckillOnePerUser() {
	t := s.T()
	ctx := context.Background()

	first, err := s.svc.SeckillOrder(ctx, 7, productID, 1)
	require.NoError(t, err)
	o := s.order(first)
	assert.True(t, o.IsSeckill)
	assertAmount(t, "49", o.PayAmount)
	assert.Equal(t, 1, s.stockLeft(inventory.PoolSeckill))

	_, err = s.svc.SeckillOrder(ctx, 7, productID, 1)
	assert.ErrorIs(t, err, bizerr.ErrAlreadyPurchased)

	_, err = s.svc.SeckillOrder(ctx, 8, productID, 1)
	require.NoError(t, err)
	_, err = s.svc.SeckillOrder(ctx, 9, productID, 1)
	assert.ErrorIs(t, err, bizerr.ErrInsufficientStock)

	// 取消后名额与库存都归还
	_, err = s.svc.Cancel(ctx, 7, first, "user")
	require.NoError(t, err)
	_, err = s.svc.SeckillOrder(ctx, 7, productID, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, s.stockLeftOrWarm(), "regular stock untouched")
}

func (s *OrderServiceSuite) TestSeckillOutsideWindow() {
	s.now = start.Add(2 * time.Hour)
	_, err := s.svc.SeckillOrder(context.Background(), 7, productID, 1)
	assert.ErrorIs(s.T(), err, bizerr.ErrSeckillNotActive)
}

func (s *OrderServiceSuite) TestPayRejectsTamperedToken() {
	t := s.T()
	ctx := context.Background()
	orderNo, err := s.svc.Confirm(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 1})
	require.NoError(t, err)

	_, err = s.tokens.Issue(ctx, port.ConfirmToken{OrderNo: orderNo, ProductID: productID, Quantity: 5}, time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, s.svc.Pay(ctx, 7, orderNo, "ALIPAY"), bizerr.ErrOrderStateMismatch)
	assert.Equal(t, domain.StatusPendingPay, s.order(orderNo).Status)
}

func (s *OrderServiceSuite) TestCloseExpiredBackstop() {
	t := s.T()
	ctx := context.Background()
	orderNo, err := s.svc.Confirm(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 1})
	require.NoError(t, err)
	s.now = start.Add(5 * time.Minute)
	fresh, err := s.svc.Confirm(ctx, application.PlaceOrderRequest{UserID: 8, ProductID: productID, Quantity: 1})
	require.NoError(t, err)

	// 截止时间已过但仍在宽限期内
	s.now = start.Add(31 * time.Minute)
	closed, err := s.svc.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, closed)

	s.now = start.Add(33 * time.Minute)
	closed, err = s.svc.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	o := s.order(orderNo)
	assert.Equal(t, domain.StatusClosed, o.Status)
	assert.Equal(t, application.ReasonExpired, o.CancelReason)
	assert.Equal(t, domain.StatusPendingPay, s.order(fresh).Status)
	assert.Equal(t, 9, s.stockLeft(inventory.PoolStock))

	closed, err = s.svc.CloseExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, closed)
}

func (s *OrderServiceSuite) TestShipAndReceive() {
	t := s.T()
	ctx := context.Background()
	orderNo, err := s.svc.Create(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 1})
	require.NoError(t, err)

	assert.ErrorIs(t, s.svc.Receive(ctx, 7, orderNo), bizerr.ErrOrderStateMismatch)
	assert.ErrorIs(t, s.svc.Ship(ctx, orderNo, ""), bizerr.ErrValidation)
	require.NoError(t, s.svc.Ship(ctx, orderNo, "SF123"))
	assert.ErrorIs(t, s.svc.Ship(ctx, orderNo, "SF123"), bizerr.ErrOrderStateMismatch)

	assert.ErrorIs(t, s.svc.Receive(ctx, 8, orderNo), bizerr.ErrNotFound)
	s.now = start.Add(48 * time.Hour)
	require.NoError(t, s.svc.Receive(ctx, 7, orderNo))

	o := s.order(orderNo)
	assert.Equal(t, domain.StatusCompleted, o.Status)
	assert.Equal(t, "SF123", o.TrackingNo)
	assert.True(t, o.CompleteTime.Equal(s.now))
}

func (s *OrderServiceSuite) TestDuplicateSubmissionIsRejected() {
	t := s.T()
	ctx := context.Background()
	token, err := s.mutex.Acquire(ctx, "order:submit:7", time.Minute)
	require.NoError(t, err)

	_, err = s.svc.Confirm(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 1})
	assert.ErrorIs(t, err, bizerr.ErrDuplicateSubmission)
	assert.Equal(t, 10, s.stockLeftOrWarm())

	_, err = s.mutex.Release(ctx, "order:submit:7", token)
	require.NoError(t, err)
	_, err = s.svc.Confirm(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 1})
	require.NoError(t, err)
}

func (s *OrderServiceSuite) TestListByUser() {
	t := s.T()
	ctx := context.Background()
	var placed []string
	for i := 0; i < 3; i++ {
		s.now = start.Add(time.Duration(i) * time.Minute)
		no, err := s.svc.Confirm(ctx, application.PlaceOrderRequest{UserID: 7, ProductID: productID, Quantity: 1})
		require.NoError(t, err)
		placed = append(placed, no)
	}
	_, err := s.svc.Confirm(ctx, application.PlaceOrderRequest{UserID: 8, ProductID: productID, Quantity: 1})
	require.NoError(t, err)

	orders, err := s.svc.ListByUser(ctx, 7, 0, 2)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, placed[2], orders[0].OrderNo)
	assert.Equal(t, placed[1], orders[1].OrderNo)

	orders, err = s.svc.ListByUser(ctx, 7, 2, 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, placed[0], orders[0].OrderNo)
}

// stockLeftOrWarm 计数器可能尚未预热
func (s *OrderServiceSuite) stockLeftOrWarm() int {
	left, err := s.ledger.Warm(context.Background(), inventory.PoolStock, productID)
	require.NoError(s.T(), err)
	return left
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}
