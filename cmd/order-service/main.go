// cmd/order-service/main.go
package main

import (
	"context"
	"os"

	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"flashmart/internal/pkg/bootstrap"
	"flashmart/internal/pkg/delay"
	"flashmart/internal/pkg/idgen"
	"flashmart/internal/pkg/logger"
	"flashmart/internal/pkg/mq"
	inventoryapp "flashmart/internal/service/inventory/application"
	inventoryinfra "flashmart/internal/service/inventory/infrastructure"
	orderapp "flashmart/internal/service/order/application"
	orderinfra "flashmart/internal/service/order/infrastructure"
	orderadapter "flashmart/internal/service/order/infrastructure/adapter"
	orderapi "flashmart/internal/service/order/interfaces"
	promotionapp "flashmart/internal/service/promotion/application"
	promotioninfra "flashmart/internal/service/promotion/infrastructure"
	promotionadapter "flashmart/internal/service/promotion/infrastructure/adapter"
	"flashmart/internal/service/promotion/infrastructure/rule"
	promotionapi "flashmart/internal/service/promotion/interfaces"
)

const serviceName = "order-service"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := bootstrap.Load(getEnv("CONFIG_PATH", "config/config.yaml"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	ctx := context.Background()

	// 1. 初始化基础设施
	db, err := bootstrap.OpenMySQL(cfg.Infra.MySQL)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to connect mysql")
	}
	for _, migrate := range []func() error{
		func() error { return inventoryinfra.InitTables(db) },
		func() error { return promotioninfra.InitTables(db) },
		func() error { return orderinfra.InitTables(db) },
	} {
		if err := migrate(); err != nil {
			zlog.Fatal().Err(err).Msg("failed to migrate tables")
		}
	}
	rdb, err := bootstrap.OpenRedis(ctx, cfg.Infra.Redis)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to connect redis")
	}
	mutex, closeMutex, err := bootstrap.NewMutex(cfg, rdb)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to create distributed mutex")
	}
	publisher := mq.NewKafkaPublisher(cfg.Infra.Kafka.Brokers)
	ids, err := idgen.New(cfg.App.NodeID, rdb.GetClient())
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to create id generator")
	}
	tracer := otel.Tracer(serviceName)
	topics := cfg.App.Topics

	// 2. 组装库存账本与优惠券服务
	stockRepo := inventoryinfra.NewGormStockRepository(db)
	ledger, err := inventoryapp.NewLedger(rdb, stockRepo, publisher, topics.StockDelta, tracer)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to create stock ledger")
	}
	evaluator, err := rule.NewCELEvaluator()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to create coupon condition evaluator")
	}
	couponSvc := promotionapp.NewCouponService(promotioninfra.NewGormCouponRepository(db),
		promotionadapter.NewSupplyLedgerAdapter(ledger), mutex, cfg.App.LockTTL, ids, evaluator, tracer)

	// 3. 组装订单服务，所有出站端口都由适配器实现
	orderSvc := orderapp.NewOrderService(orderapp.Dependencies{
		Repo:      orderinfra.NewGormOrderRepository(db),
		Catalog:   orderadapter.NewCatalogAdapter(stockRepo),
		Inventory: orderadapter.NewInventoryLedgerAdapter(ledger),
		Coupons:   orderadapter.NewCouponAdapter(couponSvc),
		Tokens:    orderadapter.NewTokenRedisAdapter(rdb.GetClient()),
		Scheduler: orderadapter.NewSchedulerKafkaAdapter(delay.NewProducer(publisher, topics.DelayTimeout), topics.OrderTimeout),
		Events:    orderadapter.NewNotificationKafkaAdapter(publisher, topics.OrderPaid),
		Mutex:     mutex,
		IDs:       ids,
		Tracer:    tracer,
	}, orderapp.Options{
		PaymentTimeout: cfg.App.PaymentTimeout,
		CloseGrace:     cfg.App.CloseGrace,
		LockTTL:        cfg.App.LockTTL,
	})

	failure := mq.NewFailureHandler(publisher, cfg.App.MaxRetries)
	brokers := cfg.Infra.Kafka.Brokers

	// 4. 启动服务
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Config:      cfg,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) []bootstrap.Worker {
			orderapi.NewOrderHandler(orderSvc).RegisterRoutes(appCtx.Engine)
			promotionapi.NewCouponHandler(couponSvc).RegisterRoutes(appCtx.Engine)

			bootstrap.AddJob(appCtx.Cron, "close-expired-orders", cfg.App.OrderCloseCron, func(ctx context.Context) {
				if _, err := orderSvc.CloseExpired(ctx); err != nil {
					logger.Ctx(ctx).Error().Err(err).Msg("expired order sweep failed")
				}
			})
			bootstrap.AddJob(appCtx.Cron, "expire-coupons", cfg.App.CouponExpireCron, func(ctx context.Context) {
				if _, err := couponSvc.ExpireOverdue(ctx); err != nil {
					logger.Ctx(ctx).Error().Err(err).Msg("coupon expiry sweep failed")
				}
			})

			return []bootstrap.Worker{
				mq.NewConsumer("order-timeout",
					mq.NewKafkaSubscriber(brokers, topics.OrderTimeout, cfg.GroupID("order-timeout")),
					orderapi.NewOrderTimeoutHandler(orderSvc), failure),
				mq.NewConsumer("order-timeout-dlq",
					mq.NewKafkaSubscriber(brokers, mq.DeadLetterTopic(topics.OrderTimeout), cfg.GroupID("order-timeout-dlq")),
					mq.DeadLetterHandler, nil),
			}
		},
		OnShutdown: func(ctx context.Context) {
			if err := publisher.Close(); err != nil {
				zlog.Error().Err(err).Msg("failed to close kafka publisher")
			}
			closeMutex()
			if err := rdb.Close(); err != nil {
				zlog.Error().Err(err).Msg("failed to close redis")
			}
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	})
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
