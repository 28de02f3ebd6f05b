// cmd/stock-relay/main.go
package main

import (
	"context"
	"os"

	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"flashmart/internal/pkg/bootstrap"
	"flashmart/internal/pkg/logger"
	"flashmart/internal/pkg/mq"
	"flashmart/internal/service/inventory/application"
	"flashmart/internal/service/inventory/infrastructure"
	"flashmart/internal/service/inventory/interfaces"
)

const serviceName = "stock-relay"

// 库存中继：把缓存侧的库存变更落库，定期校正缓存与数据库的漂移。
func main() {
	cfg, err := bootstrap.Load(getEnv("CONFIG_PATH", "config/config.yaml"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	ctx := context.Background()

	db, err := bootstrap.OpenMySQL(cfg.Infra.MySQL)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to connect mysql")
	}
	if err := infrastructure.InitTables(db); err != nil {
		zlog.Fatal().Err(err).Msg("failed to migrate tables")
	}
	rdb, err := bootstrap.OpenRedis(ctx, cfg.Infra.Redis)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to connect redis")
	}
	publisher := mq.NewKafkaPublisher(cfg.Infra.Kafka.Brokers)
	tracer := otel.Tracer(serviceName)
	topic := cfg.App.Topics.StockDelta

	repo := infrastructure.NewGormStockRepository(db)
	ledger, err := application.NewLedger(rdb, repo, publisher, topic, tracer)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to create stock ledger")
	}
	relay := application.NewRelay(repo, tracer, bootstrap.IsDuplicateKey)
	stockSync := application.NewStockSync(repo, ledger, tracer, cfg.App.SyncConcurrency)
	brokers := cfg.Infra.Kafka.Brokers

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Config:      cfg,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) []bootstrap.Worker {
			interfaces.NewInventoryHandler(ledger, repo, stockSync).RegisterRoutes(appCtx.Engine)

			bootstrap.AddJob(appCtx.Cron, "stock-sync", cfg.App.StockSyncCron, func(ctx context.Context) {
				report, err := stockSync.Sweep(ctx)
				if err != nil {
					logger.Ctx(ctx).Error().Err(err).Msg("stock sync sweep failed")
					return
				}
				logger.Ctx(ctx).Info().
					Int("checked", report.Checked).
					Int("warmed", report.Warmed).
					Int("diverged", report.Diverged).
					Int("corrected", report.Corrected).
					Int("alerts", report.Alerts).
					Msg("stock sync sweep finished")
			})

			return []bootstrap.Worker{
				mq.NewConsumer("stock-relay",
					mq.NewKafkaSubscriber(brokers, topic, cfg.GroupID("stock-relay")),
					interfaces.NewDeltaHandler(relay), mq.NewFailureHandler(publisher, cfg.App.MaxRetries)),
				mq.NewConsumer("stock-relay-dlq",
					mq.NewKafkaSubscriber(brokers, mq.DeadLetterTopic(topic), cfg.GroupID("stock-relay-dlq")),
					mq.DeadLetterHandler, nil),
			}
		},
		OnShutdown: func(ctx context.Context) {
			if err := publisher.Close(); err != nil {
				zlog.Error().Err(err).Msg("failed to close kafka publisher")
			}
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
