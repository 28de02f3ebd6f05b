// cmd/delay-scheduler/main.go
package main

import (
	"context"
	"os"
	"time"

	zlog "github.com/rs/zerolog/log"

	"flashmart/internal/pkg/bootstrap"
	"flashmart/internal/pkg/delay"
	"flashmart/internal/pkg/mq"
)

const (
	serviceName  = "delay-scheduler"
	pollInterval = time.Second
)

// 延迟调度器：轮询延迟主题，把到期的消息转发到消息头指定的真实主题。
func main() {
	cfg, err := bootstrap.Load(getEnv("CONFIG_PATH", "config/config.yaml"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	publisher := mq.NewKafkaPublisher(cfg.Infra.Kafka.Brokers)
	delayTopics := []string{cfg.App.Topics.DelayTimeout}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Config:      cfg,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) []bootstrap.Worker {
			workers := make([]bootstrap.Worker, 0, len(delayTopics))
			for _, topic := range delayTopics {
				sub := mq.NewKafkaSubscriber(cfg.Infra.Kafka.Brokers, topic, cfg.GroupID(serviceName))
				workers = append(workers, delay.NewScheduler(sub, publisher, pollInterval))
			}
			return workers
		},
		OnShutdown: func(ctx context.Context) {
			if err := publisher.Close(); err != nil {
				zlog.Error().Err(err).Msg("failed to close kafka publisher")
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
