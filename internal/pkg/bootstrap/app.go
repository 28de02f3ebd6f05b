// Package bootstrap 封装配置加载、基础设施初始化与服务的启动和优雅关停。
package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	zlog "github.com/rs/zerolog/log"

	"flashmart/internal/pkg/httpx"
	"flashmart/internal/pkg/logger"
	"flashmart/internal/pkg/nacos"
	"flashmart/internal/pkg/tracing"
)

// Worker 随服务启停的后台任务，例如消息消费者。
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

type AppCtx struct {
	Engine *gin.Engine
	Config *Config
	Cron   *cron.Cron
}

// AppInfo 包含了启动一个服务所需的特定信息。
type AppInfo struct {
	ServiceName string
	Config      *Config
	// RegisterHandlers 注册路由和定时任务，返回需要随服务启停的后台任务
	RegisterHandlers func(appCtx AppCtx) []Worker
	// OnShutdown 在所有组件停止后调用，用于关闭连接
	OnShutdown func(ctx context.Context)
}

// NewEngine 带链路提取、健康检查与指标端点的 gin 引擎。
func NewEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), httpx.Trace())
	engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return engine
}

// NewCron 任务 panic 会被恢复，不影响其他任务。
func NewCron() *cron.Cron {
	return cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
}

// StartService 封装了所有服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	cfg := info.Config
	if cfg == nil {
		cfg = GetCurrentConfig()
	}
	logger.Init(info.ServiceName, cfg.App.LogLevel)

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	engine := NewEngine()
	c := NewCron()
	var workers []Worker
	if info.RegisterHandlers != nil {
		workers = info.RegisterHandlers(AppCtx{Engine: engine, Config: cfg, Cron: c})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, w := range workers {
		if err := w.Start(ctx); err != nil {
			zlog.Fatal().Err(err).Msg("failed to start worker")
		}
	}
	c.Start()

	var registry *nacos.Client
	ip := ""
	if cfg.Infra.Nacos.Enabled {
		registry, ip = registerNacos(info.ServiceName, cfg)
	}

	server := &http.Server{Addr: ":" + strconv.Itoa(cfg.App.Port), Handler: engine}
	go func() {
		zlog.Info().Str("service", info.ServiceName).Int("port", cfg.App.Port).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Str("addr", server.Addr).Msg("could not listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Str("service", info.ServiceName).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// 逆序关停：先摘流量，再停后台任务，最后关连接
	if registry != nil {
		if err := registry.DeregisterServiceInstance(info.ServiceName, ip, cfg.App.Port); err != nil {
			zlog.Error().Err(err).Msg("error deregistering from nacos")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("error shutting down http server")
	}
	<-c.Stop().Done()
	cancel()
	for i := len(workers) - 1; i >= 0; i-- {
		workers[i].Stop(shutdownCtx)
	}
	if info.OnShutdown != nil {
		info.OnShutdown(shutdownCtx)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("error shutting down tracer provider")
	}
	zlog.Info().Str("service", info.ServiceName).Msg("gracefully shut down")
}

func registerNacos(serviceName string, cfg *Config) (*nacos.Client, string) {
	client, err := nacos.NewNacosClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize nacos client")
	}
	ip, err := nacos.OutboundIP()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to get outbound IP address")
	}
	if err := client.RegisterServiceInstance(serviceName, ip, cfg.App.Port); err != nil {
		zlog.Fatal().Err(err).Msg("failed to register service with nacos")
	}
	return client, ip
}

// AddJob 注册定时任务，schedule 为空时跳过。
func AddJob(c *cron.Cron, name, schedule string, job func(ctx context.Context)) {
	if schedule == "" {
		return
	}
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		start := time.Now()
		job(ctx)
		zlog.Debug().Str("job", name).Dur("elapsed", time.Since(start)).Msg("cron job finished")
	})
	if err != nil {
		zlog.Fatal().Err(err).Str("job", name).Str("schedule", schedule).Msg("invalid cron schedule")
	}
}
