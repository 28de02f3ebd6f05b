// Package logger 在 zerolog 全局 logger 之上附加链路信息。
package logger

import (
	"context"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Init 配置全局 zerolog，服务启动时调用一次。
func Init(serviceName, level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zlog.Logger = zlog.With().Str("service", serviceName).Logger()
}

// Ctx 返回带 trace_id / span_id 的 logger，ctx 中没有有效 span 时返回全局 logger。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := zlog.Logger
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		l = l.With().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Logger()
	}
	return &l
}
