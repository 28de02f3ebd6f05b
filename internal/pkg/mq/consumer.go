package mq

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"flashmart/internal/pkg/logger"
)

// Handler 处理一条消息，返回 error 交给 FailureHandler。
type Handler func(ctx context.Context, msg Message) error

// Consumer 拉取 - 处理 - 提交 的消费循环。
type Consumer struct {
	name    string
	sub     Subscriber
	handler Handler
	failure *FailureHandler
	tracer  trace.Tracer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer failure 为 nil 时失败消息只记录日志后提交。
func NewConsumer(name string, sub Subscriber, handler Handler, failure *FailureHandler) *Consumer {
	return &Consumer{
		name:    name,
		sub:     sub,
		handler: handler,
		failure: failure,
		tracer:  otel.Tracer("flashmart/mq"),
	}
}

// Start 启动后台消费，Stop 前一直运行。
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Ctx(ctx).Info().Str("consumer", c.name).Str("topic", c.sub.Topic()).Msg("consumer started")
		for {
			msg, err := c.sub.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) {
					logger.Ctx(ctx).Info().Str("consumer", c.name).Msg("consumer shutting down")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Str("consumer", c.name).Msg("could not fetch message, retrying")
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			c.Handle(ctx, msg)
		}
	}()
	return nil
}

// Handle 处理单条消息并提交。失败消息转移不成功时不提交，等待重新投递。
func (c *Consumer) Handle(ctx context.Context, msg Message) {
	msgCtx := ExtractTraceContext(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "consume "+msg.Topic, trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int("messaging.kafka.partition", msg.Partition),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
		attribute.Int("messaging.retry_count", msg.RetryCount()),
	))
	defer span.End()

	if err := c.handler(msgCtx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "message handler failed")
		if c.failure == nil {
			logger.Ctx(msgCtx).Error().Err(err).Str("consumer", c.name).Msg("message handler failed, skipped")
		} else if ferr := c.failure.Handle(msgCtx, msg, err); ferr != nil {
			logger.Ctx(msgCtx).Error().Err(ferr).Str("consumer", c.name).Msg("failure handling failed, message left uncommitted")
			return
		}
	}
	if err := c.sub.Commit(ctx, msg); err != nil {
		logger.Ctx(msgCtx).Error().Err(err).Str("consumer", c.name).Msg("failed to commit message")
	}
}

// Stop 停止消费并等待当前消息处理完。
func (c *Consumer) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.sub.Close(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("consumer", c.name).Msg("failed to close subscriber")
	}
	logger.Ctx(ctx).Info().Str("consumer", c.name).Msg("consumer stopped")
}

// DeadLetterHandler 记录死信消息详情，总是成功。
func DeadLetterHandler(ctx context.Context, msg Message) error {
	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", msg.Header(HeaderOriginalTopic)).
		Str("original_partition", msg.Header(HeaderOriginalPartition)).
		Str("original_offset", msg.Header(HeaderOriginalOffset)).
		Str("error_type", msg.Header(HeaderErrorType)).
		Str("error_message", msg.Header(HeaderErrorMessage)).
		Str("retry_count", msg.Header(HeaderRetryCount)).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("CRITICAL: dead letter message received")
	return nil
}
