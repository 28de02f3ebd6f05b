// Package mq 屏蔽具体的消息中间件，业务代码只依赖 Publisher / Subscriber。
package mq

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderRetryCount        = "x-retry-count"
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderErrorType         = "x-error-type"
	HeaderErrorMessage      = "x-error-message"

	// 延迟队列使用
	HeaderRealTopic = "real-topic"
	HeaderDeliverAt = "deliver-at"
)

// Message 中间件无关的消息。
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
	Partition int
	Offset    int64

	raw *kafka.Message
}

func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// RetryCount 以消息头为准，缺失或非法时为 0。
func (m Message) RetryCount() int {
	n, err := strconv.Atoi(m.Header(HeaderRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Clone 复制消息，头部是独立的副本，且不再关联原始的中间件消息。
func (m Message) Clone() Message {
	out := Message{
		Topic:     m.Topic,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
		Partition: m.Partition,
		Offset:    m.Offset,
		Headers:   make(map[string]string, len(m.Headers)),
	}
	for k, v := range m.Headers {
		out.Headers[k] = v
	}
	return out
}

// Publisher 消息发送方，消息自带目标 topic。
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}

// Subscriber 单 topic 消费方。Fetch 阻塞直到有消息或 ctx 结束。
type Subscriber interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Topic() string
	Close() error
}

// InjectTraceContext 把链路上下文写入消息头。
func InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractTraceContext 从消息头恢复链路上下文。
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
