package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"flashmart/internal/pkg/logger"
	"flashmart/internal/pkg/metrics"
)

// DefaultMaxRetries 重新入队的最大次数，超过后进入死信队列。
const DefaultMaxRetries = 3

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记为不可重试的错误，消息直接进入死信队列。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// DeadLetterTopic 死信队列命名规则。
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

// FailureHandler 处理消费失败的消息：
// 可重试错误带着 retryCount+1 重新投递到原 topic，次数用尽或永久错误则转入死信队列并告警。
type FailureHandler struct {
	publisher  Publisher
	maxRetries int
}

func NewFailureHandler(publisher Publisher, maxRetries int) *FailureHandler {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &FailureHandler{publisher: publisher, maxRetries: maxRetries}
}

// Handle 返回 nil 表示失败消息已妥善转移，原消息可以提交。
func (h *FailureHandler) Handle(ctx context.Context, msg Message, cause error) error {
	retry := msg.RetryCount()
	if !IsPermanent(cause) && retry < h.maxRetries {
		out := msg.Clone()
		out.Headers[HeaderRetryCount] = strconv.Itoa(retry + 1)
		if err := h.publisher.Publish(ctx, out); err != nil {
			return fmt.Errorf("requeue message to %s: %w", msg.Topic, err)
		}
		logger.Ctx(ctx).Warn().Err(cause).
			Str("topic", msg.Topic).
			Int("retry_count", retry+1).
			Msg("message processing failed, requeued")
		return nil
	}

	dlq := DeadLetterTopic(msg.Topic)
	out := msg.Clone()
	out.Topic = dlq
	out.Headers[HeaderOriginalTopic] = msg.Topic
	out.Headers[HeaderOriginalPartition] = strconv.Itoa(msg.Partition)
	out.Headers[HeaderOriginalOffset] = strconv.FormatInt(msg.Offset, 10)
	out.Headers[HeaderErrorType] = errorType(cause)
	out.Headers[HeaderErrorMessage] = cause.Error()
	if err := h.publisher.Publish(ctx, out); err != nil {
		return fmt.Errorf("publish to dead letter topic %s: %w", dlq, err)
	}
	metrics.DeadLetters.WithLabelValues(msg.Topic).Inc()
	logger.Ctx(ctx).Error().Err(cause).
		Str("alert", "dead_letter").
		Str("topic", msg.Topic).
		Str("dlq", dlq).
		Int("retry_count", retry).
		Bool("permanent", IsPermanent(cause)).
		Str("key", string(msg.Key)).
		Msg("ALERT: message moved to dead letter queue")
	return nil
}

func errorType(err error) string {
	var pe *permanentError
	if errors.As(err, &pe) {
		return fmt.Sprintf("%T", pe.err)
	}
	return fmt.Sprintf("%T", err)
}
