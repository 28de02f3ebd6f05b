// Package delay 基于延迟 topic + 轮询投递实现延迟消息。
//
// 生产方把消息写入延迟 topic，并在头部带上真实 topic 和投递时间；
// Scheduler 轮询延迟 topic，队头到期后转投真实 topic。
// 同一个延迟 topic 内的消息延迟时长相同，因此队头未到期时后续消息也不会到期。
package delay

import (
	"context"
	"time"

	"flashmart/internal/pkg/mq"
)

// Producer 写入延迟消息。
type Producer struct {
	pub        mq.Publisher
	delayTopic string
}

func NewProducer(pub mq.Publisher, delayTopic string) *Producer {
	return &Producer{pub: pub, delayTopic: delayTopic}
}

// Schedule 在 deliverAt 之后把 payload 投递到 realTopic。
func (p *Producer) Schedule(ctx context.Context, realTopic string, key string, payload []byte, deliverAt time.Time) error {
	return p.pub.Publish(ctx, mq.Message{
		Topic: p.delayTopic,
		Key:   []byte(key),
		Value: payload,
		Headers: map[string]string{
			mq.HeaderRealTopic: realTopic,
			mq.HeaderDeliverAt: deliverAt.UTC().Format(time.RFC3339Nano),
		},
	})
}
