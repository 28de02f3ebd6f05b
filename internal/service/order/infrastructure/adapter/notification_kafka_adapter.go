package adapter

import (
	"context"
	"encoding/json"

	"flashmart/internal/pkg/mq"
	"flashmart/internal/service/order/domain"
	"flashmart/internal/service/order/port"
)

// NotificationKafkaAdapter 把订单事件发布到消息主题
type NotificationKafkaAdapter struct {
	pub       mq.Publisher
	paidTopic string
}

var _ port.EventPublisher = (*NotificationKafkaAdapter)(nil)

func NewNotificationKafkaAdapter(pub mq.Publisher, paidTopic string) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{pub: pub, paidTopic: paidTopic}
}

func (a *NotificationKafkaAdapter) PublishOrderPaid(ctx context.Context, event domain.OrderPaidEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := mq.Message{
		Topic:   a.paidTopic,
		Key:     []byte(event.OrderNo),
		Value:   payload,
		Headers: map[string]string{},
	}
	mq.InjectTraceContext(ctx, msg.Headers)
	return a.pub.Publish(ctx, msg)
}
