package adapter

import (
	"context"
	"encoding/json"
	"time"

	"flashmart/internal/pkg/delay"
	"flashmart/internal/service/order/domain"
	"flashmart/internal/service/order/port"
)

// SchedulerKafkaAdapter 实现了 port.DelayScheduler 接口。
// 任务先写入延迟主题，由延迟调度器在到期后转发到 realTopic。
type SchedulerKafkaAdapter struct {
	producer  *delay.Producer
	realTopic string
}

var _ port.DelayScheduler = (*SchedulerKafkaAdapter)(nil)

func NewSchedulerKafkaAdapter(producer *delay.Producer, realTopic string) *SchedulerKafkaAdapter {
	return &SchedulerKafkaAdapter{producer: producer, realTopic: realTopic}
}

func (a *SchedulerKafkaAdapter) SchedulePaymentTimeout(ctx context.Context, event domain.OrderTimeoutEvent, deliverAt time.Time) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return a.producer.Schedule(ctx, a.realTopic, event.OrderNo, payload, deliverAt)
}
