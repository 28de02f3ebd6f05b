package mq

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// NewKafkaWriter 创建不绑定 topic 的 writer，每条消息自带 topic。
// 按 key 哈希分区，同一资源的消息保持有序。
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// NewKafkaReader 创建消费组 reader，offset 由调用方显式提交。
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// KafkaPublisher 基于 kafka-go 的 Publisher。
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{writer: NewKafkaWriter(brokers)}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msgs ...Message) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		headers := make(map[string]string, len(m.Headers)+2)
		for k, v := range m.Headers {
			headers[k] = v
		}
		InjectTraceContext(ctx, headers)
		km := kafka.Message{Topic: m.Topic, Key: m.Key, Value: m.Value}
		for k, v := range headers {
			km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		out = append(out, km)
	}
	return p.writer.WriteMessages(ctx, out...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaSubscriber 基于 kafka-go 消费组的 Subscriber。
type KafkaSubscriber struct {
	reader *kafka.Reader
}

func NewKafkaSubscriber(brokers []string, topic, groupID string) *KafkaSubscriber {
	return &KafkaSubscriber{reader: NewKafkaReader(brokers, topic, groupID)}
}

func (s *KafkaSubscriber) Fetch(ctx context.Context) (Message, error) {
	km, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return fromKafka(km), nil
}

func (s *KafkaSubscriber) Commit(ctx context.Context, msg Message) error {
	if msg.raw == nil {
		return nil
	}
	return s.reader.CommitMessages(ctx, *msg.raw)
}

func (s *KafkaSubscriber) Topic() string {
	return s.reader.Config().Topic
}

func (s *KafkaSubscriber) Close() error {
	return s.reader.Close()
}

func fromKafka(km kafka.Message) Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	raw := km
	return Message{
		Topic:     km.Topic,
		Key:       km.Key,
		Value:     km.Value,
		Headers:   headers,
		Time:      km.Time,
		Partition: km.Partition,
		Offset:    km.Offset,
		raw:       &raw,
	}
}
