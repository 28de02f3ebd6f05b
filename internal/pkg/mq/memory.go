package mq

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker 进程内的消息代理，用于单机开发与测试。
// 每个 topic 是一个 FIFO 队列，Fetch 即出队，Commit 为空操作。
type MemoryBroker struct {
	mu      sync.Mutex
	queues  map[string][]Message
	history map[string][]Message
	offsets map[string]int64
	notify  chan struct{}
	closed  bool
	failFn  func(Message) error
	now     func() time.Time
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:  make(map[string][]Message),
		history: make(map[string][]Message),
		offsets: make(map[string]int64),
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

// FailPublish 设置发送钩子，返回非 nil 时整批发送失败，传 nil 取消。
func (b *MemoryBroker) FailPublish(fn func(Message) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failFn = fn
}

// SetClock 替换消息时间戳的时钟。
func (b *MemoryBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBroker) Publish(ctx context.Context, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if b.failFn != nil {
		for _, m := range msgs {
			if err := b.failFn(m); err != nil {
				return err
			}
		}
	}
	for _, m := range msgs {
		out := m.Clone()
		InjectTraceContext(ctx, out.Headers)
		out.Time = b.now()
		out.Offset = b.offsets[m.Topic]
		b.offsets[m.Topic]++
		b.queues[m.Topic] = append(b.queues[m.Topic], out)
		b.history[m.Topic] = append(b.history[m.Topic], out)
	}
	// 唤醒所有等待中的 Fetch
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// Messages 返回发往 topic 的全部消息（含已消费）。
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.history[topic]))
	copy(out, b.history[topic])
	return out
}

// Pending 返回 topic 中尚未被取走的消息数。
func (b *MemoryBroker) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[topic])
}

// Deliver 同步地把 topic 中的消息逐条交给 fn，处理期间新入队的消息也会被处理，返回处理条数。
func (b *MemoryBroker) Deliver(ctx context.Context, topic string, fn func(ctx context.Context, msg Message)) int {
	n := 0
	for ctx.Err() == nil {
		msg, ok := b.pop(topic)
		if !ok {
			return n
		}
		fn(ctx, msg)
		n++
	}
	return n
}

func (b *MemoryBroker) Subscribe(topic string) *MemorySubscriber {
	return &MemorySubscriber{broker: b, topic: topic}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.notify)
	}
	return nil
}

func (b *MemoryBroker) pop(topic string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[topic]
	if len(q) == 0 {
		return Message{}, false
	}
	msg := q[0]
	b.queues[topic] = q[1:]
	return msg, true
}

// MemorySubscriber MemoryBroker 上的 Subscriber。
type MemorySubscriber struct {
	broker *MemoryBroker
	topic  string
}

func (s *MemorySubscriber) Fetch(ctx context.Context) (Message, error) {
	for {
		s.broker.mu.Lock()
		closed := s.broker.closed
		wait := s.broker.notify
		s.broker.mu.Unlock()
		if msg, ok := s.broker.pop(s.topic); ok {
			return msg, nil
		}
		if closed {
			return Message{}, ErrBrokerClosed
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wait:
		}
	}
}

func (s *MemorySubscriber) Commit(ctx context.Context, msg Message) error {
	return nil
}

func (s *MemorySubscriber) Topic() string {
	return s.topic
}

func (s *MemorySubscriber) Close() error {
	return nil
}
