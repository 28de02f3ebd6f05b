package delay

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
	"flashmart/internal/pkg/mq"
)

// Scheduler 负责一个延迟 topic 的轮询投递。
type Scheduler struct {
	sub       mq.Subscriber
	pub       mq.Publisher
	interval  time.Duration
	fetchWait time.Duration
	now       func() time.Time
	tracer    trace.Tracer

	// 已取出但未到期的队头消息，下次轮询优先检查
	pending *mq.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithFetchWait 单次拉取等待时长，没有新消息时本轮结束。
func WithFetchWait(d time.Duration) Option {
	return func(s *Scheduler) { s.fetchWait = d }
}

func NewScheduler(sub mq.Subscriber, pub mq.Publisher, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		sub:       sub,
		pub:       pub,
		interval:  interval,
		fetchWait: 500 * time.Millisecond,
		now:       time.Now,
		tracer:    otel.Tracer("flashmart/delay"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 按 interval 轮询，直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) {
	logger.Ctx(ctx).Info().Str("topic", s.sub.Topic()).Dur("interval", s.interval).Msg("delay scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				logger.Ctx(ctx).Error().Err(err).Str("topic", s.sub.Topic()).Msg("delay scheduler tick failed")
			}
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Str("topic", s.sub.Topic()).Msg("delay scheduler shutting down")
			return
		}
	}
}

// Start 在后台运行 Run，与消费者一样随服务启停。
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(ctx)
	}()
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.sub.Close(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("topic", s.sub.Topic()).Msg("failed to close delay subscriber")
	}
}

// Tick 投递所有已到期的消息，返回投递条数。遇到未到期的队头即停止。
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	delivered := 0
	for {
		msg, ok := s.next(ctx)
		if !ok {
			return delivered, nil
		}

		due, err := s.deliverAt(msg)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("key", string(msg.Key)).Msg("invalid deliver-at header, delivering now")
			due = s.now()
		}
		if s.now().Before(due) {
			s.pending = &msg
			return delivered, nil
		}

		if err := s.forward(ctx, msg, due); err != nil {
			// 保留队头，下次轮询重试
			s.pending = &msg
			return delivered, err
		}
		s.pending = nil
		if err := s.sub.Commit(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("topic", s.sub.Topic()).Msg("failed to commit delayed message after publish")
		}
		delivered++
	}
}

func (s *Scheduler) next(ctx context.Context) (mq.Message, bool) {
	if s.pending != nil {
		return *s.pending, true
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchWait)
	defer cancel()
	msg, err := s.sub.Fetch(fetchCtx)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			logger.Ctx(ctx).Warn().Err(err).Str("topic", s.sub.Topic()).Msg("failed to fetch delayed message")
		}
		return mq.Message{}, false
	}
	return msg, true
}

func (s *Scheduler) deliverAt(msg mq.Message) (time.Time, error) {
	raw := msg.Header(mq.HeaderDeliverAt)
	if raw == "" {
		return msg.Time, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (s *Scheduler) forward(ctx context.Context, msg mq.Message, due time.Time) error {
	spanCtx := mq.ExtractTraceContext(ctx, msg.Headers)
	spanCtx, span := s.tracer.Start(spanCtx, "scheduler.Forward", trace.WithAttributes(
		attribute.String("delay.topic", s.sub.Topic()),
		attribute.String("deliver_at", due.Format(time.RFC3339)),
	))
	defer span.End()

	realTopic := msg.Header(mq.HeaderRealTopic)
	if realTopic == "" {
		// 无法投递的消息直接丢弃，否则会一直阻塞队头
		logger.Ctx(spanCtx).Error().Str("topic", s.sub.Topic()).Str("key", string(msg.Key)).Msg("'real-topic' header missing, skipping")
		span.AddEvent("MissingRealTopic")
		return nil
	}

	out := msg.Clone()
	out.Topic = realTopic
	delete(out.Headers, mq.HeaderRealTopic)
	delete(out.Headers, mq.HeaderDeliverAt)
	if err := s.pub.Publish(spanCtx, out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish to real topic")
		return err
	}
	span.AddEvent("MessagePublished", trace.WithAttributes(attribute.String("real.topic", realTopic)))
	logger.Ctx(spanCtx).Debug().Str("real_topic", realTopic).Str("key", string(msg.Key)).Msg("delayed message delivered")
	return nil
}
