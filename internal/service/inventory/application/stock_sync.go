package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/logger"
	"flashmart/internal/pkg/metrics"
	"flashmart/internal/service/inventory/domain"
)

// SyncReport 一轮对账的统计
type SyncReport struct {
	Checked   int `json:"checked"`
	Warmed    int `json:"warmed"`
	Diverged  int `json:"diverged"`
	Corrected int `json:"corrected"`
	Alerts    int `json:"alerts"`
}

type observation struct {
	cache   int
	version int64
}

// StockSync 周期性比对缓存与持久层。
// 中继在途时两边本就短暂不一致，因此只有连续两轮观察到相同的缓存值和相同的持久层版本，
// 才认定为漂移。缓存只会被向下校正：缓存低于持久层时可能有扣减还没落库
// （中继停滞或进了死信），自动抬高会超卖，只告警交给人工处理。
type StockSync struct {
	repo        domain.StockRepository
	ledger      *Ledger
	tracer      trace.Tracer
	concurrency int

	mu   sync.Mutex
	seen map[string]observation
}

func NewStockSync(repo domain.StockRepository, ledger *Ledger, tracer trace.Tracer, concurrency int) *StockSync {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &StockSync{
		repo:        repo,
		ledger:      ledger,
		tracer:      tracer,
		concurrency: concurrency,
		seen:        make(map[string]observation),
	}
}

// Sweep 执行一轮对账。单个条目失败不影响其他条目。
func (s *StockSync) Sweep(ctx context.Context) (SyncReport, error) {
	ctx, span := s.tracer.Start(ctx, "stockSync.Sweep")
	defer span.End()

	refs, err := s.repo.ListResources(ctx)
	if err != nil {
		span.RecordError(err)
		return SyncReport{}, err
	}

	var (
		report SyncReport
		rmu    sync.Mutex
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for _, ref := range refs {
		eg.Go(func() error {
			outcome, err := s.check(egCtx, ref)
			if err != nil {
				logger.Ctx(egCtx).Warn().Err(err).Str("pool", string(ref.Pool)).Int64("resource_id", ref.ID).Msg("stock sync check failed")
				return nil
			}
			rmu.Lock()
			defer rmu.Unlock()
			report.Checked++
			switch outcome {
			case "warmed":
				report.Warmed++
			case "diverged":
				report.Diverged++
			case "corrected":
				report.Corrected++
			case "alert":
				report.Diverged++
				report.Alerts++
			}
			return nil
		})
	}
	_ = eg.Wait()

	span.SetAttributes(
		attribute.Int("sync.checked", report.Checked),
		attribute.Int("sync.corrected", report.Corrected),
	)
	return report, nil
}

func (s *StockSync) check(ctx context.Context, ref domain.ResourceRef) (string, error) {
	id := fmt.Sprintf("%s:%d", ref.Pool, ref.ID)
	cache, err := s.ledger.Available(ctx, ref.Pool, ref.ID)
	if errors.Is(err, bizerr.ErrNotFound) {
		if _, err := s.ledger.Warm(ctx, ref.Pool, ref.ID); err != nil {
			return "", err
		}
		s.forget(id)
		return "warmed", nil
	}
	if err != nil {
		return "", err
	}
	if cache == ref.Quantity {
		s.forget(id)
		return "consistent", nil
	}

	current := observation{cache: cache, version: ref.Version}
	s.mu.Lock()
	prev, ok := s.seen[id]
	s.seen[id] = current
	s.mu.Unlock()
	if !ok || prev != current {
		return "diverged", nil
	}

	if cache < ref.Quantity {
		metrics.StockDrift.WithLabelValues(string(ref.Pool)).Inc()
		logger.Ctx(ctx).Error().
			Str("alert", "stock_drift").
			Str("pool", string(ref.Pool)).
			Int64("resource_id", ref.ID).
			Int("cache", cache).
			Int("durable", ref.Quantity).
			Int64("version", ref.Version).
			Msg("ALERT: cache below durable stock, check relay lag and dead letters before raising it")
		return "alert", nil
	}

	swapped, err := s.ledger.CompareAndSet(ctx, ref.Pool, ref.ID, cache, ref.Quantity)
	if err != nil {
		return "", err
	}
	s.forget(id)
	if !swapped {
		// 两次读取之间缓存又变了，说明有新流量，下一轮重新观察
		return "diverged", nil
	}
	metrics.StockDrift.WithLabelValues(string(ref.Pool)).Inc()
	logger.Ctx(ctx).Warn().
		Str("pool", string(ref.Pool)).
		Int64("resource_id", ref.ID).
		Int("cache", cache).
		Int("durable", ref.Quantity).
		Int64("version", ref.Version).
		Msg("stock drift corrected from durable store")
	return "corrected", nil
}

func (s *StockSync) forget(id string) {
	s.mu.Lock()
	delete(s.seen, id)
	s.mu.Unlock()
}
