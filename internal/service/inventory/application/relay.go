package application

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/logger"
	"flashmart/internal/pkg/metrics"
	"flashmart/internal/pkg/mq"
	"flashmart/internal/service/inventory/domain"
)

// DefaultCASAttempts 乐观锁冲突时整体重算重写的次数
const DefaultCASAttempts = 3

type ApplyResult string

const (
	ResultApplied   ApplyResult = "applied"
	ResultDuplicate ApplyResult = "duplicate"
)

// DuplicateDetector 识别唯一键冲突，由具体数据库驱动提供。
type DuplicateDetector func(err error) bool

// Relay 把 InventoryDelta 幂等地应用到持久层。
type Relay struct {
	repo        domain.StockRepository
	tracer      trace.Tracer
	casAttempts int
	isDuplicate DuplicateDetector
}

func NewRelay(repo domain.StockRepository, tracer trace.Tracer, isDuplicate DuplicateDetector) *Relay {
	if isDuplicate == nil {
		isDuplicate = func(error) bool { return false }
	}
	return &Relay{repo: repo, tracer: tracer, casAttempts: DefaultCASAttempts, isDuplicate: isDuplicate}
}

// Apply 在一个事务里完成幂等检查、读取、版本条件更新与流水写入。
// 已应用过的变更直接返回 ResultDuplicate；版本冲突重试耗尽返回 ErrVersionConflict（可重试）；
// 结果越界返回 mq.Permanent 包装的错误（不可重试）。
func (r *Relay) Apply(ctx context.Context, d domain.InventoryDelta) (ApplyResult, error) {
	ctx, span := r.tracer.Start(ctx, "relay.Apply", trace.WithAttributes(
		attribute.String("pool", string(d.Pool)),
		attribute.Int64("resource.id", d.ResourceID),
		attribute.String("change", string(d.ChangeType)),
		attribute.Int("quantity", d.Quantity),
		attribute.String("correlation.id", d.CorrelationID),
	))
	defer span.End()

	if err := d.Validate(); err != nil {
		span.RecordError(err)
		metrics.RelayOutcomes.WithLabelValues(string(d.Pool), "rejected").Inc()
		return "", mq.Permanent(err)
	}

	for attempt := 1; attempt <= r.casAttempts; attempt++ {
		result, err := r.applyOnce(ctx, d)
		if err == nil {
			metrics.RelayOutcomes.WithLabelValues(string(d.Pool), string(result)).Inc()
			span.AddEvent("DeltaApplied", trace.WithAttributes(attribute.String("result", string(result))))
			return result, nil
		}
		if r.isDuplicate(err) {
			// 并发的另一次投递先写入了流水
			metrics.RelayOutcomes.WithLabelValues(string(d.Pool), string(ResultDuplicate)).Inc()
			return ResultDuplicate, nil
		}
		if errors.Is(err, bizerr.ErrVersionConflict) {
			span.AddEvent("VersionConflict", trace.WithAttributes(attribute.Int("attempt", attempt)))
			continue
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply delta failed")
		if mq.IsPermanent(err) {
			metrics.RelayOutcomes.WithLabelValues(string(d.Pool), "rejected").Inc()
		} else {
			metrics.RelayOutcomes.WithLabelValues(string(d.Pool), "error").Inc()
		}
		return "", err
	}

	metrics.RelayOutcomes.WithLabelValues(string(d.Pool), "conflict").Inc()
	span.SetStatus(codes.Error, "version conflict retries exhausted")
	logger.Ctx(ctx).Warn().
		Str("pool", string(d.Pool)).
		Int64("resource_id", d.ResourceID).
		Str("correlation_id", d.CorrelationID).
		Int("attempts", r.casAttempts).
		Msg("version conflict retries exhausted, delta will be requeued")
	return "", pkgerrors.Wrapf(bizerr.ErrVersionConflict, "%s %d", d.Pool, d.ResourceID)
}

func (r *Relay) applyOnce(ctx context.Context, d domain.InventoryDelta) (ApplyResult, error) {
	result := ResultApplied
	err := r.repo.Transaction(ctx, func(tx domain.StockRepository) error {
		applied, err := tx.LogExists(ctx, d.LogKey())
		if err != nil {
			return pkgerrors.Wrap(err, "check inventory log")
		}
		if applied {
			result = ResultDuplicate
			return nil
		}

		snap, err := tx.Snapshot(ctx, d.Pool, d.ResourceID)
		if err != nil {
			if errors.Is(err, bizerr.ErrNotFound) {
				return mq.Permanent(err)
			}
			return err
		}
		after, err := snap.Apply(d.ChangeType, d.Quantity)
		if errors.Is(err, domain.ErrExceedsTotal) {
			// 对应的扣减可能还在队列里，交给重投
			return err
		}
		if err != nil {
			return mq.Permanent(err)
		}

		var rows int64
		if d.ChangeType.Decrements() {
			rows, err = tx.ReduceStock(ctx, d.Pool, d.ResourceID, d.Quantity, snap.Version)
		} else {
			rows, err = tx.RestoreStock(ctx, d.Pool, d.ResourceID, d.Quantity, snap.Version)
		}
		if err != nil {
			return pkgerrors.Wrap(err, "update stock")
		}
		if rows == 0 {
			return bizerr.ErrVersionConflict
		}

		return tx.AppendLog(ctx, &domain.InventoryLog{
			ResourceID:    d.ResourceID,
			Pool:          d.Pool,
			ChangeType:    d.ChangeType,
			Quantity:      d.Quantity,
			BeforeQty:     snap.Quantity,
			AfterQty:      after,
			CorrelationID: d.CorrelationID,
		})
	})
	return result, err
}
