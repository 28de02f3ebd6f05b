package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/pkg/lock"
	"flashmart/internal/pkg/logger"
	"flashmart/internal/service/promotion/domain"
	"flashmart/internal/service/promotion/port"
)

// CouponService 负责优惠券的发放、报价与用户券的状态流转。
// 发放量的扣减走库存账本，用户券状态用条件更新保证并发安全。
type CouponService struct {
	repo      domain.CouponRepository
	ledger    port.SupplyLedger
	mutex     lock.Mutex
	lockTTL   time.Duration
	ids       port.IDGenerator
	evaluator domain.ConditionEvaluator
	tracer    trace.Tracer
	now       func() time.Time
}

func NewCouponService(repo domain.CouponRepository, ledger port.SupplyLedger, mutex lock.Mutex, lockTTL time.Duration,
	ids port.IDGenerator, evaluator domain.ConditionEvaluator, tracer trace.Tracer) *CouponService {
	return &CouponService{
		repo:      repo,
		ledger:    ledger,
		mutex:     mutex,
		lockTTL:   lockTTL,
		ids:       ids,
		evaluator: evaluator,
		tracer:    tracer,
		now:       time.Now,
	}
}

// SetClock 仅用于测试
func (s *CouponService) SetClock(now func() time.Time) {
	s.now = now
}

// Grant 用户领取一张券。同一用户对同一张券的并发领取由互斥锁串行化，
// 不同用户之间的竞争由账本的原子扣减裁决。
// 锁键是 coupon:grant:<couponId>:<userId>，不是只按券加锁：只按券加锁时落败的用户会得到重复提交而不是库存不足。
func (s *CouponService) Grant(ctx context.Context, userID, couponID int64) (*domain.UserCoupon, error) {
	ctx, span := s.tracer.Start(ctx, "coupon.Grant", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int64("coupon.id", couponID),
	))
	defer span.End()

	if userID <= 0 || couponID <= 0 {
		return nil, bizerr.Validation("user id and coupon id are required")
	}

	var granted *domain.UserCoupon
	name := fmt.Sprintf("coupon:grant:%d:%d", couponID, userID)
	err := lock.WithLock(ctx, s.mutex, name, s.lockTTL, func(ctx context.Context) error {
		coupon, err := s.repo.FindCoupon(ctx, couponID)
		if err != nil {
			return err
		}
		now := s.now()
		if !coupon.InWindow(now) {
			return bizerr.ErrCouponUnavailable
		}
		if coupon.PerUserLimit > 0 {
			held, err := s.repo.CountHeld(ctx, userID, couponID, now)
			if err != nil {
				return err
			}
			if held >= int64(coupon.PerUserLimit) {
				return bizerr.ErrAlreadyPurchased
			}
		}

		uc := &domain.UserCoupon{
			ID:        s.ids.NextID(),
			UserID:    userID,
			CouponID:  couponID,
			Status:    domain.StatusUnused,
			ValidFrom: coupon.ValidFrom,
			ValidTo:   coupon.ValidTo,
		}
		if uc.ValidTo.IsZero() {
			// 模板未设置截止时间时给一个足够远的截止
			uc.ValidTo = now.AddDate(100, 0, 0)
		}
		if err := s.ledger.Reserve(ctx, couponID, uc.ID); err != nil {
			return err
		}
		if err := s.repo.CreateUserCoupon(ctx, uc); err != nil {
			if rerr := s.ledger.Restore(ctx, couponID, uc.ID); rerr != nil {
				logger.Ctx(ctx).Error().Err(rerr).
					Int64("coupon_id", couponID).
					Int64("user_coupon_id", uc.ID).
					Msg("failed to return coupon supply after insert failure")
			}
			return err
		}
		granted = uc
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if _, ok := bizerr.CodeOf(err); !ok {
			span.SetStatus(codes.Error, "grant coupon failed")
		}
		return nil, err
	}
	span.AddEvent("CouponGranted", trace.WithAttributes(attribute.Int64("user_coupon.id", granted.ID)))
	logger.Ctx(ctx).Info().Int64("user_id", userID).Int64("coupon_id", couponID).Int64("user_coupon_id", granted.ID).Msg("coupon granted")
	return granted, nil
}

// Quote 计算一组用户券对订单的抵扣。不可用的券被跳过，只有 Applied 中的券参与后续冻结或核销。
func (s *CouponService) Quote(ctx context.Context, userID int64, userCouponIDs []int64, fact domain.Fact) (domain.Quote, error) {
	ctx, span := s.tracer.Start(ctx, "coupon.Quote", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.Int64Slice("user_coupon.ids", userCouponIDs),
	))
	defer span.End()

	now := s.now()
	seen := make(map[int64]struct{}, len(userCouponIDs))
	applied := make([]domain.AppliedCoupon, 0, len(userCouponIDs))
	for _, id := range userCouponIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		uc, err := s.repo.FindUserCoupon(ctx, id)
		if errors.Is(err, bizerr.ErrNotFound) {
			logger.Ctx(ctx).Debug().Int64("user_coupon_id", id).Msg("coupon skipped: not found")
			continue
		}
		if err != nil {
			span.RecordError(err)
			return domain.Quote{}, err
		}
		if err := uc.Usable(userID, "", now); err != nil {
			logger.Ctx(ctx).Debug().Int64("user_coupon_id", id).Str("status", string(uc.Status)).Msg("coupon skipped: not usable")
			continue
		}
		coupon, err := s.repo.FindCoupon(ctx, uc.CouponID)
		if err != nil {
			span.RecordError(err)
			return domain.Quote{}, err
		}
		ok, err := s.evaluator.Evaluate(coupon.Condition, fact)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Int64("coupon_id", coupon.ID).Msg("coupon condition failed to evaluate")
			continue
		}
		if !ok {
			continue
		}
		discount := coupon.Discount(fact.Subtotal)
		if !discount.IsPositive() {
			continue
		}
		applied = append(applied, domain.AppliedCoupon{UserCouponID: uc.ID, CouponID: coupon.ID, Discount: discount})
	}

	q := domain.Settle(fact.Subtotal, applied)
	span.SetAttributes(attribute.String("quote.payable", q.Payable.String()), attribute.Int("quote.applied", len(applied)))
	return q, nil
}

// Freeze 待支付订单占用一张券：Unused→Frozen
func (s *CouponService) Freeze(ctx context.Context, userID, userCouponID int64, orderNo string) error {
	ctx, span := s.tracer.Start(ctx, "coupon.Freeze", trace.WithAttributes(
		attribute.Int64("user_coupon.id", userCouponID),
		attribute.String("order.no", orderNo),
	))
	defer span.End()

	uc, err := s.repo.FindUserCoupon(ctx, userCouponID)
	if err != nil {
		return err
	}
	if err := uc.Usable(userID, orderNo, s.now()); err != nil {
		return err
	}
	if uc.Status == domain.StatusFrozen {
		return nil
	}
	changed, err := s.repo.TransitionStatus(ctx, userCouponID,
		[]domain.UserCouponStatus{domain.StatusUnused}, domain.StatusFrozen,
		domain.UserCouponPatch{OrderNo: &orderNo})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !changed {
		return bizerr.ErrCouponUnavailable
	}
	return nil
}

// Use 核销：本订单冻结的券或未使用的券 → Used。对同一订单重复核销是幂等的。
func (s *CouponService) Use(ctx context.Context, userID, userCouponID int64, orderNo string) error {
	ctx, span := s.tracer.Start(ctx, "coupon.Use", trace.WithAttributes(
		attribute.Int64("user_coupon.id", userCouponID),
		attribute.String("order.no", orderNo),
	))
	defer span.End()

	uc, err := s.repo.FindUserCoupon(ctx, userCouponID)
	if err != nil {
		return err
	}
	if uc.Status == domain.StatusUsed && uc.OrderNo == orderNo {
		return nil
	}
	if uc.UserID != userID {
		return bizerr.ErrCouponUnavailable
	}
	usedAt := s.now()
	patch := domain.UserCouponPatch{OrderNo: &orderNo, UsedTime: &usedAt}

	// 冻结的券在订单确认时已校验过有效期，支付时即使跨过截止也允许核销
	frozen := patch
	frozen.RequireOrderNo = orderNo
	changed, err := s.repo.TransitionStatus(ctx, userCouponID,
		[]domain.UserCouponStatus{domain.StatusFrozen}, domain.StatusUsed, frozen)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if changed {
		return nil
	}

	if err := uc.Usable(userID, "", usedAt); err != nil {
		return err
	}
	changed, err = s.repo.TransitionStatus(ctx, userCouponID,
		[]domain.UserCouponStatus{domain.StatusUnused}, domain.StatusUsed, patch)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !changed {
		return bizerr.ErrCouponUnavailable
	}
	return nil
}

// Restore 订单取消时把它占用的券退回 Unused。券不属于该订单时不做任何修改。
func (s *CouponService) Restore(ctx context.Context, userCouponID int64, orderNo string) error {
	ctx, span := s.tracer.Start(ctx, "coupon.Restore", trace.WithAttributes(
		attribute.Int64("user_coupon.id", userCouponID),
		attribute.String("order.no", orderNo),
	))
	defer span.End()

	if orderNo == "" {
		return bizerr.Validation("order no is required")
	}
	empty := ""
	changed, err := s.repo.TransitionStatus(ctx, userCouponID,
		[]domain.UserCouponStatus{domain.StatusFrozen, domain.StatusUsed}, domain.StatusUnused,
		domain.UserCouponPatch{RequireOrderNo: orderNo, OrderNo: &empty})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !changed {
		logger.Ctx(ctx).Debug().Int64("user_coupon_id", userCouponID).Str("order_no", orderNo).Msg("coupon restore skipped, not held by order")
	}
	return nil
}

// Revoke 收回一张未使用的券，并把发放量还给券模板
func (s *CouponService) Revoke(ctx context.Context, userCouponID int64) error {
	ctx, span := s.tracer.Start(ctx, "coupon.Revoke", trace.WithAttributes(attribute.Int64("user_coupon.id", userCouponID)))
	defer span.End()

	uc, err := s.repo.FindUserCoupon(ctx, userCouponID)
	if err != nil {
		return err
	}
	deleted, err := s.repo.DeleteUnused(ctx, userCouponID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !deleted {
		return bizerr.ErrCouponUnavailable
	}
	if err := s.ledger.Restore(ctx, uc.CouponID, uc.ID); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// ExpireOverdue 把已过截止时间的未使用券标记为过期，由定时任务调用
func (s *CouponService) ExpireOverdue(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "coupon.ExpireOverdue")
	defer span.End()

	n, err := s.repo.ExpireBefore(ctx, s.now())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if n > 0 {
		logger.Ctx(ctx).Info().Int64("expired", n).Msg("overdue coupons expired")
	}
	return n, nil
}
