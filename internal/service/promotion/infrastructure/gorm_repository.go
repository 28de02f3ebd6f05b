package infrastructure

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/service/promotion/domain"
)

// GormCouponRepository 是 domain.CouponRepository 的 GORM 实现
type GormCouponRepository struct {
	db *gorm.DB
}

func NewGormCouponRepository(db *gorm.DB) *GormCouponRepository {
	return &GormCouponRepository{db: db}
}

func (r *GormCouponRepository) FindCoupon(ctx context.Context, id int64) (*domain.Coupon, error) {
	var m CouponModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrapf(bizerr.ErrNotFound, "coupon %d", id)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "find coupon %d", id)
	}
	return toDomainCoupon(&m), nil
}

func (r *GormCouponRepository) SaveCoupon(ctx context.Context, c *domain.Coupon) error {
	m := CouponModel{
		ID:                c.ID,
		Name:              c.Name,
		DiscountType:      string(c.DiscountType),
		Threshold:         c.Threshold,
		Amount:            c.Amount,
		Rate:              c.Rate,
		Condition:         c.Condition,
		RemainingQuantity: c.RemainingQuantity,
		TotalQuantity:     c.TotalQuantity,
		PerUserLimit:      c.PerUserLimit,
		ValidFrom:         nullableTime(c.ValidFrom),
		ValidTo:           nullableTime(c.ValidTo),
		Version:           c.Version,
	}
	return r.db.WithContext(ctx).Save(&m).Error
}

func (r *GormCouponRepository) CreateUserCoupon(ctx context.Context, uc *domain.UserCoupon) error {
	m := UserCouponModel{
		ID:        uc.ID,
		UserID:    uc.UserID,
		CouponID:  uc.CouponID,
		Status:    string(uc.Status),
		OrderNo:   uc.OrderNo,
		ValidFrom: uc.ValidFrom,
		ValidTo:   uc.ValidTo,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return pkgerrors.Wrapf(err, "create user coupon %d", uc.ID)
	}
	uc.CreatedAt = m.CreatedAt
	return nil
}

func (r *GormCouponRepository) FindUserCoupon(ctx context.Context, id int64) (*domain.UserCoupon, error) {
	var m UserCouponModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrapf(bizerr.ErrNotFound, "user coupon %d", id)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "find user coupon %d", id)
	}
	return toDomainUserCoupon(&m), nil
}

func (r *GormCouponRepository) CountHeld(ctx context.Context, userID, couponID int64, now time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&UserCouponModel{}).
		Where("user_id = ? AND coupon_id = ? AND status IN ? AND valid_to > ?",
			userID, couponID, []string{string(domain.StatusUnused), string(domain.StatusFrozen)}, now).
		Count(&n).Error
	return n, err
}

func (r *GormCouponRepository) TransitionStatus(ctx context.Context, id int64, from []domain.UserCouponStatus,
	to domain.UserCouponStatus, patch domain.UserCouponPatch) (bool, error) {
	statuses := make([]string, 0, len(from))
	for _, s := range from {
		statuses = append(statuses, string(s))
	}
	db := r.db.WithContext(ctx).Model(&UserCouponModel{}).Where("id = ? AND status IN ?", id, statuses)
	if patch.RequireOrderNo != "" {
		db = db.Where("order_no = ?", patch.RequireOrderNo)
	}
	updates := map[string]any{"status": string(to)}
	if patch.OrderNo != nil {
		updates["order_no"] = *patch.OrderNo
	}
	if patch.UsedTime != nil {
		updates["used_time"] = *patch.UsedTime
	}
	res := db.Updates(updates)
	return res.RowsAffected > 0, res.Error
}

func (r *GormCouponRepository) DeleteUnused(ctx context.Context, id int64) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND status = ?", id, string(domain.StatusUnused)).Delete(&UserCouponModel{})
	return res.RowsAffected > 0, res.Error
}

func (r *GormCouponRepository) ExpireBefore(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&UserCouponModel{}).
		Where("status = ? AND valid_to <= ?", string(domain.StatusUnused), now).
		Update("status", string(domain.StatusExpired))
	return res.RowsAffected, res.Error
}

func toDomainCoupon(m *CouponModel) *domain.Coupon {
	c := &domain.Coupon{
		ID:                m.ID,
		Name:              m.Name,
		DiscountType:      domain.DiscountType(m.DiscountType),
		Threshold:         m.Threshold,
		Amount:            m.Amount,
		Rate:              m.Rate,
		Condition:         m.Condition,
		RemainingQuantity: m.RemainingQuantity,
		TotalQuantity:     m.TotalQuantity,
		PerUserLimit:      m.PerUserLimit,
		Version:           m.Version,
	}
	if m.ValidFrom != nil {
		c.ValidFrom = *m.ValidFrom
	}
	if m.ValidTo != nil {
		c.ValidTo = *m.ValidTo
	}
	return c
}

func toDomainUserCoupon(m *UserCouponModel) *domain.UserCoupon {
	uc := &domain.UserCoupon{
		ID:        m.ID,
		UserID:    m.UserID,
		CouponID:  m.CouponID,
		Status:    domain.UserCouponStatus(m.Status),
		OrderNo:   m.OrderNo,
		ValidFrom: m.ValidFrom,
		ValidTo:   m.ValidTo,
		CreatedAt: m.CreatedAt,
	}
	if m.UsedTime != nil {
		uc.UsedTime = *m.UsedTime
	}
	return uc
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
