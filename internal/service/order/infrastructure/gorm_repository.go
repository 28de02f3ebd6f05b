package infrastructure

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"flashmart/internal/pkg/bizerr"
	"flashmart/internal/service/order/domain"
)

// GormOrderRepository 是 domain.OrderRepository 的 GORM 实现
type GormOrderRepository struct {
	db *gorm.DB
}

var _ domain.OrderRepository = (*GormOrderRepository)(nil)

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) Create(ctx context.Context, o *domain.Order) error {
	m := toModel(o)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return pkgerrors.Wrapf(err, "create order %s", o.OrderNo)
	}
	return nil
}

func (r *GormOrderRepository) FindByOrderNo(ctx context.Context, orderNo string) (*domain.Order, error) {
	var m OrderModel
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrapf(bizerr.ErrNotFound, "order %s", orderNo)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "find order %s", orderNo)
	}
	return toDomain(&m), nil
}

// Transition 以前置状态为条件更新，并发的重复支付或取消只有一个能成功
func (r *GormOrderRepository) Transition(ctx context.Context, orderNo string, guard domain.Guard, patch domain.Patch) (bool, error) {
	db := r.db.WithContext(ctx).Model(&OrderModel{}).Where("order_no = ?", orderNo)
	if guard.Status != "" {
		db = db.Where("order_status = ?", string(guard.Status))
	}
	if guard.PayStatus != "" {
		db = db.Where("pay_status = ?", string(guard.PayStatus))
	}

	updates := map[string]any{}
	if patch.Status != "" {
		updates["order_status"] = string(patch.Status)
	}
	if patch.PayStatus != "" {
		updates["pay_status"] = string(patch.PayStatus)
	}
	if patch.PayType != "" {
		updates["pay_type"] = patch.PayType
	}
	if patch.CancelReason != "" {
		updates["cancel_reason"] = patch.CancelReason
	}
	if patch.TrackingNo != "" {
		updates["tracking_no"] = patch.TrackingNo
	}
	for col, t := range map[string]time.Time{
		"pay_time":      patch.PayTime,
		"cancel_time":   patch.CancelTime,
		"ship_time":     patch.ShipTime,
		"complete_time": patch.CompleteTime,
	} {
		if !t.IsZero() {
			updates[col] = t
		}
	}
	if len(updates) == 0 {
		return false, errors.New("empty order patch")
	}
	res := db.Updates(updates)
	if res.Error != nil {
		return false, pkgerrors.Wrapf(res.Error, "transition order %s", orderNo)
	}
	return res.RowsAffected > 0, nil
}

func (r *GormOrderRepository) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*domain.Order, error) {
	var models []OrderModel
	err := r.db.WithContext(ctx).
		Where("order_status = ? AND expire_time < ?", string(domain.StatusPendingPay), before).
		Order("expire_time").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list expired orders")
	}
	return toDomains(models), nil
}

func (r *GormOrderRepository) ListByUser(ctx context.Context, userID int64, offset, limit int) ([]*domain.Order, error) {
	var models []OrderModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Offset(offset).Limit(limit).Find(&models).Error
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "list orders of user %d", userID)
	}
	return toDomains(models), nil
}

func toModel(o *domain.Order) *OrderModel {
	return &OrderModel{
		ID:             o.ID,
		OrderNo:        o.OrderNo,
		UserID:         o.UserID,
		ProductID:      o.ProductID,
		Quantity:       o.Quantity,
		IsSeckill:      o.IsSeckill,
		OriginalAmount: o.OriginalAmount,
		DiscountAmount: o.DiscountAmount,
		PayAmount:      o.PayAmount,
		OrderStatus:    string(o.Status),
		PayStatus:      string(o.PayStatus),
		PayType:        o.PayType,
		CouponIDs:      o.CouponIDs,
		CancelReason:   o.CancelReason,
		TrackingNo:     o.TrackingNo,
		CreatedAt:      o.CreatedAt,
		ExpireTime:     nullableTime(o.ExpireTime),
		PayTime:        nullableTime(o.PayTime),
		CancelTime:     nullableTime(o.CancelTime),
		ShipTime:       nullableTime(o.ShipTime),
		CompleteTime:   nullableTime(o.CompleteTime),
	}
}

func toDomain(m *OrderModel) *domain.Order {
	return &domain.Order{
		ID:             m.ID,
		OrderNo:        m.OrderNo,
		UserID:         m.UserID,
		ProductID:      m.ProductID,
		Quantity:       m.Quantity,
		IsSeckill:      m.IsSeckill,
		OriginalAmount: m.OriginalAmount,
		DiscountAmount: m.DiscountAmount,
		PayAmount:      m.PayAmount,
		Status:         domain.OrderStatus(m.OrderStatus),
		PayStatus:      domain.PayStatus(m.PayStatus),
		PayType:        m.PayType,
		CouponIDs:      m.CouponIDs,
		CancelReason:   m.CancelReason,
		TrackingNo:     m.TrackingNo,
		CreatedAt:      m.CreatedAt,
		ExpireTime:     derefTime(m.ExpireTime),
		PayTime:        derefTime(m.PayTime),
		CancelTime:     derefTime(m.CancelTime),
		ShipTime:       derefTime(m.ShipTime),
		CompleteTime:   derefTime(m.CompleteTime),
	}
}

func toDomains(models []OrderModel) []*domain.Order {
	orders := make([]*domain.Order, 0, len(models))
	for i := range models {
		orders = append(orders, toDomain(&models[i]))
	}
	return orders
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
