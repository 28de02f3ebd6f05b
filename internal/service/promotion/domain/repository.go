package domain

import (
	"context"
	"time"
)

// CouponRepository 优惠券与用户券的持久化接口
type CouponRepository interface {
	FindCoupon(ctx context.Context, id int64) (*Coupon, error)
	SaveCoupon(ctx context.Context, c *Coupon) error

	CreateUserCoupon(ctx context.Context, uc *UserCoupon) error
	FindUserCoupon(ctx context.Context, id int64) (*UserCoupon, error)
	// CountHeld 统计用户对某券仍持有（未使用/冻结且未过期）的数量
	CountHeld(ctx context.Context, userID, couponID int64, now time.Time) (int64, error)
	// TransitionStatus 仅当当前状态属于 from 时更新，返回是否发生变更。
	TransitionStatus(ctx context.Context, id int64, from []UserCouponStatus, to UserCouponStatus, patch UserCouponPatch) (bool, error)
	// DeleteUnused 删除仍未使用的用户券，返回是否删除
	DeleteUnused(ctx context.Context, id int64) (bool, error)
	// ExpireBefore 把 validTo 早于 now 的未使用券标记为过期
	ExpireBefore(ctx context.Context, now time.Time) (int64, error)
}

// UserCouponPatch 状态变更的附加条件与字段
type UserCouponPatch struct {
	// RequireOrderNo 非空时仅匹配关联到该订单的券
	RequireOrderNo string
	// OrderNo 为 nil 表示不修改；指向空串表示解除关联
	OrderNo  *string
	UsedTime *time.Time
}
