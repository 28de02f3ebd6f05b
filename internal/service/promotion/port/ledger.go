package port

import "context"

// SupplyLedger 是优惠券发放量的出站端口，由库存账本的 coupon 池实现。
// 每张用户券对应一个单位的发放量，userCouponID 作为关联号保证中继幂等。
type SupplyLedger interface {
	Reserve(ctx context.Context, couponID, userCouponID int64) error
	Restore(ctx context.Context, couponID, userCouponID int64) error
}

// IDGenerator 生成全局唯一的用户券 id
type IDGenerator interface {
	NextID() int64
}
