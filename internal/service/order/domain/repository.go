package domain

import (
	"context"
	"time"
)

// OrderRepository 定义了订单聚合的持久化接口。
// 订单只做状态流转，不做物理删除。
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error
	FindByOrderNo(ctx context.Context, orderNo string) (*Order, error)
	// Transition 仅当订单满足 guard 时写入 patch，返回是否发生变更
	Transition(ctx context.Context, orderNo string, guard Guard, patch Patch) (bool, error)
	// ListExpiredPending 查询支付截止时间早于 before 的待支付订单
	ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Order, error)
	ListByUser(ctx context.Context, userID int64, offset, limit int) ([]*Order, error)
}
