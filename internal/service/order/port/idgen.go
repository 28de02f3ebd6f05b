package port

import "context"

// IDGenerator 订单 id 与订单号
type IDGenerator interface {
	NextID() int64
	NextOrderNo(ctx context.Context) string
}
