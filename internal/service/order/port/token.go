package port

import (
	"context"
	"time"

	"flashmart/internal/service/order/domain"
)

// ConfirmToken 确认下单时签发，支付时用于校验订单未被篡改
type ConfirmToken struct {
	Token     string  `json:"token"`
	OrderNo   string  `json:"orderNo"`
	ProductID int64   `json:"productId"`
	Quantity  int     `json:"quantity"`
	CouponIDs []int64 `json:"couponIds"`
}

// Matches 令牌是否与订单一致
func (t *ConfirmToken) Matches(o *domain.Order) bool {
	return t.OrderNo == o.OrderNo && t.ProductID == o.ProductID && t.Quantity == o.Quantity
}

// TokenStore 确认令牌的存储，令牌不存在时 Get 返回 nil, nil
type TokenStore interface {
	Issue(ctx context.Context, t ConfirmToken, ttl time.Duration) (string, error)
	Get(ctx context.Context, orderNo string) (*ConfirmToken, error)
	Delete(ctx context.Context, orderNo string) error
}
