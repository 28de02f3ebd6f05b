package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lithammer/shortuuid/v4"
	goredis "github.com/redis/go-redis/v9"

	"flashmart/internal/pkg/keys"
	"flashmart/internal/service/order/port"
)

// TokenRedisAdapter 把确认令牌存放在 Redis，过期时间与支付超时一致
type TokenRedisAdapter struct {
	rdb goredis.UniversalClient
}

var _ port.TokenStore = (*TokenRedisAdapter)(nil)

func NewTokenRedisAdapter(rdb goredis.UniversalClient) *TokenRedisAdapter {
	return &TokenRedisAdapter{rdb: rdb}
}

func (a *TokenRedisAdapter) Issue(ctx context.Context, t port.ConfirmToken, ttl time.Duration) (string, error) {
	t.Token = shortuuid.New()
	payload, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	if err := a.rdb.Set(ctx, keys.ConfirmToken(t.OrderNo), payload, ttl).Err(); err != nil {
		return "", err
	}
	return t.Token, nil
}

func (a *TokenRedisAdapter) Get(ctx context.Context, orderNo string) (*port.ConfirmToken, error) {
	payload, err := a.rdb.Get(ctx, keys.ConfirmToken(orderNo)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t port.ConfirmToken
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (a *TokenRedisAdapter) Delete(ctx context.Context, orderNo string) error {
	return a.rdb.Del(ctx, keys.ConfirmToken(orderNo)).Err()
}
