package testioc

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"flashmart/internal/pkg/redis"
)

// InitRedis 启动一个 miniredis，返回业务使用的客户端和用于操控时间的服务端句柄。
func InitRedis(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redis.NewFromUniversal(client), mr
}
