// Package idgen 生成主键与订单号。
package idgen

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	goredis "github.com/redis/go-redis/v9"

	"flashmart/internal/pkg/keys"
	"flashmart/internal/pkg/logger"
)

const orderNoTimeLayout = "20060102150405"

// Generator 主键用雪花算法；订单号为 yyyyMMddHHmmss + 4 位秒内序列 + 4 位随机数。
type Generator struct {
	node *snowflake.Node
	rdb  goredis.UniversalClient
	now  func() time.Time

	mu       sync.Mutex
	localSec string
	localSeq int64
}

// New rdb 可为 nil，此时秒内序列退化为进程内计数。
func New(nodeID int64, rdb goredis.UniversalClient) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node, rdb: rdb, now: time.Now}, nil
}

// SetClock 仅用于测试。
func (g *Generator) SetClock(now func() time.Time) {
	g.now = now
}

func (g *Generator) NextID() int64 {
	return g.node.Generate().Int64()
}

// NextOrderNo 秒内序列通过 Redis INCR 全局递增，Redis 不可用时使用本地序列。
func (g *Generator) NextOrderNo(ctx context.Context) string {
	sec := g.now().Format(orderNoTimeLayout)
	seq, err := g.redisSeq(ctx, sec)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("order sequence fallback to local counter")
		seq = g.localNext(sec)
	}
	return fmt.Sprintf("%s%04d%04d", sec, seq%10000, rand.IntN(10000))
}

func (g *Generator) redisSeq(ctx context.Context, sec string) (int64, error) {
	if g.rdb == nil {
		return g.localNext(sec), nil
	}
	key := keys.OrderSequence(sec)
	pipe := g.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 5*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (g *Generator) localNext(sec string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.localSec != sec {
		g.localSec = sec
		g.localSeq = 0
	}
	g.localSeq++
	return g.localSeq
}
