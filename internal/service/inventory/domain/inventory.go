// Package domain 库存领域模型：三类库存池以及在缓存与持久层之间流转的库存变更。
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Pool 库存池。
type Pool string

const (
	PoolStock   Pool = "stock"   // 普通商品库存
	PoolSeckill Pool = "seckill" // 秒杀库存
	PoolCoupon  Pool = "coupon"  // 优惠券发放量
)

func (p Pool) Valid() bool {
	switch p {
	case PoolStock, PoolSeckill, PoolCoupon:
		return true
	}
	return false
}

// ChangeType 库存变更类型。Reserve / Lock 扣减，Restore / Release 分别是它们的逆操作。
type ChangeType string

const (
	ChangeReserve ChangeType = "RESERVE"
	ChangeRestore ChangeType = "RESTORE"
	ChangeLock    ChangeType = "LOCK"
	ChangeRelease ChangeType = "RELEASE"
)

// Sign 扣减为 -1，归还为 +1。
func (c ChangeType) Sign() int {
	switch c {
	case ChangeReserve, ChangeLock:
		return -1
	case ChangeRestore, ChangeRelease:
		return 1
	}
	return 0
}

func (c ChangeType) Inverse() ChangeType {
	switch c {
	case ChangeReserve:
		return ChangeRestore
	case ChangeRestore:
		return ChangeReserve
	case ChangeLock:
		return ChangeRelease
	case ChangeRelease:
		return ChangeLock
	}
	return c
}

func (c ChangeType) Decrements() bool {
	return c.Sign() < 0
}

// InventoryDelta 缓存侧已生效、待同步到持久层的库存变更。
type InventoryDelta struct {
	ResourceID    int64      `json:"productId"`
	Pool          Pool       `json:"pool"`
	ChangeType    ChangeType `json:"changeType"`
	Quantity      int        `json:"quantity"`
	CorrelationID string     `json:"correlationId"`
	IsSeckill     bool       `json:"isSeckill"`
	RetryCount    int        `json:"retryCount"`
	OccurredAt    time.Time  `json:"occurredAt"`
}

func (d InventoryDelta) Validate() error {
	if !d.Pool.Valid() {
		return fmt.Errorf("unknown pool %q", d.Pool)
	}
	if d.ChangeType.Sign() == 0 {
		return fmt.Errorf("unknown change type %q", d.ChangeType)
	}
	if d.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", d.Quantity)
	}
	if d.ResourceID <= 0 || d.CorrelationID == "" {
		return fmt.Errorf("resource id and correlation id are required")
	}
	return nil
}

// Key 消息分区键，同一资源的变更落在同一分区。
func (d InventoryDelta) Key() string {
	return fmt.Sprintf("%s:%d", d.Pool, d.ResourceID)
}

// Product 商品。stock 与 seckillStock 都不能为负，每次持久层变更 version 加一。
type Product struct {
	ID           int64
	Name         string
	Price        decimal.Decimal
	SeckillPrice decimal.Decimal
	Stock        int
	SeckillStock int
	SeckillStart time.Time
	SeckillEnd   time.Time
	Version      int64
}

// SeckillActive 秒杀窗口为左闭右开区间。
func (p *Product) SeckillActive(now time.Time) bool {
	return !now.Before(p.SeckillStart) && now.Before(p.SeckillEnd)
}

// Snapshot 持久层某个库存池的当前值。Total < 0 表示没有上限。
type Snapshot struct {
	Quantity int
	Total    int
	Version  int64
}

// ErrExceedsTotal 回补后超出总量。乱序到达的回补会先于对应扣减出现，等扣减落库后可以重试。
var ErrExceedsTotal = errors.New("quantity would exceed total")

// Apply 计算变更后的值，越界时返回 error。
func (s Snapshot) Apply(change ChangeType, qty int) (int, error) {
	after := s.Quantity + change.Sign()*qty
	if after < 0 {
		return 0, fmt.Errorf("quantity would become negative: %d %s %d", s.Quantity, change, qty)
	}
	if s.Total >= 0 && after > s.Total {
		return 0, fmt.Errorf("%w %d: %d %s %d", ErrExceedsTotal, s.Total, s.Quantity, change, qty)
	}
	return after, nil
}

// ResourceRef 对账时遍历的库存池条目。
type ResourceRef struct {
	Pool     Pool
	ID       int64
	Quantity int
	Version  int64
}

// InventoryLog 持久层已应用的库存变更，(ResourceID, Pool, CorrelationID, ChangeType) 唯一。
type InventoryLog struct {
	ID            int64
	ResourceID    int64
	Pool          Pool
	ChangeType    ChangeType
	Quantity      int
	BeforeQty     int
	AfterQty      int
	CorrelationID string
	CreatedAt     time.Time
}

// LogKey 幂等键。
type LogKey struct {
	ResourceID    int64
	Pool          Pool
	CorrelationID string
	ChangeType    ChangeType
}

func (d InventoryDelta) LogKey() LogKey {
	return LogKey{ResourceID: d.ResourceID, Pool: d.Pool, CorrelationID: d.CorrelationID, ChangeType: d.ChangeType}
}
