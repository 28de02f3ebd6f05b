package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProductModel 对应 products 表
type ProductModel struct {
	ID           int64           `gorm:"primaryKey;autoIncrement:false"`
	Name         string          `gorm:"type:varchar(128)"`
	Price        decimal.Decimal `gorm:"type:decimal(10,2)"`
	SeckillPrice decimal.Decimal `gorm:"type:decimal(10,2)"`
	Stock        int
	SeckillStock int
	SeckillStart *time.Time
	SeckillEnd   *time.Time
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (ProductModel) TableName() string {
	return "products"
}

// CouponStockModel 只映射 coupons 表中与发放量相关的列，表结构由优惠券服务维护
type CouponStockModel struct {
	ID                int64 `gorm:"primaryKey;autoIncrement:false"`
	RemainingQuantity int
	TotalQuantity     int
	Version           int64
}

func (CouponStockModel) TableName() string {
	return "coupons"
}

// InventoryLogModel 对应 inventory_logs 表，联合唯一索引即中继的幂等键
type InventoryLogModel struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	ResourceID    int64  `gorm:"uniqueIndex:uk_inventory_log,priority:1"`
	Pool          string `gorm:"type:varchar(16);uniqueIndex:uk_inventory_log,priority:2"`
	CorrelationID string `gorm:"type:varchar(64);uniqueIndex:uk_inventory_log,priority:3"`
	ChangeType    string `gorm:"type:varchar(16);uniqueIndex:uk_inventory_log,priority:4"`
	Quantity      int
	BeforeQty     int
	AfterQty      int
	CreatedAt     time.Time
}

func (InventoryLogModel) TableName() string {
	return "inventory_logs"
}

// InitTables 迁移库存服务拥有的表
func InitTables(db *gorm.DB) error {
	return db.AutoMigrate(&ProductModel{}, &InventoryLogModel{})
}
