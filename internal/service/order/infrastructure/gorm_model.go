package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderModel 对应 orders 表
type OrderModel struct {
	ID             int64           `gorm:"primaryKey;autoIncrement:false"`
	OrderNo        string          `gorm:"type:varchar(32);uniqueIndex"`
	UserID         int64           `gorm:"index:idx_user_created,priority:1"`
	ProductID      int64
	Quantity       int
	IsSeckill      bool
	OriginalAmount decimal.Decimal `gorm:"type:decimal(10,2)"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(10,2)"`
	PayAmount      decimal.Decimal `gorm:"type:decimal(10,2)"`
	OrderStatus    string          `gorm:"type:varchar(16);index:idx_status_expire,priority:1"`
	PayStatus      string          `gorm:"type:varchar(16)"`
	PayType        string          `gorm:"type:varchar(16)"`
	CouponIDs      []int64         `gorm:"serializer:json;type:varchar(512)"`
	CancelReason   string          `gorm:"type:varchar(64)"`
	TrackingNo     string          `gorm:"type:varchar(64)"`
	CreatedAt      time.Time       `gorm:"index:idx_user_created,priority:2"`
	UpdatedAt      time.Time
	ExpireTime     *time.Time `gorm:"index:idx_status_expire,priority:2"`
	PayTime        *time.Time
	CancelTime     *time.Time
	ShipTime       *time.Time
	CompleteTime   *time.Time
}

func (OrderModel) TableName() string {
	return "orders"
}

func InitTables(db *gorm.DB) error {
	return db.AutoMigrate(&OrderModel{})
}
