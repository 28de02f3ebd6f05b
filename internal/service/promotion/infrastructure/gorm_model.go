package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CouponModel 对应 coupons 表。remaining_quantity 与 version 同时被库存中继按版本条件更新
type CouponModel struct {
	ID                int64           `gorm:"primaryKey;autoIncrement:false"`
	Name              string          `gorm:"type:varchar(128)"`
	DiscountType      string          `gorm:"type:varchar(16)"`
	Threshold         decimal.Decimal `gorm:"type:decimal(10,2)"`
	Amount            decimal.Decimal `gorm:"type:decimal(10,2)"`
	Rate              decimal.Decimal `gorm:"type:decimal(5,2)"`
	Condition         string          `gorm:"column:condition_expr;type:varchar(512)"`
	RemainingQuantity int
	TotalQuantity     int
	PerUserLimit      int
	ValidFrom         *time.Time
	ValidTo           *time.Time
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (CouponModel) TableName() string {
	return "coupons"
}

// UserCouponModel 对应 user_coupons 表
type UserCouponModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	UserID    int64  `gorm:"index:idx_user_coupon,priority:1"`
	CouponID  int64  `gorm:"index:idx_user_coupon,priority:2"`
	Status    string `gorm:"type:varchar(16);index:idx_status_valid_to,priority:1"`
	OrderNo   string `gorm:"type:varchar(32)"`
	ValidFrom time.Time
	ValidTo   time.Time `gorm:"index:idx_status_valid_to,priority:2"`
	UsedTime  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserCouponModel) TableName() string {
	return "user_coupons"
}

func InitTables(db *gorm.DB) error {
	return db.AutoMigrate(&CouponModel{}, &UserCouponModel{})
}
