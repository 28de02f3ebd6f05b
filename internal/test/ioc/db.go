// Package testioc 为各服务的测试准备隔离的基础设施。
package testioc

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// InitDB 每个测试一个独立的内存 SQLite 库，测试结束自动关闭。
// 只保留一个连接：内存库在连接间不共享，同时也让写入串行化。
func InitDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:flashmart_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
