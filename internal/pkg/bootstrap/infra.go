package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"flashmart/internal/pkg/lock"
	"flashmart/internal/pkg/redis"
)

// OpenMySQL 打开 GORM 连接，开启错误翻译以便识别唯一键冲突。
func OpenMySQL(cfg MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(cfg.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// IsDuplicateKey 判断是否为唯一键冲突。
func IsDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb, err := redis.NewClient(cfg.Addrs, cfg.Password, cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := rdb.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewMutex 按配置选择锁实现，返回的 cleanup 负责关闭额外的连接。
func NewMutex(cfg *Config, rdb *redis.Client) (lock.Mutex, func(), error) {
	switch cfg.App.LockBackend {
	case "zookeeper":
		conn, err := lock.DialZooKeeper(cfg.Infra.ZooKeeper.Servers, cfg.Infra.ZooKeeper.SessionTimeout)
		if err != nil {
			return nil, nil, err
		}
		m, err := lock.NewZkMutex(conn)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return m, conn.Close, nil
	default:
		m, err := lock.NewRedisMutex(rdb)
		if err != nil {
			return nil, nil, err
		}
		return m, func() {}, nil
	}
}
