package bootstrap

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config 服务配置。先加载 YAML 文件，再由环境变量覆盖。
type Config struct {
	App   AppConfig   `yaml:"app"`
	Infra InfraConfig `yaml:"infra"`
}

type AppConfig struct {
	Name     string `yaml:"name" env:"APP_NAME"`
	Port     int    `yaml:"port" env:"APP_PORT"`
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`
	NodeID   int64  `yaml:"nodeId" env:"NODE_ID"`

	// LockBackend redis | zookeeper
	LockBackend string        `yaml:"lockBackend" env:"LOCK_BACKEND"`
	LockTTL     time.Duration `yaml:"lockTTL" env:"LOCK_TTL"`

	PaymentTimeout time.Duration `yaml:"paymentTimeout" env:"PAYMENT_TIMEOUT"`
	// CloseGrace 超时订单兜底关闭前额外等待的时间，留给延迟消息先处理
	CloseGrace time.Duration `yaml:"closeGrace" env:"CLOSE_GRACE"`

	MaxRetries      int `yaml:"maxRetries" env:"MAX_RETRIES"`
	SyncConcurrency int `yaml:"syncConcurrency" env:"SYNC_CONCURRENCY"`

	StockSyncCron    string `yaml:"stockSyncCron" env:"STOCK_SYNC_CRON"`
	CouponExpireCron string `yaml:"couponExpireCron" env:"COUPON_EXPIRE_CRON"`
	OrderCloseCron   string `yaml:"orderCloseCron" env:"ORDER_CLOSE_CRON"`

	Topics TopicConfig `yaml:"topics"`
}

type TopicConfig struct {
	StockDelta   string `yaml:"stockDelta" env:"TOPIC_STOCK_DELTA"`
	OrderPaid    string `yaml:"orderPaid" env:"TOPIC_ORDER_PAID"`
	OrderTimeout string `yaml:"orderTimeout" env:"TOPIC_ORDER_TIMEOUT"`
	DelayTimeout string `yaml:"delayTimeout" env:"TOPIC_DELAY_TIMEOUT"`
}

type InfraConfig struct {
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type MySQLConfig struct {
	DSN string `yaml:"dsn" env:"MYSQL_DSN"`
}

type RedisConfig struct {
	Addrs    string `yaml:"addrs" env:"REDIS_ADDRS"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	GroupPrefix string   `yaml:"groupPrefix" env:"KAFKA_GROUP_PREFIX"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint" env:"JAEGER_ENDPOINT"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers" env:"ZK_SERVERS" envSeparator:","`
	SessionTimeout time.Duration `yaml:"sessionTimeout" env:"ZK_SESSION_TIMEOUT"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled" env:"NACOS_ENABLED"`
	ServerAddrs string `yaml:"serverAddrs" env:"NACOS_SERVER_ADDRS"`
	Namespace   string `yaml:"namespace" env:"NACOS_NAMESPACE"`
	Group       string `yaml:"group" env:"NACOS_GROUP"`
}

// DefaultConfig 单机开发默认值。
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:             "flashmart",
			Port:             8080,
			LogLevel:         "info",
			NodeID:           1,
			LockBackend:      "redis",
			LockTTL:          5 * time.Second,
			PaymentTimeout:   30 * time.Minute,
			CloseGrace:       2 * time.Minute,
			MaxRetries:       3,
			SyncConcurrency:  8,
			StockSyncCron:    "@every 1m",
			CouponExpireCron: "@every 10m",
			OrderCloseCron:   "@every 1m",
			Topics: TopicConfig{
				StockDelta:   "stock.delta",
				OrderPaid:    "order.paid",
				OrderTimeout: "order.timeout",
				DelayTimeout: "delay.order-timeout",
			},
		},
		Infra: InfraConfig{
			MySQL:     MySQLConfig{DSN: "root:root@tcp(localhost:3306)/flashmart?charset=utf8mb4&parseTime=True&loc=Local"},
			Redis:     RedisConfig{Addrs: "localhost:6379"},
			Kafka:     KafkaConfig{Brokers: []string{"localhost:9092"}, GroupPrefix: "flashmart"},
			Jaeger:    JaegerConfig{Endpoint: "http://localhost:14268/api/traces"},
			ZooKeeper: ZooKeeperConfig{Servers: []string{"localhost:2181"}, SessionTimeout: 10 * time.Second},
			Nacos:     NacosConfig{ServerAddrs: "localhost:8848", Group: "DEFAULT_GROUP"},
		},
	}
}

var current atomic.Pointer[Config]

// GetCurrentConfig 返回最近一次 Load 的结果，未加载时返回默认配置。
func GetCurrentConfig() *Config {
	if cfg := current.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

// Load 读取配置文件（path 为空或文件不存在时只用默认值）并应用环境变量覆盖。
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	current.Store(cfg)
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.App.LockTTL <= 0 {
		return fmt.Errorf("app.lockTTL must be positive")
	}
	if c.App.PaymentTimeout <= 0 {
		return fmt.Errorf("app.paymentTimeout must be positive")
	}
	if c.App.LockBackend != "redis" && c.App.LockBackend != "zookeeper" {
		return fmt.Errorf("app.lockBackend must be redis or zookeeper, got %q", c.App.LockBackend)
	}
	if c.App.MaxRetries < 0 {
		return fmt.Errorf("app.maxRetries must not be negative")
	}
	return nil
}

// GroupID 生成消费组名。
func (c *Config) GroupID(consumer string) string {
	return c.Infra.Kafka.GroupPrefix + "-" + consumer
}
