package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: order-service
  port: 9001
  lockTTL: 3s
  paymentTimeout: 15m
infra:
  kafka:
    brokers: ["k1:9092"]
`), 0o600))
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("LOCK_BACKEND", "zookeeper")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "order-service", cfg.App.Name)
	assert.Equal(t, 9001, cfg.App.Port)
	assert.Equal(t, 3*time.Second, cfg.App.LockTTL)
	assert.Equal(t, 15*time.Minute, cfg.App.PaymentTimeout)
	assert.Equal(t, "zookeeper", cfg.App.LockBackend)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Infra.Kafka.Brokers)
	// 未覆盖的字段保持默认值
	assert.Equal(t, "stock.delta", cfg.App.Topics.StockDelta)
	assert.Same(t, cfg, GetCurrentConfig())
	assert.Equal(t, "flashmart-relay", cfg.GroupID("relay"))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.App.PaymentTimeout)
	assert.Equal(t, 3, cfg.App.MaxRetries)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.LockBackend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.App.LockTTL = 0
	assert.Error(t, cfg.Validate())
}
