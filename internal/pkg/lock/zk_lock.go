package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"

	"flashmart/internal/pkg/metrics"
)

const lockRoot = "/flashmart_locks" // 所有分布式锁的根节点

// ZkConn 是 *zk.Conn 中用到的那部分方法。
type ZkConn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Delete(path string, version int32) error
}

// ZkMutex 基于临时节点的互斥锁。
// 节点数据为 "token|deadline"，会话断开时节点自动删除；
// 会话仍在但超过 deadline 的节点视为过期，可以被按版本删除后重新抢占。
type ZkMutex struct {
	conn ZkConn
	now  func() time.Time
}

func NewZkMutex(conn ZkConn) (*ZkMutex, error) {
	_, err := conn.Create(lockRoot, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return nil, fmt.Errorf("failed to create lock root node: %w", err)
	}
	return &ZkMutex{conn: conn, now: time.Now}, nil
}

// DialZooKeeper 连接 ZooKeeper。
func DialZooKeeper(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect zookeeper: %w", err)
	}
	return conn, nil
}

func (m *ZkMutex) path(name string) string {
	return lockRoot + "/" + strings.ReplaceAll(name, "/", "_")
}

func (m *ZkMutex) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if err := validate(name, ttl); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token := uuid.NewString()
	data := []byte(token + "|" + strconv.FormatInt(m.now().Add(ttl).UnixMilli(), 10))
	p := m.path(name)

	// 最多两次：第二次是在清理掉过期节点之后
	for attempt := 0; attempt < 2; attempt++ {
		_, err := m.conn.Create(p, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err == nil {
			metrics.LockAcquire.WithLabelValues("zookeeper", "ok").Inc()
			return token, nil
		}
		if !errors.Is(err, zk.ErrNodeExists) {
			metrics.LockAcquire.WithLabelValues("zookeeper", "error").Inc()
			return "", fmt.Errorf("failed to create lock node: %w", err)
		}

		current, stat, err := m.conn.Get(p)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read lock node: %w", err)
		}
		_, deadline := parseNode(current)
		if m.now().UnixMilli() < deadline {
			break
		}
		if err := m.conn.Delete(p, stat.Version); err != nil && !errors.Is(err, zk.ErrNoNode) && !errors.Is(err, zk.ErrBadVersion) {
			return "", fmt.Errorf("failed to delete expired lock node: %w", err)
		}
	}
	metrics.LockAcquire.WithLabelValues("zookeeper", "busy").Inc()
	return "", ErrBusy
}

func (m *ZkMutex) Release(ctx context.Context, name, token string) (bool, error) {
	p := m.path(name)
	current, stat, err := m.conn.Get(p)
	if errors.Is(err, zk.ErrNoNode) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lock node: %w", err)
	}
	owner, _ := parseNode(current)
	if owner != token {
		return false, nil
	}
	// 带版本删除，读到之后节点被替换则删除失败
	err = m.conn.Delete(p, stat.Version)
	if errors.Is(err, zk.ErrNoNode) || errors.Is(err, zk.ErrBadVersion) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete lock node: %w", err)
	}
	return true, nil
}

func parseNode(data []byte) (string, int64) {
	owner, deadline, found := strings.Cut(string(data), "|")
	if !found {
		return owner, 0
	}
	ms, err := strconv.ParseInt(deadline, 10, 64)
	if err != nil {
		return owner, 0
	}
	return owner, ms
}
