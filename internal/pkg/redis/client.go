// Package redis 封装 go-redis 客户端，统一管理 Lua 脚本。
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// Client 包装 UniversalClient，单机、哨兵、集群由地址个数决定。
type Client struct {
	client  goredis.UniversalClient
	scripts map[string]*goredis.Script
	mu      sync.RWMutex
}

// NewClient 根据逗号分隔的地址创建客户端。
func NewClient(addrs, password string, db int) (*Client, error) {
	if strings.TrimSpace(addrs) == "" {
		return nil, fmt.Errorf("redis addrs is empty")
	}
	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    strings.Split(addrs, ","),
		Password: password,
		DB:       db,
	})
	return NewFromUniversal(rdb), nil
}

// NewFromUniversal 复用一个已创建的客户端，测试中用来接 miniredis。
func NewFromUniversal(rdb goredis.UniversalClient) *Client {
	return &Client{
		client:  rdb,
		scripts: make(map[string]*goredis.Script),
	}
}

// LoadScriptFromContent 注册脚本。重复注册同名脚本会覆盖。
// 执行时走 EVALSHA，服务端缺失时自动回退到 EVAL，因此这里不需要预先 SCRIPT LOAD。
func (c *Client) LoadScriptFromContent(name, src string) error {
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("script %q is empty", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = goredis.NewScript(src)
	return nil
}

// RunScript 执行已注册的脚本。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

// RunInt64Script 执行返回整数的脚本。
func (c *Client) RunInt64Script(ctx context.Context, name string, keys []string, args ...interface{}) (int64, error) {
	result, err := c.RunScript(ctx, name, keys, args...)
	if err != nil {
		return 0, err
	}
	code, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from Lua script %s: %T", name, result)
	}
	return code, nil
}

func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.client.Close()
}
