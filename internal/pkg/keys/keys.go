// Package keys 集中定义 Redis 键名。
// 同一资源的计数器与购买者集合共用 {id} 哈希标签，保证在 Redis Cluster 中落在同一个槽位，
// 这样 Lua 脚本可以同时操作两者。
package keys

import "fmt"

const Prefix = "flashmart"

// Counter 库存计数器，pool 为 stock / seckill / coupon。
func Counter(pool string, id int64) string {
	return fmt.Sprintf("%s:%s:{%d}:counter", Prefix, pool, id)
}

// Buyers 秒杀已购用户集合。
func Buyers(pool string, id int64) string {
	return fmt.Sprintf("%s:%s:{%d}:buyers", Prefix, pool, id)
}

func Lock(name string) string {
	return fmt.Sprintf("%s:lock:%s", Prefix, name)
}

// ConfirmToken 订单确认令牌，TTL 与支付超时一致。
func ConfirmToken(orderNo string) string {
	return fmt.Sprintf("%s:order:token:%s", Prefix, orderNo)
}

// OrderSequence 每秒一个的订单号序列。
func OrderSequence(second string) string {
	return fmt.Sprintf("%s:order:seq:%s", Prefix, second)
}
