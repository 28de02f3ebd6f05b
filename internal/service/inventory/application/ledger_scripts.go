package application

const (
	reserveScriptName = "stock_reserve"
	restoreScriptName = "stock_restore"
	casScriptName     = "stock_compare_and_set"
)

const (
	codeInsufficient int64 = -1
	codeDuplicate    int64 = -2
	codeMissing      int64 = -3
)

// KEYS[1]: 库存计数器, 例如 flashmart:seckill:{123}:counter
// KEYS[2]: 已购用户集合, 例如 flashmart:seckill:{123}:buyers
// ARGV[1]: 扣减数量
// ARGV[2]: 购买者 ID, 为空表示不限购
// 返回扣减后的剩余量; -1 库存不足, -2 重复购买, -3 计数器不存在
var reserveScript = `
local v = redis.call('get', KEYS[1])
if not v then
    return -3
end
if ARGV[2] ~= '' and redis.call('sismember', KEYS[2], ARGV[2]) == 1 then
    return -2
end
local qty = tonumber(ARGV[1])
if tonumber(v) < qty then
    return -1
end
local left = redis.call('decrby', KEYS[1], qty)
if ARGV[2] ~= '' then
    redis.call('sadd', KEYS[2], ARGV[2])
end
return left
`

// 计数器不存在时不创建，下次预热会从持久层读到包含本次归还的值
var restoreScript = `
if ARGV[2] ~= '' then
    redis.call('srem', KEYS[2], ARGV[2])
end
if redis.call('exists', KEYS[1]) == 0 then
    return -3
end
return redis.call('incrby', KEYS[1], tonumber(ARGV[1]))
`

// ARGV[1]: 期望的当前值, ARGV[2]: 新值
var casScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    redis.call('set', KEYS[1], ARGV[2])
    return 1
end
return 0
`
