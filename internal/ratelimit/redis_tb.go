// Package ratelimit 发送侧节流：Redis 令牌桶，按用户限制消息提交频率。
// 速率策略属于外部协作方，这里只是网关挂载的薄钩子；Redis 未配置或
// 出错时一律放行——节流失效不允许演变成投递故障。
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmitLimiter 消息提交的令牌桶。零值/nil 安全：未配置时恒放行。
type SubmitLimiter struct {
	client *redis.Client
	rate   int // 每秒补充令牌数
	burst  int // 桶容量
}

func NewSubmitLimiter(c *redis.Client, ratePerSec, burst int) *SubmitLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	if burst <= 0 {
		burst = ratePerSec * 2
	}
	return &SubmitLimiter{client: c, rate: ratePerSec, burst: burst}
}

func submitKey(user string) string { return "relay:tb:submit:" + user }

// 补充、扣减与过期在一个 Lua 脚本里原子完成。
var tokenBucket = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])        -- 每秒新增令牌
local burst = tonumber(ARGV[2])       -- 桶容量
local now_ms = tonumber(ARGV[3])      -- 当前时间毫秒

local tokens = tonumber(redis.call('GET', tokens_key))
if tokens == nil then tokens = burst end
local ts = tonumber(redis.call('GET', ts_key))
if ts == nil then ts = now_ms end

-- 补充令牌
local delta = math.max(0, now_ms - ts) / 1000.0
local new_tokens = math.min(burst, tokens + delta * rate)

local allowed = 0
if new_tokens >= 1 then
  allowed = 1
  new_tokens = new_tokens - 1
end

redis.call('SET', tokens_key, new_tokens)
redis.call('SET', ts_key, now_ms)
redis.call('PEXPIRE', tokens_key, 2000)
redis.call('PEXPIRE', ts_key, 2000)

return allowed
`)

// AllowSubmit 尝试为该用户扣一枚提交令牌。
func (l *SubmitLimiter) AllowSubmit(ctx context.Context, user string) bool {
	if l == nil || l.client == nil {
		return true
	}
	key := submitKey(user)
	nowMs := time.Now().UnixMilli()
	allowed, err := tokenBucket.Run(ctx, l.client, []string{key + ":t", key + ":ts"}, l.rate, l.burst, nowMs).Int64()
	if err != nil {
		log.Printf("Ratelimit.AllowSubmit fail-open: user=%s err=%v", user, err)
		return true
	}
	return allowed == 1
}
