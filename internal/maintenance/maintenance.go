// Package maintenance 慢周期后台维护：按 cron 计划回收闲置的缓存会话与
// 长期离线的在线状态记录。输入提示的秒级过期由 presence 自己的清扫
// 协程负责，这里只管内存回收类的慢任务。
package maintenance

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adhocore/gronx"

	"go-relay/internal/convcache"
	"go-relay/internal/presence"
)

type Runner struct {
	Cron    string
	Cache   *convcache.Cache
	Tracker *presence.Tracker

	CacheIdle    time.Duration // 缓存会话闲置多久整体淘汰
	PresenceIdle time.Duration // 离线记录闲置多久回收
}

// Start 校验 cron 表达式并启动调度协程。
func (r *Runner) Start(ctx context.Context) error {
	if !gronx.IsValid(r.Cron) {
		return fmt.Errorf("maintenance: invalid cron %q", r.Cron)
	}
	go r.loop(ctx)
	log.Printf("Maintenance started: cron=%q cacheIdle=%s presenceIdle=%s", r.Cron, r.CacheIdle, r.PresenceIdle)
	return nil
}

// loop 计算下一次触发时刻并睡到点执行，支持完整 cron 语法。
func (r *Runner) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		next, err := gronx.NextTickAfter(r.Cron, time.Now(), false)
		if err != nil {
			log.Printf("Maintenance next tick failed: cron=%q err=%v", r.Cron, err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			r.RunOnce()
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce 执行一轮维护，返回 (淘汰的缓存会话数, 回收的在线记录数)。
func (r *Runner) RunOnce() (evicted, reaped int) {
	if r.Cache != nil {
		evicted = r.Cache.EvictIdle(r.CacheIdle)
	}
	if r.Tracker != nil {
		swept := r.Tracker.Sweep()
		reaped = r.Tracker.ReapOffline(r.PresenceIdle)
		if swept > 0 {
			log.Printf("Maintenance typing sweep: stopped=%d", swept)
		}
	}
	log.Printf("Maintenance run: cacheEvicted=%d presenceReaped=%d", evicted, reaped)
	return evicted, reaped
}
