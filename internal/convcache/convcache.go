// Package convcache 热会话缓存：每会话一个有界环，按消息 ID 升序。
// 缓存只是持久层的派生投影：新消息与状态变更在持久化成功后写穿进来，
// 未命中一律回源，缓存永远不产出与存储相左的状态。
package convcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-relay/internal/metrics"
	"go-relay/internal/models"
	"go-relay/internal/store"
)

type ring struct {
	mu         sync.Mutex
	msgs       []*models.Message // ID 升序
	warmed     bool
	lastAccess time.Time
}

type Cache struct {
	Store    store.MessageStore
	Capacity int

	Now func() time.Time

	mu    sync.RWMutex
	convs map[string]*ring
}

func New(st store.MessageStore, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 200
	}
	return &Cache{
		Store:    st,
		Capacity: capacity,
		convs:    make(map[string]*ring),
		Now:      time.Now,
	}
}

func (c *Cache) ringFor(convID string, create bool) *ring {
	c.mu.RLock()
	r := c.convs[convID]
	c.mu.RUnlock()
	if r != nil || !create {
		return r
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r = c.convs[convID]; r == nil {
		r = &ring{lastAccess: c.Now()}
		c.convs[convID] = r
	}
	return r
}

// insertLocked 按 ID 有序插入；已存在则整体替换（以最新存储状态为准）。
func (r *ring) insertLocked(m *models.Message, capacity int) {
	i := sort.Search(len(r.msgs), func(i int) bool { return r.msgs[i].ID >= m.ID })
	if i < len(r.msgs) && r.msgs[i].ID == m.ID {
		r.msgs[i] = m
		return
	}
	r.msgs = append(r.msgs, nil)
	copy(r.msgs[i+1:], r.msgs[i:])
	r.msgs[i] = m
	if len(r.msgs) > capacity {
		// 有界环：静默丢最旧，未命中自会回源
		drop := len(r.msgs) - capacity
		r.msgs = append([]*models.Message(nil), r.msgs[drop:]...)
	}
}

// Put 写穿一条已持久化的消息。
func (c *Cache) Put(m *models.Message) {
	r := c.ringFor(m.ConvID, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(m.Clone(), c.Capacity)
	r.lastAccess = c.Now()
}

// ApplyStatus 写穿一次已生效的状态推进；消息不在缓存时无事发生。
func (c *Cache) ApplyStatus(convID, msgID, recipient string, state models.DeliveryState, at time.Time) {
	r := c.ringFor(convID, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.ID != msgID {
			continue
		}
		rc := m.ReceiptFor(recipient)
		if rc == nil || models.StateRank(state) <= models.StateRank(rc.State) {
			return
		}
		ts := at
		rc.State = state
		switch state {
		case models.StateDelivered:
			rc.DeliveredAt = &ts
		case models.StateRead:
			rc.ReadAt = &ts
			if rc.DeliveredAt == nil {
				rc.DeliveredAt = &ts
			}
		}
		return
	}
}

// Get 命中返回副本（ID 升序）；未预热视为未命中。
func (c *Cache) Get(convID string) ([]*models.Message, bool) {
	r := c.ringFor(convID, false)
	if r == nil {
		metrics.CacheMiss.Inc()
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.warmed {
		metrics.CacheMiss.Inc()
		return nil, false
	}
	r.lastAccess = c.Now()
	out := make([]*models.Message, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Clone())
	}
	metrics.CacheHit.Inc()
	return out, true
}

// Warm 从持久层装载最近窗口。持有会话锁期间回源，
// 同会话并发 Warm 天然只打一次存储。
func (c *Cache) Warm(ctx context.Context, convID string) error {
	r := c.ringFor(convID, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warmed {
		return nil
	}
	msgs, err := c.Store.FetchContextWindow(ctx, convID, c.Capacity)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		r.insertLocked(m, c.Capacity)
	}
	r.warmed = true
	r.lastAccess = c.Now()
	return nil
}

// Recent 读最近窗口：未命中先 Warm 再读。
func (c *Cache) Recent(ctx context.Context, convID string, limit int) ([]*models.Message, error) {
	msgs, ok := c.Get(convID)
	if !ok {
		if err := c.Warm(ctx, convID); err != nil {
			return nil, err
		}
		msgs, _ = c.Get(convID)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// InvalidateStatus 按存储重读单条消息：跨实例状态变更走这里对齐。
func (c *Cache) InvalidateStatus(ctx context.Context, convID, msgID string) {
	r := c.ringFor(convID, false)
	if r == nil {
		return
	}
	fresh, err := c.Store.GetByID(ctx, convID, msgID)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.msgs {
		if m.ID != msgID {
			continue
		}
		if err == store.ErrNotFound {
			r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
			return
		}
		if err == nil {
			r.msgs[i] = fresh
		}
		return
	}
}

// EvictIdle 整体淘汰闲置会话，返回淘汰数。维护任务定期调用。
func (c *Cache) EvictIdle(olderThan time.Duration) int {
	cutoff := c.Now().Add(-olderThan)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for convID, r := range c.convs {
		r.mu.Lock()
		idle := r.lastAccess.Before(cutoff)
		r.mu.Unlock()
		if idle {
			delete(c.convs, convID)
			n++
		}
	}
	return n
}

// Len 当前缓存的会话数。
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.convs)
}
