// Package presence 在线与输入状态跟踪。
// 全部状态在进程内存里，按用户分锁；输入提示带 TTL 自过期：
// 读路径把过期条目当不存在，清扫协程补发合成的 stopped 事件，
// 接收端永远不会看到一个停不下来的输入提示。
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"go-relay/internal/metrics"
	"go-relay/internal/models"
)

// EventKind 事件类别。
type EventKind string

const (
	KindPresence EventKind = "presence"
	KindTyping   EventKind = "typing"
)

// Event 在线/输入事件。Kind=presence 时 ConvID 与 Active 无意义。
type Event struct {
	Kind     EventKind
	User     string
	ConvID   string
	Status   models.PresenceStatus
	LastSeen time.Time
	Active   bool
}

// Sink 事件出口。投递引擎挂在这里做按成员关系的路由，
// 回调不得长时间阻塞（内部已移出用户锁外执行）。
type Sink func(Event)

// Mirror 集群可见的在线状态镜像（Redis 实现见 internal/cache）。
// 写镜像失败只记日志：在线状态操作对调用方永不报错。
type Mirror interface {
	MirrorOnline(user string, at time.Time) error
	MirrorOffline(user string, at time.Time) error
}

type typingState struct {
	expiresAt    time.Time
	lastAnnounce time.Time
}

type userState struct {
	mu       sync.Mutex
	status   models.PresenceStatus
	lastSeen time.Time
	typing   map[string]*typingState // convID → 状态
}

type Tracker struct {
	Reannounce time.Duration // 同一 (user, conv) 激活期内的最小重播间隔
	Now        func() time.Time
	Mirror     Mirror // 可为 nil

	mu    sync.RWMutex
	users map[string]*userState

	sinkMu sync.RWMutex
	sinks  []Sink

	subMu   sync.RWMutex
	subs    map[string]map[int]chan Event // convID → 订阅集合
	nextSub int
}

func NewTracker(reannounce time.Duration) *Tracker {
	if reannounce <= 0 {
		reannounce = 3 * time.Second
	}
	return &Tracker{
		Reannounce: reannounce,
		Now:        time.Now,
		users:      make(map[string]*userState),
		subs:       make(map[string]map[int]chan Event),
	}
}

// AddSink 注册事件出口（启动期调用）。
func (t *Tracker) AddSink(s Sink) {
	t.sinkMu.Lock()
	defer t.sinkMu.Unlock()
	t.sinks = append(t.sinks, s)
}

func (t *Tracker) stateFor(user string, create bool) *userState {
	t.mu.RLock()
	st := t.users[user]
	t.mu.RUnlock()
	if st != nil || !create {
		return st
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if st = t.users[user]; st == nil {
		st = &userState{status: models.PresenceOffline, typing: make(map[string]*typingState)}
		t.users[user] = st
	}
	return st
}

// emit 在锁外把事件送往 sinks 与匹配的会话订阅。
func (t *Tracker) emit(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	t.sinkMu.RLock()
	sinks := t.sinks
	t.sinkMu.RUnlock()
	for _, ev := range evs {
		if ev.Kind == KindTyping {
			metrics.TypingEvents.Inc()
		}
		for _, s := range sinks {
			s(ev)
		}
		t.publish(ev)
	}
}

// publish 投喂会话订阅流。typing 事件精确匹配会话；presence 事件
// 送达所有把该用户作为 c2c 另一方的订阅（群会话的在线广播由
// 投递引擎按成员关系路由，订阅流不承载）。
func (t *Tracker) publish(ev Event) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	deliver := func(convID string) {
		for _, ch := range t.subs[convID] {
			select {
			case ch <- ev:
			default: // 订阅方不消费就丢，信号类事件不回压
			}
		}
	}
	if ev.Kind == KindTyping {
		deliver(ev.ConvID)
		return
	}
	for convID := range t.subs {
		conv, err := models.ParseConversationID(convID)
		if err != nil || conv.Type != models.ConversationTypeC2C {
			continue
		}
		if conv.UserA == ev.User || conv.UserB == ev.User {
			deliver(convID)
		}
	}
}

// Subscribe 订阅一个会话的在线/输入事件流，返回取消函数。
func (t *Tracker) Subscribe(convID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	if t.subs[convID] == nil {
		t.subs[convID] = make(map[int]chan Event)
	}
	t.subs[convID][id] = ch
	t.subMu.Unlock()

	return ch, func() {
		t.subMu.Lock()
		if m := t.subs[convID]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(t.subs, convID)
			}
		}
		t.subMu.Unlock()
	}
}

// SetOnline 标记用户上线（首连时由注册表生命周期触发）。
func (t *Tracker) SetOnline(user string) {
	st := t.stateFor(user, true)
	now := t.Now()

	st.mu.Lock()
	changed := st.status != models.PresenceOnline
	st.status = models.PresenceOnline
	st.lastSeen = now
	st.mu.Unlock()

	if t.Mirror != nil {
		if err := t.Mirror.MirrorOnline(user, now); err != nil {
			log.Printf("Presence.SetOnline mirror failed: user=%s err=%v", user, err)
		}
	}
	if changed {
		t.emit(Event{Kind: KindPresence, User: user, Status: models.PresenceOnline, LastSeen: now})
	}
}

// SetOffline 标记用户离线（末断时触发）。离线同时终止该用户
// 所有激活中的输入提示并补发 stopped。
func (t *Tracker) SetOffline(user string) {
	st := t.stateFor(user, false)
	if st == nil {
		return
	}
	now := t.Now()

	st.mu.Lock()
	changed := st.status != models.PresenceOffline
	st.status = models.PresenceOffline
	st.lastSeen = now
	var stopped []Event
	for convID := range st.typing {
		stopped = append(stopped, Event{Kind: KindTyping, User: user, ConvID: convID, Active: false})
		delete(st.typing, convID)
	}
	st.mu.Unlock()

	if t.Mirror != nil {
		if err := t.Mirror.MirrorOffline(user, now); err != nil {
			log.Printf("Presence.SetOffline mirror failed: user=%s err=%v", user, err)
		}
	}
	t.emit(stopped...)
	if changed {
		t.emit(Event{Kind: KindPresence, User: user, Status: models.PresenceOffline, LastSeen: now})
	}
}

// SetTyping 激活（或续期）一条输入提示。
// 已激活且距上次广播不足 Reannounce 时只刷新 TTL，不再发事件——
// 键击风暴打不穿去抖窗口。
func (t *Tracker) SetTyping(user, convID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 6 * time.Second
	}
	st := t.stateFor(user, true)
	now := t.Now()

	st.mu.Lock()
	entry := st.typing[convID]
	announce := false
	if entry != nil && now.Before(entry.expiresAt) {
		entry.expiresAt = now.Add(ttl)
		if now.Sub(entry.lastAnnounce) >= t.Reannounce {
			entry.lastAnnounce = now
			announce = true
		}
	} else {
		st.typing[convID] = &typingState{expiresAt: now.Add(ttl), lastAnnounce: now}
		announce = true
	}
	st.mu.Unlock()

	if announce {
		t.emit(Event{Kind: KindTyping, User: user, ConvID: convID, Active: true})
	}
}

// ClearTyping 显式终止输入提示。已过期但尚未被清扫的条目同样
// 补发 stopped：接收端看到过 active 就一定等得到对应的终止。
func (t *Tracker) ClearTyping(user, convID string) {
	st := t.stateFor(user, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	_, had := st.typing[convID]
	delete(st.typing, convID)
	st.mu.Unlock()

	if had {
		t.emit(Event{Kind: KindTyping, User: user, ConvID: convID, Active: false})
	}
}

// Snapshot 用户当前状态快照；过期输入条目按不存在处理（懒过期）。
func (t *Tracker) Snapshot(user string) models.PresenceRecord {
	rec := models.PresenceRecord{UserID: user, Status: models.PresenceOffline}
	st := t.stateFor(user, false)
	if st == nil {
		return rec
	}
	now := t.Now()

	st.mu.Lock()
	defer st.mu.Unlock()
	rec.Status = st.status
	rec.LastSeen = st.lastSeen
	for convID, entry := range st.typing {
		if now.Before(entry.expiresAt) {
			rec.Typing = append(rec.Typing, models.TypingEntry{ConvID: convID, ExpiresAt: entry.expiresAt})
		}
	}
	return rec
}

// Sweep 清理过期输入条目并补发 stopped 事件，返回清理条数。
func (t *Tracker) Sweep() int {
	t.mu.RLock()
	users := make(map[string]*userState, len(t.users))
	for u, st := range t.users {
		users[u] = st
	}
	t.mu.RUnlock()

	now := t.Now()
	var stopped []Event
	for user, st := range users {
		st.mu.Lock()
		for convID, entry := range st.typing {
			if !now.Before(entry.expiresAt) {
				delete(st.typing, convID)
				stopped = append(stopped, Event{Kind: KindTyping, User: user, ConvID: convID, Active: false})
			}
		}
		st.mu.Unlock()
	}
	t.emit(stopped...)
	return len(stopped)
}

// ReapOffline 回收离线超过 olderThan 的用户记录，返回回收数。
// 维护任务定期调用，防止长尾用户常驻内存。
func (t *Tracker) ReapOffline(olderThan time.Duration) int {
	cutoff := t.Now().Add(-olderThan)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for user, st := range t.users {
		st.mu.Lock()
		dead := st.status == models.PresenceOffline && st.lastSeen.Before(cutoff) && len(st.typing) == 0
		st.mu.Unlock()
		if dead {
			delete(t.users, user)
			n++
		}
	}
	return n
}

// Run 周期清扫，直到 ctx 结束。
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.Sweep()
		}
	}
}
