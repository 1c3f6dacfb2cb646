// Package delivery 投递引擎：提交 → 持久化 → 写穿缓存 → 扇出推送，
// 以及每接收者的 sent → delivered → read 状态机。
//
// 顺序保证：同一会话的提交在会话条带锁内完成建档、入库与入队，
// 后创建的消息不可能在同一条连接上越过先创建的；连接之间互不等待，
// 真正的网络写由每连接唯一的写协程并发推进。
// 状态推进不在引擎侧加锁：并发 delivered/read 由存储层条件写裁决，
// 过期写是静默无害的竞态结果，不是错误。
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-relay/internal/bridge"
	"go-relay/internal/convcache"
	"go-relay/internal/events"
	"go-relay/internal/membership"
	"go-relay/internal/metrics"
	"go-relay/internal/models"
	"go-relay/internal/presence"
	"go-relay/internal/registry"
	"go-relay/internal/store"
)

var (
	// ErrPersistence 入库失败，本次调用整体失败，未发生任何扇出
	ErrPersistence = errors.New("delivery: persistence failure")
	// ErrMembershipUnavailable 成员关系方无法应答，调用方可重试
	ErrMembershipUnavailable = errors.New("delivery: membership snapshot unavailable")
	// ErrNotMember 发送者不在会话成员快照内
	ErrNotMember = errors.New("delivery: sender not a conversation member")
	// ErrInvalidTarget 目标会话描述不合法（convId/peerId/groupId 三选一）
	ErrInvalidTarget = errors.New("delivery: invalid conversation target")
)

// 引擎内部对成员解析、在线路由等短操作的兜底超时。
const resolveTimeout = 3 * time.Second

// convStripes 会话条带锁数量。
const convStripes = 64

// SubmitRequest 一次消息提交。ConvID/PeerID/GroupID 恰好填一个；
// ClientMsgID 为客户端幂等键，可空。
type SubmitRequest struct {
	ConvID      string
	PeerID      string
	GroupID     string
	From        string
	ClientMsgID string
	Type        string
	Payload     []byte
}

// conversation 解析目标会话。载荷与消息类型的合法性由外部校验方负责，
// 这里只裁决会话形态。
func (r SubmitRequest) conversation() (models.Conversation, error) {
	if r.From == "" {
		return models.Conversation{}, fmt.Errorf("%w: empty sender", ErrInvalidTarget)
	}
	set := 0
	for _, v := range []string{r.ConvID, r.PeerID, r.GroupID} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return models.Conversation{}, fmt.Errorf("%w: exactly one of convId/peerId/groupId", ErrInvalidTarget)
	}
	switch {
	case r.PeerID != "":
		if r.PeerID == r.From {
			return models.Conversation{}, fmt.Errorf("%w: self conversation", ErrInvalidTarget)
		}
		return models.DirectConversation(r.From, r.PeerID), nil
	case r.GroupID != "":
		return models.GroupConversation(r.GroupID), nil
	default:
		conv, err := models.ParseConversationID(r.ConvID)
		if err != nil {
			return models.Conversation{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		return conv, nil
	}
}

// Engine 投递引擎。Bus、Journal、InstanceID 按部署形态选配：
// 单实例部署二者皆空，引擎退化为纯本地扇出。
type Engine struct {
	Store    store.MessageStore
	Cache    *convcache.Cache
	Registry *registry.Registry
	Tracker  *presence.Tracker
	Members  membership.Resolver

	Bus        bridge.Bus      // 跨实例总线，可为 nil
	Journal    *events.Journal // Kafka 流水，nil 安全
	InstanceID string

	PushTimeout   time.Duration
	BacklogLimit  int
	BacklogMaxAge time.Duration

	Now func() time.Time

	convLocks [convStripes]sync.Mutex
}

func New(st store.MessageStore, cache *convcache.Cache, reg *registry.Registry, tr *presence.Tracker, members membership.Resolver) *Engine {
	return &Engine{
		Store:         st,
		Cache:         cache,
		Registry:      reg,
		Tracker:       tr,
		Members:       members,
		PushTimeout:   5 * time.Second,
		BacklogLimit:  100,
		BacklogMaxAge: 7 * 24 * time.Hour,
		Now:           time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) lockFor(convID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(convID))
	return &e.convLocks[h.Sum32()%convStripes]
}

// Submit 提交一条消息：成员快照 → 建档（UUIDv7，接收者全部 sent）→
// 入库 → 写穿缓存 → 流水 → 扇出。入库失败即整体失败，不做任何扇出；
// 重复的 ClientMsgID 返回首次入库的消息，同样不再扇出。
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*models.Message, error) {
	start := time.Now()

	conv, err := req.conversation()
	if err != nil {
		return nil, err
	}

	members, err := e.Members.MembersOf(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMembershipUnavailable, err)
	}
	sender := false
	receipts := make([]models.Receipt, 0, len(members))
	for _, u := range members {
		if u == req.From {
			sender = true
			continue
		}
		receipts = append(receipts, models.Receipt{UserID: u, State: models.StateSent})
	}
	if !sender {
		return nil, fmt.Errorf("%w: user=%s conv=%s", ErrNotMember, req.From, conv.ID)
	}

	// 会话条带锁内完成建档 + 入库 + 入队：创建序即入队序
	mu := e.lockFor(conv.ID)
	mu.Lock()
	defer mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%w: id allocation: %v", ErrPersistence, err)
	}
	m := &models.Message{
		ID:          id.String(),
		ClientMsgID: req.ClientMsgID,
		ConvID:      conv.ID,
		ConvType:    conv.Type,
		FromUserID:  req.From,
		Type:        req.Type,
		Payload:     req.Payload,
		CreatedAt:   e.now(),
		Receipts:    receipts,
	}
	if conv.Type == models.ConversationTypeC2C {
		if conv.UserA == req.From {
			m.ToUserID = conv.UserB
		} else {
			m.ToUserID = conv.UserA
		}
	} else {
		m.GroupID = conv.GroupID
	}

	inserted, err := e.Store.Append(ctx, m)
	if err != nil {
		log.Printf("Delivery.Submit append failed: convId=%s from=%s err=%v", conv.ID, req.From, err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !inserted {
		existing, gerr := e.Store.GetByClientID(ctx, conv.ID, req.ClientMsgID)
		if gerr != nil {
			return nil, fmt.Errorf("%w: dedup lookup: %v", ErrPersistence, gerr)
		}
		log.Printf("Delivery.Submit duplicate: convId=%s clientMsgId=%s msgId=%s", conv.ID, req.ClientMsgID, existing.ID)
		return existing, nil
	}

	e.Cache.Put(m)
	e.Journal.MessagePersisted(m)

	ev := models.NewMessageEvent(m)
	for _, rc := range m.Receipts {
		e.pushUser(ctx, rc.UserID, ev)
	}
	// 发送者回显：多端同步自己发出的消息
	e.pushUser(ctx, m.FromUserID, ev)

	metrics.SubmitLatency.Observe(float64(time.Since(start).Milliseconds()))
	log.Printf("Delivery.Submit ok: convId=%s msgId=%s from=%s recipients=%d", conv.ID, m.ID, req.From, len(m.Receipts))
	return m, nil
}

// pushUser 本地入队 + 总线广播。本地数量仅用于日志与指标，
// 失败的连接保持原状态等待下次注册重放。
func (e *Engine) pushUser(ctx context.Context, user string, ev models.PushEvent) {
	e.Registry.Push(user, ev, e.PushTimeout)
	e.publishRemote(ctx, user, ev)
}

func (e *Engine) publishRemote(ctx context.Context, user string, ev models.PushEvent) {
	if e.Bus == nil {
		return
	}
	env := bridge.Envelope{Origin: e.InstanceID, User: user, Event: ev}
	if err := e.Bus.Publish(ctx, user, env); err != nil {
		log.Printf("Delivery.publishRemote failed: user=%s action=%s err=%v", user, ev.Action, err)
	}
}

// AcknowledgeDelivered 接收者确认收到：sent → delivered 条件写。
// 过期写（重复确认、read 已先行）静默吞掉，只计指标。
func (e *Engine) AcknowledgeDelivered(ctx context.Context, convID, msgID, recipient string) error {
	now := e.now()
	applied, err := e.Store.UpdateStatus(ctx, convID, msgID, recipient, models.StateDelivered, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !applied {
		metrics.StaleTransitions.Inc()
		return nil
	}
	e.afterStatus(ctx, convID, msgID, recipient, models.StateDelivered, now)
	return nil
}

// AcknowledgeRead 接收者已读。先补 delivered 再写 read：读信号先于
// 送达确认到达（客户端后台唤醒等）时，存档与观察者都看到完整的中间态。
func (e *Engine) AcknowledgeRead(ctx context.Context, convID, msgID, recipient string) error {
	now := e.now()
	delivered, err := e.Store.UpdateStatus(ctx, convID, msgID, recipient, models.StateDelivered, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	read, err := e.Store.UpdateStatus(ctx, convID, msgID, recipient, models.StateRead, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if delivered {
		e.afterStatus(ctx, convID, msgID, recipient, models.StateDelivered, now)
	}
	if read {
		e.afterStatus(ctx, convID, msgID, recipient, models.StateRead, now)
	}
	if !delivered && !read {
		metrics.StaleTransitions.Inc()
	}
	return nil
}

// afterStatus 一次已生效的状态推进的后置动作：写穿缓存、流水、
// 向发送者与该接收者（的其他端）推送 status 事件。
func (e *Engine) afterStatus(ctx context.Context, convID, msgID, recipient string, state models.DeliveryState, at time.Time) {
	e.Cache.ApplyStatus(convID, msgID, recipient, state, at)
	e.Journal.StatusChanged(convID, msgID, recipient, state, at)

	m, err := e.Store.GetByID(ctx, convID, msgID)
	if err != nil {
		log.Printf("Delivery.afterStatus lookup failed: convId=%s msgId=%s err=%v", convID, msgID, err)
		return
	}
	ev := models.NewStatusEvent(convID, msgID, recipient, state, at)
	e.pushUser(ctx, m.FromUserID, ev)
	e.pushUser(ctx, recipient, ev)
}

// OnConnect 注册表生命周期：首连置在线；每条新连接独立回放积压。
func (e *Engine) OnConnect(user string, c *registry.Conn, first bool) {
	if first {
		e.Tracker.SetOnline(user)
	}
	go e.replayBacklog(user, c)
}

// OnDisconnect 末断置离线。
func (e *Engine) OnDisconnect(user string, c *registry.Conn, last bool) {
	if last {
		e.Tracker.SetOffline(user)
	}
}

// replayBacklog 把该用户仍处 sent 的积压按消息 ID 序回放进新连接，
// 发 backlog_done 边界标记后激活连接。回放绕过 staging 队列直写，
// 激活时以回放高水位对 pending 的实时推送去重，先回放后实时不乱序。
// 连接中途关闭则放弃，状态保持 sent 等下一次注册。
func (e *Engine) replayBacklog(user string, c *registry.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), e.PushTimeout+resolveTimeout)
	defer cancel()

	msgs, err := e.Store.FetchBacklog(ctx, user, e.BacklogLimit, e.BacklogMaxAge)
	if err != nil {
		log.Printf("Delivery.replayBacklog fetch failed: user=%s conn=%s err=%v", user, c.ID, err)
		if aerr := c.Activate(""); aerr != nil {
			log.Printf("Delivery.replayBacklog activate failed: user=%s conn=%s err=%v", user, c.ID, aerr)
		}
		return
	}

	highWater := ""
	for _, m := range msgs {
		if err := c.Replay(models.NewMessageEvent(m), e.PushTimeout); err != nil {
			log.Printf("Delivery.replayBacklog abort: user=%s conn=%s replayed=%d err=%v", user, c.ID, len(msgs), err)
			c.Close()
			return
		}
		highWater = m.ID
	}
	if err := c.Replay(models.NewBacklogDoneEvent(len(msgs)), e.PushTimeout); err != nil {
		c.Close()
		return
	}
	if len(msgs) > 0 {
		metrics.RedeliveredTotal.Add(float64(len(msgs)))
	}
	if err := c.Activate(highWater); err != nil {
		log.Printf("Delivery.replayBacklog activate failed: user=%s conn=%s err=%v", user, c.ID, err)
		return
	}
	log.Printf("Delivery.replayBacklog ok: user=%s conn=%s replayed=%d", user, c.ID, len(msgs))
}

// RoutePresence 在线/输入事件的成员关系路由（挂到 presence.Tracker 的
// sink 上）。presence 只送共享会话的对端，typing 只送会话内除本人外的
// 成员，绝不全局广播。路由失败只丢信号，不向上抛错。
func (e *Engine) RoutePresence(ev presence.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	switch ev.Kind {
	case presence.KindPresence:
		peers, err := e.Members.PeersOf(ctx, ev.User)
		if err != nil {
			log.Printf("Delivery.RoutePresence peers failed: user=%s err=%v", ev.User, err)
			return
		}
		pe := models.NewPresenceEvent(ev.User, ev.Status, ev.LastSeen)
		for _, p := range peers {
			e.pushUser(ctx, p, pe)
		}
	case presence.KindTyping:
		conv, err := models.ParseConversationID(ev.ConvID)
		if err != nil {
			return
		}
		members, err := e.Members.MembersOf(ctx, conv)
		if err != nil {
			log.Printf("Delivery.RoutePresence members failed: convId=%s err=%v", ev.ConvID, err)
			return
		}
		typist := false
		for _, u := range members {
			if u == ev.User {
				typist = true
				break
			}
		}
		if !typist {
			return // 非成员的输入信号不外泄
		}
		te := models.NewTypingEvent(ev.User, ev.ConvID, ev.Active)
		for _, u := range members {
			if u == ev.User {
				continue
			}
			e.pushUser(ctx, u, te)
		}
	}
}

// ObserveRemote 桥接转发回调：异实例的状态推进按存储重读对齐本地缓存。
// 消息与信号类事件无需处理——消息由导致它的实例写库，缓存未命中自会回源。
func (e *Engine) ObserveRemote(env bridge.Envelope) {
	if env.Event.Action != models.ActionStatus {
		return
	}
	var p models.StatusPayload
	if err := json.Unmarshal(env.Event.Data, &p); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	e.Cache.InvalidateStatus(ctx, p.ConvID, p.MsgID)
}
