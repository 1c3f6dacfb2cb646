// Package registry 进程内连接注册表：用户 → 活跃连接集合。
// 每条连接有且只有一个写协程消费 outbound 队列，同一连接上的事件
// 先进先出，这是会话内按创建序投递的根基。
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go-relay/internal/models"
)

var (
	// ErrConnClosed 连接已关闭，推送按投递失败处理（状态不动，等下次注册重试）
	ErrConnClosed = errors.New("registry: connection closed")
	// ErrEnqueueTimeout 队列在超时窗口内未腾出空间，本次推送放弃
	ErrEnqueueTimeout = errors.New("registry: enqueue timeout")
)

// Conn 一条活跃的下行通道。
//
// 新连接处于 staging 态：实时推送先落到 pending，等投递引擎完成积压
// 回放后调用 Activate 冲洗进正式队列。回放与实时推送之间的先后竞态
// 由 Activate 的高水位去重解决——先回放后冲洗，重复的丢弃，顺序不乱。
type Conn struct {
	ID        string // 连接句柄，进程内唯一
	User      string
	Transport string // ws / tcp，日志与指标用

	sendq chan models.PushEvent
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	staging bool
	pending []models.PushEvent

	lastPong atomic.Int64 // unix nano
}

// NewConn 创建 staging 态连接，queueSize 为 outbound 队列容量。
func NewConn(user, transport string, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = 256
	}
	c := &Conn{
		ID:        uuid.NewString(),
		User:      user,
		Transport: transport,
		sendq:     make(chan models.PushEvent, queueSize),
		done:      make(chan struct{}),
		staging:   true,
	}
	c.TouchPong()
	return c
}

// Outbound 写协程消费的事件队列。
func (c *Conn) Outbound() <-chan models.PushEvent { return c.sendq }

// Done 连接关闭信号。
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close 幂等关闭。只关 done，不关 sendq：入队方以 done 为准退出。
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Closed 是否已关闭。
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// TouchPong 记录一次心跳应答。
func (c *Conn) TouchPong() { c.lastPong.Store(time.Now().UnixNano()) }

// SincePong 距上次心跳应答的时长。
func (c *Conn) SincePong() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.lastPong.Load())
}

// Enqueue 投递一个下行事件，超时即放弃（调用方按投递失败处理）。
// staging 期间事件进 pending，不占队列。
func (c *Conn) Enqueue(ev models.PushEvent, timeout time.Duration) error {
	if c.Closed() {
		return ErrConnClosed
	}
	c.mu.Lock()
	if c.staging {
		c.pending = append(c.pending, ev)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if timeout <= 0 {
		select {
		case c.sendq <- ev:
			return nil
		case <-c.done:
			return ErrConnClosed
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.sendq <- ev:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-t.C:
		return ErrEnqueueTimeout
	}
}

// Replay 绕过 staging 直写正式队列，仅供积压回放使用：
// 回放天然先于 pending 冲洗，不经 pending 才能保证先回放后实时。
func (c *Conn) Replay(ev models.PushEvent, timeout time.Duration) error {
	if c.Closed() {
		return ErrConnClosed
	}
	if timeout <= 0 {
		select {
		case c.sendq <- ev:
			return nil
		case <-c.done:
			return ErrConnClosed
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.sendq <- ev:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-t.C:
		return ErrEnqueueTimeout
	}
}

// Activate 结束 staging：highWater 为积压回放的最后一条消息 ID，
// pending 里 ID 不大于它的消息事件已经回放过，直接丢弃去重。
// 冲洗用非阻塞写，队列装不下说明客户端拉不动，放弃剩余并关连接。
func (c *Conn) Activate(highWater string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.staging {
		return nil
	}
	c.staging = false
	pending := c.pending
	c.pending = nil
	for i := range pending {
		ev := pending[i]
		if ev.Action == models.ActionMessage && ev.MsgID != "" && highWater != "" && ev.MsgID <= highWater {
			continue
		}
		select {
		case c.sendq <- ev:
		default:
			c.Close()
			return ErrEnqueueTimeout
		}
	}
	return nil
}

// Staging 是否仍在回放窗口内。
func (c *Conn) Staging() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staging
}
