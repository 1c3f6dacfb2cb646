package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"go-relay/internal/metrics"
	"go-relay/internal/models"
)

// Listener 连接生命周期回调。first/last 标记该用户的首连与末断，
// 在线状态转换与积压回放都挂在这两个事件上。
type Listener interface {
	OnConnect(user string, c *Conn, first bool)
	OnDisconnect(user string, c *Conn, last bool)
}

type userEntry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// Registry 进程本地的连接注册表。外层读写锁只保护 users 映射，
// 连接集合的增删走每用户互斥锁，高连接数下不会挤在一把全局锁上。
type Registry struct {
	mu    sync.RWMutex
	users map[string]*userEntry

	lmu       sync.RWMutex
	listeners []Listener
}

func New() *Registry {
	return &Registry{users: make(map[string]*userEntry)}
}

// AddListener 注册生命周期回调（启动期调用，不支持并发注册）。
func (r *Registry) AddListener(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) entryFor(user string, create bool) *userEntry {
	r.mu.RLock()
	e := r.users[user]
	r.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e = r.users[user]; e == nil {
		e = &userEntry{conns: make(map[string]*Conn)}
		r.users[user] = e
	}
	return e
}

// Register 登记一条连接。回调在锁外执行。
func (r *Registry) Register(user string, c *Conn) {
	e := r.entryFor(user, true)
	e.mu.Lock()
	e.conns[c.ID] = c
	first := len(e.conns) == 1
	e.mu.Unlock()

	metrics.ActiveConnections.Inc()
	log.Printf("Registry.Register: user=%s conn=%s transport=%s first=%v", user, c.ID, c.Transport, first)

	r.lmu.RLock()
	ls := r.listeners
	r.lmu.RUnlock()
	for _, l := range ls {
		l.OnConnect(user, c, first)
	}
}

// Unregister 注销一条连接并关闭它。重复注销无害。
func (r *Registry) Unregister(user string, c *Conn) {
	e := r.entryFor(user, false)
	if e == nil {
		c.Close()
		return
	}
	e.mu.Lock()
	_, present := e.conns[c.ID]
	if present {
		delete(e.conns, c.ID)
	}
	last := len(e.conns) == 0
	e.mu.Unlock()

	c.Close()
	if !present {
		return
	}

	if last {
		// 末断时回收用户条目；期间可能有新连接抢注，双重校验
		r.mu.Lock()
		e.mu.Lock()
		if len(e.conns) == 0 {
			delete(r.users, user)
		} else {
			last = false
		}
		e.mu.Unlock()
		r.mu.Unlock()
	}

	metrics.ActiveConnections.Dec()
	log.Printf("Registry.Unregister: user=%s conn=%s last=%v", user, c.ID, last)

	r.lmu.RLock()
	ls := r.listeners
	r.lmu.RUnlock()
	for _, l := range ls {
		l.OnDisconnect(user, c, last)
	}
}

// ConnectionsFor 返回用户当前连接的快照副本。
func (r *Registry) ConnectionsFor(user string) []*Conn {
	e := r.entryFor(user, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// IsOnline 用户是否至少有一条活跃连接。
func (r *Registry) IsOnline(user string) bool {
	e := r.entryFor(user, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns) > 0
}

// Push 向用户的全部连接投递事件，返回成功入队的连接数。
// 多端同收：每条连接独立计成败，互不拖累。
func (r *Registry) Push(user string, ev models.PushEvent, timeout time.Duration) int {
	n := 0
	for _, c := range r.ConnectionsFor(user) {
		if err := c.Enqueue(ev, timeout); err != nil {
			metrics.PushDropped.Inc()
			log.Printf("Registry.Push drop: user=%s conn=%s action=%s err=%v", user, c.ID, ev.Action, err)
			continue
		}
		n++
	}
	if n > 0 {
		metrics.PushTotal.WithLabelValues(ev.Action).Add(float64(n))
	}
	return n
}

// Watch 心跳看门狗：超过 timeout 未见 pong 的连接强制注销。
// 传输层的读超时是第一道防线，这里兜底清理挂死连接。
func (r *Registry) Watch(ctx context.Context, interval, timeout time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweepStale(timeout)
		}
	}
}

func (r *Registry) sweepStale(timeout time.Duration) {
	r.mu.RLock()
	users := make([]string, 0, len(r.users))
	for u := range r.users {
		users = append(users, u)
	}
	r.mu.RUnlock()

	for _, u := range users {
		for _, c := range r.ConnectionsFor(u) {
			if c.SincePong() > timeout {
				log.Printf("Registry.Watch stale conn: user=%s conn=%s idle=%s", u, c.ID, c.SincePong())
				r.Unregister(u, c)
			}
		}
	}
}
