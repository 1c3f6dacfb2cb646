package bridge

import (
	"log"
	"sync"
	"time"

	"go-relay/internal/registry"
)

// Forwarder 挂在连接注册表上的桥接订阅管理：
// 用户首连时替他订阅总线，末断时退订；收到异实例事件时
// 推给本地连接。订阅以用户为粒度，多端共享一份。
type Forwarder struct {
	InstanceID  string
	Bus         Bus
	Registry    *registry.Registry
	PushTimeout time.Duration

	// Observer 每转发一个异实例事件回调一次（可为 nil）。
	// 投递引擎挂在这里对齐本地缓存里的状态投影。
	Observer func(env Envelope)

	mu      sync.Mutex
	cancels map[string]func()
}

func NewForwarder(instanceID string, bus Bus, reg *registry.Registry, pushTimeout time.Duration) *Forwarder {
	return &Forwarder{
		InstanceID:  instanceID,
		Bus:         bus,
		Registry:    reg,
		PushTimeout: pushTimeout,
		cancels:     make(map[string]func()),
	}
}

func (f *Forwarder) OnConnect(user string, _ *registry.Conn, first bool) {
	if !first {
		return
	}
	cancel, err := f.Bus.Subscribe(user, func(env Envelope) {
		if env.Origin == f.InstanceID {
			return // 本实例已直接投递，丢弃回环
		}
		if f.Observer != nil {
			f.Observer(env)
		}
		f.Registry.Push(user, env.Event, f.PushTimeout)
	})
	if err != nil {
		log.Printf("Bridge.Forwarder subscribe failed: user=%s err=%v", user, err)
		return
	}
	f.mu.Lock()
	if old := f.cancels[user]; old != nil {
		old()
	}
	f.cancels[user] = cancel
	f.mu.Unlock()
	log.Printf("Bridge.Forwarder subscribed: user=%s", user)
}

func (f *Forwarder) OnDisconnect(user string, _ *registry.Conn, last bool) {
	if !last {
		return
	}
	f.mu.Lock()
	cancel := f.cancels[user]
	delete(f.cancels, user)
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		log.Printf("Bridge.Forwarder unsubscribed: user=%s", user)
	}
}
