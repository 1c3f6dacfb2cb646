package bridge

import (
	"context"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// deliverSubject 用户专属的 NATS 主题。
func deliverSubject(userID string) string { return fmt.Sprintf("relay.deliver.%s", userID) }

// NATSBus 基于核心 NATS 的总线实现。
// 下行事件是实时信号，不需要 JetStream 持久化——错过的消息
// 走积压回放，这里只要求低延迟扇出。
type NATSBus struct {
	nc *nats.Conn
}

func NewNATSBus(url string) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("relay-bridge"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSBus{nc: nc}, nil
}

func (b *NATSBus) Publish(ctx context.Context, user string, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(deliverSubject(user), data)
}

func (b *NATSBus) Subscribe(user string, fn func(Envelope)) (func(), error) {
	sub, err := b.nc.Subscribe(deliverSubject(user), func(m *nats.Msg) {
		env, err := decodeEnvelope(m.Data)
		if err != nil {
			log.Printf("Bridge.NATS decode error: user=%s err=%v", user, err)
			return
		}
		fn(env)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}
