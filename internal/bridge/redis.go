package bridge

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// DeliverChannel 用户专属的投递通道名。
func DeliverChannel(userID string) string { return fmt.Sprintf("relay:deliver:%s", userID) }

// RedisBus 基于 Redis Pub/Sub 的总线实现：每用户一个通道。
// Pub/Sub 不持久：实例离线期间错过的事件由积压回放兜底，总线只管实时面。
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, user string, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, DeliverChannel(user), data).Err()
}

func (b *RedisBus) Subscribe(user string, fn func(Envelope)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.client.Subscribe(ctx, DeliverChannel(user))
	go func() {
		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("Bridge.Redis receive error: user=%s err=%v", user, err)
				}
				return
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				log.Printf("Bridge.Redis decode error: user=%s err=%v", user, err)
				continue
			}
			fn(env)
		}
	}()
	return func() {
		cancel()
		_ = sub.Close()
	}, nil
}

func (b *RedisBus) Close() error { return nil }
