// Package bridge 跨实例投递桥。
// 单实例时注册表即全部真相；多实例部署下，引擎把每个下行事件
// 同时发布到总线，各实例的转发器替本地连接订阅并回注——
// 事件带 origin 实例标识，本实例发出的事件在回注时丢弃防止回环。
package bridge

import (
	"context"
	"encoding/json"

	"go-relay/internal/models"
)

// Envelope 总线上的事件信封。
type Envelope struct {
	Origin string           `json:"origin"` // 发布方实例 ID
	User   string           `json:"user"`   // 目标用户
	Event  models.PushEvent `json:"event"`
}

// Bus 按用户路由的发布/订阅总线。
// Subscribe 返回取消函数；回调在总线自己的协程里执行，不得阻塞太久。
type Bus interface {
	Publish(ctx context.Context, user string, env Envelope) error
	Subscribe(user string, fn func(Envelope)) (cancel func(), err error)
	Close() error
}

func encodeEnvelope(env Envelope) ([]byte, error) { return json.Marshal(env) }

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
