// Package store 定义消息持久层的统一抽象。
// 三个实现：pebblestore（默认嵌入式）、sqlstore（MySQL/SQLite）、mongostore。
// 投递引擎与分页服务只依赖本接口，不感知具体驱动。
package store

import (
	"context"
	"errors"
	"time"

	"go-relay/internal/models"
)

// ErrNotFound 消息或回执不存在。
var ErrNotFound = errors.New("store: not found")

// Direction 游标翻页方向。
type Direction string

const (
	// Backward 从锚点向更早的消息翻页（默认，页内按时间倒序）
	Backward Direction = "backward"
	// Forward 从锚点向更新的消息翻页（页内按时间正序）
	Forward Direction = "forward"
)

// MessageStore 消息存储接口。
//
// 约定：
//   - Append 幂等：ClientMsgID 非空时以 (ConvID, ClientMsgID) 判重，
//     已存在则返回 inserted=false 且不改动任何数据。
//   - UpdateStatus 为条件写：仅当新状态的序大于当前序时生效，
//     否则返回 applied=false（调用方按无害竞态处理，不是错误）；
//     写入 read 时若 delivered 时间缺失会一并补记，历史不缺档。
//   - FetchRange：anchorID 为空表示从最新开始；Backward 返回 ID 严格小于
//     锚点的消息、页内倒序，Forward 返回严格大于锚点的消息、页内正序。
//     锚点本身永不包含，翻页因此既不重复也不遗漏。
//   - FetchContextWindow 返回会话最近 limit 条，按时间正序。
//   - FetchBacklog 返回接收者仍处于 sent 且创建时间不早于 maxAge 的消息，
//     按时间正序，供重连回放。
type MessageStore interface {
	Append(ctx context.Context, m *models.Message) (inserted bool, err error)
	GetByID(ctx context.Context, convID, msgID string) (*models.Message, error)
	GetByClientID(ctx context.Context, convID, clientMsgID string) (*models.Message, error)
	UpdateStatus(ctx context.Context, convID, msgID, recipient string, state models.DeliveryState, at time.Time) (applied bool, err error)
	FetchRange(ctx context.Context, convID, anchorID string, limit int, dir Direction) ([]*models.Message, error)
	FetchContextWindow(ctx context.Context, convID string, limit int) ([]*models.Message, error)
	FetchBacklog(ctx context.Context, recipient string, limit int, maxAge time.Duration) ([]*models.Message, error)
	Close() error
}

// ClampLimit 存储层兜底的页大小约束。
func ClampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
