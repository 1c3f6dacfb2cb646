// Package history 历史分页：锚定消息 ID 的游标翻页。
// 游标对外是不透明串，内部编码 (会话, 锚点消息, 方向)；锚定身份而非
// 偏移量，并发写入不会让已翻过的页重复或漏条。读路径绕过热缓存直达
// 存储——缓存只是投影，分页以持久层为准。
package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"go-relay/internal/models"
	"go-relay/internal/store"
)

// ErrInvalidCursor 游标无法解码、会话不匹配或锚点消息已不存在。
// 可恢复错误：调用方应丢弃游标从头再翻，而不是由服务猜一页兜底。
var ErrInvalidCursor = errors.New("history: invalid cursor")

// cursor 游标载荷。字段名压短：游标会贴在每次翻页请求的 URL 上。
type cursor struct {
	Conv string          `json:"c"`
	Msg  string          `json:"m"`
	Dir  store.Direction `json:"d"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.Conv == "" || c.Msg == "" || (c.Dir != store.Backward && c.Dir != store.Forward) {
		return cursor{}, fmt.Errorf("%w: missing fields", ErrInvalidCursor)
	}
	return c, nil
}

// Service 分页服务。
type Service struct {
	Store        store.MessageStore
	DefaultLimit int
	MaxLimit     int
}

func NewService(st store.MessageStore, defaultLimit, maxLimit int) *Service {
	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	if maxLimit <= 0 {
		maxLimit = 100
	}
	return &Service{Store: st, DefaultLimit: defaultLimit, MaxLimit: maxLimit}
}

func (s *Service) clamp(limit int) int {
	if limit <= 0 {
		return s.DefaultLimit
	}
	if limit > s.MaxLimit {
		return s.MaxLimit
	}
	return limit
}

// Page 翻一页。token 为空从最新开始（默认向旧翻，dir 可改为 forward）；
// token 非空时方向以游标记录的为准，保证同一游标传回来必然复现同一页。
// 返回的 next 为空表示没有下一页。
//
// 游标锚点会先经 GetByID 验证存在性：锚点消息已消失（外部清理）时
// 返回 ErrInvalidCursor，而不是猜一个近似页。
func (s *Service) Page(ctx context.Context, convID, token string, limit int, dir store.Direction) ([]*models.Message, string, error) {
	limit = s.clamp(limit)
	if dir != store.Forward {
		dir = store.Backward
	}

	anchor := ""
	if token != "" {
		c, err := decodeCursor(token)
		if err != nil {
			return nil, "", err
		}
		if c.Conv != convID {
			return nil, "", fmt.Errorf("%w: conversation mismatch", ErrInvalidCursor)
		}
		if _, err := s.Store.GetByID(ctx, convID, c.Msg); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, "", fmt.Errorf("%w: anchor gone", ErrInvalidCursor)
			}
			return nil, "", fmt.Errorf("history: anchor lookup: %w", err)
		}
		anchor = c.Msg
		dir = c.Dir
	}

	msgs, err := s.Store.FetchRange(ctx, convID, anchor, limit, dir)
	if err != nil {
		return nil, "", fmt.Errorf("history: fetch range: %w", err)
	}

	next := ""
	if len(msgs) == limit {
		next = encodeCursor(cursor{Conv: convID, Msg: msgs[len(msgs)-1].ID, Dir: dir})
	}
	return msgs, next, nil
}
