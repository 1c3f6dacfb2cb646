// Package pebblestore 基于 Pebble 的嵌入式消息存储（默认实现）。
//
// 键空间（'|' 分隔，外层已保证 ID 不含 '|'）：
//   - m|<convId>|<msgId>        消息文档（JSON），msgId 为 UUIDv7，字典序即时间序
//   - c|<convId>|<clientMsgId>  客户端幂等键 → msgId
//   - b|<userId>|<msgId>        积压索引（仍处于 sent 的消息）→ convId
//
// 回执内嵌在消息文档里，状态写是读-改-写，用分段锁保证同一
// (conv,msg) 的并发状态写串行化；跨键写操作统一走 Batch + Sync。
package pebblestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"go-relay/internal/models"
	"go-relay/internal/store"
)

const lockStripes = 64

type Store struct {
	db      *pebble.DB
	stripes [lockStripes]sync.Mutex
}

// Open 打开（或创建）指定目录下的消息库。
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func msgKey(convID, msgID string) []byte {
	return []byte("m|" + convID + "|" + msgID)
}

func msgPrefix(convID string) []byte {
	return []byte("m|" + convID + "|")
}

func clientKey(convID, clientMsgID string) []byte {
	return []byte("c|" + convID + "|" + clientMsgID)
}

func backlogKey(userID, msgID string) []byte {
	return []byte("b|" + userID + "|" + msgID)
}

func backlogPrefix(userID string) []byte {
	return []byte("b|" + userID + "|")
}

// keyUpperBound 返回前缀扫描的开区间上界（末字节进位）。
func keyUpperBound(b []byte) []byte {
	end := append([]byte(nil), b...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.stripes[h.Sum32()%lockStripes]
}

func (s *Store) getMessage(key []byte) (*models.Message, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	var m models.Message
	if err := json.Unmarshal(val, &m); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", key, err)
	}
	return &m, nil
}

func (s *Store) Append(ctx context.Context, m *models.Message) (bool, error) {
	mu := s.lockFor(m.ConvID + "|" + m.ClientMsgID)
	mu.Lock()
	defer mu.Unlock()

	if m.ClientMsgID != "" {
		_, closer, err := s.db.Get(clientKey(m.ConvID, m.ClientMsgID))
		if err == nil {
			closer.Close()
			return false, nil // 幂等命中，不改动
		}
		if err != pebble.ErrNotFound {
			return false, fmt.Errorf("pebble get client index: %w", err)
		}
	}

	doc, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(msgKey(m.ConvID, m.ID), doc, nil)
	if m.ClientMsgID != "" {
		_ = b.Set(clientKey(m.ConvID, m.ClientMsgID), []byte(m.ID), nil)
	}
	for i := range m.Receipts {
		_ = b.Set(backlogKey(m.Receipts[i].UserID, m.ID), []byte(m.ConvID), nil)
	}
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		return false, fmt.Errorf("pebble apply append: %w", err)
	}
	return true, nil
}

func (s *Store) GetByID(ctx context.Context, convID, msgID string) (*models.Message, error) {
	return s.getMessage(msgKey(convID, msgID))
}

func (s *Store) GetByClientID(ctx context.Context, convID, clientMsgID string) (*models.Message, error) {
	val, closer, err := s.db.Get(clientKey(convID, clientMsgID))
	if err == pebble.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get client index: %w", err)
	}
	msgID := string(val)
	closer.Close()
	return s.GetByID(ctx, convID, msgID)
}

func (s *Store) UpdateStatus(ctx context.Context, convID, msgID, recipient string, state models.DeliveryState, at time.Time) (bool, error) {
	if models.StateRank(state) <= models.StateRank(models.StateSent) {
		return false, nil // sent 由 Append 写入，不接受回退或原地写
	}
	mu := s.lockFor(convID + "|" + msgID)
	mu.Lock()
	defer mu.Unlock()

	m, err := s.getMessage(msgKey(convID, msgID))
	if err != nil {
		return false, err
	}
	r := m.ReceiptFor(recipient)
	if r == nil {
		return false, store.ErrNotFound
	}
	if models.StateRank(state) <= models.StateRank(r.State) {
		return false, nil // 过期写，竞态已被先到者解决
	}

	ts := at
	r.State = state
	switch state {
	case models.StateDelivered:
		r.DeliveredAt = &ts
	case models.StateRead:
		r.ReadAt = &ts
		if r.DeliveredAt == nil {
			r.DeliveredAt = &ts // read 先到时补记 delivered
		}
	}

	doc, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(msgKey(convID, msgID), doc, nil)
	_ = b.Delete(backlogKey(recipient, msgID), nil)
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		return false, fmt.Errorf("pebble apply status: %w", err)
	}
	return true, nil
}

func (s *Store) FetchRange(ctx context.Context, convID, anchorID string, limit int, dir store.Direction) ([]*models.Message, error) {
	limit = store.ClampLimit(limit)
	prefix := msgPrefix(convID)

	opts := &pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)}
	if anchorID != "" {
		anchor := msgKey(convID, anchorID)
		if dir == store.Forward {
			// 锚点的紧邻后继，保证严格大于
			opts.LowerBound = append(anchor, 0)
		} else {
			opts.UpperBound = anchor // 开区间，锚点自身不含
		}
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	out := make([]*models.Message, 0, limit)
	decode := func() error {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return fmt.Errorf("decode message %s: %w", iter.Key(), err)
		}
		out = append(out, &m)
		return nil
	}

	if dir == store.Forward {
		for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
			if err := decode(); err != nil {
				return nil, err
			}
		}
	} else {
		for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
			if err := decode(); err != nil {
				return nil, err
			}
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	return out, nil
}

func (s *Store) FetchContextWindow(ctx context.Context, convID string, limit int) ([]*models.Message, error) {
	msgs, err := s.FetchRange(ctx, convID, "", limit, store.Backward)
	if err != nil {
		return nil, err
	}
	// 倒序结果翻转为时间正序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) FetchBacklog(ctx context.Context, recipient string, limit int, maxAge time.Duration) ([]*models.Message, error) {
	limit = store.ClampLimit(limit)
	prefix := backlogPrefix(recipient)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	cutoff := time.Now().Add(-maxAge)
	out := make([]*models.Message, 0, limit)
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		key := iter.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		msgID := string(key[len(prefix):])
		convID := string(iter.Value())
		m, err := s.getMessage(msgKey(convID, msgID))
		if err == store.ErrNotFound {
			continue // 索引残留，消息已被外部清理
		}
		if err != nil {
			return nil, err
		}
		if maxAge > 0 && m.CreatedAt.Before(cutoff) {
			continue
		}
		// 双重校验：索引可能落后于状态写
		if r := m.ReceiptFor(recipient); r == nil || r.State != models.StateSent {
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	return out, nil
}
