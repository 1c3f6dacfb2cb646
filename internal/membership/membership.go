// Package membership 成员关系边界：投递引擎与在线状态路由只读消费。
// 群成员由外部群管理逻辑维护，这里按调用时刻取快照——发送之后入群的
// 成员不补收，发送之前退群的成员不在快照里。
package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go-relay/internal/models"
)

// ErrUnknownGroup 群不存在或成员关系方无法应答。
var ErrUnknownGroup = errors.New("membership: unknown group")

// Resolver 成员解析能力。
//   - MembersOf：会话在当前时刻的成员快照（含发送者）
//   - PeersOf：与该用户至少共享一个会话的用户集（在线状态广播的可见域）
type Resolver interface {
	MembersOf(ctx context.Context, conv models.Conversation) ([]string, error)
	PeersOf(ctx context.Context, user string) ([]string, error)
}

// Memory 进程内实现，单机开发与测试用。
type Memory struct {
	mu       sync.RWMutex
	groups   map[string][]string
	contacts map[string]map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		groups:   make(map[string][]string),
		contacts: make(map[string]map[string]bool),
	}
}

// SetGroup 整体替换群成员（有序）。
func (m *Memory) SetGroup(groupID string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[groupID] = append([]string(nil), members...)
}

// RemoveGroup 删除群。
func (m *Memory) RemoveGroup(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, groupID)
}

// AddContact 建立双向联系人关系。
func (m *Memory) AddContact(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contacts[a] == nil {
		m.contacts[a] = make(map[string]bool)
	}
	if m.contacts[b] == nil {
		m.contacts[b] = make(map[string]bool)
	}
	m.contacts[a][b] = true
	m.contacts[b][a] = true
}

func (m *Memory) MembersOf(ctx context.Context, conv models.Conversation) ([]string, error) {
	switch conv.Type {
	case models.ConversationTypeC2C:
		return []string{conv.UserA, conv.UserB}, nil
	case models.ConversationTypeGroup:
		m.mu.RLock()
		defer m.mu.RUnlock()
		members, ok := m.groups[conv.GroupID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, conv.GroupID)
		}
		return append([]string(nil), members...), nil
	default:
		return nil, fmt.Errorf("membership: unknown conversation type %q", conv.Type)
	}
}

func (m *Memory) PeersOf(ctx context.Context, user string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for c := range m.contacts[user] {
		seen[c] = true
	}
	for _, members := range m.groups {
		in := false
		for _, u := range members {
			if u == user {
				in = true
				break
			}
		}
		if !in {
			continue
		}
		for _, u := range members {
			if u != user {
				seen[u] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	return out, nil
}

// IsMember 群成员判定（网关鉴权钩子用）。
func (m *Memory) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.groups[groupID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

// AreContacts 双方是否为联系人（c2c 发信与在线状态可见性钩子用）。
func (m *Memory) AreContacts(ctx context.Context, a, b string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contacts[a][b], nil
}
