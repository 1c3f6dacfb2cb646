package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Message/Receipt/Conversation/PresenceRecord 等为投递引擎核心领域模型。
// - Message.ID 使用 UUIDv7：时间有序，(CreatedAt, ID) 在会话内构成严格全序
// - Receipts 按发送时成员快照顺序保存，每个接收者独立推进投递状态
// - 消息一经持久化，发送者/内容/创建时间不可变，仅 Receipts 与 Recalled 可变

// DeliveryState 单个接收者的投递状态，只允许单调前进。
type DeliveryState string

const (
	StateSent      DeliveryState = "sent"      // 已入库，尚未送达该接收者
	StateDelivered DeliveryState = "delivered" // 客户端已确认收到
	StateRead      DeliveryState = "read"      // 客户端已读（终态）
)

// StateRank 状态序：sent < delivered < read。未知状态返回 0。
func StateRank(s DeliveryState) int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	default:
		return 0
	}
}

// ValidState 校验外部输入的状态值。
func ValidState(s DeliveryState) bool { return StateRank(s) > 0 }

// Receipt 一条消息对单个接收者的投递回执。
// sent 的发生时间即消息 CreatedAt，不重复存储；
// read 先于 delivered 确认到达时，DeliveredAt 会被补记（历史不缺档）。
type Receipt struct {
	UserID      string        `json:"userId"`
	State       DeliveryState `json:"state"`
	DeliveredAt *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time    `json:"readAt,omitempty"`
}

type ConversationType string

const (
	ConversationTypeC2C   ConversationType = "c2c"
	ConversationTypeGroup ConversationType = "group"
)

// Conversation 会话的带标签变体：c2c 恰有两名参与者，group 引用外部群组。
// 成员解析统一走 membership.Resolver，投递引擎不关心具体形态。
type Conversation struct {
	ID      string           `json:"id"`
	Type    ConversationType `json:"type"`
	UserA   string           `json:"userA,omitempty"` // c2c 参与者（字典序小）
	UserB   string           `json:"userB,omitempty"` // c2c 参与者（字典序大）
	GroupID string           `json:"groupId,omitempty"`
}

// DirectConversation 规范化单聊会话：双方按字典序排序后拼接，
// 同一对用户无论谁发起都得到同一个会话 ID。
func DirectConversation(a, b string) Conversation {
	p := []string{a, b}
	sort.Strings(p)
	return Conversation{
		ID:    fmt.Sprintf("c2c:%s:%s", p[0], p[1]),
		Type:  ConversationTypeC2C,
		UserA: p[0],
		UserB: p[1],
	}
}

// GroupConversation 群聊会话，成员集由群管理方维护。
func GroupConversation(groupID string) Conversation {
	return Conversation{
		ID:      "group:" + groupID,
		Type:    ConversationTypeGroup,
		GroupID: groupID,
	}
}

// ParseConversationID 从会话 ID 还原带标签变体。
// 形如 c2c:<lo>:<hi> 或 group:<groupId>，其余一律拒绝。
func ParseConversationID(id string) (Conversation, error) {
	switch {
	case strings.HasPrefix(id, "c2c:"):
		rest := strings.TrimPrefix(id, "c2c:")
		i := strings.LastIndex(rest, ":")
		if i <= 0 || i == len(rest)-1 {
			return Conversation{}, fmt.Errorf("malformed c2c conversation id %q", id)
		}
		a, b := rest[:i], rest[i+1:]
		if a >= b {
			return Conversation{}, fmt.Errorf("non-canonical c2c conversation id %q", id)
		}
		c := DirectConversation(a, b)
		return c, nil
	case strings.HasPrefix(id, "group:"):
		gid := strings.TrimPrefix(id, "group:")
		if gid == "" {
			return Conversation{}, fmt.Errorf("malformed group conversation id %q", id)
		}
		return GroupConversation(gid), nil
	default:
		return Conversation{}, fmt.Errorf("unknown conversation id %q", id)
	}
}

// Message 会话中的一条消息。
// - ID 全局唯一且时间有序（UUIDv7 字符串，字典序即时间序）
// - ClientMsgID 客户端幂等键：同会话内重复提交返回首次入库的消息
// - Receipts 为 fan-out 快照内每个接收者的投递状态（不含发送者）
// - Recalled 为逻辑撤回标记，由外部撤回逻辑置位，本引擎只读不删
type Message struct {
	ID          string           `json:"id"`
	ClientMsgID string           `json:"clientMsgId,omitempty"`
	ConvID      string           `json:"convId"`
	ConvType    ConversationType `json:"convType"`
	FromUserID  string           `json:"fromUserId"`
	ToUserID    string           `json:"toUserId,omitempty"`
	GroupID     string           `json:"groupId,omitempty"`
	Type        string           `json:"type"`
	Payload     []byte           `json:"payload"`
	CreatedAt   time.Time        `json:"createdAt"`
	Recalled    bool             `json:"recalled,omitempty"`
	Receipts    []Receipt        `json:"receipts"`
}

// ReceiptFor 返回指定接收者的回执，不存在时返回 nil。
func (m *Message) ReceiptFor(user string) *Receipt {
	for i := range m.Receipts {
		if m.Receipts[i].UserID == user {
			return &m.Receipts[i]
		}
	}
	return nil
}

// Recipients 按快照顺序返回接收者 ID 列表。
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.Receipts))
	for i := range m.Receipts {
		out = append(out, m.Receipts[i].UserID)
	}
	return out
}

// Clone 深拷贝消息，缓存对外返回副本时使用。
func (m *Message) Clone() *Message {
	cp := *m
	if m.Payload != nil {
		cp.Payload = append([]byte(nil), m.Payload...)
	}
	cp.Receipts = make([]Receipt, len(m.Receipts))
	copy(cp.Receipts, m.Receipts)
	for i := range m.Receipts {
		if m.Receipts[i].DeliveredAt != nil {
			t := *m.Receipts[i].DeliveredAt
			cp.Receipts[i].DeliveredAt = &t
		}
		if m.Receipts[i].ReadAt != nil {
			t := *m.Receipts[i].ReadAt
			cp.Receipts[i].ReadAt = &t
		}
	}
	return &cp
}

// PresenceStatus 在线状态。
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// TypingEntry 某会话内一条激活中的输入提示。
// ExpiresAt 之后视为不存在（自过期），无需显式 clear。
type TypingEntry struct {
	ConvID       string    `json:"convId"`
	ExpiresAt    time.Time `json:"expiresAt"`
	LastAnnounce time.Time `json:"-"` // 上次对外广播时间，用于去抖
}

// PresenceRecord 单个用户的在线/输入状态快照。
type PresenceRecord struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
	Typing   []TypingEntry  `json:"typing,omitempty"`
}

// 消息类型常量
const (
	MessageTypeText  = "text"  // 文本消息
	MessageTypeMedia = "media" // 媒体引用（上传与缩略图由外部服务负责）
)

// 文本消息载荷
type TextPayload struct {
	Text string `json:"text"` // 文本内容
}

// 媒体引用载荷：仅保存外部媒体服务返回的元数据引用
type MediaRefPayload struct {
	URL      string `json:"url"`                // 媒体 URL
	Name     string `json:"name,omitempty"`     // 原始文件名
	Size     int64  `json:"size,omitempty"`     // 文件大小（字节）
	MimeType string `json:"mimeType,omitempty"` // MIME 类型
	Thumb    string `json:"thumb,omitempty"`    // 缩略图 URL
}
