package models

import (
	"encoding/json"
	"time"
)

// PushEvent 下行推送信封，WS 与 TCP 通道共用同一编码：
// {"action": "...", "data": {...}}。Data 在构造时即完成序列化，
// 连接写协程只做一次整体编码，避免在持锁路径上做重复 marshal。
type PushEvent struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`

	// MsgID 仅对 action=message 有值：重连回放与实时推送在连接激活
	// 时按它去重。不上行到客户端。
	MsgID string `json:"-"`
}

// 下行 action 常量
const (
	ActionMessage     = "message"      // 新消息
	ActionStatus      = "status"       // 投递状态变更
	ActionPresence    = "presence"     // 在线状态变更
	ActionTyping      = "typing"       // 输入提示变更
	ActionBacklogDone = "backlog_done" // 重连回放结束标记
)

// StatusPayload action=status 的载荷。
type StatusPayload struct {
	ConvID string        `json:"convId"`
	MsgID  string        `json:"msgId"`
	UserID string        `json:"userId"` // 状态发生变化的接收者
	State  DeliveryState `json:"state"`
	At     time.Time     `json:"at"`
}

// PresencePayload action=presence 的载荷。
type PresencePayload struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
}

// TypingPayload action=typing 的载荷。
type TypingPayload struct {
	UserID string `json:"userId"`
	ConvID string `json:"convId"`
	Active bool   `json:"active"`
}

// BacklogDonePayload action=backlog_done 的载荷。
type BacklogDonePayload struct {
	Count int `json:"count"` // 本次回放的消息条数
}

// NewMessageEvent 构造 action=message 事件。
func NewMessageEvent(m *Message) PushEvent {
	data, _ := json.Marshal(m)
	return PushEvent{Action: ActionMessage, Data: data, MsgID: m.ID}
}

// NewStatusEvent 构造 action=status 事件。
func NewStatusEvent(convID, msgID, userID string, state DeliveryState, at time.Time) PushEvent {
	data, _ := json.Marshal(StatusPayload{ConvID: convID, MsgID: msgID, UserID: userID, State: state, At: at})
	return PushEvent{Action: ActionStatus, Data: data}
}

// NewPresenceEvent 构造 action=presence 事件。
func NewPresenceEvent(userID string, status PresenceStatus, lastSeen time.Time) PushEvent {
	data, _ := json.Marshal(PresencePayload{UserID: userID, Status: status, LastSeen: lastSeen})
	return PushEvent{Action: ActionPresence, Data: data}
}

// NewTypingEvent 构造 action=typing 事件。
func NewTypingEvent(userID, convID string, active bool) PushEvent {
	data, _ := json.Marshal(TypingPayload{UserID: userID, ConvID: convID, Active: active})
	return PushEvent{Action: ActionTyping, Data: data}
}

// NewBacklogDoneEvent 构造 action=backlog_done 事件。
func NewBacklogDoneEvent(count int) PushEvent {
	data, _ := json.Marshal(BacklogDonePayload{Count: count})
	return PushEvent{Action: ActionBacklogDone, Data: data}
}
