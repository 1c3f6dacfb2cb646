// Package ws WebSocket 接入网关：认证、连接注册、上行动作分发与下行写循环。
// 下行事件一律经连接注册表的 outbound 队列，由本包的写循环独占写 socket，
// 不存在并发写；上行回执（ack/error）同样入队，与推送共享先进先出次序。
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"go-relay/internal/auth"
	"go-relay/internal/delivery"
	"go-relay/internal/metrics"
	"go-relay/internal/models"
	"go-relay/internal/presence"
	"go-relay/internal/ratelimit"
	"go-relay/internal/registry"
)

// Server WebSocket 网关。
// - Engine 负责提交与状态确认，Tracker 负责输入提示
// - Limiter 对上行 send 做按用户限速（nil 时不限）
// - 心跳：服务端主动 ping，超时未见 pong 由读超时与注册表看门狗双重兜底
type Server struct {
	JWTSecret string
	Engine    *delivery.Engine
	Registry  *registry.Registry
	Tracker   *presence.Tracker
	Limiter   *ratelimit.SubmitLimiter

	QueueSize         int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PushTimeout       time.Duration
	TypingTTL         time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Inbound 上行信封，与下行 PushEvent 同构：{"action": "...", "data": {...}}。
type Inbound struct {
	Action string          `json:"action"` // send, ack_delivered, ack_read, typing
	Data   json.RawMessage `json:"data"`
}

// SendPayload action=send 的载荷。convId/peerId/groupId 三选一。
type SendPayload struct {
	ConvID      string          `json:"convId,omitempty"`
	PeerID      string          `json:"peerId,omitempty"`
	GroupID     string          `json:"groupId,omitempty"`
	ClientMsgID string          `json:"clientMsgId,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
}

// AckPayload action=ack_delivered / ack_read 的载荷。
type AckPayload struct {
	ConvID string `json:"convId"`
	MsgID  string `json:"msgId"`
}

// TypingPayload action=typing 的载荷。
type TypingPayload struct {
	ConvID string `json:"convId"`
	Active bool   `json:"active"`
}

func ackEvent(m *models.Message) models.PushEvent {
	data, _ := json.Marshal(m)
	return models.PushEvent{Action: "ack", Data: data}
}

func errorEvent(code, message string) models.PushEvent {
	data, _ := json.Marshal(gin.H{"code": code, "message": message})
	return models.PushEvent{Action: "error", Data: data}
}

// Handle 升级 HTTP 为 WebSocket 并接管该连接的读写循环。
// - 认证：URL 查询参数 token 或 Authorization: Bearer
// - 注册即触发在线转换与积压回放（注册表生命周期回调）
// - 写循环独占 socket 写；读循环退出即注销
func (s *Server) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	token := c.Query("token")
	if token == "" {
		h := c.GetHeader("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	claims, err := auth.ParseJWT(s.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	userID := claims.UserID

	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer sock.Close()

	conn := registry.NewConn(userID, "ws", s.QueueSize)
	s.Registry.Register(userID, conn)
	defer s.Registry.Unregister(userID, conn)
	log.Printf("WS connected: user=%s conn=%s", userID, conn.ID)

	// 读循环：pong 刷新读超时与心跳记录，上行动作就地分发
	go func() {
		defer s.Registry.Unregister(userID, conn)
		sock.SetReadDeadline(time.Now().Add(s.HeartbeatTimeout))
		sock.SetPongHandler(func(string) error {
			conn.TouchPong()
			return sock.SetReadDeadline(time.Now().Add(s.HeartbeatTimeout))
		})
		for {
			msgType, data, err := sock.ReadMessage()
			if err != nil {
				log.Printf("WS read loop exit: user=%s conn=%s err=%v", userID, conn.ID, err)
				return
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			var in Inbound
			if err := json.Unmarshal(data, &in); err != nil {
				log.Printf("WS unmarshal error: user=%s err=%v data=%q", userID, err, string(data))
				continue
			}
			metrics.WSMessagesTotal.WithLabelValues(in.Action).Inc()
			s.handleInbound(ctx, userID, conn, &in)
		}
	}()

	// 写循环：独占 socket 写，排空 outbound 队列并周期 ping
	ticker := time.NewTicker(s.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-conn.Outbound():
			sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sock.WriteJSON(ev); err != nil {
				log.Printf("WS write error: user=%s conn=%s err=%v", userID, conn.ID, err)
				return
			}
		case <-ticker.C:
			sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("WS ping error: user=%s conn=%s err=%v", userID, conn.ID, err)
				return
			}
		case <-conn.Done():
			log.Printf("WS disconnected: user=%s conn=%s", userID, conn.ID)
			return
		}
	}
}

// handleInbound 上行动作分发。
// - send：限速 → 引擎提交 → 回 ack / error
// - ack_delivered / ack_read：状态确认，过期写已在引擎吞掉
// - typing：active 置位/续期，false 显式终止
func (s *Server) handleInbound(ctx context.Context, userID string, conn *registry.Conn, in *Inbound) {
	switch in.Action {
	case "send":
		if !s.Limiter.AllowSubmit(ctx, userID) {
			conn.Enqueue(errorEvent("RATE_LIMIT", "submit rate exceeded"), s.PushTimeout)
			log.Printf("WS send blocked by rate limit: user=%s", userID)
			return
		}
		var p SendPayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			log.Printf("WS send payload error: user=%s err=%v", userID, err)
			return
		}
		m, err := s.Engine.Submit(ctx, delivery.SubmitRequest{
			ConvID:      p.ConvID,
			PeerID:      p.PeerID,
			GroupID:     p.GroupID,
			From:        userID,
			ClientMsgID: p.ClientMsgID,
			Type:        p.Type,
			Payload:     p.Payload,
		})
		if err != nil {
			code := "SEND_FAILED"
			switch {
			case errors.Is(err, delivery.ErrInvalidTarget):
				code = "BAD_TARGET"
			case errors.Is(err, delivery.ErrNotMember):
				code = "NOT_MEMBER"
			case errors.Is(err, delivery.ErrMembershipUnavailable):
				code = "MEMBERSHIP_UNAVAILABLE"
			}
			conn.Enqueue(errorEvent(code, err.Error()), s.PushTimeout)
			log.Printf("WS send failed: user=%s code=%s err=%v", userID, code, err)
			return
		}
		conn.Enqueue(ackEvent(m), s.PushTimeout)
	case "ack_delivered":
		var p AckPayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			return
		}
		if err := s.Engine.AcknowledgeDelivered(ctx, p.ConvID, p.MsgID, userID); err != nil {
			log.Printf("WS ack_delivered failed: user=%s convId=%s msgId=%s err=%v", userID, p.ConvID, p.MsgID, err)
		}
	case "ack_read":
		var p AckPayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			return
		}
		if err := s.Engine.AcknowledgeRead(ctx, p.ConvID, p.MsgID, userID); err != nil {
			log.Printf("WS ack_read failed: user=%s convId=%s msgId=%s err=%v", userID, p.ConvID, p.MsgID, err)
		}
	case "typing":
		var p TypingPayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			return
		}
		if p.Active {
			s.Tracker.SetTyping(userID, p.ConvID, s.TypingTTL)
		} else {
			s.Tracker.ClearTyping(userID, p.ConvID)
		}
	default:
		log.Printf("WS unknown action: user=%s action=%s", userID, in.Action)
	}
}
