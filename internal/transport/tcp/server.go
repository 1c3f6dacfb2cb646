// Package tcp 行协议事件源：面向受限客户端的轻通道。
// 首行 `AUTH <jwt>` 完成认证后，下行以 JSON 行流式输出与 WS 相同的
// 推送信封；上行仅支持 `ACK <convId> <msgId>`、`READ <convId> <msgId>`
// 与 `PING` 三个动词。连接注册进同一注册表，扇出、积压回放与心跳
// 看门狗的行为与 WS 通道完全一致。
package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"go-relay/internal/auth"
	"go-relay/internal/delivery"
	"go-relay/internal/models"
	"go-relay/internal/registry"
)

const authDeadline = 10 * time.Second

type Server struct {
	Addr      string
	JWTSecret string
	Engine    *delivery.Engine
	Registry  *registry.Registry

	QueueSize        int
	HeartbeatTimeout time.Duration
	PushTimeout      time.Duration
}

// Start 监听并接入连接，ctx 结束时关闭监听。Addr 为空表示通道未启用。
func (s *Server) Start(ctx context.Context) error {
	if s.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	log.Printf("TCP listening: addr=%s", s.Addr)
	go func() { <-ctx.Done(); ln.Close() }()
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(ctx, c)
	}
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	reader := bufio.NewReader(c)

	// 认证必须在期限内完成，慢速握手直接掐掉
	c.SetReadDeadline(time.Now().Add(authDeadline))
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "AUTH ") {
		fmt.Fprintf(c, "{\"action\":\"error\",\"data\":{\"code\":\"AUTH_REQUIRED\"}}\n")
		return
	}
	claims, err := auth.ParseJWT(s.JWTSecret, strings.TrimSpace(strings.TrimPrefix(line, "AUTH ")))
	if err != nil {
		fmt.Fprintf(c, "{\"action\":\"error\",\"data\":{\"code\":\"INVALID_TOKEN\"}}\n")
		return
	}
	userID := claims.UserID

	conn := registry.NewConn(userID, "tcp", s.QueueSize)
	s.Registry.Register(userID, conn)
	defer s.Registry.Unregister(userID, conn)
	log.Printf("TCP connected: user=%s conn=%s remote=%s", userID, conn.ID, c.RemoteAddr())

	// 读循环：动词行分发；读超时由 PING 续命
	go func() {
		defer s.Registry.Unregister(userID, conn)
		for {
			c.SetReadDeadline(time.Now().Add(s.HeartbeatTimeout))
			line, err := reader.ReadString('\n')
			if err != nil {
				log.Printf("TCP read loop exit: user=%s conn=%s err=%v", userID, conn.ID, err)
				return
			}
			s.handleLine(ctx, userID, conn, strings.TrimSpace(line))
		}
	}()

	// 写循环：JSON 行输出，独占 socket 写
	enc := json.NewEncoder(c)
	for {
		select {
		case ev := <-conn.Outbound():
			c.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := enc.Encode(ev); err != nil {
				log.Printf("TCP write error: user=%s conn=%s err=%v", userID, conn.ID, err)
				return
			}
		case <-conn.Done():
			log.Printf("TCP disconnected: user=%s conn=%s", userID, conn.ID)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleLine(ctx context.Context, userID string, conn *registry.Conn, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch strings.ToUpper(fields[0]) {
	case "PING":
		conn.TouchPong()
		conn.Enqueue(models.PushEvent{Action: "pong"}, s.PushTimeout)
	case "ACK":
		if len(fields) != 3 {
			return
		}
		if err := s.Engine.AcknowledgeDelivered(ctx, fields[1], fields[2], userID); err != nil {
			log.Printf("TCP ack failed: user=%s convId=%s msgId=%s err=%v", userID, fields[1], fields[2], err)
		}
	case "READ":
		if len(fields) != 3 {
			return
		}
		if err := s.Engine.AcknowledgeRead(ctx, fields[1], fields[2], userID); err != nil {
			log.Printf("TCP read failed: user=%s convId=%s msgId=%s err=%v", userID, fields[1], fields[2], err)
		}
	default:
		log.Printf("TCP unknown verb: user=%s line=%q", userID, line)
	}
}
