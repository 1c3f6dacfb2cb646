package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-relay/internal/bridge"
	"go-relay/internal/cache"
	"go-relay/internal/config"
	"go-relay/internal/convcache"
	"go-relay/internal/delivery"
	"go-relay/internal/events"
	"go-relay/internal/history"
	"go-relay/internal/maintenance"
	"go-relay/internal/membership"
	"go-relay/internal/metrics"
	"go-relay/internal/presence"
	"go-relay/internal/ratelimit"
	"go-relay/internal/registry"
	"go-relay/internal/store"
	"go-relay/internal/store/mongostore"
	"go-relay/internal/store/pebblestore"
	"go-relay/internal/store/sqlstore"
	"go-relay/internal/transport/tcp"
	"go-relay/internal/transport/ws"

	"go-relay/internal/auth"
	"go-relay/internal/models"
)

func parseIntQuery(c *gin.Context, key string, defaultValue int) int {
	value, _ := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(defaultValue)))
	return value
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if cfg.EnableMetrics {
		metrics.Init()
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	log.Printf("Relay starting: instance=%s listen=%s messageDB=%s bridge=%s", instanceID, cfg.ListenAddr, cfg.MessageDB, cfg.Bridge)

	// 消息存储：pebble（默认嵌入式）、mysql、sqlite 或 mongodb
	var msgStore store.MessageStore
	switch cfg.MessageDB {
	case "mysql":
		st, err := sqlstore.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			log.Fatalf("open mysql store: %v", err)
		}
		msgStore = st
	case "sqlite":
		st, err := sqlstore.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			log.Fatalf("open sqlite store: %v", err)
		}
		msgStore = st
	case "mongodb":
		db, err := mongostore.Connect(cfg.MongoURI)
		if err != nil {
			log.Fatalf("connect mongodb: %v", err)
		}
		msgStore = mongostore.New(db)
	default:
		st, err := pebblestore.Open(cfg.PebbleDir)
		if err != nil {
			log.Fatalf("open pebble store: %v", err)
		}
		msgStore = st
	}
	defer msgStore.Close()

	// 成员关系：memory（单机开发）或 sql；SQL 消息库在用时直接复用其连接
	var resolver membership.Resolver
	switch cfg.RosterDB {
	case "sql":
		var db *sqlx.DB
		if ss, ok := msgStore.(*sqlstore.Store); ok {
			db = ss.DB()
		} else {
			d, err := sqlx.Connect("mysql", cfg.MySQLDSN)
			if err != nil {
				log.Fatalf("connect roster db: %v", err)
			}
			db = d
		}
		roster := membership.NewSQLRoster(db)
		if err := roster.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("roster schema: %v", err)
		}
		resolver = roster
	default:
		resolver = membership.NewMemory()
	}

	pushTimeout := time.Duration(cfg.PushTimeoutMS) * time.Millisecond
	heartbeatInterval := time.Duration(cfg.HeartbeatIntervalSec) * time.Second
	heartbeatTimeout := time.Duration(cfg.HeartbeatTimeoutSec) * time.Second
	typingTTL := time.Duration(cfg.TypingTTLSec) * time.Second
	presenceStale := time.Duration(cfg.PresenceStaleSec) * time.Second

	reg := registry.New()
	tracker := presence.NewTracker(time.Duration(cfg.TypingReannounceSec) * time.Second)
	tracker.Mirror = cache.NewPresenceMirror(instanceID)
	convCache := convcache.New(msgStore, cfg.CacheCapacity)

	engine := delivery.New(msgStore, convCache, reg, tracker, resolver)
	engine.InstanceID = instanceID
	engine.PushTimeout = pushTimeout
	engine.BacklogLimit = cfg.BacklogLimit
	engine.BacklogMaxAge = time.Duration(cfg.BacklogMaxAgeHrs) * time.Hour

	// Kafka 事件流水（可选）
	if cfg.KafkaBrokers != "" {
		j, err := events.NewJournal(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Printf("Kafka journal disabled: brokers=%s err=%v", cfg.KafkaBrokers, err)
		} else {
			engine.Journal = j
			defer j.Close()
		}
	}

	// 跨实例桥：redis 或 nats；none 时引擎退化为纯本地扇出
	var bus bridge.Bus
	switch cfg.Bridge {
	case "redis":
		bus = bridge.NewRedisBus(cache.Client())
	case "nats":
		b, err := bridge.NewNATSBus(cfg.NATSURL)
		if err != nil {
			log.Fatalf("connect nats: %v", err)
		}
		bus = b
	}
	if bus != nil {
		engine.Bus = bus
		defer bus.Close()
		fw := bridge.NewForwarder(instanceID, bus, reg, pushTimeout)
		fw.Observer = engine.ObserveRemote
		reg.AddListener(fw)
	}

	reg.AddListener(engine)
	tracker.AddSink(engine.RoutePresence)

	hist := history.NewService(msgStore, cfg.PageSizeDefault, cfg.PageSizeMax)
	limiter := ratelimit.NewSubmitLimiter(cache.Client(), cfg.SubmitQPS, cfg.SubmitBurst)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Watch(ctx, heartbeatInterval, heartbeatTimeout)
	go tracker.Run(ctx, time.Duration(cfg.TypingSweepMS)*time.Millisecond)

	maint := &maintenance.Runner{
		Cron:         cfg.MaintenanceCron,
		Cache:        convCache,
		Tracker:      tracker,
		CacheIdle:    time.Duration(cfg.CacheIdleEvictMin) * time.Minute,
		PresenceIdle: presenceStale,
	}
	if err := maint.Start(ctx); err != nil {
		log.Printf("Maintenance disabled: %v", err)
	}

	r := gin.Default()
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// 简易认证：令牌由外部认证服务签发，这里只校验
	authn := func(c *gin.Context) (string, bool) {
		tok := c.GetHeader("Authorization")
		if len(tok) > 7 && tok[:7] == "Bearer " {
			tok = tok[7:]
		}
		cl, err := auth.ParseJWT(cfg.JWTSecret, tok)
		if err != nil {
			c.JSON(401, gin.H{"error": "unauthorized"})
			return "", false
		}
		return cl.UserID, true
	}

	// 提交消息
	r.POST("/api/messages", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		if !limiter.AllowSubmit(c, uid) {
			c.JSON(429, gin.H{"error": "rate limited"})
			return
		}
		var req struct {
			ConvID      string          `json:"convId"`
			PeerID      string          `json:"peerId"`
			GroupID     string          `json:"groupId"`
			ClientMsgID string          `json:"clientMsgId"`
			Type        string          `json:"type"`
			Payload     json.RawMessage `json:"payload"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		m, err := engine.Submit(c, delivery.SubmitRequest{
			ConvID:      req.ConvID,
			PeerID:      req.PeerID,
			GroupID:     req.GroupID,
			From:        uid,
			ClientMsgID: req.ClientMsgID,
			Type:        req.Type,
			Payload:     req.Payload,
		})
		if err != nil {
			switch {
			case errors.Is(err, delivery.ErrInvalidTarget):
				c.JSON(400, gin.H{"error": err.Error()})
			case errors.Is(err, delivery.ErrNotMember):
				c.JSON(403, gin.H{"error": err.Error()})
			case errors.Is(err, delivery.ErrMembershipUnavailable):
				c.JSON(503, gin.H{"error": err.Error()})
			default:
				c.JSON(500, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(200, m)
	})

	// 送达/已读确认（确认者 = 令牌主体）
	r.POST("/api/messages/:convId/:msgId/delivered", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		err := engine.AcknowledgeDelivered(c, c.Param("convId"), c.Param("msgId"), uid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(404, gin.H{"error": "message not found"})
				return
			}
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})
	r.POST("/api/messages/:convId/:msgId/read", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		err := engine.AcknowledgeRead(c, c.Param("convId"), c.Param("msgId"), uid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(404, gin.H{"error": "message not found"})
				return
			}
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})

	// 历史分页（游标稳定，绕过热缓存）
	r.GET("/api/conversations/:convId/history", func(c *gin.Context) {
		if _, ok := authn(c); !ok {
			return
		}
		dir := store.Backward
		if c.Query("direction") == "forward" {
			dir = store.Forward
		}
		msgs, next, err := hist.Page(c, c.Param("convId"), c.Query("cursor"), parseIntQuery(c, "limit", 0), dir)
		if err != nil {
			if errors.Is(err, history.ErrInvalidCursor) {
				c.JSON(400, gin.H{"error": err.Error()})
				return
			}
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"messages": msgs, "nextCursor": next})
	})

	// 最近窗口（热缓存路径）
	r.GET("/api/conversations/:convId/recent", func(c *gin.Context) {
		if _, ok := authn(c); !ok {
			return
		}
		msgs, err := convCache.Recent(c, c.Param("convId"), parseIntQuery(c, "limit", 0))
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"messages": msgs})
	})

	// 输入提示
	r.POST("/api/typing", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			ConvID string `json:"convId" binding:"required"`
			Active bool   `json:"active"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if req.Active {
			tracker.SetTyping(uid, req.ConvID, typingTTL)
		} else {
			tracker.ClearTyping(uid, req.ConvID)
		}
		c.Status(204)
	})

	// 在线状态查询：仅对共享会话的对端可见
	r.GET("/api/presence/:userId", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		subject := c.Param("userId")
		if subject != uid {
			peers, err := resolver.PeersOf(c, uid)
			if err != nil {
				c.JSON(503, gin.H{"error": "membership unavailable"})
				return
			}
			visible := false
			for _, p := range peers {
				if p == subject {
					visible = true
					break
				}
			}
			if !visible {
				c.JSON(404, gin.H{"error": "not found"})
				return
			}
		}
		rec := tracker.Snapshot(subject)
		// 本实例不在线时参考集群镜像；过旧的 last-seen 按离线处理
		if rec.Status != models.PresenceOnline && cache.Client() != nil {
			if ls, err := cache.LastSeen(c, subject); err == nil && ls.After(rec.LastSeen) {
				rec.LastSeen = ls
			}
			if on, err := cache.IsOnlineAnywhere(c, subject); err == nil && on &&
				time.Since(rec.LastSeen) <= presenceStale {
				rec.Status = models.PresenceOnline
			}
		}
		c.JSON(200, rec)
	})

	// WebSocket 网关
	wsServer := &ws.Server{
		JWTSecret:         cfg.JWTSecret,
		Engine:            engine,
		Registry:          reg,
		Tracker:           tracker,
		Limiter:           limiter,
		QueueSize:         cfg.SendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		PushTimeout:       pushTimeout,
		TypingTTL:         typingTTL,
	}
	r.GET("/ws", wsServer.Handle)

	// TCP 行协议通道（可选）
	go (&tcp.Server{
		Addr:             cfg.TCPAddr,
		JWTSecret:        cfg.JWTSecret,
		Engine:           engine,
		Registry:         reg,
		QueueSize:        cfg.SendQueueSize,
		HeartbeatTimeout: heartbeatTimeout,
		PushTimeout:      pushTimeout,
	}).Start(ctx)

	_ = r.Run(cfg.ListenAddr)
}
