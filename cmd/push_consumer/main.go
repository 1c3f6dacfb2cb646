// push_consumer 消费投递流水，为离线接收者记录推送交接。
// 真正的移动推送（APNs/FCM）在外部系统；这里判定“谁需要推”并交接出去。
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"

	"go-relay/internal/cache"
	"go-relay/internal/config"
	"go-relay/internal/events"
)

type handler struct {
	ctx   context.Context
	stale time.Duration
}

func (h *handler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var rec events.Record
		if err := json.Unmarshal(msg.Value, &rec); err == nil && rec.Kind == events.KindMessagePersisted {
			h.handoff(&rec)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

// handoff 对每个接收者查集群在线镜像：任一实例在线则实时通道已送，
// 离线才需要推送。镜像查不到按离线处理（宁可多推不可漏推）。
func (h *handler) handoff(rec *events.Record) {
	for _, uid := range rec.Recipients {
		online, err := cache.IsOnlineAnywhere(h.ctx, uid)
		if err != nil {
			log.Printf("PushConsumer mirror check failed: user=%s err=%v", uid, err)
		}
		if err == nil && online {
			continue
		}
		lastSeen, _ := cache.LastSeen(h.ctx, uid)
		idle := time.Duration(0)
		if !lastSeen.IsZero() {
			idle = time.Since(lastSeen)
		}
		if h.stale > 0 && idle > 0 && idle > h.stale {
			log.Printf("PushConsumer handoff: user=%s convId=%s msgId=%s from=%s idle=%s",
				uid, rec.ConvID, rec.MsgID, rec.From, idle.Round(time.Second))
		} else {
			log.Printf("PushConsumer handoff: user=%s convId=%s msgId=%s from=%s",
				uid, rec.ConvID, rec.MsgID, rec.From)
		}
	}
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if cfg.KafkaBrokers == "" {
		log.Fatal("RELAY_KAFKA_BROKERS 未配置")
	}

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)

	ctx, cancel := context.WithCancel(context.Background())
	h := &handler{ctx: ctx, stale: time.Duration(cfg.PresenceStaleSec) * time.Second}

	client, err := sarama.NewConsumerGroup(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaGroup, sarama.NewConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	go func() {
		for {
			if err := client.Consume(ctx, []string{cfg.KafkaTopic}, h); err != nil {
				log.Printf("consume error: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	log.Printf("PushConsumer started: brokers=%s topic=%s group=%s", cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}
