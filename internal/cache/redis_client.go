package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 本包封装 Redis 客户端与集群可见的在线状态镜像键：
// - 全局在线集合：relay:presence:online
// - 用户实例集合：relay:presence:nodes:<userId>（哪些实例上有该用户的连接）
// - last-seen 散列：relay:presence:last_seen（userId → 毫秒时间戳）
// 进程内注册表才是本实例的权威；镜像是 best-effort 的集群视图，
// 写失败只记日志，读方对过旧的 last-seen 按离线处理。
var (
	redisClient *redis.Client
)

func InitRedis(addr, pass string, db int) {
	redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func Client() *redis.Client { return redisClient }

// OnlineUsersKey 全局在线集合键；NodePresenceKey 用户实例集合键；
// LastSeenKey last-seen 散列键。
func OnlineUsersKey() string               { return "relay:presence:online" }
func NodePresenceKey(userID string) string { return fmt.Sprintf("relay:presence:nodes:%s", userID) }
func LastSeenKey() string                  { return "relay:presence:last_seen" }

// PresenceMirror 把本实例的首连/末断同步进集群镜像。
// 同一用户可在多个实例各持连接：上线即把本实例加入用户实例集合，
// 末断移除本实例，集合清空才从全局在线集合摘除。
type PresenceMirror struct {
	InstanceID string
	Timeout    time.Duration
}

func NewPresenceMirror(instanceID string) *PresenceMirror {
	return &PresenceMirror{InstanceID: instanceID, Timeout: 2 * time.Second}
}

func (m *PresenceMirror) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.Timeout)
}

func (m *PresenceMirror) MirrorOnline(user string, at time.Time) error {
	if redisClient == nil {
		return nil
	}
	ctx, cancel := m.ctx()
	defer cancel()
	pipe := redisClient.TxPipeline()
	pipe.SAdd(ctx, NodePresenceKey(user), m.InstanceID)
	pipe.SAdd(ctx, OnlineUsersKey(), user)
	pipe.HSet(ctx, LastSeenKey(), user, at.UnixMilli())
	_, err := pipe.Exec(ctx)
	return err
}

func (m *PresenceMirror) MirrorOffline(user string, at time.Time) error {
	if redisClient == nil {
		return nil
	}
	ctx, cancel := m.ctx()
	defer cancel()
	if err := redisClient.SRem(ctx, NodePresenceKey(user), m.InstanceID).Err(); err != nil {
		return err
	}
	// 其他实例可能仍持有该用户连接，集合空了才算全网离线
	if n, err := redisClient.SCard(ctx, NodePresenceKey(user)).Result(); err == nil && n == 0 {
		_ = redisClient.SRem(ctx, OnlineUsersKey(), user).Err()
	}
	return redisClient.HSet(ctx, LastSeenKey(), user, at.UnixMilli()).Err()
}

// IsOnlineAnywhere 用户是否在任意实例在线（离线推送投递前的判定）。
func IsOnlineAnywhere(ctx context.Context, userID string) (bool, error) {
	return redisClient.SIsMember(ctx, OnlineUsersKey(), userID).Result()
}

// LastSeen 读取用户最近一次在线镜像时间；从未见过返回零值。
func LastSeen(ctx context.Context, userID string) (time.Time, error) {
	v, err := redisClient.HGet(ctx, LastSeenKey(), userID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// OnlineCount 全局在线用户数（运营指标用）。
func OnlineCount(ctx context.Context) (int64, error) {
	return redisClient.SCard(ctx, OnlineUsersKey()).Result()
}
