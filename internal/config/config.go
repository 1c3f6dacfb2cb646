package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	TCPAddr    string `yaml:"tcpAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	JWTSecret  string `yaml:"jwtSecret"`

	// 消息存储选择：pebble、mysql、sqlite 或 mongodb（本地默认 pebble，线上建议 mysql/mongodb）
	MessageDB  string `yaml:"messageDB"`
	PebbleDir  string `yaml:"pebbleDir"`
	MySQLDSN   string `yaml:"mysqlDSN"`
	SQLitePath string `yaml:"sqlitePath"`
	MongoURI   string `yaml:"mongoURI"`

	// 成员关系来源：memory 或 sql（memory 仅用于单机开发/测试）
	RosterDB string `yaml:"rosterDB"`

	// 跨实例投递桥：none、redis 或 nats
	Bridge  string `yaml:"bridge"`
	NATSURL string `yaml:"natsURL"`

	// 实例标识，桥接事件用它抑制回环；为空时启动自动生成
	InstanceID string `yaml:"instanceID"`

	// Kafka 事件流水（可选）
	KafkaBrokers string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaTopic   string `yaml:"kafkaTopic"`
	KafkaGroup   string `yaml:"kafkaGroup"`

	// 连接保活与推送超时
	HeartbeatIntervalSec int `yaml:"heartbeatIntervalSec"`
	HeartbeatTimeoutSec  int `yaml:"heartbeatTimeoutSec"`
	PushTimeoutMS        int `yaml:"pushTimeoutMS"`
	SendQueueSize        int `yaml:"sendQueueSize"`

	// 输入提示：TTL、重播间隔与清扫周期
	TypingTTLSec        int `yaml:"typingTTLSec"`
	TypingReannounceSec int `yaml:"typingReannounceSec"`
	TypingSweepMS       int `yaml:"typingSweepMS"`

	// 在线状态镜像：last-seen 超过该值按离线处理
	PresenceStaleSec int `yaml:"presenceStaleSec"`

	// 热会话缓存
	CacheCapacity     int `yaml:"cacheCapacity"`
	CacheIdleEvictMin int `yaml:"cacheIdleEvictMin"`

	// 离线积压回放上限
	BacklogLimit     int `yaml:"backlogLimit"`
	BacklogMaxAgeHrs int `yaml:"backlogMaxAgeHrs"`

	// 历史分页
	PageSizeDefault int `yaml:"pageSizeDefault"`
	PageSizeMax     int `yaml:"pageSizeMax"`

	// 维护任务 cron 表达式（缓存与在线记录清理）
	MaintenanceCron string `yaml:"maintenanceCron"`

	// 速率限制（消息提交）
	SubmitQPS   int `yaml:"submitQPS"`
	SubmitBurst int `yaml:"submitBurst"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8080",
		TCPAddr:    "",
		RedisAddr:  "127.0.0.1:6379",
		RedisPass:  "",
		JWTSecret:  "dev-secret-change-me",

		MessageDB:  "pebble",
		PebbleDir:  "./data/relay",
		MySQLDSN:   "root:password@tcp(127.0.0.1:3306)/relay?parseTime=true&loc=Local&charset=utf8mb4",
		SQLitePath: "./data/relay.db",
		MongoURI:   "mongodb://127.0.0.1:27017/relay",

		RosterDB: "memory",

		Bridge:     "none",
		NATSURL:    "nats://127.0.0.1:4222",
		InstanceID: "",

		KafkaBrokers: "",
		KafkaTopic:   "relay-events",
		KafkaGroup:   "relay-pushd",

		HeartbeatIntervalSec: 25,
		HeartbeatTimeoutSec:  60,
		PushTimeoutMS:        5000,
		SendQueueSize:        256,

		TypingTTLSec:        6,
		TypingReannounceSec: 3,
		TypingSweepMS:       2000,

		PresenceStaleSec: 600,

		CacheCapacity:     200,
		CacheIdleEvictMin: 30,

		BacklogLimit:     100,
		BacklogMaxAgeHrs: 168,

		PageSizeDefault: 20,
		PageSizeMax:     100,

		MaintenanceCron: "*/5 * * * *",

		SubmitQPS:   0,
		SubmitBurst: 0,

		EnableMetrics: true,
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("RELAY_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}

	setStr("RELAY_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("RELAY_TCP_ADDR", &cfg.TCPAddr)
	setStr("RELAY_REDIS_ADDR", &cfg.RedisAddr)
	setStr("RELAY_REDIS_PASS", &cfg.RedisPass)
	setInt("RELAY_REDIS_DB", &cfg.RedisDB)
	setStr("RELAY_JWT_SECRET", &cfg.JWTSecret)

	setStr("RELAY_MESSAGE_DB", &cfg.MessageDB)
	setStr("RELAY_PEBBLE_DIR", &cfg.PebbleDir)
	setStr("RELAY_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("RELAY_SQLITE_PATH", &cfg.SQLitePath)
	setStr("RELAY_MONGO_URI", &cfg.MongoURI)
	setStr("RELAY_ROSTER_DB", &cfg.RosterDB)

	setStr("RELAY_BRIDGE", &cfg.Bridge)
	setStr("RELAY_NATS_URL", &cfg.NATSURL)
	setStr("RELAY_INSTANCE_ID", &cfg.InstanceID)

	setStr("RELAY_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("RELAY_KAFKA_TOPIC", &cfg.KafkaTopic)
	setStr("RELAY_KAFKA_GROUP", &cfg.KafkaGroup)

	setInt("RELAY_HEARTBEAT_INTERVAL_SEC", &cfg.HeartbeatIntervalSec)
	setInt("RELAY_HEARTBEAT_TIMEOUT_SEC", &cfg.HeartbeatTimeoutSec)
	setInt("RELAY_PUSH_TIMEOUT_MS", &cfg.PushTimeoutMS)
	setInt("RELAY_SEND_QUEUE_SIZE", &cfg.SendQueueSize)

	setInt("RELAY_TYPING_TTL_SEC", &cfg.TypingTTLSec)
	setInt("RELAY_TYPING_REANNOUNCE_SEC", &cfg.TypingReannounceSec)
	setInt("RELAY_TYPING_SWEEP_MS", &cfg.TypingSweepMS)

	setInt("RELAY_PRESENCE_STALE_SEC", &cfg.PresenceStaleSec)

	setInt("RELAY_CACHE_CAPACITY", &cfg.CacheCapacity)
	setInt("RELAY_CACHE_IDLE_EVICT_MIN", &cfg.CacheIdleEvictMin)

	setInt("RELAY_BACKLOG_LIMIT", &cfg.BacklogLimit)
	setInt("RELAY_BACKLOG_MAX_AGE_HRS", &cfg.BacklogMaxAgeHrs)

	setInt("RELAY_PAGE_SIZE_DEFAULT", &cfg.PageSizeDefault)
	setInt("RELAY_PAGE_SIZE_MAX", &cfg.PageSizeMax)

	setStr("RELAY_MAINTENANCE_CRON", &cfg.MaintenanceCron)

	setInt("RELAY_SUBMIT_QPS", &cfg.SubmitQPS)
	setInt("RELAY_SUBMIT_BURST", &cfg.SubmitBurst)
	setBool("RELAY_ENABLE_METRICS", &cfg.EnableMetrics)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
