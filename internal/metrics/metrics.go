package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_ws_messages_total", Help: "WS上行消息数"},
		[]string{"action"},
	)
	SubmitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "relay_submit_latency_ms", Help: "提交到完成扇出的延迟(近似)", Buckets: prometheus.LinearBuckets(5, 5, 20)},
	)
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "relay_active_connections", Help: "当前注册的连接数"},
	)
	PushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_push_total", Help: "下行推送事件数"},
		[]string{"action"},
	)
	PushDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_push_dropped_total", Help: "放弃的推送(队列超时/连接关闭)"},
	)
	RedeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_redelivered_total", Help: "重连回放的积压消息数"},
	)
	StaleTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_stale_transitions_total", Help: "被条件写拒绝的过期状态推进"},
	)
	TypingEvents = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_typing_events_total", Help: "对外广播的输入提示事件数"},
	)
	CacheHit = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_cache_hit_total", Help: "热会话缓存命中"},
	)
	CacheMiss = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_cache_miss_total", Help: "热会话缓存未命中"},
	)
)

func Init() {
	prometheus.MustRegister(WSMessagesTotal)
	prometheus.MustRegister(SubmitLatency)
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(PushTotal)
	prometheus.MustRegister(PushDropped)
	prometheus.MustRegister(RedeliveredTotal)
	prometheus.MustRegister(StaleTransitions)
	prometheus.MustRegister(TypingEvents)
	prometheus.MustRegister(CacheHit)
	prometheus.MustRegister(CacheMiss)
}
