package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	/* 决策写入 */
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_gate_decisions_total",
			Help: "Total number of recorded approval decisions",
		},
		[]string{"status", "source"},
	)

	/* webhook 在边界处拒绝的请求 */
	webhookRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_gate_webhook_rejections_total",
			Help: "Total number of inbound decision requests rejected at the boundary",
		},
		[]string{"reason"},
	)

	/* 渠道调用失败 */
	channelErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_gate_channel_errors_total",
			Help: "Total number of failed channel API calls",
		},
		[]string{"operation"},
	)

	/* 等待时长 */
	waitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "approval_gate_wait_duration_seconds",
			Help:    "Time the coordinator spent waiting for a decision",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
		},
		[]string{"outcome"},
	)

	/* 入队到消息编辑完成 */
	updateLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "approval_gate_message_update_latency_seconds",
			Help:    "Time from enqueueing a message edit to the channel API call returning",
			Buckets: prometheus.DefBuckets,
		},
	)

	updateQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "approval_gate_message_updates_dropped_total",
			Help: "Message edits dropped because the update queue was full",
		},
	)
)

func RecordDecision(status, source string) {
	decisionsTotal.WithLabelValues(status, source).Inc()
}

func RecordWebhookRejection(reason string) {
	webhookRejectionsTotal.WithLabelValues(reason).Inc()
}

func RecordChannelError(operation string) {
	channelErrorsTotal.WithLabelValues(operation).Inc()
}

func RecordWait(outcome string, d time.Duration) {
	waitDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func RecordUpdateLatency(d time.Duration) {
	updateLatency.Observe(d.Seconds())
}

func RecordUpdateDropped() {
	updateQueueDropped.Inc()
}

// Handler 返回 /metrics 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}
