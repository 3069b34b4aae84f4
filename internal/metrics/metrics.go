// ============================================================================
// Raft-Sessions Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露會話、命令套用與主備恢復的運行指標
//
// 指標分類:
//
//   1. 會話 (Counter / Gauge)：
//      - raft_sessions_opened_total / closed_total / expired_total
//      - raft_sessions_active: 目前活躍的會話數
//      - raft_sessions_events_published_total: 已釋放到出站佇列的事件數
//
//   2. 命令套用：
//      - raft_sessions_commands_applied_total{type}
//      - raft_sessions_command_latency_seconds: 提交到取得結果的延遲
//      - raft_sessions_snapshots_taken_total
//
//   3. 主備恢復：
//      - raft_sessions_restore_attempts_total{status}
//      - raft_sessions_restore_duration_seconds
//      - raft_sessions_snapshots_rejected_total: 因索引過舊被拒絕的快照
//      - raft_sessions_recovery_time_seconds: 最近一次啟動恢復或追趕的耗時
//      - raft_sessions_protocol_requests_total{method,status}: 伺服器端回應
//
// Prometheus 查詢示例:
//
//   # 會話過期率
//   rate(raft_sessions_expired_total[5m])
//
//   # 恢復失敗比例
//   sum(rate(raft_sessions_restore_attempts_total{status!="OK"}[5m]))
//     / sum(rate(raft_sessions_restore_attempts_total[5m]))
//
// 所有方法對 nil *Collector 都是 no-op，元件可以在沒有監控的情況下使用。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "raft_sessions"

// Collector Prometheus 指標收集器
type Collector struct {
	// 會話
	sessionsOpened  prometheus.Counter
	sessionsClosed  prometheus.Counter
	sessionsExpired prometheus.Counter
	sessionsActive  prometheus.Gauge
	eventsPublished prometheus.Counter

	// 命令
	commandsApplied *prometheus.CounterVec
	commandLatency  prometheus.Histogram
	snapshotsTaken  prometheus.Counter

	// 恢復
	restoreAttempts   *prometheus.CounterVec
	restoreDuration   prometheus.Histogram
	snapshotsRejected prometheus.Counter
	recoveryTime      prometheus.Gauge
	protocolRequests  *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用預設註冊器
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opened_total",
			Help:      "Total number of sessions opened",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closed_total",
			Help:      "Total number of sessions closed by clients",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_total",
			Help:      "Total number of sessions expired by timeout",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active",
			Help:      "Current number of active sessions",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of session events released after commit",
		}),
		commandsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_applied_total",
			Help:      "Total number of committed commands applied, by command type",
		}, []string{"type"}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Latency from proposal to applied result in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_taken_total",
			Help:      "Total number of node snapshots persisted",
		}),
		restoreAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_attempts_total",
			Help:      "Restore attempts made by a backup, by response status",
		}, []string{"status"}),
		restoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "restore_duration_seconds",
			Help:      "Time to restore a single primitive in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_rejected_total",
			Help:      "Snapshots rejected because their index was older than the applied index",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Duration of the most recent recovery in seconds",
		}),
		protocolRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_requests_total",
			Help:      "Primary-backup protocol requests served, by method and status",
		}, []string{"method", "status"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.sessionsOpened,
		c.sessionsClosed,
		c.sessionsExpired,
		c.sessionsActive,
		c.eventsPublished,
		c.commandsApplied,
		c.commandLatency,
		c.snapshotsTaken,
		c.restoreAttempts,
		c.restoreDuration,
		c.snapshotsRejected,
		c.recoveryTime,
		c.protocolRequests,
	)

	return c
}

// RecordSessionOpened 記錄會話開啟
func (c *Collector) RecordSessionOpened() {
	if c == nil {
		return
	}
	c.sessionsOpened.Inc()
	c.sessionsActive.Inc()
}

// RecordSessionClosed 記錄會話關閉
func (c *Collector) RecordSessionClosed() {
	if c == nil {
		return
	}
	c.sessionsClosed.Inc()
	c.sessionsActive.Dec()
}

// RecordSessionExpired 記錄會話過期
func (c *Collector) RecordSessionExpired() {
	if c == nil {
		return
	}
	c.sessionsExpired.Inc()
	c.sessionsActive.Dec()
}

// SetActiveSessions 還原快照後重設活躍會話數
func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.sessionsActive.Set(float64(n))
}

// RecordEventsPublished 記錄提交後釋放的事件數
func (c *Collector) RecordEventsPublished(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.eventsPublished.Add(float64(n))
}

// RecordCommandApplied 記錄套用的命令
func (c *Collector) RecordCommandApplied(commandType string) {
	if c == nil {
		return
	}
	c.commandsApplied.WithLabelValues(commandType).Inc()
}

// ObserveCommandLatency 記錄命令延遲
func (c *Collector) ObserveCommandLatency(seconds float64) {
	if c == nil {
		return
	}
	c.commandLatency.Observe(seconds)
}

// RecordSnapshotTaken 記錄一次快照
func (c *Collector) RecordSnapshotTaken() {
	if c == nil {
		return
	}
	c.snapshotsTaken.Inc()
}

// RecordRestoreAttempt 記錄一次恢復嘗試
func (c *Collector) RecordRestoreAttempt(status string, seconds float64) {
	if c == nil {
		return
	}
	c.restoreAttempts.WithLabelValues(status).Inc()
	c.restoreDuration.Observe(seconds)
}

// RecordSnapshotRejected 記錄被拒絕的過舊快照
func (c *Collector) RecordSnapshotRejected() {
	if c == nil {
		return
	}
	c.snapshotsRejected.Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// RecordProtocolRequest 記錄伺服器端協定回應
func (c *Collector) RecordProtocolRequest(method, status string) {
	if c == nil {
		return
	}
	c.protocolRequests.WithLabelValues(method, status).Inc()
}

// Handler 回傳 /metrics 的 HTTP handler；g 為 nil 時使用預設收集器
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
