// ============================================================================
// schedopt Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露最佳化引擎的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter) - 累計值，只增不減：
//      - schedopt_jobs_submitted_total{algorithm}
//      - schedopt_jobs_finished_total{algorithm,status}  status: completed|failed|cancelled
//      - schedopt_jobs_rejected_total{reason}            驗證失敗或佇列已滿
//      - schedopt_versions_created_total{source}
//
//   2. 性能指標 (Histogram)：
//      - schedopt_job_duration_seconds{algorithm}  從開始執行到終止狀態
//
//   3. 狀態指標 (Gauge)：
//      - schedopt_jobs_active{status}           queued|running
//      - schedopt_progress_subscribers          目前的進度訂閱數
//
// Prometheus 查詢示例:
//
//   # 各演算法失敗率
//   sum by (algorithm) (rate(schedopt_jobs_finished_total{status="failed"}[5m]))
//     / sum by (algorithm) (rate(schedopt_jobs_finished_total[5m]))
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, sum by (le, algorithm) (rate(schedopt_job_duration_seconds_bucket[5m])))
//
// HTTP 端點:
//   由 internal/api 以 /metrics 暴露
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "schedopt"

// Collector Prometheus 指標收集器
//
// nil *Collector 可以安全呼叫，所有記錄方法都不做任何事（metrics 關閉時使用）
type Collector struct {
	// 任務相關指標
	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsRejected  *prometheus.CounterVec

	// 效能指標
	jobDuration *prometheus.HistogramVec

	// 狀態指標
	jobsActive  *prometheus.GaugeVec
	subscribers prometheus.Gauge

	// 版本庫
	versionsCreated *prometheus.CounterVec
}

// NewCollector 創建指標收集器並註冊到 reg；reg 為 nil 時使用預設 registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of optimization jobs accepted",
		}, []string{"algorithm"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of optimization jobs that reached a terminal state",
		}, []string{"algorithm", "status"}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of submissions rejected before execution",
		}, []string{"reason"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job start to terminal state in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"algorithm"}),
		jobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Current number of queued or running jobs",
		}, []string{"status"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_subscribers",
			Help:      "Current number of progress subscriptions",
		}),
		versionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versions_created_total",
			Help:      "Total number of schedule versions created",
		}, []string{"source"}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsFinished,
		c.jobsRejected,
		c.jobDuration,
		c.jobsActive,
		c.subscribers,
		c.versionsCreated,
	)
	return c
}

// RecordSubmitted 記錄任務被接受
func (c *Collector) RecordSubmitted(algorithm string) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(algorithm).Inc()
}

// RecordRejected 記錄提交被拒絕（例如 "validation"、"queue_full"）
func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.jobsRejected.WithLabelValues(reason).Inc()
}

// RecordFinished 記錄任務進入終止狀態及其執行時間
func (c *Collector) RecordFinished(algorithm, status string, seconds float64) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(algorithm, status).Inc()
	c.jobDuration.WithLabelValues(algorithm).Observe(seconds)
}

// RecordVersion 記錄新版本
func (c *Collector) RecordVersion(source string) {
	if c == nil {
		return
	}
	c.versionsCreated.WithLabelValues(source).Inc()
}

// UpdateJobStats 更新排隊中與執行中的任務數
func (c *Collector) UpdateJobStats(queued, running int) {
	if c == nil {
		return
	}
	c.jobsActive.WithLabelValues("queued").Set(float64(queued))
	c.jobsActive.WithLabelValues("running").Set(float64(running))
}

// SubscriberAdded 進度訂閱數 +1
func (c *Collector) SubscriberAdded() {
	if c == nil {
		return
	}
	c.subscribers.Inc()
}

// SubscriberRemoved 進度訂閱數 -1
func (c *Collector) SubscriberRemoved() {
	if c == nil {
		return
	}
	c.subscribers.Dec()
}

// Handler 返回 /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
