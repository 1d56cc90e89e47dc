package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector 指标收集器
type MetricsCollector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 聚合传播指标
	propagationsTotal   *prometheus.CounterVec
	propagationDuration prometheus.Histogram
	ancestorsUpdated    *prometheus.CounterVec

	// 状态机与提交守卫
	transitionsTotal *prometheus.CounterVec
	guardRejections  *prometheus.CounterVec

	// 对账任务
	reconcileTasks *prometheus.CounterVec

	// 缓存
	cacheOpsTotal   *prometheus.CounterVec
	cacheOpDuration *prometheus.HistogramVec
}

// NewMetricsCollector 创建指标收集器并注册到 reg
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)
	return &MetricsCollector{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		propagationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forum_propagations_total",
				Help: "Total number of ancestor propagation walks",
			},
			[]string{"mode", "result"},
		),

		propagationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "forum_propagation_duration_seconds",
				Help:    "Duration of ancestor propagation walks",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		ancestorsUpdated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forum_ancestors_updated_total",
				Help: "Total number of ancestor aggregates rewritten",
			},
			[]string{"kind"},
		),

		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forum_status_transitions_total",
				Help: "Total number of node status transitions",
			},
			[]string{"from", "to"},
		),

		guardRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forum_guard_rejections_total",
				Help: "Total number of submissions rejected by flood or duplicate checks",
			},
			[]string{"reason"},
		),

		reconcileTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forum_reconcile_tasks_total",
				Help: "Total number of reconcile tasks by outcome",
			},
			[]string{"outcome"},
		),

		cacheOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_operations_total",
				Help: "Total number of cache operations by result",
			},
			[]string{"operation", "result"},
		),

		cacheOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_operation_duration_seconds",
				Help:    "Cache operation duration in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"operation"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, getStatusCategory(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordPropagation 记录一次祖先链传播
func (m *MetricsCollector) RecordPropagation(fullRefresh bool, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	mode := "hinted"
	if fullRefresh {
		mode = "full"
	}
	result := "success"
	if !success {
		result = "error"
	}
	m.propagationsTotal.WithLabelValues(mode, result).Inc()
	m.propagationDuration.Observe(duration.Seconds())
}

// RecordAncestorUpdate 记录一个祖先节点聚合被重写
func (m *MetricsCollector) RecordAncestorUpdate(kind string) {
	if m == nil {
		return
	}
	m.ancestorsUpdated.WithLabelValues(kind).Inc()
}

// RecordTransition 记录状态迁移
func (m *MetricsCollector) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordGuardRejection 记录提交拦截
func (m *MetricsCollector) RecordGuardRejection(reason string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(reason).Inc()
}

// RecordReconcile 记录对账任务结果 (success / retry / dropped)
func (m *MetricsCollector) RecordReconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconcileTasks.WithLabelValues(outcome).Inc()
}

// RecordCacheOp 记录缓存操作，result 为 hit / miss / ok / error
func (m *MetricsCollector) RecordCacheOp(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheOpsTotal.WithLabelValues(operation, result).Inc()
	m.cacheOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// getStatusCategory 获取状态分类
func getStatusCategory(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return strconv.Itoa(status)
	}
}
