package common

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 代理运行指标，nil 接收者上的方法均为空操作
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	pullRequests  *prometheus.CounterVec
	llmRequests   *prometheus.CounterVec
	llmDuration   *prometheus.HistogramVec
	githubCalls   *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	lastRunFinish prometheus.Gauge
}

// NewMetrics 创建带独立注册表的指标实例
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prhealth_runs_total",
			Help: "Total number of agent runs by outcome",
		}, []string{"outcome"}),
		pullRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prhealth_pull_requests_total",
			Help: "Pull requests handled by outcome",
		}, []string{"outcome"}), // "processed", "skipped", "failed"
		llmRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prhealth_llm_requests_total",
			Help: "LLM generate requests by kind and outcome",
		}, []string{"kind", "outcome"}),
		llmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prhealth_llm_request_duration_seconds",
			Help:    "LLM generate request latency by kind",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		githubCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prhealth_github_requests_total",
			Help: "GitHub API requests by operation and outcome",
		}, []string{"operation", "outcome"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prhealth_http_requests_total",
			Help: "HTTP requests served by route and status code",
		}, []string{"route", "code"}),
		lastRunFinish: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prhealth_last_run_finished_timestamp_seconds",
			Help: "Unix time the last agent run finished",
		}),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRun 记录一次代理运行
func (m *Metrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.lastRunFinish.SetToCurrentTime()
}

// RecordPullRequest 记录 PR 处理结果
func (m *Metrics) RecordPullRequest(outcome string) {
	if m == nil {
		return
	}
	m.pullRequests.WithLabelValues(outcome).Inc()
}

// RecordLLMRequest 记录一次大模型请求
func (m *Metrics) RecordLLMRequest(kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(kind, outcomeOf(err)).Inc()
	m.llmDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordGitHubRequest 记录一次 GitHub 请求
func (m *Metrics) RecordGitHubRequest(operation string, err error) {
	if m == nil {
		return
	}
	m.githubCalls.WithLabelValues(operation, outcomeOf(err)).Inc()
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) RecordHTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
