package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	mainTasksStarted  prometheus.Counter
	mainTasksFinished *prometheus.CounterVec
	loopIterations    prometheus.Histogram
	mainTaskDuration  *prometheus.HistogramVec
	subTasksExecuted  *prometheus.CounterVec
	subTaskDuration   prometheus.Histogram
	rulesLearned      prometheus.Counter
	ruleValidations   prometheus.Counter
	storeErrors       *prometheus.CounterVec
	activeLoops       prometheus.Gauge
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	llmCalls          *prometheus.CounterVec
	llmTokens         *prometheus.CounterVec
	llmLatency        *prometheus.HistogramVec
}

// NewCollector creates a collector whose metrics are registered on reg.
// Pass prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		mainTasksStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskloop_main_tasks_started_total",
				Help: "Total number of main tasks started",
			},
		),
		mainTasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_main_tasks_finished_total",
				Help: "Total number of main tasks finished by final status",
			},
			[]string{"status"},
		),
		loopIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskloop_loop_iterations",
				Help:    "Driver iterations used per main task",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20, 50},
			},
		),
		mainTaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskloop_main_task_duration_seconds",
				Help:    "Main task loop duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		subTasksExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_subtasks_executed_total",
				Help: "Total number of subtasks executed by outcome",
			},
			[]string{"status"},
		),
		subTaskDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskloop_subtask_duration_seconds",
				Help:    "Subtask execution duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		rulesLearned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskloop_rules_learned_total",
				Help: "Total number of rules added to long-term memory",
			},
		),
		ruleValidations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskloop_rule_validations_total",
				Help: "Total number of successful rule revalidations",
			},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_store_errors_total",
				Help: "Total number of failed state store operations",
			},
			[]string{"op"},
		),
		activeLoops: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskloop_active_loops",
				Help: "Number of workflow loops currently running",
			},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskloop_worker_pool_idle",
				Help: "Number of idle worker slots",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskloop_worker_pool_busy",
				Help: "Number of busy worker slots",
			},
		),
		llmCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_llm_calls_total",
				Help: "Total number of LLM API calls",
			},
			[]string{"model"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskloop_llm_tokens_total",
				Help: "Total number of LLM tokens used",
			},
			[]string{"model", "type"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskloop_llm_latency_seconds",
				Help:    "LLM API call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"model"},
		),
	}
}

// RecordMainTaskStarted records the start of a workflow loop
func (c *Collector) RecordMainTaskStarted() {
	c.mainTasksStarted.Inc()
}

// RecordMainTaskFinished records the final status of a workflow loop
func (c *Collector) RecordMainTaskFinished(status string, iterations int, duration time.Duration) {
	c.mainTasksFinished.WithLabelValues(status).Inc()
	c.loopIterations.Observe(float64(iterations))
	c.mainTaskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSubTaskExecuted records a subtask execution
func (c *Collector) RecordSubTaskExecuted(status string, duration time.Duration) {
	c.subTasksExecuted.WithLabelValues(status).Inc()
	c.subTaskDuration.Observe(duration.Seconds())
}

// RecordRuleLearned records a rule accepted into long-term memory
func (c *Collector) RecordRuleLearned() {
	c.rulesLearned.Inc()
}

// RecordRuleValidated records a rule that passed revalidation
func (c *Collector) RecordRuleValidated() {
	c.ruleValidations.Inc()
}

// RecordStoreError records a failed store operation
func (c *Collector) RecordStoreError(op string) {
	c.storeErrors.WithLabelValues(op).Inc()
}

// SetActiveLoops sets the number of running workflow loops
func (c *Collector) SetActiveLoops(count int) {
	c.activeLoops.Set(float64(count))
}

// RecordWorkerPoolStatus records worker pool occupancy
func (c *Collector) RecordWorkerPoolStatus(idle, busy int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
}

// RecordLLMCall records a single LLM API call
func (c *Collector) RecordLLMCall(model string, inputTokens, outputTokens int64, latency time.Duration) {
	c.llmCalls.WithLabelValues(model).Inc()
	c.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	c.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	c.llmLatency.WithLabelValues(model).Observe(latency.Seconds())
}
