package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
)

// Telemetry aggregates prometheus collectors and cost tracking for the
// pipeline. One instance per process; safe for concurrent use.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	PipelineRuns    *prometheus.CounterVec   // outcome: succeeded|failed
	StageDuration   *prometheus.HistogramVec // stage
	ToolInvocations *prometheus.CounterVec   // tool, outcome: success|failure|echoed|timeout
	OracleRequests  prometheus.Counter
	OracleTokens    *prometheus.CounterVec // direction: input|output
	InsightEvents   *prometheus.CounterVec // event: added|evicted|retrieved

	costTracker *CostTracker
}

// CostTracker accumulates token spend per model.
type CostTracker struct {
	mu          sync.Mutex
	TotalTokens int64
	TotalCost   float64
	ModelCosts  map[string]float64
}

// New builds a Telemetry and registers its collectors. A nil registerer
// falls back to the default prometheus registry.
func New(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	t := &Telemetry{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hq_pipeline_runs_total",
			Help: "Completed pipeline runs by outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hq_stage_duration_seconds",
			Help:    "Wall-clock duration of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		ToolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hq_tool_invocations_total",
			Help: "Tool dispatches by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		OracleRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hq_oracle_requests_total",
			Help: "Oracle completions requested.",
		}),
		OracleTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hq_oracle_tokens_total",
			Help: "Oracle tokens by direction.",
		}, []string{"direction"}),
		InsightEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hq_insight_events_total",
			Help: "Insight store activity.",
		}, []string{"event"}),
		costTracker: &CostTracker{ModelCosts: make(map[string]float64)},
	}
	if !cfg.Enabled {
		return t
	}
	for _, c := range []prometheus.Collector{
		t.PipelineRuns, t.StageDuration, t.ToolInvocations,
		t.OracleRequests, t.OracleTokens, t.InsightEvents,
	} {
		if err := reg.Register(c); err != nil {
			t.logger.Printf("register collector: %v", err)
		}
	}
	return t
}

// ObserveStage records one stage execution.
func (t *Telemetry) ObserveStage(stage string, d time.Duration) {
	if t == nil {
		return
	}
	t.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordTool records one tool dispatch outcome.
func (t *Telemetry) RecordTool(tool, outcome string) {
	if t == nil {
		return
	}
	t.ToolInvocations.WithLabelValues(tool, outcome).Inc()
}

// RecordOracle records one oracle completion and its token usage.
func (t *Telemetry) RecordOracle(model string, inputTokens, outputTokens int64, costPerToken float64) {
	if t == nil {
		return
	}
	t.OracleRequests.Inc()
	t.OracleTokens.WithLabelValues("input").Add(float64(inputTokens))
	t.OracleTokens.WithLabelValues("output").Add(float64(outputTokens))
	if t.cfg.CostTracking {
		t.costTracker.add(model, inputTokens+outputTokens, costPerToken)
	}
}

// RecordRun records a completed pipeline run.
func (t *Telemetry) RecordRun(succeeded bool) {
	if t == nil {
		return
	}
	outcome := "succeeded"
	if !succeeded {
		outcome = "failed"
	}
	t.PipelineRuns.WithLabelValues(outcome).Inc()
}

// RecordInsight records insight store activity.
func (t *Telemetry) RecordInsight(event string, n int) {
	if t == nil || n <= 0 {
		return
	}
	t.InsightEvents.WithLabelValues(event).Add(float64(n))
}

// TotalCost reports the accumulated oracle spend.
func (t *Telemetry) TotalCost() (tokens int64, cost float64) {
	if t == nil {
		return 0, 0
	}
	t.costTracker.mu.Lock()
	defer t.costTracker.mu.Unlock()
	return t.costTracker.TotalTokens, t.costTracker.TotalCost
}

func (c *CostTracker) add(model string, tokens int64, costPerToken float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TotalTokens += tokens
	cost := float64(tokens) * costPerToken
	c.TotalCost += cost
	c.ModelCosts[model] += cost
}
