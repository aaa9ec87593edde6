package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "apkbuilder"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration  *prom.HistogramVec
	buildDuration  prom.Histogram
	stageResults   *prom.CounterVec
	buildOutcome   *prom.CounterVec
	actionDuration *prom.HistogramVec
	queueDepth     prom.Gauge
	activeBuilds   prom.Gauge
	queueRejected  prom.Counter
	publishFailed  *prom.CounterVec
}

// toolchain actions run for minutes, not milliseconds
var buildBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

// NewPrometheusRecorder constructs and registers Prometheus metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual build stages",
			Buckets:   buildBuckets,
		}, []string{"stage"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   buildBuckets,
		}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"}),
		actionDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "toolchain_action_duration_seconds",
			Help:      "Duration of toolchain action invocations",
			Buckets:   buildBuckets,
		}, []string{"action", "result"}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker",
		}),
		activeBuilds: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_builds",
			Help:      "Jobs currently executing",
		}),
		queueRejected: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Submissions rejected because the queue was full",
		}),
		publishFailed: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failures_total",
			Help:      "Stage events a sink failed to accept",
		}, []string{"sink"}),
	}
	reg.MustRegister(pr.stageDuration, pr.buildDuration, pr.stageResults, pr.buildOutcome,
		pr.actionDuration, pr.queueDepth, pr.activeBuilds, pr.queueRejected, pr.publishFailed)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome BuildOutcomeLabel) {
	if p == nil {
		return
	}
	p.buildOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveActionDuration(action string, d time.Duration, success bool) {
	if p == nil {
		return
	}
	res := string(ResultFailed)
	if success {
		res = string(ResultSuccess)
	}
	p.actionDuration.WithLabelValues(action, res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetActiveBuilds(n int) {
	if p == nil {
		return
	}
	p.activeBuilds.Set(float64(n))
}

func (p *PrometheusRecorder) IncQueueRejected() {
	if p == nil {
		return
	}
	p.queueRejected.Inc()
}

func (p *PrometheusRecorder) IncEventPublishFailure(sink string) {
	if p == nil {
		return
	}
	p.publishFailed.WithLabelValues(sink).Inc()
}
