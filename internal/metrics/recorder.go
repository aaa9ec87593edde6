package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailed   ResultLabel = "failed"
	ResultCanceled ResultLabel = "canceled"
)

// BuildOutcomeLabel is the terminal status of a job as exported to metrics.
type BuildOutcomeLabel string

const (
	BuildOutcomeComplete BuildOutcomeLabel = "complete"
	BuildOutcomeError    BuildOutcomeLabel = "error"
)

// Recorder defines observability hooks for build and stage metrics.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	IncBuildOutcome(outcome BuildOutcomeLabel)
	ObserveActionDuration(action string, d time.Duration, success bool)
	SetQueueDepth(n int)
	SetActiveBuilds(n int)
	IncQueueRejected()
	IncEventPublishFailure(sink string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration)        {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)                {}
func (NoopRecorder) IncStageResult(string, ResultLabel)                {}
func (NoopRecorder) IncBuildOutcome(BuildOutcomeLabel)                 {}
func (NoopRecorder) ObserveActionDuration(string, time.Duration, bool) {}
func (NoopRecorder) SetQueueDepth(int)                                 {}
func (NoopRecorder) SetActiveBuilds(int)                               {}
func (NoopRecorder) IncQueueRejected()                                 {}
func (NoopRecorder) IncEventPublishFailure(string)                     {}
