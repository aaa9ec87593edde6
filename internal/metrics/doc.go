// Package metrics provides build metrics behind a small Recorder interface.
//
// Components hold a Recorder and default to NoopRecorder, so no call site
// needs a nil check. The daemon swaps in a PrometheusRecorder when
// monitoring.metrics.enabled is set and serves it through HTTPHandler.
package metrics
