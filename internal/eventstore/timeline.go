package eventstore

import (
	"encoding/json"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/events"
	"git.home.luguber.info/inful/apkbuilder/internal/registry"
)

// StageSpan is the time a build spent in one stage.
type StageSpan struct {
	Stage      registry.Stage `json:"stage"`
	Progress   int            `json:"progress"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
}

// Timeline folds a build's journal into per-stage spans. A span ends when
// the next stage starts or the build finishes; the last span of a running
// build ends at now.
func Timeline(evts []Event, now time.Time) []StageSpan {
	var spans []StageSpan
	closeLast := func(at time.Time) {
		if n := len(spans); n > 0 && spans[n-1].DurationMS < 0 {
			spans[n-1].DurationMS = at.Sub(spans[n-1].StartedAt).Milliseconds()
		}
	}

	finished := false
	for _, e := range evts {
		switch e.Type() {
		case events.TypeStageChanged:
			var sc events.StageChanged
			if json.Unmarshal(e.Payload(), &sc) != nil {
				continue
			}
			closeLast(e.Timestamp())
			spans = append(spans, StageSpan{Stage: sc.Stage, Progress: sc.Progress, StartedAt: e.Timestamp(), DurationMS: -1})
		case events.TypeBuildFinished:
			closeLast(e.Timestamp())
			finished = true
		}
	}
	if !finished {
		closeLast(now)
	}
	for i := range spans {
		if spans[i].DurationMS < 0 {
			spans[i].DurationMS = 0
		}
	}
	return spans
}
