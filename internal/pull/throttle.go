package pull

import (
	"time"

	"github.com/agentlab/agentlab/internal/domain"
)

// shouldEmit applies the throttle decision for one progress update.
// Emit when: no prior emission; or the interval since the last emission has
// elapsed; or a percent value exists and moved at least percentDelta from
// the last emitted percent; or a percent value exists for the first time.
func shouldEmit(task *domain.PullTask, now time.Time, interval time.Duration, percentDelta float64) bool {
	if task.LastEmitTime.IsZero() {
		return true
	}
	if now.Sub(task.LastEmitTime) >= interval {
		return true
	}

	percent, ok := percentFrom(task.Progress)
	if !ok {
		return false
	}
	if task.LastEmittedPercent == nil {
		return true
	}
	delta := percent - *task.LastEmittedPercent
	if delta < 0 {
		delta = -delta
	}
	return delta >= percentDelta
}

// percentFrom derives a 0-100 percent-complete value from a progress
// payload. Preference order: an explicit "percent" field, then "progress",
// then a completed/total byte pair. Only clearly fractional values (below
// 1) are rescaled to 0-100; an explicit 1 stays 1 percent.
func percentFrom(progress map[string]any) (float64, bool) {
	for _, key := range []string{"percent", "progress"} {
		if v, ok := asFloat(progress[key]); ok {
			if v > 0 && v < 1 {
				v *= 100
			}
			return v, true
		}
	}

	completed, okC := asFloat(progress["completed"])
	if !okC {
		completed, okC = asFloat(progress["downloaded"])
	}
	total, okT := asFloat(progress["total"])
	if okC && okT && total > 0 {
		return completed / total * 100, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
