// Package progress computes project completion from its task population.
package progress

import (
	"math"

	"deptrack/internal/domain"
)

// Compute returns clamp(round(100*done/total)+adjustment, 0, 100), or 0 when
// total is zero.
func Compute(done, total, adjustment int) int {
	if total <= 0 {
		return 0
	}
	auto := int(math.Round(100 * float64(done) / float64(total)))
	return clamp(auto+adjustment, 0, 100)
}

// CountDone returns the number of tasks in Done and the population size.
func CountDone(tasks []domain.Task) (done, total int) {
	for _, t := range tasks {
		if t.KanbanStage == domain.StageDone {
			done++
		}
	}
	return done, len(tasks)
}

// Apply sets p.Progress from tasks and reports whether the value changed.
func Apply(p domain.Project, tasks []domain.Task) (domain.Project, bool) {
	done, total := CountDone(tasks)
	next := Compute(done, total, p.ManualAdjustment)
	changed := next != p.Progress
	p.Progress = next
	return p, changed
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
