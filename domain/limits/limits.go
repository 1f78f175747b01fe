// Package limits defines usage limits and the per-period usage reports
// derived from them. All functions are pure.
package limits

import (
	"time"

	"github.com/artpar/meterd/domain/period"
)

// NoLimit is the sentinel reported for remaining and reset when the used
// metric has no limit configured.
const NoLimit = -1

// UsageLimit caps a metric over one granularity for a plan. At most one
// exists per (plan, metric, granularity). MaxValue is never negative; zero
// is a configured limit that forces immediate exhaustion, distinct from no
// limit at all.
type UsageLimit struct {
	ServiceID   string
	PlanID      string
	MetricID    string
	Granularity period.Granularity
	MaxValue    int64
}

// UsageReport is the per (metric, granularity) figure carried by a Status.
// Derived, never persisted.
type UsageReport struct {
	MetricID     string
	MetricName   string
	Granularity  period.Granularity
	PeriodStart  time.Time
	PeriodEnd    time.Time
	MaxValue     int64
	CurrentValue int64
}

// Exceeded reports whether the current value is over the cap.
func (r UsageReport) Exceeded() bool {
	return r.CurrentValue > r.MaxValue
}

// Remaining returns the display value for the remaining header, floored at
// zero. Callers enforcing limits must compare the signed values instead.
func (r UsageReport) Remaining() int64 {
	if rem := r.MaxValue - r.CurrentValue; rem > 0 {
		return rem
	}
	return 0
}

// Reset returns the whole seconds until the report's window rolls over,
// negative for eternity.
func (r UsageReport) Reset(now time.Time) int64 {
	return period.Remaining(r.Granularity, now)
}

// Utilization is the most constrained limit of a report set.
type Utilization struct {
	Ratio  float64
	Report UsageReport
}

// MaxUtilization returns the maximum current/max ratio over all reports,
// paired with the report that attained it. A zero max counts as fully
// utilized. Returns ok=false when there are no reports.
// This is a PURE function.
func MaxUtilization(reports []UsageReport) (Utilization, bool) {
	var best Utilization
	found := false
	for _, r := range reports {
		var ratio float64
		if r.MaxValue == 0 {
			ratio = 1
		} else {
			ratio = float64(r.CurrentValue) / float64(r.MaxValue)
		}
		if !found || ratio > best.Ratio {
			best = Utilization{Ratio: ratio, Report: r}
			found = true
		}
	}
	return best, found
}
