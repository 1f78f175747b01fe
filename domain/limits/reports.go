package limits

import (
	"sort"
	"time"

	"github.com/artpar/meterd/domain/metric"
	"github.com/artpar/meterd/domain/period"
)

// Key addresses one counter: a metric over one granularity.
type Key struct {
	MetricID    string
	Granularity period.Granularity
}

// Reports builds the usage report set for a plan's limits from current
// counter values. Counters absent from current default to zero. Reports come
// out ordered by metric id, then granularity (finest first), so output is
// deterministic.
// This is a PURE function.
func Reports(lims []UsageLimit, names metric.Names, current map[Key]int64, now time.Time) []UsageReport {
	reports := make([]UsageReport, 0, len(lims))
	for _, l := range lims {
		w := period.Bounds(l.Granularity, now)
		reports = append(reports, UsageReport{
			MetricID:     l.MetricID,
			MetricName:   names[l.MetricID],
			Granularity:  l.Granularity,
			PeriodStart:  w.Start,
			PeriodEnd:    w.End,
			MaxValue:     l.MaxValue,
			CurrentValue: current[Key{MetricID: l.MetricID, Granularity: l.Granularity}],
		})
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].MetricID != reports[j].MetricID {
			return reports[i].MetricID < reports[j].MetricID
		}
		return granularityRank(reports[i].Granularity) < granularityRank(reports[j].Granularity)
	})
	return reports
}

// CheckLimits reports whether every limit still holds after applying the
// proposed per-metric deltas. Deltas must already include ancestor rollups;
// metrics missing from deltas contribute zero. Comparison uses the true
// signed values, not the floored display figures.
// This is a PURE function.
func CheckLimits(reports []UsageReport, deltas map[string]int64) bool {
	for _, r := range reports {
		if r.CurrentValue+deltas[r.MetricID] > r.MaxValue {
			return false
		}
	}
	return true
}

func granularityRank(g period.Granularity) int {
	for i, known := range period.All {
		if g == known {
			return i
		}
	}
	return len(period.All)
}
