package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/artpar/meterd/domain/application"
	"github.com/artpar/meterd/domain/limits"
	"github.com/artpar/meterd/domain/period"
	"github.com/artpar/meterd/domain/user"
	"github.com/artpar/meterd/ports"
)

// BucketAppender mirrors changed counter keys into the current analytics
// bucket, inside the same pipeline as the increments.
type BucketAppender interface {
	AppendInPipe(p ports.Pipe, now time.Time, keys ...string)
}

// Counters aggregates and updates per-period usage counters. Ancestor
// rollup is write-time: reads are always a direct single-key fetch per
// (metric, granularity).
type Counters struct {
	kv      ports.KV
	metrics *Metrics
	limits  *Limits
	buckets BucketAppender // nil disables analytics mirroring
}

// NewCounters creates the counter store.
func NewCounters(kv ports.KV, metrics *Metrics, lims *Limits, buckets BucketAppender) *Counters {
	return &Counters{kv: kv, metrics: metrics, limits: lims, buckets: buckets}
}

// Usage returns the current counter value for every limit of the plan, in
// one batched read. Absent counters default to zero.
func (s *Counters) Usage(ctx context.Context, serviceID, subject, planID string, now time.Time) (map[limits.Key]int64, error) {
	lims, err := s.limits.LoadAll(ctx, serviceID, planID)
	if err != nil {
		return nil, err
	}
	if len(lims) == 0 {
		return map[limits.Key]int64{}, nil
	}

	keys := make([]string, len(lims))
	for i, l := range lims {
		keys[i] = CounterKey(serviceID, subject, l.MetricID, l.Granularity, period.Format(l.Granularity, now))
	}
	vals, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("read usage counters: %w", err)
	}

	out := make(map[limits.Key]int64, len(lims))
	for i, l := range lims {
		var v int64
		if vals[i] != nil {
			v, _ = strconv.ParseInt(*vals[i], 10, 64)
		}
		out[limits.Key{MetricID: l.MetricID, Granularity: l.Granularity}] = v
	}
	return out, nil
}

// ApplicationUsage returns the application's current usage per plan limit.
func (s *Counters) ApplicationUsage(ctx context.Context, app *application.Application, now time.Time) (map[limits.Key]int64, error) {
	return s.Usage(ctx, app.ServiceID, AppSubject(app.ID), app.PlanID, now)
}

// UserUsage returns the user's current usage per plan limit.
func (s *Counters) UserUsage(ctx context.Context, u *user.User, now time.Time) (map[limits.Key]int64, error) {
	return s.Usage(ctx, u.ServiceID, UserSubject(u.Username), u.PlanID, now)
}

// Update is one transaction's worth of counter increments.
type Update struct {
	ServiceID string
	AppID     string
	AppPlanID string
	Username  string // empty when the application does not track users
	UserPlanID string
	Deltas    map[string]int64 // metric id -> delta, as reported
}

// Rollup expands reported deltas with ancestor metrics: each delta also
// applies to every ancestor in the metric's chain. Increments are
// commutative so ordering between transactions does not matter.
func (s *Counters) Rollup(ctx context.Context, serviceID string, deltas map[string]int64) (map[string]int64, error) {
	rolled := make(map[string]int64, len(deltas)*2)
	for metricID, delta := range deltas {
		rolled[metricID] += delta
		ancestors, err := s.metrics.Ancestors(ctx, serviceID, metricID)
		if err != nil {
			return nil, err
		}
		for _, a := range ancestors {
			rolled[a] += delta
		}
	}
	return rolled, nil
}

// Increment applies one transaction: it bumps the counters of every
// reported metric and its ancestors, for each granularity limited for that
// (plan, metric), at service, application and (when present) user level,
// in a single pipelined batch. Changed keys are mirrored into the current
// analytics bucket within the same batch.
func (s *Counters) Increment(ctx context.Context, up Update, now time.Time) error {
	rolled, err := s.Rollup(ctx, up.ServiceID, up.Deltas)
	if err != nil {
		return err
	}

	appGrans, err := s.limitedGranularities(ctx, up.ServiceID, up.AppPlanID)
	if err != nil {
		return err
	}
	var userGrans map[string][]period.Granularity
	if up.Username != "" {
		userGrans, err = s.limitedGranularities(ctx, up.ServiceID, up.UserPlanID)
		if err != nil {
			return err
		}
	}

	metricIDs := make([]string, 0, len(rolled))
	for m := range rolled {
		metricIDs = append(metricIDs, m)
	}
	sort.Strings(metricIDs)

	var changed []string
	err = s.kv.Pipelined(ctx, func(p ports.Pipe) {
		for _, m := range metricIDs {
			delta := rolled[m]
			if delta == 0 {
				continue
			}
			for _, g := range appGrans[m] {
				tag := period.Format(g, now)
				svcKey := CounterKey(up.ServiceID, "", m, g, tag)
				appKey := CounterKey(up.ServiceID, AppSubject(up.AppID), m, g, tag)
				p.IncrBy(svcKey, delta)
				p.IncrBy(appKey, delta)
				changed = append(changed, svcKey, appKey)
			}
			for _, g := range userGrans[m] {
				tag := period.Format(g, now)
				userKey := CounterKey(up.ServiceID, UserSubject(up.Username), m, g, tag)
				p.IncrBy(userKey, delta)
				changed = append(changed, userKey)
			}
		}
		if s.buckets != nil && len(changed) > 0 {
			s.buckets.AppendInPipe(p, now, changed...)
		}
	})
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return nil
}

// limitedGranularities maps each metric id to the granularities that carry
// a limit on the given plan, finest first.
func (s *Counters) limitedGranularities(ctx context.Context, serviceID, planID string) (map[string][]period.Granularity, error) {
	lims, err := s.limits.LoadAll(ctx, serviceID, planID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]period.Granularity)
	for _, l := range lims {
		out[l.MetricID] = append(out[l.MetricID], l.Granularity)
	}
	return out, nil
}
