package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/artpar/meterd/cache"
	"github.com/artpar/meterd/domain/limits"
	"github.com/artpar/meterd/domain/period"
	"github.com/artpar/meterd/ports"
)

const limitOwner = "usage_limit"

// Limits persists usage limits. A registry set per (service, plan) lists
// the configured (metric, granularity) pairs so LoadAll is one set read
// plus one batched value read.
type Limits struct {
	kv    ports.KV
	cache *cache.Cache
}

// NewLimits creates the usage limit store.
func NewLimits(kv ports.KV, c *cache.Cache) *Limits {
	return &Limits{kv: kv, cache: c}
}

// Save stores a limit. MaxValue zero is a valid limit that forces
// immediate exhaustion; it is distinct from deleting the limit.
func (s *Limits) Save(ctx context.Context, l limits.UsageLimit) error {
	if !l.Granularity.Valid() {
		return InconsistentDataError{Reason: fmt.Sprintf("unknown granularity %q", l.Granularity)}
	}
	if l.MaxValue < 0 {
		return InconsistentDataError{Reason: "max value can't be negative"}
	}
	err := s.kv.Pipelined(ctx, func(p ports.Pipe) {
		p.Set(limitValueKey(l.ServiceID, l.PlanID, l.MetricID, l.Granularity),
			strconv.FormatInt(l.MaxValue, 10))
		p.SAdd(limitsSetKey(l.ServiceID, l.PlanID), registryMember(l.MetricID, l.Granularity))
	})
	if err != nil {
		return fmt.Errorf("save usage limit: %w", err)
	}
	s.cache.Clear(cache.Key(limitOwner, "load_all", l.ServiceID, l.PlanID))
	return nil
}

// Delete removes a limit entirely (different from saving max zero).
func (s *Limits) Delete(ctx context.Context, serviceID, planID, metricID string, g period.Granularity) error {
	err := s.kv.Pipelined(ctx, func(p ports.Pipe) {
		p.Del(limitValueKey(serviceID, planID, metricID, g))
		p.SRem(limitsSetKey(serviceID, planID), registryMember(metricID, g))
	})
	if err != nil {
		return err
	}
	s.cache.Clear(cache.Key(limitOwner, "load_all", serviceID, planID))
	return nil
}

// LoadAll returns every limit of a plan, memoized.
func (s *Limits) LoadAll(ctx context.Context, serviceID, planID string) ([]limits.UsageLimit, error) {
	return cache.Memoize(s.cache, cache.Key(limitOwner, "load_all", serviceID, planID), func() ([]limits.UsageLimit, error) {
		members, err := s.kv.SMembers(ctx, limitsSetKey(serviceID, planID))
		if err != nil {
			return nil, fmt.Errorf("load limits %s/%s: %w", serviceID, planID, err)
		}
		if len(members) == 0 {
			return nil, nil
		}
		sort.Strings(members)

		pairs := make([]limits.Key, 0, len(members))
		keys := make([]string, 0, len(members))
		for _, m := range members {
			metricID, g, ok := parseRegistryMember(m)
			if !ok {
				continue
			}
			pairs = append(pairs, limits.Key{MetricID: metricID, Granularity: g})
			keys = append(keys, limitValueKey(serviceID, planID, metricID, g))
		}

		vals, err := s.kv.MGet(ctx, keys...)
		if err != nil {
			return nil, err
		}
		out := make([]limits.UsageLimit, 0, len(pairs))
		for i, v := range vals {
			if v == nil {
				// Registry entry without a value key; treat as absent.
				continue
			}
			max, err := strconv.ParseInt(*v, 10, 64)
			if err != nil {
				continue
			}
			out = append(out, limits.UsageLimit{
				ServiceID:   serviceID,
				PlanID:      planID,
				MetricID:    pairs[i].MetricID,
				Granularity: pairs[i].Granularity,
				MaxValue:    max,
			})
		}
		return out, nil
	})
}

func registryMember(metricID string, g period.Granularity) string {
	return metricID + ":" + string(g)
}

func parseRegistryMember(m string) (string, period.Granularity, bool) {
	i := strings.LastIndex(m, ":")
	if i <= 0 {
		return "", "", false
	}
	g := period.Granularity(m[i+1:])
	if !g.Valid() {
		return "", "", false
	}
	return m[:i], g, true
}
