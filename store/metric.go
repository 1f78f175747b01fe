package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/artpar/meterd/cache"
	"github.com/artpar/meterd/domain/metric"
	"github.com/artpar/meterd/ports"
)

const metricOwner = "metric"

// Metrics persists the metric forest: names, name-to-id lookups and the
// parent links the write-time rollup walks.
type Metrics struct {
	kv    ports.KV
	cache *cache.Cache
}

// NewMetrics creates the metric store.
func NewMetrics(kv ports.KV, c *cache.Cache) *Metrics {
	return &Metrics{kv: kv, cache: c}
}

// Save stores a metric and its lookup keys in one pipelined batch.
func (s *Metrics) Save(ctx context.Context, m metric.Metric) error {
	if m.ServiceID == "" || m.ID == "" || m.Name == "" {
		return InconsistentDataError{Reason: "metric needs service, id and name"}
	}
	err := s.kv.Pipelined(ctx, func(p ports.Pipe) {
		p.Set(metricAttrKey(m.ServiceID, m.ID, "name"), m.Name)
		p.Set(metricIDByNameKey(m.ServiceID, m.Name), m.ID)
		if m.ParentID != "" {
			p.Set(metricAttrKey(m.ServiceID, m.ID, "parent_id"), m.ParentID)
			p.SAdd(metricAttrKey(m.ServiceID, m.ParentID, "children"), m.ID)
		}
		p.SAdd(metricsSetKey(m.ServiceID), m.ID)
	})
	if err != nil {
		return fmt.Errorf("save metric %s/%s: %w", m.ServiceID, m.ID, err)
	}
	s.cache.Clear(
		cache.Key(metricOwner, "name", m.ServiceID, m.ID),
		cache.Key(metricOwner, "id_by_name", m.ServiceID, m.Name),
		cache.Key(metricOwner, "ancestors", m.ServiceID, m.ID),
	)
	return nil
}

// LoadName returns a metric's name, memoized. Empty when unknown.
func (s *Metrics) LoadName(ctx context.Context, serviceID, id string) (string, error) {
	return cache.Memoize(s.cache, cache.Key(metricOwner, "name", serviceID, id), func() (string, error) {
		v, _, err := s.kv.Get(ctx, metricAttrKey(serviceID, id, "name"))
		return v, err
	})
}

// LoadAllNames resolves names for a set of metric ids in one batched read.
func (s *Metrics) LoadAllNames(ctx context.Context, serviceID string, ids []string) (metric.Names, error) {
	if len(ids) == 0 {
		return metric.Names{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = metricAttrKey(serviceID, id, "name")
	}
	vals, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("load metric names: %w", err)
	}
	names := make(metric.Names, len(ids))
	for i, v := range vals {
		if v != nil {
			names[ids[i]] = *v
		}
	}
	return names, nil
}

// LoadIDByName resolves a metric name to its id, memoized. Fails with
// MetricNotFoundError for unknown names.
func (s *Metrics) LoadIDByName(ctx context.Context, serviceID, name string) (string, error) {
	id, err := cache.Memoize(s.cache, cache.Key(metricOwner, "id_by_name", serviceID, name), func() (string, error) {
		v, _, err := s.kv.Get(ctx, metricIDByNameKey(serviceID, name))
		return v, err
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", MetricNotFoundError{ServiceID: serviceID, Name: name}
	}
	return id, nil
}

// Ancestors returns the parent chain of a metric, nearest first, memoized.
// The walk is cycle-safe.
func (s *Metrics) Ancestors(ctx context.Context, serviceID, id string) ([]string, error) {
	return cache.Memoize(s.cache, cache.Key(metricOwner, "ancestors", serviceID, id), func() ([]string, error) {
		var out []string
		seen := map[string]bool{id: true}
		cur := id
		for {
			parent, _, err := s.kv.Get(ctx, metricAttrKey(serviceID, cur, "parent_id"))
			if err != nil {
				return nil, err
			}
			if parent == "" || seen[parent] {
				return out, nil
			}
			out = append(out, parent)
			seen[parent] = true
			cur = parent
		}
	})
}

// Children returns the direct children of a metric, ordered by id so the
// hierarchy reads deterministically.
func (s *Metrics) Children(ctx context.Context, serviceID, id string) ([]string, error) {
	ids, err := s.kv.SMembers(ctx, metricAttrKey(serviceID, id, "children"))
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
