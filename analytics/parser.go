// Package analytics drains changed-counter buckets and exports them as
// stat events to an external sink. The pipeline deliberately trails the
// authoritative counters: buckets hold key names only and values are read
// at drain time, so events carry the then-current totals.
package analytics

import (
	"fmt"
	"strings"
	"time"

	"github.com/artpar/meterd/domain/period"
	"github.com/artpar/meterd/ports"
)

// ParseKey decodes a counter key back into an event skeleton (everything
// but value and generation time). The layouts it accepts are the ones
// CounterKey produces:
//
//	stats/{service:S}/metric:M/day:20151210
//	stats/{service:S}/cinstance:A/metric:M/hour:2015121016
//	stats/{service:S}/uinstance:U/metric:M/eternity
func ParseKey(key string) (ports.StatEvent, error) {
	parts := strings.Split(key, "/")
	if len(parts) < 4 || parts[0] != "stats" {
		return ports.StatEvent{}, fmt.Errorf("malformed counter key %q", key)
	}

	var ev ports.StatEvent
	svc := parts[1]
	if !strings.HasPrefix(svc, "{service:") || !strings.HasSuffix(svc, "}") {
		return ports.StatEvent{}, fmt.Errorf("malformed counter key %q: bad service segment", key)
	}
	ev.ServiceID = svc[len("{service:") : len(svc)-1]
	if ev.ServiceID == "" {
		return ports.StatEvent{}, fmt.Errorf("malformed counter key %q: empty service", key)
	}

	rest := parts[2:]
	switch {
	case strings.HasPrefix(rest[0], "cinstance:"):
		ev.AppID = strings.TrimPrefix(rest[0], "cinstance:")
		rest = rest[1:]
	case strings.HasPrefix(rest[0], "uinstance:"):
		ev.UserID = strings.TrimPrefix(rest[0], "uinstance:")
		rest = rest[1:]
	}
	if len(rest) != 2 || !strings.HasPrefix(rest[0], "metric:") {
		return ports.StatEvent{}, fmt.Errorf("malformed counter key %q: bad metric segment", key)
	}
	ev.MetricID = strings.TrimPrefix(rest[0], "metric:")
	if ev.MetricID == "" {
		return ports.StatEvent{}, fmt.Errorf("malformed counter key %q: empty metric", key)
	}

	if rest[1] == string(period.Eternity) {
		ev.Granularity = period.Eternity
		return ev, nil
	}
	i := strings.Index(rest[1], ":")
	if i <= 0 {
		return ports.StatEvent{}, fmt.Errorf("malformed counter key %q: bad period segment", key)
	}
	g := period.Granularity(rest[1][:i])
	if !g.Valid() {
		return ports.StatEvent{}, fmt.Errorf("malformed counter key %q: unknown granularity %q", key, rest[1][:i])
	}
	start, err := period.ParseTag(g, rest[1][i+1:])
	if err != nil {
		return ports.StatEvent{}, fmt.Errorf("malformed counter key %q: %w", key, err)
	}
	ev.Granularity = g
	ev.PeriodStart = start
	return ev, nil
}

// exportable reports whether a parsed event belongs in the export stream.
// Eternity has no finite window and week is not consumed downstream, so
// both are dropped silently rather than flagged.
func exportable(ev ports.StatEvent) bool {
	return ev.Granularity != period.Eternity && ev.Granularity != period.Week
}

// bucketTime converts a bucket id back to its opening instant.
func bucketTime(id string) (time.Time, error) {
	return time.Parse(bucketIDLayout, id)
}
