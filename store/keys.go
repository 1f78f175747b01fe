// Package store persists the backend entities over the key-value port,
// with a per-process memoization cache as an explicit collaborator.
// Key layouts are part of the wire format and must stay stable.
package store

import (
	"fmt"

	"github.com/artpar/meterd/domain/period"
)

func appAttrKey(serviceID, id, attr string) string {
	return fmt.Sprintf("application/service_id:%s/id:%s/%s", serviceID, id, attr)
}

func appsSetKey(serviceID string) string {
	return fmt.Sprintf("service_id:%s/applications", serviceID)
}

func appIDByUserKeyKey(serviceID, userKey string) string {
	return fmt.Sprintf("application/service_id:%s/key:%s/id", serviceID, userKey)
}

func userHashKey(serviceID, username string) string {
	return fmt.Sprintf("service:%s/user:%s", serviceID, username)
}

func usersSetKey(serviceID string) string {
	return fmt.Sprintf("service:%s/users", serviceID)
}

func serviceHashKey(id string) string {
	return fmt.Sprintf("service/id:%s", id)
}

func metricAttrKey(serviceID, id, attr string) string {
	return fmt.Sprintf("metric/service_id:%s/id:%s/%s", serviceID, id, attr)
}

func metricIDByNameKey(serviceID, name string) string {
	return fmt.Sprintf("metric/service_id:%s/name:%s/id", serviceID, name)
}

func metricsSetKey(serviceID string) string {
	return fmt.Sprintf("metrics/service_id:%s/ids", serviceID)
}

func limitValueKey(serviceID, planID, metricID string, g period.Granularity) string {
	return fmt.Sprintf("usage_limit/service_id:%s/plan_id:%s/metric_id:%s/%s",
		serviceID, planID, metricID, g)
}

func limitsSetKey(serviceID, planID string) string {
	return fmt.Sprintf("usage_limits/service_id:%s/plan_id:%s", serviceID, planID)
}

// CounterKey builds the counter key for a subject. Subject is the
// application or user qualifier ("cinstance:<id>", "uinstance:<name>") or
// empty for service-level counters. Eternity counters carry no period tag.
func CounterKey(serviceID, subject, metricID string, g period.Granularity, tag string) string {
	prefix := fmt.Sprintf("stats/{service:%s}", serviceID)
	if subject != "" {
		prefix += "/" + subject
	}
	if g == period.Eternity {
		return fmt.Sprintf("%s/metric:%s/eternity", prefix, metricID)
	}
	return fmt.Sprintf("%s/metric:%s/%s:%s", prefix, metricID, g, tag)
}

// AppSubject qualifies counters owned by an application.
func AppSubject(appID string) string {
	return "cinstance:" + appID
}

// UserSubject qualifies counters owned by a user.
func UserSubject(username string) string {
	return "uinstance:" + username
}
