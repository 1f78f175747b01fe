// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/meterd/domain/period"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// -----------------------------------------------------------------------------
// Key-Value Store Port
// -----------------------------------------------------------------------------

// IntResult carries the value of a pipelined integer command. It is only
// valid after the pipeline has executed.
type IntResult struct {
	value int64
}

// Resolve sets the result value. Called by adapters on pipeline execution.
func (r *IntResult) Resolve(v int64) { r.value = v }

// Val returns the resolved value.
func (r *IntResult) Val() int64 { return r.value }

// Pipe queues commands inside a pipelined batch. Commands are issued
// together in order when the batch executes; the batch is not transactional
// beyond that.
type Pipe interface {
	Set(key, value string)
	Del(keys ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	HSet(key, field, value string)
	IncrBy(key string, delta int64) *IntResult
	Expire(key string, ttl time.Duration)
}

// KV is the capability exposed by the authoritative key-value store.
// It is the single source of truth; Pipelined is the only grouping
// primitive available (ordered, all-issued-together, not full ACID).
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	// SetNX sets key only if absent, with a TTL. Reports whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// MGet returns one entry per key, nil for absent keys, in key order.
	MGet(ctx context.Context, keys ...string) ([]*string, error)

	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HMGet(ctx context.Context, key string, fields ...string) ([]*string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Pipelined(ctx context.Context, fn func(Pipe)) error
}

// -----------------------------------------------------------------------------
// Background Queue Port
// -----------------------------------------------------------------------------

// JobType discriminates queued work.
type JobType string

const (
	// JobReport carries usage transactions to be turned into counter
	// increments off the request path.
	JobReport JobType = "report"
	// JobNotify carries accounting notifications about calls made against
	// the backend itself.
	JobNotify JobType = "notify"
)

// Transaction is one reported usage delta for an application, optionally
// attributed to a user.
type Transaction struct {
	AppID  string
	UserID string
	Usage  map[string]int64 // metric name -> delta
}

// Job is one unit of background work.
type Job struct {
	ID           string
	Type         JobType
	ServiceID    string
	Transactions []Transaction
	// Metric and Count describe notify jobs.
	Metric     string
	Count      int
	EnqueuedAt time.Time
}

// Queue accepts jobs for at-least-once, possibly-parallel background
// execution with no inter-job ordering guarantee. Enqueue is fire-and-forget:
// the producer must not assume the consumer has run by the time it returns.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// ErrAccessTokenInvalid is returned by TokenStore for unknown tokens.
var ErrAccessTokenInvalid = errors.New("access token invalid")

// TokenStore exchanges OAuth access tokens for credentials. The token
// issuance side lives outside this system.
type TokenStore interface {
	// Credentials resolves a token within a service to (appID, userID).
	// Returns ErrAccessTokenInvalid for unknown tokens.
	Credentials(ctx context.Context, accessToken, serviceID string) (appID, userID string, err error)

	// RemoveTokens drops every token of an application. Called when the
	// application is deleted.
	RemoveTokens(ctx context.Context, serviceID, appID string) error
}

// StatEvent is one exported analytics event.
type StatEvent struct {
	ServiceID   string
	AppID       string // empty for service-level counters
	UserID      string // empty unless a user counter
	MetricID    string
	Granularity period.Granularity
	PeriodStart time.Time
	Value       int64
	// GeneratedAt is derived from the bucket the event was drained from.
	GeneratedAt time.Time
}

// Sink accepts batches of analytics events. A call either acks the whole
// batch (nil) or fails it; the exporter retries failed ranges.
type Sink interface {
	Send(ctx context.Context, events []StatEvent) error
}

// Notifier delivers fire-and-forget operational anomaly messages.
// Implementations never return errors and never block the caller.
type Notifier interface {
	Notify(msg string)
}
