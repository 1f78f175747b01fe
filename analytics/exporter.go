package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/ports"
)

const leaseKey = "analytics/export_lock"

// DefaultLeaseTTL bounds how long a crashed exporter can block its peers.
const DefaultLeaseTTL = 60 * time.Second

// DefaultMaxBuckets caps how many buckets one run drains, so a long backlog
// is burned down in bounded batches.
const DefaultMaxBuckets = 50

// Exporter drains closed buckets into the sink. Multiple processes may run
// one; a KV lease keeps the drain single-flight. Losing the lease race is a
// no-op, not an error.
type Exporter struct {
	kv       ports.KV
	buckets  *BucketStorage
	sink     ports.Sink
	notifier ports.Notifier
	log      zerolog.Logger

	LeaseTTL   time.Duration
	MaxBuckets int

	// Obs counts skipped keys when set.
	Obs *metrics.Collector
}

// NewExporter creates an exporter with default lease TTL and bucket cap.
func NewExporter(kv ports.KV, buckets *BucketStorage, sink ports.Sink, notifier ports.Notifier, log zerolog.Logger) *Exporter {
	return &Exporter{
		kv:         kv,
		buckets:    buckets,
		sink:       sink,
		notifier:   notifier,
		log:        log,
		LeaseTTL:   DefaultLeaseTTL,
		MaxBuckets: DefaultMaxBuckets,
	}
}

// Run performs one drain attempt at the given instant and returns how many
// events were exported. Zero with nil error means nothing to do: no closed
// buckets, or another process holds the lease.
func (e *Exporter) Run(ctx context.Context, now time.Time) (int, error) {
	token := uuid.NewString()
	held, err := e.kv.SetNX(ctx, leaseKey, token, e.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire export lease: %w", err)
	}
	if !held {
		e.log.Debug().Msg("analytics export lease held elsewhere, skipping")
		return 0, nil
	}
	defer e.release(ctx, token)

	ids, err := e.buckets.Pending(ctx, now, e.MaxBuckets)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		// Nothing new, but a previous run may have crashed between
		// advancing the watermark and deleting: reclaim leftovers.
		wm, err := e.buckets.Watermark(ctx)
		if err != nil {
			return 0, err
		}
		return 0, e.buckets.DeleteUpTo(ctx, wm)
	}

	events, err := e.collect(ctx, ids)
	if err != nil {
		return 0, err
	}

	if len(events) > 0 {
		if err := e.sink.Send(ctx, events); err != nil {
			// Watermark untouched: the same range is retried next run.
			return 0, fmt.Errorf("send %d events: %w", len(events), err)
		}
	}

	if err := e.buckets.SetWatermark(ctx, ids[len(ids)-1]); err != nil {
		return 0, err
	}
	if err := e.buckets.DeleteUpTo(ctx, ids[len(ids)-1]); err != nil {
		return 0, err
	}

	e.log.Info().
		Int("events", len(events)).
		Int("buckets", len(ids)).
		Str("through", ids[len(ids)-1]).
		Msg("analytics export complete")
	return len(events), nil
}

// collect reads the drained range: union of changed keys, parsed, filtered,
// and joined with current counter values in one batched read. Malformed
// keys are reported individually and skipped; they never fail the run.
func (e *Exporter) collect(ctx context.Context, ids []string) ([]ports.StatEvent, error) {
	keys, err := e.buckets.Keys(ctx, ids)
	if err != nil {
		return nil, err
	}

	generatedAt, err := bucketTime(ids[len(ids)-1])
	if err != nil {
		return nil, fmt.Errorf("bucket id %q: %w", ids[len(ids)-1], err)
	}

	var (
		parsed    []ports.StatEvent
		valueKeys []string
	)
	for _, k := range keys {
		ev, err := ParseKey(k)
		if err != nil {
			e.notifier.Notify(err.Error())
			e.skippedKey()
			continue
		}
		if !exportable(ev) {
			continue
		}
		ev.GeneratedAt = generatedAt
		parsed = append(parsed, ev)
		valueKeys = append(valueKeys, k)
	}
	if len(parsed) == 0 {
		return nil, nil
	}

	vals, err := e.kv.MGet(ctx, valueKeys...)
	if err != nil {
		return nil, fmt.Errorf("read counter values: %w", err)
	}
	events := make([]ports.StatEvent, 0, len(parsed))
	for i, ev := range parsed {
		if vals[i] == nil {
			// Counter vanished between bucketing and drain.
			continue
		}
		v, err := strconv.ParseInt(*vals[i], 10, 64)
		if err != nil {
			e.notifier.Notify(fmt.Sprintf("counter %s holds non-numeric value %q", valueKeys[i], *vals[i]))
			e.skippedKey()
			continue
		}
		ev.Value = v
		events = append(events, ev)
	}
	return events, nil
}

func (e *Exporter) skippedKey() {
	if e.Obs != nil {
		e.Obs.ExportSkippedKeys.Inc()
	}
}

// release drops the lease if we still own it. Best effort: an expired lease
// already let someone else in and deleting their token would be worse.
func (e *Exporter) release(ctx context.Context, token string) {
	v, ok, err := e.kv.Get(ctx, leaseKey)
	if err != nil || !ok || v != token {
		return
	}
	if err := e.kv.Del(ctx, leaseKey); err != nil {
		e.log.Warn().Err(err).Msg("release export lease")
	}
}
