package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/artpar/meterd/ports"
)

const (
	// bucketIDLayout names buckets by their opening second.
	bucketIDLayout = "20060102150405"

	bucketRegistryKey = "analytics/buckets"
	watermarkKey      = "analytics/latest_bucket_read"
)

// DefaultBucketInterval is how wide each changed-keys bucket is.
const DefaultBucketInterval = 30 * time.Second

func bucketKeysKey(id string) string {
	return fmt.Sprintf("analytics/bucket:%s/keys", id)
}

// BucketStorage accumulates the names of counters changed within each time
// bucket. Writers append inside the same pipeline as their increments, so a
// counter change and its bucket entry land together.
type BucketStorage struct {
	kv       ports.KV
	interval time.Duration
}

// NewBucketStorage creates bucket storage over the KV. A non-positive
// interval falls back to the default.
func NewBucketStorage(kv ports.KV, interval time.Duration) *BucketStorage {
	if interval <= 0 {
		interval = DefaultBucketInterval
	}
	return &BucketStorage{kv: kv, interval: interval}
}

// BucketID names the bucket open at the given instant.
func (b *BucketStorage) BucketID(now time.Time) string {
	return now.UTC().Truncate(b.interval).Format(bucketIDLayout)
}

// AppendInPipe registers changed counter keys in the current bucket and the
// bucket in the registry, as part of the caller's pipeline.
func (b *BucketStorage) AppendInPipe(p ports.Pipe, now time.Time, keys ...string) {
	if len(keys) == 0 {
		return
	}
	id := b.BucketID(now)
	p.SAdd(bucketKeysKey(id), keys...)
	p.SAdd(bucketRegistryKey, id)
}

// Pending returns the ids of closed buckets not yet drained, oldest first,
// capped at max (unlimited when max <= 0). The bucket open at now is never
// included: writers may still be appending to it.
func (b *BucketStorage) Pending(ctx context.Context, now time.Time, max int) ([]string, error) {
	ids, err := b.kv.SMembers(ctx, bucketRegistryKey)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	sort.Strings(ids)

	current := b.BucketID(now)
	watermark, _, err := b.kv.Get(ctx, watermarkKey)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, id := range ids {
		if id >= current {
			break
		}
		if watermark != "" && id <= watermark {
			continue
		}
		out = append(out, id)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out, nil
}

// Keys returns the union of counter keys recorded in the given buckets,
// deduplicated and sorted.
func (b *BucketStorage) Keys(ctx context.Context, ids []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		keys, err := b.kv.SMembers(ctx, bucketKeysKey(id))
		if err != nil {
			return nil, fmt.Errorf("read bucket %s: %w", id, err)
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Watermark returns the id of the last fully drained bucket, empty when no
// drain has completed yet.
func (b *BucketStorage) Watermark(ctx context.Context) (string, error) {
	v, _, err := b.kv.Get(ctx, watermarkKey)
	return v, err
}

// SetWatermark records the last drained bucket id. Only advanced after the
// sink has acked the drained range.
func (b *BucketStorage) SetWatermark(ctx context.Context, id string) error {
	return b.kv.Set(ctx, watermarkKey, id)
}

// DeleteUpTo drops every registered bucket at or below the watermark id,
// with its key set. Deliberately range-based rather than id-based: a crash
// between advancing the watermark and deleting leaves drained buckets
// behind, and the next call reclaims them.
func (b *BucketStorage) DeleteUpTo(ctx context.Context, watermark string) error {
	if watermark == "" {
		return nil
	}
	ids, err := b.kv.SMembers(ctx, bucketRegistryKey)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	var stale []string
	for _, id := range ids {
		if id <= watermark {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return b.kv.Pipelined(ctx, func(p ports.Pipe) {
		for _, id := range stale {
			p.Del(bucketKeysKey(id))
		}
		p.SRem(bucketRegistryKey, stale...)
	})
}
