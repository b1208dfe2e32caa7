// Package dedup implements result reuse for idempotent tasks: a durable map
// from properties hash to the most recent successful run, fronted by an
// in-process TTL cache.
package dedup

import (
	"context"
	"time"

	ttlcache "github.com/patrickmn/go-cache"

	"go.skia.org/swarming/go/metrics2"
	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/types"
)

const (
	// DEFAULT_TTL bounds how old a completed result may be and still be
	// reused.
	DEFAULT_TTL = 7 * 24 * time.Hour

	// cacheCleanupInterval is how often the read cache drops expired
	// entries.
	cacheCleanupInterval = 10 * time.Minute
)

// Deduper finds and records reusable results of idempotent tasks. Safe for
// concurrent use.
type Deduper struct {
	db  db.TaskDB
	ttl time.Duration

	// cache fronts the durable entries, keyed by properties hash. Entries
	// are revalidated against the TTL on every read; the cache's own
	// expiration only bounds memory.
	cache *ttlcache.Cache

	metricHits   metrics2.Counter
	metricMisses metrics2.Counter
}

// New returns a Deduper reading and writing entries through the given
// TaskDB. A non-positive ttl selects DEFAULT_TTL.
func New(d db.TaskDB, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DEFAULT_TTL
	}
	return &Deduper{
		db:    d,
		ttl:   ttl,
		cache: ttlcache.New(ttl, cacheCleanupInterval),
		metricHits: metrics2.GetCounter("dedup_cache", map[string]string{
			"result": "hit",
		}),
		metricMisses: metrics2.GetCounter("dedup_cache", map[string]string{
			"result": "miss",
		}),
	}
}

// TTL returns the reuse window.
func (d *Deduper) TTL() time.Duration {
	return d.ttl
}

// Check returns the entry whose result a new request with the given
// properties hash may reuse, or nil if there is none young enough.
func (d *Deduper) Check(ctx context.Context, hash string) (*types.DedupEntry, error) {
	if hash == "" {
		return nil, nil
	}
	horizon := now.Now(ctx).UTC().Add(-d.ttl)
	if v, ok := d.cache.Get(hash); ok {
		entry := v.(*types.DedupEntry)
		if !entry.Completed.Before(horizon) {
			d.metricHits.Inc(1)
			return entry.Copy(), nil
		}
		d.cache.Delete(hash)
	}
	entry, err := d.db.GetDedupEntry(ctx, hash, horizon)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if entry == nil {
		d.metricMisses.Inc(1)
		return nil, nil
	}
	d.cache.SetDefault(hash, entry.Copy())
	d.metricHits.Inc(1)
	return entry, nil
}

// Record stores the given run as the reusable result for the given
// properties hash. Runs which did not complete successfully are ignored, so
// callers can invoke Record unconditionally on completion.
func (d *Deduper) Record(ctx context.Context, hash string, run *types.TaskRunResult) error {
	if hash == "" {
		return nil
	}
	if run.State != types.TASK_STATE_COMPLETED || run.ExitCode != 0 || run.Failure || run.InternalFailure {
		return nil
	}
	entry := &types.DedupEntry{
		PropertiesHash: hash,
		RunId:          ids.PackRun(run.RequestId, run.TryNumber),
		Completed:      run.Completed,
	}
	if err := d.db.PutDedupEntry(ctx, entry); err != nil {
		return skerr.Wrap(err)
	}
	// Write through so readers see the newest run immediately.
	d.cache.SetDefault(hash, entry.Copy())
	return nil
}

// Prune deletes durable entries past the TTL. Returns how many were deleted.
func (d *Deduper) Prune(ctx context.Context) (int, error) {
	horizon := now.Now(ctx).UTC().Add(-d.ttl)
	return d.db.PruneDedupEntries(ctx, horizon)
}
