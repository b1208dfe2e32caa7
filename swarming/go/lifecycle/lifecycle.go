// Package lifecycle runs the periodic maintenance sweeps which keep the
// scheduler's view of the world honest: reclaiming runs whose bot went
// silent, expiring tasks nobody claimed in time, pruning stale dedup entries,
// marking long-silent bots missing, and refreshing the aggregate dimension
// and tag snapshots served to dashboards.
package lifecycle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.skia.org/swarming/go/cleanup"
	"go.skia.org/swarming/go/metrics2"
	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/go/sklog"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/bots"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/dedup"
	"go.skia.org/swarming/swarming/go/scheduling"
)

const (
	// DEFAULT_TICK is the sweep interval used when the configuration does
	// not specify one.
	DEFAULT_TICK = time.Minute

	// INDEX_REBUILD_EVERY is the number of ticks between full rebuilds of
	// the pending-task index. The index is maintained incrementally; the
	// rebuild only repairs entries lost to transient store failures.
	INDEX_REBUILD_EVERY = 15

	// SNAPSHOT_WINDOW bounds how far back the tag snapshot looks for
	// tasks.
	SNAPSHOT_WINDOW = 24 * time.Hour

	sweepBotDeaths    = "bot_deaths"
	sweepExpireTasks  = "expire_tasks"
	sweepMarkMissing  = "mark_missing"
	sweepPruneDedup   = "prune_dedup"
	sweepRebuildIndex = "rebuild_index"
	sweepSnapshots    = "rebuild_snapshots"
)

var sweepNames = []string{
	sweepBotDeaths,
	sweepExpireTasks,
	sweepMarkMissing,
	sweepPruneDedup,
	sweepRebuildIndex,
	sweepSnapshots,
}

// Sweeper runs the maintenance sweeps and holds the aggregate snapshots they
// produce. The snapshot accessors are safe for concurrent use; Tick itself is
// not, and Start calls it from a single goroutine.
type Sweeper struct {
	scheduler *scheduling.Scheduler
	registry  *bots.Registry
	deduper   *dedup.Deduper
	taskDb    db.TaskDB

	// ticks counts completed Tick calls, to space out the index rebuild.
	ticks int

	// mtx guards the snapshots below.
	mtx           sync.RWMutex
	botDimensions map[string][]string
	taskTags      map[string][]string

	livenesses map[string]metrics2.Liveness

	// pendingMetrics holds one gauge per pool ever reported, touched only
	// from Tick.
	pendingMetrics map[string]metrics2.Int64Metric
}

// New returns a Sweeper operating on the given components. Call Start to run
// it periodically, or Tick directly.
func New(sch *scheduling.Scheduler, reg *bots.Registry, deduper *dedup.Deduper, d db.TaskDB) *Sweeper {
	s := &Sweeper{
		scheduler:      sch,
		registry:       reg,
		deduper:        deduper,
		taskDb:         d,
		botDimensions:  map[string][]string{},
		taskTags:       map[string][]string{},
		livenesses:     make(map[string]metrics2.Liveness, len(sweepNames)),
		pendingMetrics: map[string]metrics2.Int64Metric{},
	}
	for _, name := range sweepNames {
		s.livenesses[name] = metrics2.NewLiveness("last_successful_lifecycle_sweep", map[string]string{
			"sweep": name,
		})
	}
	return s
}

// Start runs Tick immediately and then on the given interval until process
// shutdown. A non-positive tick selects DEFAULT_TICK.
func (s *Sweeper) Start(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = DEFAULT_TICK
	}
	cleanup.Repeat(tick, func() {
		s.Tick(ctx)
	}, nil)
}

// Tick runs one round of maintenance sweeps. Sweeps are independent: a
// failing sweep is logged and the rest still run.
func (s *Sweeper) Tick(ctx context.Context) {
	defer metrics2.NewTimer("lifecycle_tick").Stop()
	s.ticks++

	// Reap bot deaths before expiring: a first-try death re-pends the
	// task, and if its deadline has already passed the expire sweep can
	// then finish it off in the same tick instead of leaving an
	// unclaimable run queued.
	s.runSweep(ctx, sweepBotDeaths, func(ctx context.Context) error {
		retried, died, err := s.scheduler.SweepBotDeaths(ctx, s.registry.DeathTimeout())
		if err != nil {
			return skerr.Wrap(err)
		}
		if retried+died > 0 {
			sklog.Infof("Reaped dead runs: %d retried, %d failed", retried, died)
		}
		return nil
	})
	s.runSweep(ctx, sweepExpireTasks, func(ctx context.Context) error {
		expired, err := s.scheduler.ExpireTasks(ctx)
		if err != nil {
			return skerr.Wrap(err)
		}
		if expired > 0 {
			sklog.Infof("Expired %d tasks", expired)
		}
		return nil
	})

	// The remaining sweeps touch disjoint state and can run together.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.runSweep(ctx, sweepMarkMissing, func(ctx context.Context) error {
			marked, err := s.registry.MarkMissing(ctx)
			if err != nil {
				return skerr.Wrap(err)
			}
			if marked > 0 {
				sklog.Infof("Marked %d bots missing", marked)
			}
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		s.runSweep(ctx, sweepPruneDedup, func(ctx context.Context) error {
			pruned, err := s.deduper.Prune(ctx)
			if err != nil {
				return skerr.Wrap(err)
			}
			if pruned > 0 {
				sklog.Infof("Pruned %d dedup entries", pruned)
			}
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		s.runSweep(ctx, sweepSnapshots, s.rebuildSnapshots)
	}()
	wg.Wait()

	if s.ticks%INDEX_REBUILD_EVERY == 1 {
		s.runSweep(ctx, sweepRebuildIndex, s.scheduler.RebuildIndex)
	}
	s.reportPending()
}

// runSweep times fn, logs its failure, and resets the sweep's liveness on
// success.
func (s *Sweeper) runSweep(ctx context.Context, name string, fn func(ctx context.Context) error) {
	defer metrics2.NewTimer("lifecycle_sweep", map[string]string{
		"sweep": name,
	}).Stop()
	if err := fn(ctx); err != nil {
		sklog.Errorf("Sweep %s failed: %s", name, err)
		return
	}
	s.livenesses[name].Reset()
}

// rebuildSnapshots recomputes the fleet-dimension and recent-tag aggregates.
func (s *Sweeper) rebuildSnapshots(ctx context.Context) error {
	var eg errgroup.Group
	var dims, tags map[string][]string
	eg.Go(func() error {
		var err error
		dims, err = s.aggregateBotDimensions(ctx)
		return err
	})
	eg.Go(func() error {
		var err error
		tags, err = s.aggregateTaskTags(ctx)
		return err
	})
	if err := eg.Wait(); err != nil {
		return skerr.Wrap(err)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.botDimensions = dims
	s.taskTags = tags
	return nil
}

// aggregateBotDimensions unions the dimensions of every live bot record,
// quarantined and dead included.
func (s *Sweeper) aggregateBotDimensions(ctx context.Context) (map[string][]string, error) {
	sets := map[string]map[string]bool{}
	cursor := ""
	for {
		page, next, err := s.registry.List(ctx, nil, bots.MAX_LIST_LIMIT, cursor)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		for _, b := range page {
			for key, values := range b.Dimensions {
				set, ok := sets[key]
				if !ok {
					set = map[string]bool{}
					sets[key] = set
				}
				for _, v := range values {
					set[v] = true
				}
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return sortSets(sets), nil
}

// aggregateTaskTags unions the tags of tasks created inside SNAPSHOT_WINDOW.
func (s *Sweeper) aggregateTaskTags(ctx context.Context) (map[string][]string, error) {
	end := now.Now(ctx).UTC()
	sets := map[string]map[string]bool{}
	params := &db.TaskSearchParams{
		Start: end.Add(-SNAPSHOT_WINDOW),
		End:   end,
		Sort:  db.SORT_CREATED,
		Limit: db.MAX_SEARCH_LIMIT,
	}
	for {
		page, next, err := db.SearchTasks(ctx, s.taskDb, params)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		for _, t := range page {
			for _, tag := range t.Tags {
				pair := strings.SplitN(tag, ":", 2)
				if len(pair) != 2 {
					continue
				}
				set, ok := sets[pair[0]]
				if !ok {
					set = map[string]bool{}
					sets[pair[0]] = set
				}
				set[pair[1]] = true
			}
		}
		if next == "" {
			break
		}
		params.Cursor = next
	}
	return sortSets(sets), nil
}

// sortSets flattens value sets into sorted slices.
func sortSets(sets map[string]map[string]bool) map[string][]string {
	rv := make(map[string][]string, len(sets))
	for key, set := range sets {
		values := make([]string, 0, len(set))
		for v := range set {
			values = append(values, v)
		}
		sort.Strings(values)
		rv[key] = values
	}
	return rv
}

// reportPending exports per-pool gauges of queued tasks. Pools which drain
// keep reporting zero rather than disappearing, so alerts see the
// transition.
func (s *Sweeper) reportPending() {
	counts := s.scheduler.PendingCounts()
	for pool, n := range counts {
		m, ok := s.pendingMetrics[pool]
		if !ok {
			m = metrics2.GetInt64Metric("pending_tasks", map[string]string{
				"pool": pool,
			})
			s.pendingMetrics[pool] = m
		}
		m.Update(int64(n))
	}
	for pool, m := range s.pendingMetrics {
		if _, ok := counts[pool]; !ok {
			m.Update(0)
		}
	}
}

// BotDimensions returns the dimension values seen across the fleet as of the
// last snapshot rebuild, keyed by dimension.
func (s *Sweeper) BotDimensions() map[string][]string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return util.CopyStringSliceMap(s.botDimensions)
}

// TaskTags returns the tag values seen on recently created tasks as of the
// last snapshot rebuild, keyed by tag key.
func (s *Sweeper) TaskTags() map[string][]string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return util.CopyStringSliceMap(s.taskTags)
}
