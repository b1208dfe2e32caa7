package lifecycle

import (
	"context"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/testutils"
	"go.skia.org/swarming/go/testutils/unittest"
	"go.skia.org/swarming/swarming/go/bots"
	"go.skia.org/swarming/swarming/go/bots/store"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/db/memory"
	"go.skia.org/swarming/swarming/go/dedup"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/scheduling"
	"go.skia.org/swarming/swarming/go/swarmingserver/config"
	"go.skia.org/swarming/swarming/go/types"
)

var lifecycleStart = time.Date(2026, time.June, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db        db.DBCloser
	registry  *bots.Registry
	deduper   *dedup.Deduper
	scheduler *scheduling.Scheduler
	sweeper   *Sweeper
}

// setup wires a sweeper over fully in-memory components: one bot group
// serving pool P, a ten minute death timeout and a one hour dedup TTL.
func setup(t *testing.T) (*now.TimeTravelCtx, *fixture) {
	ctx := now.TimeTravelingContext(lifecycleStart)
	d := memory.NewInMemoryTaskDB()
	groups, err := bots.ParseBotsConfig(&config.BotsConfig{
		TrustedDimensions: []string{"pool"},
		BotGroup: []*config.BotGroupConfig{
			{
				BotIdPrefix: []string{"swarm-"},
				Dimensions:  []string{"pool:P"},
			},
		},
	})
	assert.NoError(t, err)
	registry := bots.NewRegistry(store.NewMemoryImpl(), groups, "server-v1", 10*time.Minute)
	deduper := dedup.New(d, time.Hour)
	scheduler, err := scheduling.New(ctx, d, registry, deduper, nil)
	assert.NoError(t, err)
	return ctx, &fixture{
		db:        d,
		registry:  registry,
		deduper:   deduper,
		scheduler: scheduler,
		sweeper:   New(scheduler, registry, deduper, d),
	}
}

func scheduleTask(t *testing.T, ctx context.Context, f *fixture, name string) *types.TaskRequest {
	req := &types.TaskRequest{
		Name:       name,
		User:       "user@example.com",
		Priority:   100,
		Expiration: now.Now(ctx).UTC().Add(time.Hour),
		Properties: types.TaskProperties{
			Command: []string{"echo", "hi"},
			Dimensions: map[string][]string{
				types.DIMENSION_POOL_KEY: {"P"},
				"os":                     {"L"},
			},
			HardTimeoutSecs: 3600,
			IoTimeoutSecs:   1200,
			GracePeriodSecs: 30,
		},
	}
	summary, err := f.scheduler.Schedule(ctx, req)
	assert.NoError(t, err)
	req.Id = summary.RequestId
	return req
}

func connectBot(t *testing.T, ctx context.Context, f *fixture, botId string, os []string) {
	_, err := f.registry.Handshake(ctx, botId, &bots.BotAttributes{
		Dimensions: map[string][]string{"os": os},
		Version:    "bot-v1",
	})
	assert.NoError(t, err)
}

func claimTask(t *testing.T, ctx context.Context, f *fixture, botId string) *types.TaskManifest {
	b, err := f.registry.Get(ctx, botId)
	assert.NoError(t, err)
	assert.NotNil(t, b)
	m, err := f.scheduler.BotClaim(ctx, botId, b.Dimensions)
	assert.NoError(t, err)
	assert.NotNil(t, m)
	return m
}

func eventTypes(events []types.BotEvent) []types.BotEventType {
	rv := make([]types.BotEventType, 0, len(events))
	for _, e := range events {
		rv = append(rv, e.EventType)
	}
	return rv
}

func TestTickExpiresTasks(t *testing.T) {
	unittest.SmallTest(t)
	ctx, f := setup(t)
	defer testutils.AssertCloses(t, f.db)

	req := scheduleTask(t, ctx, f, "build")

	// Before the deadline the task just sits in the queue.
	f.sweeper.Tick(ctx)
	assert.Equal(t, map[string]int{"P": 1}, f.scheduler.PendingCounts())

	ctx.AdvanceTime(time.Hour + time.Second)
	f.sweeper.Tick(ctx)

	summary, err := f.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_EXPIRED, summary.State)
	assert.Equal(t, now.Now(ctx).UTC(), summary.Abandoned)
	assert.Empty(t, f.scheduler.PendingCounts())
}

func TestTickReapsBotDeaths(t *testing.T) {
	unittest.SmallTest(t)
	ctx, f := setup(t)
	defer testutils.AssertCloses(t, f.db)

	req := scheduleTask(t, ctx, f, "build")
	connectBot(t, ctx, f, "swarm-001", []string{"L"})
	ctx.AdvanceTime(time.Second)
	claimTask(t, ctx, f, "swarm-001")

	// First death: the run fails but the task goes back to the queue.
	ctx.AdvanceTime(10*time.Minute + time.Second)
	f.sweeper.Tick(ctx)

	summary, err := f.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_PENDING, summary.State)
	assert.Equal(t, "", summary.BotId)
	run, err := f.db.GetTaskRun(ctx, req.Id, 1)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_BOT_DIED, run.State)
	assert.True(t, run.InternalFailure)
	assert.Equal(t, map[string]int{"P": 1}, f.scheduler.PendingCounts())

	// The reap already recorded the missing event, so the mark_missing
	// sweep of the same tick must not add a second one.
	events, _, err := f.registry.Events(ctx, "swarm-001", 10, "")
	assert.NoError(t, err)
	assert.Equal(t, []types.BotEventType{
		types.BOT_EVENT_MISSING,
		types.BOT_EVENT_CLAIMED,
		types.BOT_EVENT_CONNECTED,
	}, eventTypes(events))

	// The bot comes back and picks up the retry.
	ctx.AdvanceTime(time.Second)
	_, err = f.registry.PollUpdate(ctx, "swarm-001", &bots.BotAttributes{
		Dimensions: map[string][]string{"os": {"L"}},
		Version:    "bot-v1",
	})
	assert.NoError(t, err)
	m := claimTask(t, ctx, f, "swarm-001")
	assert.Equal(t, ids.PackRun(req.Id, 2), m.TaskId)

	// Second death is terminal.
	ctx.AdvanceTime(10*time.Minute + time.Second)
	f.sweeper.Tick(ctx)

	summary, err = f.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_BOT_DIED, summary.State)
	assert.True(t, summary.InternalFailure)
	assert.Equal(t, now.Now(ctx).UTC(), summary.Abandoned)
	assert.Empty(t, f.scheduler.PendingCounts())

	events, _, err = f.registry.Events(ctx, "swarm-001", 10, "")
	assert.NoError(t, err)
	assert.Equal(t, []types.BotEventType{
		types.BOT_EVENT_MISSING,
		types.BOT_EVENT_CLAIMED,
		types.BOT_EVENT_MISSING,
		types.BOT_EVENT_CLAIMED,
		types.BOT_EVENT_CONNECTED,
	}, eventTypes(events))

	count, err := f.registry.Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, &bots.BotCount{Count: 1, Dead: 1}, count)
}

func TestTickExpiresRetryFromDeadBot(t *testing.T) {
	unittest.SmallTest(t)
	ctx, f := setup(t)
	defer testutils.AssertCloses(t, f.db)

	req := scheduleTask(t, ctx, f, "build")
	connectBot(t, ctx, f, "swarm-001", []string{"L"})
	ctx.AdvanceTime(time.Second)
	claimTask(t, ctx, f, "swarm-001")

	// The bot dies and the deadline passes before anybody notices. The
	// death sweep re-pends the task and the expire sweep of the same tick
	// finishes it off instead of leaving an unclaimable run queued.
	ctx.AdvanceTime(time.Hour + time.Second)
	f.sweeper.Tick(ctx)

	summary, err := f.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_EXPIRED, summary.State)
	run, err := f.db.GetTaskRun(ctx, req.Id, 1)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_BOT_DIED, run.State)
	assert.Empty(t, f.scheduler.PendingCounts())
}

func TestTickPrunesDedup(t *testing.T) {
	unittest.SmallTest(t)
	ctx, f := setup(t)
	defer testutils.AssertCloses(t, f.db)

	assert.NoError(t, f.deduper.Record(ctx, "cafef00d", &types.TaskRunResult{
		RequestId: 12345,
		TryNumber: 1,
		State:     types.TASK_STATE_COMPLETED,
		Completed: now.Now(ctx).UTC(),
	}))

	// Young entries survive the sweep.
	f.sweeper.Tick(ctx)
	entry, err := f.db.GetDedupEntry(ctx, "cafef00d", time.Time{})
	assert.NoError(t, err)
	assert.NotNil(t, entry)

	ctx.AdvanceTime(time.Hour + time.Second)
	f.sweeper.Tick(ctx)
	entry, err = f.db.GetDedupEntry(ctx, "cafef00d", time.Time{})
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

func TestTickSnapshots(t *testing.T) {
	unittest.SmallTest(t)
	ctx, f := setup(t)
	defer testutils.AssertCloses(t, f.db)

	// Empty until the first tick runs.
	assert.Empty(t, f.sweeper.BotDimensions())
	assert.Empty(t, f.sweeper.TaskTags())

	connectBot(t, ctx, f, "swarm-001", []string{"Linux", "Debian-11"})
	connectBot(t, ctx, f, "swarm-002", []string{"Linux", "Ubuntu-22"})
	scheduleTask(t, ctx, f, "build")

	// The scan window's end bound is exclusive, so step past the creation
	// instant.
	ctx.AdvanceTime(time.Second)
	f.sweeper.Tick(ctx)

	dims := f.sweeper.BotDimensions()
	assert.Equal(t, map[string][]string{
		"id":   {"swarm-001", "swarm-002"},
		"os":   {"Debian-11", "Linux", "Ubuntu-22"},
		"pool": {"P"},
	}, dims)
	tags := f.sweeper.TaskTags()
	assert.Equal(t, []string{"P"}, tags["pool"])
	assert.Equal(t, []string{"100"}, tags["priority"])
	assert.Equal(t, []string{"user@example.com"}, tags["user"])
	assert.Equal(t, []string{"none"}, tags["service_account"])

	// A day later the task has aged out of the tag window. The bots are
	// long dead but still part of the fleet aggregate.
	ctx.AdvanceTime(25 * time.Hour)
	f.sweeper.Tick(ctx)
	assert.Empty(t, f.sweeper.TaskTags())
	assert.Equal(t, dims, f.sweeper.BotDimensions())
}

func TestTickRebuildsIndex(t *testing.T) {
	unittest.SmallTest(t)
	ctx, f := setup(t)
	defer testutils.AssertCloses(t, f.db)

	// Plant a pending task behind the index's back, as if the row had been
	// written by another replica.
	plant := func(name string) {
		req := &types.TaskRequest{
			Name:       name,
			Priority:   100,
			Created:    now.Now(ctx).UTC(),
			Expiration: now.Now(ctx).UTC().Add(24 * time.Hour),
			Tags:       []string{"pool:P"},
			Properties: types.TaskProperties{
				Command: []string{"echo", "hi"},
				Dimensions: map[string][]string{
					types.DIMENSION_POOL_KEY: {"P"},
				},
				HardTimeoutSecs: 3600,
				IoTimeoutSecs:   1200,
				GracePeriodSecs: 30,
			},
		}
		assert.NoError(t, f.db.AssignId(ctx, req))
		assert.NoError(t, f.db.PutNewTask(ctx, req, &types.TaskResultSummary{
			RequestId: req.Id,
			Name:      req.Name,
			Tags:      []string{"pool:P"},
			State:     types.TASK_STATE_PENDING,
			Created:   req.Created,
			Modified:  req.Created,
		}))
	}

	plant("stray-1")
	assert.Empty(t, f.scheduler.PendingCounts())

	// The first tick rebuilds.
	f.sweeper.Tick(ctx)
	assert.Equal(t, map[string]int{"P": 1}, f.scheduler.PendingCounts())

	// The next rebuild happens INDEX_REBUILD_EVERY ticks later.
	plant("stray-2")
	for i := 0; i < INDEX_REBUILD_EVERY-1; i++ {
		f.sweeper.Tick(ctx)
	}
	assert.Equal(t, map[string]int{"P": 1}, f.scheduler.PendingCounts())
	f.sweeper.Tick(ctx)
	assert.Equal(t, map[string]int{"P": 2}, f.scheduler.PendingCounts())
}
