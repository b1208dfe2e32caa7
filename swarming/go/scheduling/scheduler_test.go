package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/go/testutils"
	"go.skia.org/swarming/go/testutils/unittest"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/db/memory"
	"go.skia.org/swarming/swarming/go/dedup"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/types"
)

// testBotTracker is an in-memory BotTracker which records assignments and
// events.
type testBotTracker struct {
	mtx    sync.Mutex
	bots   map[string]*types.BotInfo
	events map[string][]types.BotEvent
}

func newTestBotTracker() *testBotTracker {
	return &testBotTracker{
		bots:   map[string]*types.BotInfo{},
		events: map[string][]types.BotEvent{},
	}
}

func (b *testBotTracker) addBot(botId string, quarantined bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.bots[botId] = &types.BotInfo{
		BotId:       botId,
		Quarantined: quarantined,
	}
}

func (b *testBotTracker) Get(ctx context.Context, botId string) (*types.BotInfo, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	info, ok := b.bots[botId]
	if !ok {
		return nil, nil
	}
	rv := info.Copy()
	return &rv, nil
}

func (b *testBotTracker) Assign(ctx context.Context, botId, runId string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	info, ok := b.bots[botId]
	if !ok {
		return db.ErrNotFound
	}
	info.TaskId = runId
	b.events[botId] = append(b.events[botId], types.BotEvent{
		BotId:     botId,
		EventType: types.BOT_EVENT_CLAIMED,
		TaskId:    runId,
	})
	return nil
}

func (b *testBotTracker) Idle(ctx context.Context, botId, runId string, event types.BotEventType, message string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	info, ok := b.bots[botId]
	if !ok {
		return db.ErrNotFound
	}
	info.TaskId = ""
	b.events[botId] = append(b.events[botId], types.BotEvent{
		BotId:     botId,
		EventType: event,
		TaskId:    runId,
		Message:   message,
	})
	return nil
}

func (b *testBotTracker) taskId(botId string) string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	info, ok := b.bots[botId]
	if !ok {
		return ""
	}
	return info.TaskId
}

func (b *testBotTracker) eventTypes(botId string) []types.BotEventType {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	rv := make([]types.BotEventType, 0, len(b.events[botId]))
	for _, e := range b.events[botId] {
		rv = append(rv, e.EventType)
	}
	return rv
}

// testNotifier records the summary ids of completion notifications.
type testNotifier struct {
	mtx  sync.Mutex
	sent []string
}

func (n *testNotifier) NotifyCompleted(ctx context.Context, req *types.TaskRequest, res *types.TaskResultSummary) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.sent = append(n.sent, ids.PackSummary(req.Id))
	return nil
}

func (n *testNotifier) notified() []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return util.CopyStringSlice(n.sent)
}

func setup(t *testing.T) (*now.TimeTravelCtx, db.DBCloser, *testBotTracker, *testNotifier, *Scheduler) {
	ctx := now.TimeTravelingContext(time.Date(2026, time.June, 10, 9, 0, 0, 0, time.UTC))
	d := memory.NewInMemoryTaskDB()
	bots := newTestBotTracker()
	notifier := &testNotifier{}
	s, err := New(ctx, d, bots, dedup.New(d, 0), notifier)
	assert.NoError(t, err)
	return ctx, d, bots, notifier, s
}

// scheduleRequest builds a valid request for the given pool and submits it.
func scheduleRequest(t *testing.T, ctx context.Context, s *Scheduler, name string, dims map[string][]string) (*types.TaskRequest, *types.TaskResultSummary) {
	req := &types.TaskRequest{
		Name:       name,
		User:       "user@example.com",
		Priority:   100,
		Expiration: now.Now(ctx).UTC().Add(time.Hour),
		Properties: types.TaskProperties{
			Command:         []string{"echo", "hi"},
			Dimensions:      dims,
			HardTimeoutSecs: 3600,
			IoTimeoutSecs:   1200,
			GracePeriodSecs: 30,
		},
	}
	summary, err := s.Schedule(ctx, req)
	assert.NoError(t, err)
	req.Id = summary.RequestId
	return req, summary
}

func defaultDims() map[string][]string {
	return map[string][]string{
		types.DIMENSION_POOL_KEY: {"P"},
		"os":                     {"L"},
	}
}

func TestScheduleValidation(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, _, _, s := setup(t)
	defer testutils.AssertCloses(t, d)

	valid := func() *types.TaskRequest {
		return &types.TaskRequest{
			Name:       "build",
			Priority:   100,
			Expiration: now.Now(ctx).UTC().Add(time.Hour),
			Properties: types.TaskProperties{
				Command:         []string{"echo", "hi"},
				Dimensions:      defaultDims(),
				HardTimeoutSecs: 3600,
			},
		}
	}
	check := func(mutate func(req *types.TaskRequest)) {
		req := valid()
		mutate(req)
		_, err := s.Schedule(ctx, req)
		assert.True(t, IsInvalidRequest(err), "expected invalid request, got %v", err)
	}

	// The unmutated request is accepted.
	_, err := s.Schedule(ctx, valid())
	assert.NoError(t, err)

	check(func(req *types.TaskRequest) { req.Name = "" })
	check(func(req *types.TaskRequest) { req.Tags = []string{"no-colon"} })
	check(func(req *types.TaskRequest) { req.Priority = -1 })
	check(func(req *types.TaskRequest) { req.Priority = types.MAX_PRIORITY + 1 })
	check(func(req *types.TaskRequest) { req.Priority = types.TERMINATE_PRIORITY })
	check(func(req *types.TaskRequest) { req.Properties.Command = nil })
	check(func(req *types.TaskRequest) {
		delete(req.Properties.Dimensions, types.DIMENSION_POOL_KEY)
	})
	check(func(req *types.TaskRequest) { req.Properties.Dimensions["os"] = nil })
	check(func(req *types.TaskRequest) { req.Properties.Dimensions["os"] = []string{""} })
	check(func(req *types.TaskRequest) { req.Properties.HardTimeoutSecs = 0 })
	check(func(req *types.TaskRequest) { req.Properties.HardTimeoutSecs = MAX_TIMEOUT_SECS + 1 })
	check(func(req *types.TaskRequest) { req.Properties.IoTimeoutSecs = -1 })
	check(func(req *types.TaskRequest) { req.Properties.GracePeriodSecs = -1 })
	check(func(req *types.TaskRequest) { req.Expiration = time.Time{} })
	check(func(req *types.TaskRequest) { req.Expiration = now.Now(ctx).UTC().Add(-time.Minute) })
	check(func(req *types.TaskRequest) { req.Expiration = now.Now(ctx).UTC().Add(MAX_EXPIRATION + time.Hour) })
}

func TestScheduleAndClaim(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, _, s := setup(t)
	defer testutils.AssertCloses(t, d)

	// Submit with no bots: the task is PENDING and indexed under its pool.
	req, summary := scheduleRequest(t, ctx, s, "build", defaultDims())
	assert.Equal(t, types.TASK_STATE_PENDING, summary.State)
	assert.Equal(t, 0, summary.TryNumber)
	assert.NotEqual(t, int64(0), summary.RequestId)
	assert.Equal(t, map[string]int{"P": 1}, s.PendingCounts())

	// The stored request carries the automatic tags, sorted.
	stored, err := s.db.GetTaskRequest(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, []string{
		"pool:P",
		"priority:100",
		"service_account:none",
		"user:user@example.com",
	}, stored.Tags)

	// A quarantined bot gets nothing even though it matches.
	bots.addBot("quarantined-bot", true)
	manifest, err := s.BotClaim(ctx, "quarantined-bot", map[string][]string{
		types.DIMENSION_POOL_KEY: {"P"},
		"os":                     {"L"},
	})
	assert.NoError(t, err)
	assert.Nil(t, manifest)

	// An unknown bot gets nothing.
	manifest, err = s.BotClaim(ctx, "stranger", defaultDims())
	assert.NoError(t, err)
	assert.Nil(t, manifest)

	// A bot without a pool dimension gets nothing.
	bots.addBot("A", false)
	manifest, err = s.BotClaim(ctx, "A", map[string][]string{"os": {"L"}})
	assert.NoError(t, err)
	assert.Nil(t, manifest)

	// A matching bot claims the task.
	ctx.AdvanceTime(time.Second)
	manifest, err = s.BotClaim(ctx, "A", map[string][]string{
		types.DIMENSION_POOL_KEY: {"P"},
		"os":                     {"L"},
		"cpu":                    {"x86"},
	})
	assert.NoError(t, err)
	assert.NotNil(t, manifest)
	assert.Equal(t, ids.PackRun(req.Id, 1), manifest.TaskId)
	assert.Equal(t, 1, manifest.TryNumber)
	assert.Equal(t, []string{"echo", "hi"}, manifest.Command)
	assert.Equal(t, int64(3600), manifest.HardTimeoutSecs)

	// The claim emptied the index, started the run, and assigned the bot.
	assert.Equal(t, map[string]int{}, s.PendingCounts())
	claimed, err := s.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_RUNNING, claimed.State)
	assert.Equal(t, 1, claimed.TryNumber)
	assert.Equal(t, "A", claimed.BotId)
	assert.Equal(t, manifest.TaskId, claimed.CurrentRunId)
	assert.Equal(t, manifest.TaskId, bots.taskId("A"))
	assert.Equal(t, []types.BotEventType{types.BOT_EVENT_CLAIMED}, bots.eventTypes("A"))

	// Nothing left for the next poller.
	bots.addBot("B", false)
	manifest, err = s.BotClaim(ctx, "B", defaultDims())
	assert.NoError(t, err)
	assert.Nil(t, manifest)
}

func TestBotUpdateLifecycle(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, notifier, s := setup(t)
	defer testutils.AssertCloses(t, d)

	req, _ := scheduleRequest(t, ctx, s, "build", defaultDims())
	bots.addBot("A", false)
	manifest, err := s.BotClaim(ctx, "A", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)
	runId := manifest.TaskId

	// Intermediate update with an output chunk.
	ctx.AdvanceTime(time.Second)
	mustStop, err := s.BotUpdate(ctx, runId, &types.BotTaskUpdate{
		CostUsd:          0.005,
		Output:           []byte("hello "),
		OutputChunkStart: 0,
	})
	assert.NoError(t, err)
	assert.False(t, mustStop)

	// A replayed chunk is accepted without growing the stream.
	mustStop, err = s.BotUpdate(ctx, runId, &types.BotTaskUpdate{
		CostUsd:          0.005,
		Output:           []byte("hello "),
		OutputChunkStart: 0,
	})
	assert.NoError(t, err)
	assert.False(t, mustStop)

	// A gap is rejected and changes nothing.
	_, err = s.BotUpdate(ctx, runId, &types.BotTaskUpdate{
		CostUsd:          0.006,
		Output:           []byte("lost"),
		OutputChunkStart: 100,
	})
	assert.True(t, db.IsChunkGap(err))

	// Final update completes the run and releases the bot.
	ctx.AdvanceTime(time.Second)
	exit := int64(0)
	duration := 1.5
	mustStop, err = s.BotUpdate(ctx, runId, &types.BotTaskUpdate{
		CostUsd:          0.01,
		Output:           []byte("world\n"),
		OutputChunkStart: 6,
		ExitCode:         &exit,
		DurationSecs:     &duration,
	})
	assert.NoError(t, err)
	assert.False(t, mustStop)

	summary, err := s.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_COMPLETED, summary.State)
	assert.Equal(t, int64(0), summary.ExitCode)
	assert.False(t, summary.Failure)
	assert.False(t, util.TimeIsZero(summary.Completed))
	assert.Equal(t, 0.01, summary.CostUsd)
	assert.Equal(t, int64(12), summary.OutputSize)
	run, err := s.db.GetTaskRun(ctx, req.Id, 1)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_COMPLETED, run.State)
	assert.Equal(t, 1.5, run.DurationSecs)
	output, err := s.db.GetOutput(ctx, runId)
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello world\n"), output)

	// The bot is idle again and its history shows claim + completion.
	assert.Equal(t, "", bots.taskId("A"))
	assert.Equal(t, []types.BotEventType{
		types.BOT_EVENT_CLAIMED,
		types.BOT_EVENT_TASK_COMPLETED,
	}, bots.eventTypes("A"))

	// No notification: the request did not ask for one.
	assert.Empty(t, notifier.notified())

	// A duplicate final update is acknowledged without another transition.
	mustStop, err = s.BotUpdate(ctx, runId, &types.BotTaskUpdate{
		CostUsd:  0.01,
		ExitCode: &exit,
	})
	assert.NoError(t, err)
	assert.True(t, mustStop)
	assert.Equal(t, []types.BotEventType{
		types.BOT_EVENT_CLAIMED,
		types.BOT_EVENT_TASK_COMPLETED,
	}, bots.eventTypes("A"))
}

func TestBotUpdateFailureAndTimeout(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, _, s := setup(t)
	defer testutils.AssertCloses(t, d)
	bots.addBot("A", false)

	// Non-zero exit code marks the task failed but COMPLETED.
	req1, _ := scheduleRequest(t, ctx, s, "fails", defaultDims())
	manifest, err := s.BotClaim(ctx, "A", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)
	exit := int64(2)
	_, err = s.BotUpdate(ctx, manifest.TaskId, &types.BotTaskUpdate{ExitCode: &exit})
	assert.NoError(t, err)
	summary, err := s.db.GetTaskResult(ctx, req1.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_COMPLETED, summary.State)
	assert.True(t, summary.Failure)
	assert.Equal(t, int64(2), summary.ExitCode)

	// A timeout flag turns the final update into TIMED_OUT.
	req2, _ := scheduleRequest(t, ctx, s, "slow", defaultDims())
	manifest, err = s.BotClaim(ctx, "A", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)
	exit = int64(137)
	_, err = s.BotUpdate(ctx, manifest.TaskId, &types.BotTaskUpdate{
		ExitCode:    &exit,
		HardTimeout: true,
	})
	assert.NoError(t, err)
	summary, err = s.db.GetTaskResult(ctx, req2.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_TIMED_OUT, summary.State)
	assert.True(t, summary.Failure)
	run, err := s.db.GetTaskRun(ctx, req2.Id, 1)
	assert.NoError(t, err)
	assert.True(t, run.HardTimedOut)
	assert.False(t, util.TimeIsZero(run.Abandoned))
}

func TestMarkRunError(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, notifier, s := setup(t)
	defer testutils.AssertCloses(t, d)
	bots.addBot("A", false)

	req, _ := scheduleRequest(t, ctx, s, "doomed", defaultDims())
	manifest, err := s.BotClaim(ctx, "A", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)

	// The bot reports that it could not run the task. The failure is
	// terminal even on the first try.
	ctx.AdvanceTime(time.Second)
	assert.NoError(t, s.MarkRunError(ctx, manifest.TaskId, "failed to mount disk"))
	summary, err := s.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_BOT_DIED, summary.State)
	assert.True(t, summary.InternalFailure)
	assert.False(t, util.TimeIsZero(summary.Abandoned))
	assert.Equal(t, 1, summary.TryNumber)
	run, err := s.db.GetTaskRun(ctx, req.Id, 1)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_BOT_DIED, run.State)
	assert.True(t, run.InternalFailure)

	// The bot was released and the failure recorded in its history.
	assert.Equal(t, "", bots.taskId("A"))
	assert.Equal(t, []types.BotEventType{
		types.BOT_EVENT_CLAIMED,
		types.BOT_EVENT_TASK_COMPLETED,
	}, bots.eventTypes("A"))
	assert.Empty(t, notifier.notified())

	// Reporting again is a no-op; reporting an unknown run is not found.
	assert.NoError(t, s.MarkRunError(ctx, manifest.TaskId, "again"))
	assert.True(t, db.IsNotFound(s.MarkRunError(ctx, ids.PackRun(req.Id, 2), "no such run")))

	// Only run ids are accepted.
	err = s.MarkRunError(ctx, ids.PackSummary(req.Id), "summary id")
	assert.True(t, ids.IsInvalidTaskId(err))
}

func TestScheduleDedup(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, _, s := setup(t)
	defer testutils.AssertCloses(t, d)
	bots.addBot("A", false)

	idempotent := func(name string) *types.TaskRequest {
		return &types.TaskRequest{
			Name:       name,
			Priority:   100,
			Expiration: now.Now(ctx).UTC().Add(time.Hour),
			Properties: types.TaskProperties{
				Command:         []string{"echo", "hi"},
				Dimensions:      defaultDims(),
				HardTimeoutSecs: 3600,
				Idempotent:      true,
			},
		}
	}

	// Two equivalent idempotent requests before any completion: both run.
	s1, err := s.Schedule(ctx, idempotent("first"))
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_PENDING, s1.State)
	ctx.AdvanceTime(time.Second)
	s2, err := s.Schedule(ctx, idempotent("second"))
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_PENDING, s2.State)
	assert.Equal(t, map[string]int{"P": 2}, s.PendingCounts())

	// Complete the first successfully.
	manifest, err := s.BotClaim(ctx, "A", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)
	assert.Equal(t, ids.PackRun(s1.RequestId, 1), manifest.TaskId)
	ctx.AdvanceTime(2 * time.Second)
	exit := int64(0)
	duration := 1.5
	_, err = s.BotUpdate(ctx, manifest.TaskId, &types.BotTaskUpdate{
		CostUsd:      0.01,
		ExitCode:     &exit,
		DurationSecs: &duration,
	})
	assert.NoError(t, err)

	// An equivalent request now dedupes: COMPLETED without running, no
	// index entry, cost accounted as saved.
	ctx.AdvanceTime(time.Second)
	s3, err := s.Schedule(ctx, idempotent("third"))
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_COMPLETED, s3.State)
	assert.Equal(t, manifest.TaskId, s3.DedupedFrom)
	assert.Equal(t, manifest.TaskId, s3.CurrentRunId)
	assert.Equal(t, "A", s3.BotId)
	assert.Equal(t, int64(0), s3.ExitCode)
	assert.Equal(t, 0.01, s3.CostSavedUsd)
	assert.Equal(t, 0, s3.TryNumber)
	assert.Equal(t, map[string]int{"P": 1}, s.PendingCounts())

	// The deduped summary is durable.
	stored, err := s.db.GetTaskResult(ctx, s3.RequestId)
	assert.NoError(t, err)
	assert.True(t, stored.Deduped())

	// A non-idempotent twin still runs.
	plain := idempotent("fourth")
	plain.Properties.Idempotent = false
	s4, err := s.Schedule(ctx, plain)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_PENDING, s4.State)
}

func TestCancelPending(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, _, s := setup(t)
	defer testutils.AssertCloses(t, d)

	req, _ := scheduleRequest(t, ctx, s, "build", defaultDims())
	ok, wasRunning, err := s.Cancel(ctx, req.Id, false)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, wasRunning)

	summary, err := s.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_CANCELED, summary.State)
	assert.False(t, util.TimeIsZero(summary.Abandoned))
	assert.Equal(t, map[string]int{}, s.PendingCounts())

	// Canceling again is refused without error.
	ok, wasRunning, err = s.Cancel(ctx, req.Id, false)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, wasRunning)

	// Unknown task.
	_, _, err = s.Cancel(ctx, req.Id+1, false)
	assert.True(t, db.IsNotFound(err))

	// The canceled task is unclaimable.
	bots.addBot("A", false)
	manifest, err := s.BotClaim(ctx, "A", defaultDims())
	assert.NoError(t, err)
	assert.Nil(t, manifest)
}

func TestCancelRunning(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, _, s := setup(t)
	defer testutils.AssertCloses(t, d)
	bots.addBot("A", false)

	req, _ := scheduleRequest(t, ctx, s, "build", defaultDims())
	manifest, err := s.BotClaim(ctx, "A", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)

	// Without killRunning a running task is left alone.
	ok, wasRunning, err := s.Cancel(ctx, req.Id, false)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, wasRunning)

	// With killRunning the kill marker is set cooperatively.
	ok, wasRunning, err = s.Cancel(ctx, req.Id, true)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, wasRunning)
	summary, err := s.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_RUNNING, summary.State)
	assert.True(t, summary.Killing)

	// The bot learns about the kill on its next update.
	mustStop, err := s.BotUpdate(ctx, manifest.TaskId, &types.BotTaskUpdate{CostUsd: 0.001})
	assert.NoError(t, err)
	assert.True(t, mustStop)

	// The bot acknowledges by reporting its final update.
	ctx.AdvanceTime(time.Second)
	exit := int64(137)
	mustStop, err = s.BotUpdate(ctx, manifest.TaskId, &types.BotTaskUpdate{ExitCode: &exit})
	assert.NoError(t, err)
	assert.False(t, mustStop)
	summary, err = s.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_KILLED, summary.State)
	assert.False(t, summary.Killing)
	assert.Equal(t, "", bots.taskId("A"))
	assert.Equal(t, []types.BotEventType{
		types.BOT_EVENT_CLAIMED,
		types.BOT_EVENT_TASK_KILLED,
	}, bots.eventTypes("A"))
}

func TestBulkCancel(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, _, s := setup(t)
	defer testutils.AssertCloses(t, d)
	bots.addBot("A", false)

	mkReq := func(name string, tags []string) *types.TaskRequest {
		return &types.TaskRequest{
			Name:       name,
			Priority:   100,
			Tags:       tags,
			Expiration: now.Now(ctx).UTC().Add(time.Hour),
			Properties: types.TaskProperties{
				Command:         []string{"echo", "hi"},
				Dimensions:      defaultDims(),
				HardTimeoutSecs: 3600,
			},
		}
	}
	// The oldest submission goes to RUNNING; a plain bulk cancel must skip
	// it.
	running, err := s.Schedule(ctx, mkReq("d", []string{"build:linux", "ci:1"}))
	assert.NoError(t, err)
	ctx.AdvanceTime(time.Second)
	s1, err := s.Schedule(ctx, mkReq("a", []string{"build:linux", "ci:1"}))
	assert.NoError(t, err)
	s2, err := s.Schedule(ctx, mkReq("b", []string{"build:linux", "ci:1"}))
	assert.NoError(t, err)
	s3, err := s.Schedule(ctx, mkReq("c", []string{"build:mac", "ci:1"}))
	assert.NoError(t, err)
	manifest, err := s.BotClaim(ctx, "A", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)
	assert.Equal(t, ids.PackRun(running.RequestId, 1), manifest.TaskId)
	ctx.AdvanceTime(time.Second)

	// Tag validation.
	_, _, err = s.BulkCancel(ctx, nil, false, "")
	assert.True(t, IsInvalidRequest(err))
	_, _, err = s.BulkCancel(ctx, []string{"bad"}, false, "")
	assert.True(t, IsInvalidRequest(err))

	matched, cursor, err := s.BulkCancel(ctx, []string{"build:linux", "ci:1"}, false, "")
	assert.NoError(t, err)
	assert.Equal(t, 2, matched)
	assert.Equal(t, "", cursor)
	for _, id := range []int64{s1.RequestId, s2.RequestId} {
		got, err := s.db.GetTaskResult(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, types.TASK_STATE_CANCELED, got.State)
	}

	// The mac-tagged sibling is untouched, as is the running task.
	got, err := s.db.GetTaskResult(ctx, s3.RequestId)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_PENDING, got.State)
	got, err = s.db.GetTaskResult(ctx, running.RequestId)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_RUNNING, got.State)
	assert.False(t, got.Killing)

	// killRunning extends the sweep to the running task.
	matched, _, err = s.BulkCancel(ctx, []string{"build:linux", "ci:1"}, true, "")
	assert.NoError(t, err)
	assert.Equal(t, 1, matched)
	got, err = s.db.GetTaskResult(ctx, running.RequestId)
	assert.NoError(t, err)
	assert.True(t, got.Killing)
}

func TestBulkCancelResumeCursor(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, _, s := setup(t)
	defer testutils.AssertCloses(t, d)
	bots.addBot("A", false)

	mkReq := func(name string) *types.TaskRequest {
		return &types.TaskRequest{
			Name:       name,
			Priority:   100,
			Tags:       []string{"build:linux"},
			Expiration: now.Now(ctx).UTC().Add(time.Hour),
			Properties: types.TaskProperties{
				Command:         []string{"echo", "hi"},
				Dimensions:      defaultDims(),
				HardTimeoutSecs: 3600,
			},
		}
	}
	running, err := s.Schedule(ctx, mkReq("r"))
	assert.NoError(t, err)
	ctx.AdvanceTime(time.Second)
	pending, err := s.Schedule(ctx, mkReq("p"))
	assert.NoError(t, err)
	manifest, err := s.BotClaim(ctx, "A", defaultDims())
	assert.NoError(t, err)
	assert.Equal(t, ids.PackRun(running.RequestId, 1), manifest.TaskId)
	ctx.AdvanceTime(time.Second)

	// Cursors carry the sweep phase which produced them.
	state, cur, err := decodeBulkCursor(encodeBulkCursor(types.TASK_STATE_RUNNING, "abc"))
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_RUNNING, state)
	assert.Equal(t, "abc", cur)

	// A cursor resuming the RUNNING phase skips the PENDING phase
	// entirely, so it cannot replay a PENDING position against the
	// RUNNING scan.
	matched, cursor, err := s.BulkCancel(ctx, []string{"build:linux"}, true, encodeBulkCursor(types.TASK_STATE_RUNNING, ""))
	assert.NoError(t, err)
	assert.Equal(t, 1, matched)
	assert.Equal(t, "", cursor)
	got, err := s.db.GetTaskResult(ctx, pending.RequestId)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_PENDING, got.State)
	got, err = s.db.GetTaskResult(ctx, running.RequestId)
	assert.NoError(t, err)
	assert.True(t, got.Killing)

	// A RUNNING-phase cursor without killRunning cannot be resumed.
	_, _, err = s.BulkCancel(ctx, []string{"build:linux"}, false, encodeBulkCursor(types.TASK_STATE_RUNNING, ""))
	assert.True(t, db.IsInvalidCursor(skerr.Unwrap(err)))

	// Cursors without a phase are rejected.
	_, _, err = s.BulkCancel(ctx, []string{"build:linux"}, false, "bogus")
	assert.True(t, db.IsInvalidCursor(skerr.Unwrap(err)))
}

func TestExpireTasks(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, _, notifier, s := setup(t)
	defer testutils.AssertCloses(t, d)

	// One short-lived task, one long-lived.
	short := &types.TaskRequest{
		Name:        "short",
		Priority:    100,
		Expiration:  now.Now(ctx).UTC().Add(time.Second),
		PubSubTopic: "projects/x/topics/done",
		Properties: types.TaskProperties{
			Command:         []string{"echo", "hi"},
			Dimensions:      defaultDims(),
			HardTimeoutSecs: 3600,
		},
	}
	shortSummary, err := s.Schedule(ctx, short)
	assert.NoError(t, err)
	_, longSummary := scheduleRequest(t, ctx, s, "long", defaultDims())

	// Nothing to expire yet.
	n, err := s.ExpireTasks(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	// Two seconds later the short task expires and is unindexed; the
	// notification goes out because the request asked for one.
	ctx.AdvanceTime(2 * time.Second)
	n, err = s.ExpireTasks(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := s.db.GetTaskResult(ctx, shortSummary.RequestId)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_EXPIRED, got.State)
	assert.False(t, util.TimeIsZero(got.Abandoned))
	assert.Equal(t, map[string]int{"P": 1}, s.PendingCounts())
	assert.Equal(t, []string{ids.PackSummary(shortSummary.RequestId)}, notifier.notified())

	got, err = s.db.GetTaskResult(ctx, longSummary.RequestId)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_PENDING, got.State)

	// The sweep is idempotent.
	n, err = s.ExpireTasks(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepBotDeaths(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, _, s := setup(t)
	defer testutils.AssertCloses(t, d)
	bots.addBot("B", false)

	req, _ := scheduleRequest(t, ctx, s, "build", defaultDims())
	manifest, err := s.BotClaim(ctx, "B", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)

	// The bot reports an output chunk, then goes silent.
	_, err = s.BotUpdate(ctx, manifest.TaskId, &types.BotTaskUpdate{
		Output:           []byte("hi\n"),
		OutputChunkStart: 0,
	})
	assert.NoError(t, err)

	// A live run is left alone.
	retried, died, err := s.SweepBotDeaths(ctx, 10*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 0, retried)
	assert.Equal(t, 0, died)

	// After the timeout the run is reaped and the summary goes back to
	// PENDING for a second try.
	ctx.AdvanceTime(11 * time.Minute)
	retried, died, err = s.SweepBotDeaths(ctx, 10*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 1, retried)
	assert.Equal(t, 0, died)

	run1, err := s.db.GetTaskRun(ctx, req.Id, 1)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_BOT_DIED, run1.State)
	assert.True(t, run1.InternalFailure)
	summary, err := s.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_PENDING, summary.State)
	assert.Equal(t, 1, summary.TryNumber)
	assert.Equal(t, "", summary.BotId)
	assert.Equal(t, "", summary.CurrentRunId)
	assert.Equal(t, "", bots.taskId("B"))
	assert.Equal(t, map[string]int{"P": 1}, s.PendingCounts())

	// The next claim yields try 2, and the first try's output survives.
	bots.addBot("C", false)
	manifest, err = s.BotClaim(ctx, "C", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)
	assert.Equal(t, ids.PackRun(req.Id, 2), manifest.TaskId)
	assert.Equal(t, 2, manifest.TryNumber)
	output, err := s.db.GetOutput(ctx, ids.PackRun(req.Id, 1))
	assert.NoError(t, err)
	assert.Equal(t, []byte("hi\n"), output)

	// A second death is terminal.
	ctx.AdvanceTime(11 * time.Minute)
	retried, died, err = s.SweepBotDeaths(ctx, 10*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 0, retried)
	assert.Equal(t, 1, died)
	summary, err = s.db.GetTaskResult(ctx, req.Id)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_BOT_DIED, summary.State)
	assert.True(t, summary.InternalFailure)
	assert.Equal(t, 2, summary.TryNumber)
	run2, err := s.db.GetTaskRun(ctx, req.Id, 2)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_BOT_DIED, run2.State)
}

func TestTerminateBot(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, _, s := setup(t)
	defer testutils.AssertCloses(t, d)
	bots.addBot("A", false)
	bots.addBot("B", false)

	// A regular task is queued ahead of the termination request.
	scheduleRequest(t, ctx, s, "build", defaultDims())

	summary, err := s.TerminateBot(ctx, "A", "admin@example.com")
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_PENDING, summary.State)
	req, err := s.db.GetTaskRequest(ctx, summary.RequestId)
	assert.NoError(t, err)
	assert.True(t, req.IsTerminate())
	assert.Equal(t, "", req.Pool())

	// Bot A gets the termination task first despite its later creation;
	// the empty command marks it.
	manifest, err := s.BotClaim(ctx, "A", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)
	assert.Equal(t, ids.PackRun(summary.RequestId, 1), manifest.TaskId)
	assert.Empty(t, manifest.Command)

	// The bot acknowledges; the task completes and the event history
	// records the termination.
	exit := int64(0)
	mustStop, err := s.BotUpdate(ctx, manifest.TaskId, &types.BotTaskUpdate{ExitCode: &exit})
	assert.NoError(t, err)
	assert.False(t, mustStop)
	got, err := s.db.GetTaskResult(ctx, summary.RequestId)
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_COMPLETED, got.State)
	assert.Equal(t, []types.BotEventType{
		types.BOT_EVENT_CLAIMED,
		types.BOT_EVENT_TERMINATED,
	}, bots.eventTypes("A"))

	// Bot B is unaffected and picks up the regular task.
	manifest, err = s.BotClaim(ctx, "B", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)
	assert.NotEmpty(t, manifest.Command)

	// Bot id is required.
	_, err = s.TerminateBot(ctx, "", "admin@example.com")
	assert.True(t, IsInvalidRequest(err))
}

func TestClaimRace(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, _, s := setup(t)
	defer testutils.AssertCloses(t, d)

	req, _ := scheduleRequest(t, ctx, s, "build", defaultDims())

	// Another scheduler instance (same store, separate index) claims the
	// task first: this instance's index entry is stale.
	other, err := New(ctx, d, bots, dedup.New(d, 0), nil)
	assert.NoError(t, err)
	bots.addBot("A", false)
	bots.addBot("B", false)
	manifest, err := other.BotClaim(ctx, "A", defaultDims())
	assert.NoError(t, err)
	assert.NotNil(t, manifest)

	// The stale entry is dropped, not handed out, and the race never
	// surfaces as an error.
	manifest, err = s.BotClaim(ctx, "B", defaultDims())
	assert.NoError(t, err)
	assert.Nil(t, manifest)
	assert.Equal(t, map[string]int{}, s.PendingCounts())

	// Exactly one run exists.
	run, err := s.db.GetTaskRun(ctx, req.Id, 1)
	assert.NoError(t, err)
	assert.Equal(t, "A", run.BotId)
	run2, err := s.db.GetTaskRun(ctx, req.Id, 2)
	assert.NoError(t, err)
	assert.Nil(t, run2)
}

func TestRebuildIndex(t *testing.T) {
	unittest.SmallTest(t)
	ctx, d, bots, _, s := setup(t)
	defer testutils.AssertCloses(t, d)

	req, _ := scheduleRequest(t, ctx, s, "build", defaultDims())

	// A fresh scheduler over the same store sees the pending task.
	s2, err := New(ctx, d, bots, dedup.New(d, 0), nil)
	assert.NoError(t, err)
	assert.Equal(t, map[string]int{"P": 1}, s2.PendingCounts())

	// RebuildIndex heals an index which lost an entry.
	s2.pending.Remove(req.Id)
	assert.Equal(t, map[string]int{}, s2.PendingCounts())
	assert.NoError(t, s2.RebuildIndex(ctx))
	assert.Equal(t, map[string]int{"P": 1}, s2.PendingCounts())
}
