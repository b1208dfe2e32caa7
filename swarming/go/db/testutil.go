package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.skia.org/swarming/go/sktest"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/types"
)

const DEFAULT_TEST_POOL = "default"

// AssertDeepEqual does a deep equals comparison using the sktest.TestingT interface.
//
// Callers of these test utils should assign a value to AssertDeepEqual beforehand, e.g.:
//
//	AssertDeepEqual = testutils.AssertDeepEqual
//
// This is necessary to break the hard linking of this file to the "testing" module.
var AssertDeepEqual func(t sktest.TestingT, expected, actual interface{})

// MakeTestRequest returns a valid task request created at the given time. The
// id is left unset; callers use TaskDB.AssignId.
func MakeTestRequest(ts time.Time, name string) *types.TaskRequest {
	return &types.TaskRequest{
		Name:            name,
		PoolFingerprint: types.PoolFingerprint(DEFAULT_TEST_POOL),
		User:            "user@example.com",
		Authenticated:   "user:user@example.com",
		Priority:        50,
		Created:         ts,
		Expiration:      ts.Add(time.Hour),
		Properties: types.TaskProperties{
			Command: []string{"echo", "hi"},
			Dimensions: map[string][]string{
				types.DIMENSION_POOL_KEY: {DEFAULT_TEST_POOL},
				"os":                     {"Linux"},
			},
			HardTimeoutSecs: 3600,
			IoTimeoutSecs:   1200,
			GracePeriodSecs: 30,
		},
		Tags: []string{"pool:" + DEFAULT_TEST_POOL, "name:" + name},
	}
}

// MakeTestSummary returns the PENDING result summary for the given request,
// as the scheduler would create it alongside the request.
func MakeTestSummary(req *types.TaskRequest) *types.TaskResultSummary {
	return &types.TaskResultSummary{
		RequestId: req.Id,
		Name:      req.Name,
		Tags:      util.CopyStringSlice(req.Tags),
		State:     types.TASK_STATE_PENDING,
		Created:   req.Created,
		Modified:  req.Created,
	}
}

// putTestTask assigns an id to the given request and inserts it together with
// its summary. Returns the summary.
func putTestTask(t sktest.TestingT, ctx context.Context, d TaskDB, req *types.TaskRequest) *types.TaskResultSummary {
	assert.NoError(t, d.AssignId(ctx, req))
	summary := MakeTestSummary(req)
	assert.NoError(t, d.PutNewTask(ctx, req, summary))
	return summary
}

// claimTestTask claims the given pending task for a bot, creating the run for
// the given try.
func claimTestTask(t sktest.TestingT, ctx context.Context, d TaskDB, id int64, botId string, try int) (*types.TaskResultSummary, *types.TaskRunResult) {
	claimTs := time.Now().UTC()
	summary, run, err := d.ClaimTask(ctx, id, func(s *types.TaskResultSummary) (*types.TaskRunResult, error) {
		s.State = types.TASK_STATE_RUNNING
		s.TryNumber = try
		s.BotId = botId
		s.Started = claimTs
		s.Modified = claimTs
		s.CurrentRunId = ids.PackRun(id, try)
		return &types.TaskRunResult{
			RequestId: id,
			TryNumber: try,
			BotId:     botId,
			State:     types.TASK_STATE_RUNNING,
			Started:   claimTs,
			Modified:  claimTs,
		}, nil
	})
	assert.NoError(t, err)
	return summary, run
}

// TestTaskDB performs basic tests for an implementation of TaskDB.
func TestTaskDB(t sktest.TestingT, d TaskDB) {
	ctx := context.Background()

	_, err := d.GetModifiedTasks("dummy-id")
	assert.True(t, IsUnknownId(err))
	_, err = d.GetModifiedTasksGOB("dummy-id")
	assert.True(t, IsUnknownId(err))

	id, err := d.StartTrackingModifiedTasks()
	assert.NoError(t, err)

	tasks, err := d.GetModifiedTasks(id)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(tasks))

	timeStart := time.Now().UTC()
	r1 := MakeTestRequest(timeStart.Add(time.Nanosecond), "Test-Task")

	// AssignId should fill in r1.Id.
	assert.Equal(t, int64(0), r1.Id)
	assert.NoError(t, d.AssignId(ctx, r1))
	assert.NotEqual(t, int64(0), r1.Id)

	// Inserting a request without an assigned id is not allowed.
	orphan := MakeTestRequest(timeStart, "Orphan")
	err = d.PutNewTask(ctx, orphan, MakeTestSummary(orphan))
	assert.True(t, IsUnknownId(err))

	// Task doesn't exist in the DB yet.
	noReq, err := d.GetTaskRequest(ctx, r1.Id)
	assert.NoError(t, err)
	assert.Nil(t, noReq)
	noSummary, err := d.GetTaskResult(ctx, r1.Id)
	assert.NoError(t, err)
	assert.Nil(t, noSummary)
	noRun, err := d.GetTaskRun(ctx, r1.Id, 1)
	assert.NoError(t, err)
	assert.Nil(t, noRun)

	// Insert the task.
	s1 := MakeTestSummary(r1)
	assert.NoError(t, d.PutNewTask(ctx, r1, s1))

	// Check that DbModified was set.
	assert.False(t, util.TimeIsZero(s1.DbModified))

	// Request and summary can now be retrieved by id.
	r1Again, err := d.GetTaskRequest(ctx, r1.Id)
	assert.NoError(t, err)
	AssertDeepEqual(t, r1, r1Again)
	s1Again, err := d.GetTaskResult(ctx, r1.Id)
	assert.NoError(t, err)
	AssertDeepEqual(t, s1, s1Again)

	// Returned records are copies; mutating them must not affect the store.
	r1Again.Name = "mutated"
	s1Again.State = types.TASK_STATE_KILLED
	r1Fresh, err := d.GetTaskRequest(ctx, r1.Id)
	assert.NoError(t, err)
	AssertDeepEqual(t, r1, r1Fresh)
	s1Fresh, err := d.GetTaskResult(ctx, r1.Id)
	assert.NoError(t, err)
	AssertDeepEqual(t, s1, s1Fresh)

	// Ensure that the task shows up in the modified list.
	tasks, err = d.GetModifiedTasks(id)
	assert.NoError(t, err)
	AssertDeepEqual(t, []*types.TaskResultSummary{s1}, tasks)

	// Ensure that the task shows up in the correct date ranges.
	t1Before := r1.Created
	t1After := t1Before.Add(time.Nanosecond)
	timeEnd := timeStart.Add(2 * time.Nanosecond)
	tasks, err = d.GetTasksFromDateRange(ctx, timeStart, t1Before)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(tasks))
	tasks, err = d.GetTasksFromDateRange(ctx, t1Before, t1After)
	assert.NoError(t, err)
	AssertDeepEqual(t, []*types.TaskResultSummary{s1}, tasks)
	tasks, err = d.GetTasksFromDateRange(ctx, t1After, timeEnd)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(tasks))

	// The task is pending.
	tasks, err = d.GetPendingTasks(ctx)
	assert.NoError(t, err)
	AssertDeepEqual(t, []*types.TaskResultSummary{s1}, tasks)

	// Update the summary.
	prevModified := s1.DbModified
	s1.State = types.TASK_STATE_CANCELED
	s1.Abandoned = time.Now().UTC()
	s1.Modified = s1.Abandoned
	assert.NoError(t, d.UpdateTaskSummary(ctx, s1))
	assert.True(t, s1.DbModified.After(prevModified))
	s1Again, err = d.GetTaskResult(ctx, r1.Id)
	assert.NoError(t, err)
	AssertDeepEqual(t, s1, s1Again)

	// No longer pending.
	tasks, err = d.GetPendingTasks(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(tasks))

	// The update shows up in the modified list, GOB included.
	tasks, err = d.GetModifiedTasks(id)
	assert.NoError(t, err)
	AssertDeepEqual(t, []*types.TaskResultSummary{s1}, tasks)
	s1.Killing = true
	assert.NoError(t, d.UpdateTaskSummary(ctx, s1))
	gob, err := d.GetModifiedTasksGOB(id)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(gob))
	_, ok := gob[ids.Key(r1.Id)]
	assert.True(t, ok)

	// Re-inserting an existing task is not allowed.
	err = d.PutNewTask(ctx, r1, MakeTestSummary(r1))
	assert.True(t, IsAlreadyExists(err))

	// Updating a nonexistent summary is not allowed.
	ghost := MakeTestSummary(r1)
	ghost.RequestId = r1.Id + 1
	err = d.UpdateTaskSummary(ctx, ghost)
	assert.True(t, IsNotFound(err))

	d.StopTrackingModifiedTasks(id)
	_, err = d.GetModifiedTasks(id)
	assert.True(t, IsUnknownId(err))
}

// TestTaskDBTooManyUsers tests that TaskDB imposes a limit on the number of
// modified-tasks subscribers.
func TestTaskDBTooManyUsers(t sktest.TestingT, d TaskDB) {
	var oneId string
	// Max out the number of modified-tasks users; ensure that we error out.
	for i := 0; i < MAX_MODIFIED_DATA_USERS; i++ {
		id, err := d.StartTrackingModifiedTasks()
		assert.NoError(t, err)
		oneId = id
	}
	_, err := d.StartTrackingModifiedTasks()
	assert.True(t, IsTooManyUsers(err))

	// Stop tracking for one id and try again.
	d.StopTrackingModifiedTasks(oneId)
	_, err = d.StartTrackingModifiedTasks()
	assert.NoError(t, err)
}

// TestTaskDBConcurrentUpdate tests that TaskDB rejects writes against stale
// copies of its records.
func TestTaskDBConcurrentUpdate(t sktest.TestingT, d TaskDB) {
	ctx := context.Background()

	// Insert a task.
	r1 := MakeTestRequest(time.Now().UTC(), "Test-Task")
	s1 := putTestTask(t, ctx, d, r1)

	// Retrieve a copy of the summary.
	s1Cached, err := d.GetTaskResult(ctx, r1.Id)
	assert.NoError(t, err)
	AssertDeepEqual(t, s1, s1Cached)

	// Update the original summary.
	s1.Killing = true
	assert.NoError(t, d.UpdateTaskSummary(ctx, s1))

	// Update the cached copy; should get a concurrent update error.
	s1Cached.State = types.TASK_STATE_CANCELED
	err = d.UpdateTaskSummary(ctx, s1Cached)
	assert.True(t, IsConcurrentUpdate(err))

	{
		// DB should still have the old value of s1.
		s1Again, err := d.GetTaskResult(ctx, r1.Id)
		assert.NoError(t, err)
		AssertDeepEqual(t, s1, s1Again)
	}

	// Claim the task to create a run, then make a stale copy of the run.
	s1Claimed, run1 := claimTestTask(t, ctx, d, r1.Id, "bot-1", 1)
	runCached := run1.Copy()
	run1.CostUsd = 0.25
	assert.NoError(t, d.UpdateTaskRun(ctx, run1))

	runCached.CostUsd = 0.75
	err = d.UpdateTaskRun(ctx, runCached)
	assert.True(t, IsConcurrentUpdate(err))

	{
		// DB should still have the old value of run1.
		runAgain, err := d.GetTaskRun(ctx, r1.Id, 1)
		assert.NoError(t, err)
		AssertDeepEqual(t, run1, runAgain)
	}

	// UpdateTaskAndRun fails as a unit when either record is stale.
	err = d.UpdateTaskAndRun(ctx, s1Claimed, runCached)
	assert.True(t, IsConcurrentUpdate(err))
	{
		// Neither record changed.
		s1Again, err := d.GetTaskResult(ctx, r1.Id)
		assert.NoError(t, err)
		AssertDeepEqual(t, s1Claimed, s1Again)
		runAgain, err := d.GetTaskRun(ctx, r1.Id, 1)
		assert.NoError(t, err)
		AssertDeepEqual(t, run1, runAgain)
	}

	// With both records fresh the update goes through and both stamps move.
	prevSummaryStamp := s1Claimed.DbModified
	prevRunStamp := run1.DbModified
	s1Claimed.CostUsd = 0.25
	run1.DurationSecs = 1.5
	assert.NoError(t, d.UpdateTaskAndRun(ctx, s1Claimed, run1))
	assert.True(t, s1Claimed.DbModified.After(prevSummaryStamp))
	assert.True(t, run1.DbModified.After(prevRunStamp))
}

// TestUpdateTaskWithRetries tests the UpdateTask*WithRetries helpers against
// an implementation of TaskDB.
func TestUpdateTaskWithRetries(t sktest.TestingT, d TaskDB) {
	ctx := context.Background()

	r1 := MakeTestRequest(time.Now().UTC(), "Test-Task")
	putTestTask(t, ctx, d, r1)

	// Simple case: no conflicts.
	s1, err := UpdateTaskSummaryWithRetries(ctx, d, r1.Id, func(s *types.TaskResultSummary) error {
		s.Killing = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, s1.Killing)
	s1Again, err := d.GetTaskResult(ctx, r1.Id)
	assert.NoError(t, err)
	AssertDeepEqual(t, s1, s1Again)

	// An error returned by fn is passed through without retrying.
	callCount := 0
	expectedErr := fmt.Errorf("Splines cannot be reticulated.")
	_, err = UpdateTaskSummaryWithRetries(ctx, d, r1.Id, func(s *types.TaskResultSummary) error {
		callCount++
		return expectedErr
	})
	assert.Equal(t, expectedErr, err)
	assert.Equal(t, 1, callCount)

	// Conflicts are retried with a fresh copy. Inject conflicts by updating
	// the task from inside fn for the first two attempts.
	callCount = 0
	s1, err = UpdateTaskSummaryWithRetries(ctx, d, r1.Id, func(s *types.TaskResultSummary) error {
		callCount++
		if callCount < 3 {
			conflict, err := d.GetTaskResult(ctx, r1.Id)
			assert.NoError(t, err)
			conflict.CostUsd += 0.01
			assert.NoError(t, d.UpdateTaskSummary(ctx, conflict))
		}
		s.CostSavedUsd = 0.5
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
	assert.Equal(t, 0.5, s1.CostSavedUsd)
	// The injected conflict from attempt 2 is visible in the final copy.
	assert.Equal(t, 0.02, s1.CostUsd)

	// Persistent conflicts exhaust the retries.
	callCount = 0
	_, err = UpdateTaskSummaryWithRetries(ctx, d, r1.Id, func(s *types.TaskResultSummary) error {
		callCount++
		conflict, err := d.GetTaskResult(ctx, r1.Id)
		assert.NoError(t, err)
		conflict.CostUsd += 0.01
		assert.NoError(t, d.UpdateTaskSummary(ctx, conflict))
		return nil
	})
	assert.True(t, IsConcurrentUpdate(err))
	assert.Equal(t, NUM_RETRIES, callCount)

	// Unknown id.
	_, err = UpdateTaskSummaryWithRetries(ctx, d, r1.Id+1, func(s *types.TaskResultSummary) error {
		return nil
	})
	assert.True(t, IsNotFound(err))

	// The summary-and-run variant updates both records together.
	claimTestTask(t, ctx, d, r1.Id, "bot-1", 1)
	s1, run1, err := UpdateTaskAndRunWithRetries(ctx, d, r1.Id, 1, func(s *types.TaskResultSummary, r *types.TaskRunResult) error {
		s.State = types.TASK_STATE_COMPLETED
		s.ExitCode = 0
		r.State = types.TASK_STATE_COMPLETED
		r.ExitCode = 0
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, types.TASK_STATE_COMPLETED, s1.State)
	assert.Equal(t, types.TASK_STATE_COMPLETED, run1.State)
	runAgain, err := d.GetTaskRun(ctx, r1.Id, 1)
	assert.NoError(t, err)
	AssertDeepEqual(t, run1, runAgain)

	// Unknown try.
	_, _, err = UpdateTaskAndRunWithRetries(ctx, d, r1.Id, 2, func(s *types.TaskResultSummary, r *types.TaskRunResult) error {
		return nil
	})
	assert.True(t, IsNotFound(err))
}

// TestTaskDBClaimTask tests the transactional claim operation.
func TestTaskDBClaimTask(t sktest.TestingT, d TaskDB) {
	ctx := context.Background()

	r1 := MakeTestRequest(time.Now().UTC(), "Test-Task")
	s1 := putTestTask(t, ctx, d, r1)

	// Claiming a nonexistent task fails.
	_, _, err := d.ClaimTask(ctx, r1.Id+1, func(s *types.TaskResultSummary) (*types.TaskRunResult, error) {
		return nil, nil
	})
	assert.True(t, IsNotFound(err))

	// An error returned by fn aborts the claim; nothing is persisted.
	expectedErr := fmt.Errorf("Changed my mind.")
	_, _, err = d.ClaimTask(ctx, r1.Id, func(s *types.TaskResultSummary) (*types.TaskRunResult, error) {
		s.State = types.TASK_STATE_RUNNING
		return nil, expectedErr
	})
	assert.Equal(t, expectedErr, err)
	s1Again, err := d.GetTaskResult(ctx, r1.Id)
	assert.NoError(t, err)
	AssertDeepEqual(t, s1, s1Again)
	noRun, err := d.GetTaskRun(ctx, r1.Id, 1)
	assert.NoError(t, err)
	assert.Nil(t, noRun)

	// A successful claim persists the mutated summary and the new run.
	s1Claimed, run1 := claimTestTask(t, ctx, d, r1.Id, "bot-1", 1)
	assert.Equal(t, types.TASK_STATE_RUNNING, s1Claimed.State)
	assert.Equal(t, 1, s1Claimed.TryNumber)
	assert.Equal(t, "bot-1", s1Claimed.BotId)
	assert.False(t, util.TimeIsZero(s1Claimed.DbModified))
	assert.False(t, util.TimeIsZero(run1.DbModified))
	s1Again, err = d.GetTaskResult(ctx, r1.Id)
	assert.NoError(t, err)
	AssertDeepEqual(t, s1Claimed, s1Again)
	runAgain, err := d.GetTaskRun(ctx, r1.Id, 1)
	assert.NoError(t, err)
	AssertDeepEqual(t, run1, runAgain)

	// The returned records are copies.
	s1Claimed.BotId = "mutated"
	run1.BotId = "mutated"
	s1Again, err = d.GetTaskResult(ctx, r1.Id)
	assert.NoError(t, err)
	assert.Equal(t, "bot-1", s1Again.BotId)
	runAgain, err = d.GetTaskRun(ctx, r1.Id, 1)
	assert.NoError(t, err)
	assert.Equal(t, "bot-1", runAgain.BotId)

	// Claiming the same try again is not allowed.
	_, _, err = d.ClaimTask(ctx, r1.Id, func(s *types.TaskResultSummary) (*types.TaskRunResult, error) {
		return &types.TaskRunResult{
			RequestId: r1.Id,
			TryNumber: 1,
			BotId:     "bot-2",
			State:     types.TASK_STATE_RUNNING,
		}, nil
	})
	assert.True(t, IsAlreadyExists(err))

	// A second try can be created after the first.
	_, run2 := claimTestTask(t, ctx, d, r1.Id, "bot-2", 2)
	assert.Equal(t, 2, run2.TryNumber)
	run1Again, err := d.GetTaskRun(ctx, r1.Id, 1)
	assert.NoError(t, err)
	assert.Equal(t, "bot-1", run1Again.BotId)
	run2Again, err := d.GetTaskRun(ctx, r1.Id, 2)
	assert.NoError(t, err)
	AssertDeepEqual(t, run2, run2Again)
}

// TestTaskDBAppendOutput tests the output-chunk rules: appends and exact
// replays are accepted, gaps and partial overlaps are rejected.
func TestTaskDBAppendOutput(t sktest.TestingT, d TaskDB) {
	ctx := context.Background()

	r1 := MakeTestRequest(time.Now().UTC(), "Test-Task")
	putTestTask(t, ctx, d, r1)
	claimTestTask(t, ctx, d, r1.Id, "bot-1", 1)
	runId := ids.PackRun(r1.Id, 1)

	// No output yet.
	got, err := d.GetOutput(ctx, runId)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(got))

	// First chunk.
	size, err := d.AppendOutput(ctx, runId, 0, []byte("hello "))
	assert.NoError(t, err)
	assert.Equal(t, int64(6), size)

	// Append at the current size.
	size, err = d.AppendOutput(ctx, runId, 6, []byte("world\n"))
	assert.NoError(t, err)
	assert.Equal(t, int64(12), size)

	got, err = d.GetOutput(ctx, runId)
	assert.NoError(t, err)
	assert.Equal(t, "hello world\n", string(got))

	// Replaying an already-persisted chunk is accepted and changes nothing.
	size, err = d.AppendOutput(ctx, runId, 6, []byte("world\n"))
	assert.NoError(t, err)
	assert.Equal(t, int64(12), size)
	size, err = d.AppendOutput(ctx, runId, 0, []byte("hello "))
	assert.NoError(t, err)
	assert.Equal(t, int64(12), size)
	got, err = d.GetOutput(ctx, runId)
	assert.NoError(t, err)
	assert.Equal(t, "hello world\n", string(got))

	// A chunk starting past the persisted size leaves a gap.
	_, err = d.AppendOutput(ctx, runId, 20, []byte("x"))
	assert.True(t, IsChunkGap(err))

	// A chunk crossing the persisted size is a partial overlap.
	_, err = d.AppendOutput(ctx, runId, 6, []byte("world\nand more"))
	assert.True(t, IsChunkOverlap(err))

	// Rejected chunks must not change the stream.
	got, err = d.GetOutput(ctx, runId)
	assert.NoError(t, err)
	assert.Equal(t, "hello world\n", string(got))

	// Appending to an unknown run is not allowed.
	_, err = d.AppendOutput(ctx, ids.PackRun(r1.Id+1, 1), 0, []byte("x"))
	assert.True(t, IsNotFound(err))
}

// TestTaskDBDedup tests storage of dedup entries.
func TestTaskDBDedup(t sktest.TestingT, d TaskDB) {
	ctx := context.Background()
	now := time.Now().UTC()

	// Missing entry.
	e, err := d.GetDedupEntry(ctx, "deadbeef", now.Add(-time.Hour))
	assert.NoError(t, err)
	assert.Nil(t, e)

	e1 := &types.DedupEntry{
		PropertiesHash: "deadbeef",
		RunId:          "7fff51b0ee8e6a11",
		Completed:      now.Add(-30 * time.Minute),
	}
	assert.NoError(t, d.PutDedupEntry(ctx, e1))

	// Entry is returned within the horizon.
	e, err = d.GetDedupEntry(ctx, "deadbeef", now.Add(-time.Hour))
	assert.NoError(t, err)
	AssertDeepEqual(t, e1, e)

	// The returned entry is a copy.
	e.RunId = "mutated"
	e, err = d.GetDedupEntry(ctx, "deadbeef", now.Add(-time.Hour))
	assert.NoError(t, err)
	AssertDeepEqual(t, e1, e)

	// An entry which completed before the horizon is not returned.
	e, err = d.GetDedupEntry(ctx, "deadbeef", now.Add(-time.Minute))
	assert.NoError(t, err)
	assert.Nil(t, e)

	// Overwriting replaces the entry.
	e2 := e1.Copy()
	e2.RunId = "7fff51b0ee8e6a12"
	e2.Completed = now
	assert.NoError(t, d.PutDedupEntry(ctx, e2))
	e, err = d.GetDedupEntry(ctx, "deadbeef", now.Add(-time.Hour))
	assert.NoError(t, err)
	AssertDeepEqual(t, e2, e)

	// Prune deletes only entries older than the horizon.
	eOld := &types.DedupEntry{
		PropertiesHash: "cafef00d",
		RunId:          "7fff51b0ee8e6a21",
		Completed:      now.Add(-2 * time.Hour),
	}
	assert.NoError(t, d.PutDedupEntry(ctx, eOld))
	n, err := d.PruneDedupEntries(ctx, now.Add(-time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	e, err = d.GetDedupEntry(ctx, "cafef00d", now.Add(-3*time.Hour))
	assert.NoError(t, err)
	assert.Nil(t, e)
	e, err = d.GetDedupEntry(ctx, "deadbeef", now.Add(-time.Hour))
	assert.NoError(t, err)
	AssertDeepEqual(t, e2, e)
	n, err = d.PruneDedupEntries(ctx, now.Add(-time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestTaskDBGetTasksFromDateRange tests that date-range reads are sorted and
// treat the range as [start, end).
func TestTaskDBGetTasksFromDateRange(t sktest.TestingT, d TaskDB) {
	ctx := context.Background()
	timeStart := time.Now().UTC()

	// Insert in reverse creation order to prove reads sort by Created.
	var summaries []*types.TaskResultSummary
	for i := 3; i >= 1; i-- {
		r := MakeTestRequest(timeStart.Add(time.Duration(i)*time.Minute), fmt.Sprintf("Test-Task-%d", i))
		summaries = append(summaries, putTestTask(t, ctx, d, r))
	}
	sort.Sort(types.TaskResultSummarySlice(summaries))

	tasks, err := d.GetTasksFromDateRange(ctx, timeStart, timeStart.Add(time.Hour))
	assert.NoError(t, err)
	AssertDeepEqual(t, summaries, tasks)

	// End is exclusive.
	tasks, err = d.GetTasksFromDateRange(ctx, timeStart, summaries[2].Created)
	assert.NoError(t, err)
	AssertDeepEqual(t, summaries[:2], tasks)

	// Start is inclusive.
	tasks, err = d.GetTasksFromDateRange(ctx, summaries[1].Created, timeStart.Add(time.Hour))
	assert.NoError(t, err)
	AssertDeepEqual(t, summaries[1:], tasks)

	// Empty range.
	tasks, err = d.GetTasksFromDateRange(ctx, timeStart.Add(time.Hour), timeStart.Add(2*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, 0, len(tasks))
}
