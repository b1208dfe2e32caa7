package dedup

import (
	"context"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/testutils/unittest"
	"go.skia.org/swarming/swarming/go/db/memory"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/types"
)

func makeRun(ctx context.Context, t *testing.T, alloc *ids.Allocator, state types.TaskState, exitCode int64, failure bool) *types.TaskRunResult {
	id, err := alloc.NextId(ctx)
	assert.NoError(t, err)
	completed := now.Now(ctx).UTC()
	return &types.TaskRunResult{
		RequestId: id,
		TryNumber: 1,
		BotId:     "bot-1",
		State:     state,
		Started:   completed.Add(-time.Minute),
		Completed: completed,
		Modified:  completed,
		ExitCode:  exitCode,
		Failure:   failure,
	}
}

func TestDeduperCheckAndRecord(t *testing.T) {
	unittest.SmallTest(t)
	taskDb := memory.NewInMemoryTaskDB()
	d := New(taskDb, time.Hour)

	base := time.Date(2026, time.May, 5, 12, 0, 0, 0, time.UTC)
	ctx := now.TimeTravelingContext(base)
	alloc := ids.NewAllocator()

	const hash = "deadbeefdeadbeef"

	// Nothing recorded yet.
	entry, err := d.Check(ctx, hash)
	assert.NoError(t, err)
	assert.Nil(t, entry)

	// An empty hash never matches anything.
	entry, err = d.Check(ctx, "")
	assert.NoError(t, err)
	assert.Nil(t, entry)

	// Unsuccessful runs are not recorded.
	assert.NoError(t, d.Record(ctx, hash, makeRun(ctx, t, alloc, types.TASK_STATE_COMPLETED, 1, true)))
	assert.NoError(t, d.Record(ctx, hash, makeRun(ctx, t, alloc, types.TASK_STATE_KILLED, 0, false)))
	entry, err = d.Check(ctx, hash)
	assert.NoError(t, err)
	assert.Nil(t, entry)

	// A successful run is recorded and found.
	run1 := makeRun(ctx, t, alloc, types.TASK_STATE_COMPLETED, 0, false)
	assert.NoError(t, d.Record(ctx, hash, run1))
	entry, err = d.Check(ctx, hash)
	assert.NoError(t, err)
	assert.NotNil(t, entry)
	assert.Equal(t, hash, entry.PropertiesHash)
	assert.Equal(t, ids.PackRun(run1.RequestId, 1), entry.RunId)
	assert.True(t, run1.Completed.Equal(entry.Completed))

	// A newer successful run replaces the entry.
	ctx.AdvanceTime(10 * time.Minute)
	run2 := makeRun(ctx, t, alloc, types.TASK_STATE_COMPLETED, 0, false)
	assert.NoError(t, d.Record(ctx, hash, run2))
	entry, err = d.Check(ctx, hash)
	assert.NoError(t, err)
	assert.NotNil(t, entry)
	assert.Equal(t, ids.PackRun(run2.RequestId, 1), entry.RunId)

	// Entries older than the TTL are not reused.
	ctx.AdvanceTime(2 * time.Hour)
	entry, err = d.Check(ctx, hash)
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDeduperReadCache(t *testing.T) {
	unittest.SmallTest(t)
	taskDb := memory.NewInMemoryTaskDB()
	d := New(taskDb, time.Hour)

	base := time.Date(2026, time.May, 5, 12, 0, 0, 0, time.UTC)
	ctx := now.TimeTravelingContext(base)
	alloc := ids.NewAllocator()

	const hash = "cafef00dcafef00d"
	run := makeRun(ctx, t, alloc, types.TASK_STATE_COMPLETED, 0, false)
	assert.NoError(t, d.Record(ctx, hash, run))

	// Deleting the durable entry does not evict the read cache, so the
	// entry is still served while it remains within the TTL.
	n, err := taskDb.PruneDedupEntries(ctx, now.Now(ctx).Add(time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	entry, err := d.Check(ctx, hash)
	assert.NoError(t, err)
	assert.NotNil(t, entry)

	// A fresh Deduper sees the durable state.
	d2 := New(taskDb, time.Hour)
	entry, err = d2.Check(ctx, hash)
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDeduperPrune(t *testing.T) {
	unittest.SmallTest(t)
	taskDb := memory.NewInMemoryTaskDB()
	d := New(taskDb, time.Hour)

	base := time.Date(2026, time.May, 5, 12, 0, 0, 0, time.UTC)
	ctx := now.TimeTravelingContext(base)
	alloc := ids.NewAllocator()

	assert.NoError(t, d.Record(ctx, "hash-1", makeRun(ctx, t, alloc, types.TASK_STATE_COMPLETED, 0, false)))
	ctx.AdvanceTime(30 * time.Minute)
	assert.NoError(t, d.Record(ctx, "hash-2", makeRun(ctx, t, alloc, types.TASK_STATE_COMPLETED, 0, false)))

	// Nothing has expired yet.
	n, err := d.Prune(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	// Only the older entry expires.
	ctx.AdvanceTime(45 * time.Minute)
	n, err = d.Prune(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	entry, err := d.Check(ctx, "hash-2")
	assert.NoError(t, err)
	assert.NotNil(t, entry)
}
