package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.skia.org/swarming/go/testutils"
	"go.skia.org/swarming/go/testutils/unittest"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/db/memory"
	"go.skia.org/swarming/swarming/go/types"
)

func init() {
	db.AssertDeepEqual = testutils.AssertDeepEqual
}

// makeSearchTasks inserts n tasks, one minute apart starting at base, and
// returns their summaries in creation order. Task i is named "Task-<i>" and
// carries an "idx:<i>" tag; even-numbered tasks also carry "flavor:even".
func makeSearchTasks(t *testing.T, ctx context.Context, d db.TaskDB, base time.Time, n int) []*types.TaskResultSummary {
	rv := make([]*types.TaskResultSummary, 0, n)
	for i := 0; i < n; i++ {
		req := db.MakeTestRequest(base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("Task-%d", i))
		req.Tags = append(req.Tags, fmt.Sprintf("idx:%d", i))
		if i%2 == 0 {
			req.Tags = append(req.Tags, "flavor:even")
		}
		assert.NoError(t, d.AssignId(ctx, req))
		summary := db.MakeTestSummary(req)
		assert.NoError(t, d.PutNewTask(ctx, req, summary))
		rv = append(rv, summary)
	}
	return rv
}

func TestSearchTasksFilters(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := memory.NewInMemoryTaskDB()
	defer testutils.AssertCloses(t, d)

	base := time.Now().UTC().Add(-time.Hour)
	all := makeSearchTasks(t, ctx, d, base, 5)

	// Complete one task so the state filter has something to distinguish.
	completed := all[1]
	completed.State = types.TASK_STATE_COMPLETED
	completed.Completed = base.Add(2 * time.Hour)
	assert.NoError(t, d.UpdateTaskSummary(ctx, completed))

	window := &db.TaskSearchParams{
		Start: base.Add(-time.Minute),
		End:   base.Add(time.Hour),
	}

	// No filters: everything, newest-first.
	tasks, cursor, err := db.SearchTasks(ctx, d, window)
	assert.NoError(t, err)
	assert.Equal(t, "", cursor)
	assert.Equal(t, 5, len(tasks))
	for i, task := range tasks {
		assert.Equal(t, all[4-i].RequestId, task.RequestId)
	}

	// Tag filter requires every listed tag.
	p := *window
	p.Tags = []string{"flavor:even", "idx:2"}
	tasks, _, err = db.SearchTasks(ctx, d, &p)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(tasks))
	testutils.AssertDeepEqual(t, all[2], tasks[0])

	// State filter.
	p = *window
	p.State = types.TASK_STATE_COMPLETED
	tasks, _, err = db.SearchTasks(ctx, d, &p)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(tasks))
	testutils.AssertDeepEqual(t, completed, tasks[0])

	// Pool filter matches the pool tag.
	p = *window
	p.Pool = db.DEFAULT_TEST_POOL
	tasks, _, err = db.SearchTasks(ctx, d, &p)
	assert.NoError(t, err)
	assert.Equal(t, 5, len(tasks))
	p.Pool = "no-such-pool"
	tasks, _, err = db.SearchTasks(ctx, d, &p)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(tasks))

	// Time window excludes tasks created at or after End.
	p = *window
	p.End = all[3].Created
	tasks, _, err = db.SearchTasks(ctx, d, &p)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(tasks))
	assert.Equal(t, all[2].RequestId, tasks[0].RequestId)

	// Completed sort puts the completed task first.
	p = *window
	p.Sort = db.SORT_COMPLETED
	tasks, _, err = db.SearchTasks(ctx, d, &p)
	assert.NoError(t, err)
	assert.Equal(t, 5, len(tasks))
	assert.Equal(t, completed.RequestId, tasks[0].RequestId)

	// CountTasks applies the same filters.
	p = *window
	p.Tags = []string{"flavor:even"}
	count, err := db.CountTasks(ctx, d, &p)
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSearchTasksPagination(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := memory.NewInMemoryTaskDB()
	defer testutils.AssertCloses(t, d)

	base := time.Now().UTC().Add(-time.Hour)
	all := makeSearchTasks(t, ctx, d, base, 5)

	p := &db.TaskSearchParams{
		Start: base.Add(-time.Minute),
		End:   base.Add(time.Hour),
		Limit: 2,
	}

	// Page 1: the two newest tasks.
	tasks, cursor, err := db.SearchTasks(ctx, d, p)
	assert.NoError(t, err)
	assert.NotEqual(t, "", cursor)
	assert.Equal(t, 2, len(tasks))
	assert.Equal(t, all[4].RequestId, tasks[0].RequestId)
	assert.Equal(t, all[3].RequestId, tasks[1].RequestId)

	// A task inserted between pages is newer than the cursor position, so
	// the cursor chain must not revisit it.
	late := db.MakeTestRequest(base.Add(10*time.Minute), "Task-Late")
	assert.NoError(t, d.AssignId(ctx, late))
	assert.NoError(t, d.PutNewTask(ctx, late, db.MakeTestSummary(late)))

	// Page 2.
	p.Cursor = cursor
	tasks, cursor, err = db.SearchTasks(ctx, d, p)
	assert.NoError(t, err)
	assert.NotEqual(t, "", cursor)
	assert.Equal(t, 2, len(tasks))
	assert.Equal(t, all[2].RequestId, tasks[0].RequestId)
	assert.Equal(t, all[1].RequestId, tasks[1].RequestId)

	// Page 3: exhausted.
	p.Cursor = cursor
	tasks, cursor, err = db.SearchTasks(ctx, d, p)
	assert.NoError(t, err)
	assert.Equal(t, "", cursor)
	assert.Equal(t, 1, len(tasks))
	assert.Equal(t, all[0].RequestId, tasks[0].RequestId)

	// CountTasks ignores pagination.
	count, err := db.CountTasks(ctx, d, p)
	assert.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestSearchTasksErrors(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := memory.NewInMemoryTaskDB()
	defer testutils.AssertCloses(t, d)

	base := time.Now().UTC().Add(-time.Hour)
	makeSearchTasks(t, ctx, d, base, 3)

	// Unknown sort key.
	_, _, err := db.SearchTasks(ctx, d, &db.TaskSearchParams{Sort: "exit_code"})
	assert.True(t, db.IsUnsupportedSearch(err))

	// Oversized page.
	_, _, err = db.SearchTasks(ctx, d, &db.TaskSearchParams{Limit: db.MAX_SEARCH_LIMIT + 1})
	assert.True(t, db.IsPageTooLarge(err))

	// Garbage cursor.
	_, _, err = db.SearchTasks(ctx, d, &db.TaskSearchParams{Cursor: "not-a-cursor"})
	assert.True(t, db.IsInvalidCursor(err))

	// A cursor must be reused with the sort key which produced it.
	p := &db.TaskSearchParams{
		Start: base.Add(-time.Minute),
		End:   base.Add(time.Hour),
		Limit: 1,
	}
	_, cursor, err := db.SearchTasks(ctx, d, p)
	assert.NoError(t, err)
	assert.NotEqual(t, "", cursor)
	p.Cursor = cursor
	p.Sort = db.SORT_MODIFIED
	_, _, err = db.SearchTasks(ctx, d, p)
	assert.True(t, db.IsUnsupportedSearch(err))
}
