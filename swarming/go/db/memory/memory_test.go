package memory

import (
	"os"
	"testing"

	"go.skia.org/swarming/go/testutils"
	"go.skia.org/swarming/go/testutils/unittest"
	"go.skia.org/swarming/swarming/go/db"
)

func TestMain(m *testing.M) {
	db.AssertDeepEqual = testutils.AssertDeepEqual
	os.Exit(m.Run())
}

func TestInMemoryTaskDB(t *testing.T) {
	unittest.SmallTest(t)
	d := NewInMemoryTaskDB()
	defer testutils.AssertCloses(t, d)
	db.TestTaskDB(t, d)
}

func TestInMemoryTooManyUsers(t *testing.T) {
	unittest.SmallTest(t)
	d := NewInMemoryTaskDB()
	defer testutils.AssertCloses(t, d)
	db.TestTaskDBTooManyUsers(t, d)
}

func TestInMemoryConcurrentUpdate(t *testing.T) {
	unittest.SmallTest(t)
	d := NewInMemoryTaskDB()
	defer testutils.AssertCloses(t, d)
	db.TestTaskDBConcurrentUpdate(t, d)
}

func TestInMemoryUpdateTaskWithRetries(t *testing.T) {
	unittest.SmallTest(t)
	d := NewInMemoryTaskDB()
	defer testutils.AssertCloses(t, d)
	db.TestUpdateTaskWithRetries(t, d)
}

func TestInMemoryClaimTask(t *testing.T) {
	unittest.SmallTest(t)
	d := NewInMemoryTaskDB()
	defer testutils.AssertCloses(t, d)
	db.TestTaskDBClaimTask(t, d)
}

func TestInMemoryAppendOutput(t *testing.T) {
	unittest.SmallTest(t)
	d := NewInMemoryTaskDB()
	defer testutils.AssertCloses(t, d)
	db.TestTaskDBAppendOutput(t, d)
}

func TestInMemoryDedup(t *testing.T) {
	unittest.SmallTest(t)
	d := NewInMemoryTaskDB()
	defer testutils.AssertCloses(t, d)
	db.TestTaskDBDedup(t, d)
}

func TestInMemoryGetTasksFromDateRange(t *testing.T) {
	unittest.SmallTest(t)
	d := NewInMemoryTaskDB()
	defer testutils.AssertCloses(t, d)
	db.TestTaskDBGetTasksFromDateRange(t, d)
}
