package db

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.skia.org/swarming/go/sklog"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/types"
)

const (
	// MAX_MODIFIED_DATA_USERS is the maximum number of simultaneous
	// subscribers to modified-task tracking.
	MAX_MODIFIED_DATA_USERS = 20

	// MODIFIED_DATA_TIMEOUT is the amount of time a subscriber may go
	// without querying before it is automatically removed.
	MODIFIED_DATA_TIMEOUT = 30 * time.Minute
)

// ModifiedTasks allows subscribers to keep track of result summaries which
// have been modified. It implements ModifiedTasksReader and is embedded by
// the store implementations, which call TrackModifiedTask after each commit.
type ModifiedTasks struct {
	// map[subscriber_id][task_key]gob.
	tasks map[string]map[string][]byte
	// After the expiration time, subscribers are automatically removed.
	expiration map[string]time.Time
	mtx        sync.RWMutex
}

// GetModifiedTasks implements ModifiedTasksReader.
func (m *ModifiedTasks) GetModifiedTasks(id string) ([]*types.TaskResultSummary, error) {
	gobs, err := m.GetModifiedTasksGOB(id)
	if err != nil {
		return nil, err
	}
	d := types.NewTaskSummaryDecoder()
	for _, g := range gobs {
		if !d.Process(g) {
			break
		}
	}
	rv, err := d.Result()
	if err != nil {
		return nil, err
	}
	sort.Sort(types.TaskResultSummarySlice(rv))
	return rv, nil
}

// GetModifiedTasksGOB implements ModifiedTasksReader.
func (m *ModifiedTasks) GetModifiedTasksGOB(id string) (map[string][]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	modified, ok := m.tasks[id]
	if !ok {
		return nil, ErrUnknownId
	}
	m.expiration[id] = time.Now().Add(MODIFIED_DATA_TIMEOUT)
	m.tasks[id] = map[string][]byte{}
	return modified, nil
}

// TrackModifiedTask indicates the given summary should be returned from the
// next call to GetModifiedTasks from each subscriber.
func (m *ModifiedTasks) TrackModifiedTask(t *types.TaskResultSummary) {
	e := types.TaskSummaryEncoder{}
	e.Process(t)
	_, serialized, err := e.Next()
	if err != nil {
		sklog.Errorf("Failed to GOB-encode task %d: %s", t.RequestId, err)
		return
	}
	m.TrackModifiedTasksGOB(map[string][]byte{ids.Key(t.RequestId): serialized})
}

// TrackModifiedTasksGOB is a batch, GOB version of TrackModifiedTask.
func (m *ModifiedTasks) TrackModifiedTasksGOB(gobs map[string][]byte) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for id := range m.tasks {
		if time.Now().After(m.expiration[id]) {
			delete(m.tasks, id)
			delete(m.expiration, id)
			continue
		}
		for key, g := range gobs {
			m.tasks[id][key] = g
		}
	}
}

// StartTrackingModifiedTasks implements ModifiedTasksReader.
func (m *ModifiedTasks) StartTrackingModifiedTasks() (string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.tasks == nil {
		m.tasks = map[string]map[string][]byte{}
		m.expiration = map[string]time.Time{}
	}
	// Remove expired subscribers before counting.
	for id, expiry := range m.expiration {
		if time.Now().After(expiry) {
			delete(m.tasks, id)
			delete(m.expiration, id)
		}
	}
	if len(m.tasks) >= MAX_MODIFIED_DATA_USERS {
		return "", ErrTooManyUsers
	}
	id := uuid.New().String()
	m.tasks[id] = map[string][]byte{}
	m.expiration[id] = time.Now().Add(MODIFIED_DATA_TIMEOUT)
	return id, nil
}

// StopTrackingModifiedTasks implements ModifiedTasksReader.
func (m *ModifiedTasks) StopTrackingModifiedTasks(id string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.tasks, id)
	delete(m.expiration, id)
}
