// Package memory provides a simple in-memory implementation of db.TaskDB,
// used in tests and for single-process deployments with no durability
// requirements.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/sklog"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/types"
)

type inMemoryTaskDB struct {
	requests  map[int64]*types.TaskRequest
	summaries map[int64]*types.TaskResultSummary
	runs      map[int64]map[int]*types.TaskRunResult
	output    map[string][]byte
	dedup     map[string]*types.DedupEntry
	allocator *ids.Allocator
	mtx       sync.RWMutex
	db.ModifiedTasks
}

// NewInMemoryTaskDB returns an extremely simple, inefficient, in-memory
// TaskDB implementation.
func NewInMemoryTaskDB() db.DBCloser {
	return &inMemoryTaskDB{
		requests:  map[int64]*types.TaskRequest{},
		summaries: map[int64]*types.TaskResultSummary{},
		runs:      map[int64]map[int]*types.TaskRunResult{},
		output:    map[string][]byte{},
		dedup:     map[string]*types.DedupEntry{},
		allocator: ids.NewAllocator(),
	}
}

// stamp returns the DbModified value for a record whose previous stamp is
// prev. The stamp always moves forward, even when the context's clock does
// not.
func stamp(ctx context.Context, prev time.Time) time.Time {
	ts := now.Now(ctx).UTC()
	if !ts.After(prev) {
		ts = prev.Add(time.Nanosecond)
	}
	return ts
}

// See docs for TaskDB interface. Does not take any locks.
func (d *inMemoryTaskDB) AssignId(ctx context.Context, req *types.TaskRequest) error {
	if req.Id != 0 {
		return fmt.Errorf("Task id already assigned: %d", req.Id)
	}
	id, err := d.allocator.NextId(ctx)
	if err != nil {
		return err
	}
	req.Id = id
	return nil
}

// See docs for TaskReader interface.
func (d *inMemoryTaskDB) GetTaskRequest(ctx context.Context, id int64) (*types.TaskRequest, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if req := d.requests[id]; req != nil {
		return req.Copy(), nil
	}
	return nil, nil
}

// See docs for TaskReader interface.
func (d *inMemoryTaskDB) GetTaskResult(ctx context.Context, id int64) (*types.TaskResultSummary, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if summary := d.summaries[id]; summary != nil {
		return summary.Copy(), nil
	}
	return nil, nil
}

// See docs for TaskReader interface.
func (d *inMemoryTaskDB) GetTaskRun(ctx context.Context, id int64, try int) (*types.TaskRunResult, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if run := d.runs[id][try]; run != nil {
		return run.Copy(), nil
	}
	return nil, nil
}

// See docs for TaskReader interface.
func (d *inMemoryTaskDB) GetTasksFromDateRange(ctx context.Context, start, end time.Time) ([]*types.TaskResultSummary, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := []*types.TaskResultSummary{}
	for _, s := range d.summaries {
		if (s.Created.Equal(start) || s.Created.After(start)) && s.Created.Before(end) {
			rv = append(rv, s.Copy())
		}
	}
	sort.Sort(types.TaskResultSummarySlice(rv))
	return rv, nil
}

// See docs for TaskReader interface.
func (d *inMemoryTaskDB) GetPendingTasks(ctx context.Context) ([]*types.TaskResultSummary, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := []*types.TaskResultSummary{}
	for _, s := range d.summaries {
		if s.State == types.TASK_STATE_PENDING {
			rv = append(rv, s.Copy())
		}
	}
	sort.Sort(types.TaskResultSummarySlice(rv))
	return rv, nil
}

// See docs for TaskDB interface.
func (d *inMemoryTaskDB) PutNewTask(ctx context.Context, req *types.TaskRequest, summary *types.TaskResultSummary) error {
	if req.Id == 0 {
		return db.ErrUnknownId
	}
	if summary.RequestId != req.Id {
		return fmt.Errorf("Request id %d and summary id %d do not match.", req.Id, summary.RequestId)
	}
	if util.TimeIsZero(req.Created) {
		return fmt.Errorf("Created not set. Task %s created time is %s.", ids.Key(req.Id), req.Created)
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.requests[req.Id] != nil {
		return db.ErrAlreadyExists
	}
	summary.DbModified = stamp(ctx, time.Time{})
	d.requests[req.Id] = req.Copy()
	d.summaries[req.Id] = summary.Copy()
	d.TrackModifiedTask(summary)
	return nil
}

// updateSummary writes back the given summary. Assumes the caller holds
// d.mtx.
func (d *inMemoryTaskDB) updateSummary(ctx context.Context, summary *types.TaskResultSummary) error {
	existing := d.summaries[summary.RequestId]
	if existing == nil {
		return db.ErrNotFound
	}
	if !existing.DbModified.Equal(summary.DbModified) {
		sklog.Warningf("Cached result summary has been modified in the DB. Current:\n%v\nCached:\n%v", existing, summary)
		return db.ErrConcurrentUpdate
	}
	summary.DbModified = stamp(ctx, existing.DbModified)
	d.summaries[summary.RequestId] = summary.Copy()
	d.TrackModifiedTask(summary)
	return nil
}

// updateRun writes back the given run. Assumes the caller holds d.mtx.
func (d *inMemoryTaskDB) updateRun(ctx context.Context, run *types.TaskRunResult) error {
	existing := d.runs[run.RequestId][run.TryNumber]
	if existing == nil {
		return db.ErrNotFound
	}
	if !existing.DbModified.Equal(run.DbModified) {
		sklog.Warningf("Cached run result has been modified in the DB. Current:\n%v\nCached:\n%v", existing, run)
		return db.ErrConcurrentUpdate
	}
	run.DbModified = stamp(ctx, existing.DbModified)
	d.runs[run.RequestId][run.TryNumber] = run.Copy()
	return nil
}

// See docs for TaskDB interface.
func (d *inMemoryTaskDB) UpdateTaskSummary(ctx context.Context, summary *types.TaskResultSummary) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.updateSummary(ctx, summary)
}

// See docs for TaskDB interface.
func (d *inMemoryTaskDB) UpdateTaskRun(ctx context.Context, run *types.TaskRunResult) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.updateRun(ctx, run)
}

// See docs for TaskDB interface.
func (d *inMemoryTaskDB) UpdateTaskAndRun(ctx context.Context, summary *types.TaskResultSummary, run *types.TaskRunResult) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	// Check both stamps before writing either record.
	existingSummary := d.summaries[summary.RequestId]
	existingRun := d.runs[run.RequestId][run.TryNumber]
	if existingSummary == nil || existingRun == nil {
		return db.ErrNotFound
	}
	if !existingSummary.DbModified.Equal(summary.DbModified) || !existingRun.DbModified.Equal(run.DbModified) {
		return db.ErrConcurrentUpdate
	}
	if err := d.updateSummary(ctx, summary); err != nil {
		return err
	}
	return d.updateRun(ctx, run)
}

// See docs for TaskDB interface.
func (d *inMemoryTaskDB) ClaimTask(ctx context.Context, id int64, fn func(*types.TaskResultSummary) (*types.TaskRunResult, error)) (*types.TaskResultSummary, *types.TaskRunResult, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	existing := d.summaries[id]
	if existing == nil {
		return nil, nil, db.ErrNotFound
	}
	summary := existing.Copy()
	run, err := fn(summary)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, fmt.Errorf("Claim of task %s did not create a run.", ids.Key(id))
	}
	if d.runs[id][run.TryNumber] != nil {
		return nil, nil, db.ErrAlreadyExists
	}
	summary.DbModified = stamp(ctx, existing.DbModified)
	run.DbModified = stamp(ctx, time.Time{})
	d.summaries[id] = summary.Copy()
	if d.runs[id] == nil {
		d.runs[id] = map[int]*types.TaskRunResult{}
	}
	d.runs[id][run.TryNumber] = run.Copy()
	d.TrackModifiedTask(summary)
	return summary, run, nil
}

// See docs for TaskDB interface.
func (d *inMemoryTaskDB) AppendOutput(ctx context.Context, runId string, offset int64, data []byte) (int64, error) {
	id, kind, try, err := ids.Unpack(runId)
	if err != nil {
		return 0, err
	}
	if kind != ids.KindRun {
		return 0, db.ErrNotFound
	}
	if offset < 0 {
		return 0, fmt.Errorf("Invalid output offset %d; must be non-negative.", offset)
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.runs[id][try] == nil {
		return 0, db.ErrNotFound
	}
	buf := d.output[runId]
	size := int64(len(buf))
	switch {
	case offset == size:
		d.output[runId] = append(buf, data...)
	case offset+int64(len(data)) <= size:
		// Replay of already-persisted bytes; nothing to do.
	case offset > size:
		return 0, db.ErrChunkGap
	default:
		return 0, db.ErrChunkOverlap
	}
	return int64(len(d.output[runId])), nil
}

// See docs for TaskReader interface.
func (d *inMemoryTaskDB) GetOutput(ctx context.Context, runId string) ([]byte, error) {
	if _, kind, _, err := ids.Unpack(runId); err != nil {
		return nil, err
	} else if kind != ids.KindRun {
		return nil, db.ErrNotFound
	}
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	buf := d.output[runId]
	rv := make([]byte, len(buf))
	copy(rv, buf)
	return rv, nil
}

// See docs for TaskDB interface.
func (d *inMemoryTaskDB) PutDedupEntry(ctx context.Context, entry *types.DedupEntry) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.dedup[entry.PropertiesHash] = entry.Copy()
	return nil
}

// See docs for TaskReader interface.
func (d *inMemoryTaskDB) GetDedupEntry(ctx context.Context, hash string, horizon time.Time) (*types.DedupEntry, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	entry := d.dedup[hash]
	if entry == nil || entry.Completed.Before(horizon) {
		return nil, nil
	}
	return entry.Copy(), nil
}

// See docs for TaskDB interface.
func (d *inMemoryTaskDB) PruneDedupEntries(ctx context.Context, horizon time.Time) (int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	count := 0
	for hash, entry := range d.dedup {
		if entry.Completed.Before(horizon) {
			delete(d.dedup, hash)
			count++
		}
	}
	return count, nil
}

// See docs for DBCloser interface.
func (d *inMemoryTaskDB) Close() error {
	return nil
}
