// Package db defines the interfaces of the durable task store: requests,
// result summaries, runs, output chunks and dedup entries. Bot records live
// in their own store.
package db

import (
	"context"
	"errors"
	"io"
	"time"

	"go.skia.org/swarming/swarming/go/types"
)

const (
	// NUM_RETRIES is the number of attempts the Update*WithRetries
	// helpers make before giving up on a contended record.
	NUM_RETRIES = 5
)

var (
	// ErrAlreadyExists is returned when creating a record whose id is
	// already taken.
	ErrAlreadyExists = errors.New("Object already exists and modification not allowed.")

	// ErrConcurrentUpdate is returned when the DbModified timestamp of
	// the stored record differs from that of the caller's copy.
	ErrConcurrentUpdate = errors.New("Concurrent update.")

	// ErrNotFound is returned when updating a record which does not
	// exist.
	ErrNotFound = errors.New("Task with given ID does not exist.")

	// ErrUnknownId is returned when a record carries no id.
	ErrUnknownId = errors.New("Unknown ID.")

	// ErrChunkOverlap is returned by AppendOutput for a chunk which
	// partially rewrites already-persisted bytes.
	ErrChunkOverlap = errors.New("Output chunk overlaps already-persisted data.")

	// ErrChunkGap is returned by AppendOutput for a chunk which starts
	// beyond the persisted size and would leave a hole in the stream.
	ErrChunkGap = errors.New("Output chunk leaves a gap in the stream.")

	// ErrTooManyUsers is returned by StartTrackingModifiedTasks when too
	// many subscribers are active.
	ErrTooManyUsers = errors.New("Too many users")

	// ErrUnsupportedSearch is returned by SearchTasks for a filter
	// combination the store cannot serve.
	ErrUnsupportedSearch = errors.New("Unsupported search parameter combination.")

	// ErrPageTooLarge is returned by SearchTasks when the requested page
	// size exceeds MAX_SEARCH_LIMIT.
	ErrPageTooLarge = errors.New("Requested page size is too large.")

	// ErrInvalidCursor is returned by SearchTasks for a cursor which was
	// not produced by a previous call.
	ErrInvalidCursor = errors.New("Invalid cursor.")
)

// IsAlreadyExists returns true if the given error is ErrAlreadyExists.
func IsAlreadyExists(e error) bool {
	return e != nil && e.Error() == ErrAlreadyExists.Error()
}

// IsConcurrentUpdate returns true if the given error is ErrConcurrentUpdate.
func IsConcurrentUpdate(e error) bool {
	return e != nil && e.Error() == ErrConcurrentUpdate.Error()
}

// IsNotFound returns true if the given error is ErrNotFound.
func IsNotFound(e error) bool {
	return e != nil && e.Error() == ErrNotFound.Error()
}

// IsUnknownId returns true if the given error is ErrUnknownId.
func IsUnknownId(e error) bool {
	return e != nil && e.Error() == ErrUnknownId.Error()
}

// IsChunkOverlap returns true if the given error is ErrChunkOverlap.
func IsChunkOverlap(e error) bool {
	return e != nil && e.Error() == ErrChunkOverlap.Error()
}

// IsChunkGap returns true if the given error is ErrChunkGap.
func IsChunkGap(e error) bool {
	return e != nil && e.Error() == ErrChunkGap.Error()
}

// IsInvalidCursor returns true if the given error is ErrInvalidCursor.
func IsInvalidCursor(e error) bool {
	return e != nil && e.Error() == ErrInvalidCursor.Error()
}

// IsTooManyUsers returns true if the given error is ErrTooManyUsers.
func IsTooManyUsers(e error) bool {
	return e != nil && e.Error() == ErrTooManyUsers.Error()
}

// IsUnsupportedSearch returns true if the given error is ErrUnsupportedSearch.
func IsUnsupportedSearch(e error) bool {
	return e != nil && e.Error() == ErrUnsupportedSearch.Error()
}

// IsPageTooLarge returns true if the given error is ErrPageTooLarge.
func IsPageTooLarge(e error) bool {
	return e != nil && e.Error() == ErrPageTooLarge.Error()
}

// ModifiedTasksReader tracks which result summaries have been modified and
// provides a snapshot-delta interface for code which wants to poll for
// changes rather than rescan.
type ModifiedTasksReader interface {
	// GetModifiedTasks returns all result summaries modified since the
	// last time GetModifiedTasks was run with the given id.
	GetModifiedTasks(id string) ([]*types.TaskResultSummary, error)

	// GetModifiedTasksGOB returns the GOB-encoded modified summaries,
	// keyed by task id, for subscribers which store the raw bytes.
	GetModifiedTasksGOB(id string) (map[string][]byte, error)

	// StartTrackingModifiedTasks initiates tracking of modified
	// summaries for the current caller. Returns a unique id which can be
	// used by the caller to retrieve summaries which have been modified
	// since the last query. The caller is responsible for calling
	// StopTrackingModifiedTasks when finished.
	StartTrackingModifiedTasks() (string, error)

	// StopTrackingModifiedTasks cancels tracking of modified summaries
	// for the provided id.
	StopTrackingModifiedTasks(id string)
}

// TaskReader is a read-only view of the task store.
type TaskReader interface {
	ModifiedTasksReader

	// GetTaskRequest returns the request with the given id, or nil if it
	// does not exist.
	GetTaskRequest(ctx context.Context, id int64) (*types.TaskRequest, error)

	// GetTaskResult returns the result summary for the given request id,
	// or nil if it does not exist.
	GetTaskResult(ctx context.Context, id int64) (*types.TaskResultSummary, error)

	// GetTaskRun returns the given try's run of the given request, or nil
	// if it does not exist.
	GetTaskRun(ctx context.Context, id int64, try int) (*types.TaskRunResult, error)

	// GetTasksFromDateRange returns the result summaries of all tasks
	// created in the given time range, oldest first.
	GetTasksFromDateRange(ctx context.Context, start, end time.Time) ([]*types.TaskResultSummary, error)

	// GetPendingTasks returns the result summaries of all PENDING tasks,
	// for rebuilding the pending index.
	GetPendingTasks(ctx context.Context) ([]*types.TaskResultSummary, error)

	// GetOutput returns the concatenated output stream of the given run.
	// A run with no persisted output yields an empty slice.
	GetOutput(ctx context.Context, runId string) ([]byte, error)

	// GetDedupEntry returns the dedup entry for the given properties
	// hash, or nil if none exists or the entry completed before horizon.
	GetDedupEntry(ctx context.Context, hash string, horizon time.Time) (*types.DedupEntry, error)
}

// TaskDB is the full interface of the durable task store. All returned
// records are copies; mutating them does not affect the store.
type TaskDB interface {
	TaskReader

	// AssignId allocates a fresh id for the given request. The request is
	// not inserted.
	AssignId(ctx context.Context, req *types.TaskRequest) error

	// PutNewTask transactionally creates the request together with its
	// result summary. Returns ErrAlreadyExists if the id is taken.
	PutNewTask(ctx context.Context, req *types.TaskRequest, summary *types.TaskResultSummary) error

	// UpdateTaskSummary writes back a modified result summary. Returns
	// ErrConcurrentUpdate if the stored DbModified differs from the
	// caller's copy, ErrNotFound if the summary does not exist. On
	// success the summary's DbModified is refreshed in place.
	UpdateTaskSummary(ctx context.Context, summary *types.TaskResultSummary) error

	// UpdateTaskRun is UpdateTaskSummary for a run record.
	UpdateTaskRun(ctx context.Context, run *types.TaskRunResult) error

	// UpdateTaskAndRun writes back a summary and one of its runs in a
	// single transaction; both records' DbModified stamps are checked and
	// refreshed together.
	UpdateTaskAndRun(ctx context.Context, summary *types.TaskResultSummary, run *types.TaskRunResult) error

	// ClaimTask runs fn against the current result summary of the given
	// request inside a single transaction. fn mutates the summary in
	// place and returns the new run to create; returning an error aborts
	// the transaction and is passed through. Returns copies of the
	// persisted summary and run.
	ClaimTask(ctx context.Context, id int64, fn func(*types.TaskResultSummary) (*types.TaskRunResult, error)) (*types.TaskResultSummary, *types.TaskRunResult, error)

	// AppendOutput appends an output chunk for the given run at the given
	// byte offset. A chunk starting exactly at the persisted size is
	// appended; a replay lying entirely within already-persisted bytes is
	// accepted without effect; a chunk starting past the size fails with
	// ErrChunkGap and a partial rewrite with ErrChunkOverlap. Returns the
	// persisted size after the append.
	AppendOutput(ctx context.Context, runId string, offset int64, data []byte) (int64, error)

	// PutDedupEntry creates or overwrites the dedup entry for its
	// properties hash.
	PutDedupEntry(ctx context.Context, entry *types.DedupEntry) error

	// PruneDedupEntries deletes entries whose Completed is before
	// horizon. Returns how many were deleted.
	PruneDedupEntries(ctx context.Context, horizon time.Time) (int, error)
}

// DBCloser is a TaskDB which must be closed when no longer in use.
type DBCloser interface {
	io.Closer
	TaskDB
}

// BackupDBCloser is a DBCloser which can write a consistent snapshot of
// itself to a writer.
type BackupDBCloser interface {
	DBCloser

	// WriteBackup writes a snapshot of the DB to the given io.Writer.
	WriteBackup(w io.Writer) error
}

// UpdateTaskSummaryWithRetries wraps a read/modify/write of the given
// request's result summary, retrying on ErrConcurrentUpdate up to
// NUM_RETRIES times. An error returned by fn aborts immediately and is
// passed through.
func UpdateTaskSummaryWithRetries(ctx context.Context, d TaskDB, id int64, fn func(*types.TaskResultSummary) error) (*types.TaskResultSummary, error) {
	var lastErr error
	for i := 0; i < NUM_RETRIES; i++ {
		summary, err := d.GetTaskResult(ctx, id)
		if err != nil {
			return nil, err
		}
		if summary == nil {
			return nil, ErrNotFound
		}
		if err := fn(summary); err != nil {
			return nil, err
		}
		lastErr = d.UpdateTaskSummary(ctx, summary)
		if lastErr == nil {
			return summary, nil
		}
		if !IsConcurrentUpdate(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// UpdateTaskAndRunWithRetries is UpdateTaskSummaryWithRetries over a summary
// and one of its runs, written back in a single transaction.
func UpdateTaskAndRunWithRetries(ctx context.Context, d TaskDB, id int64, try int, fn func(*types.TaskResultSummary, *types.TaskRunResult) error) (*types.TaskResultSummary, *types.TaskRunResult, error) {
	var lastErr error
	for i := 0; i < NUM_RETRIES; i++ {
		summary, err := d.GetTaskResult(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		run, err := d.GetTaskRun(ctx, id, try)
		if err != nil {
			return nil, nil, err
		}
		if summary == nil || run == nil {
			return nil, nil, ErrNotFound
		}
		if err := fn(summary, run); err != nil {
			return nil, nil, err
		}
		lastErr = d.UpdateTaskAndRun(ctx, summary, run)
		if lastErr == nil {
			return summary, run, nil
		}
		if !IsConcurrentUpdate(lastErr) {
			return nil, nil, lastErr
		}
	}
	return nil, nil, lastErr
}
