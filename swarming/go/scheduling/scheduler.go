package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"go.skia.org/swarming/go/metrics2"
	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/go/sklog"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/dedup"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/types"
)

const (
	// CLAIM_ATTEMPTS bounds how many candidates a single bot poll tries to
	// claim before reporting that there is no work.
	CLAIM_ATTEMPTS = 5

	// MAX_EXPIRATION bounds how far in the future a request may expire.
	MAX_EXPIRATION = 7 * 24 * time.Hour

	// MAX_TIMEOUT_SECS bounds the execution and I/O timeouts of a request.
	MAX_TIMEOUT_SECS = 7 * 24 * 60 * 60

	// TASK_SCAN_WINDOW is how far back the sweeps and bulk cancellation
	// look for non-terminal tasks. A task spends at most MAX_EXPIRATION in
	// the queue and at most MAX_TIMEOUT_SECS running, so anything older is
	// terminal.
	TASK_SCAN_WINDOW = 15 * 24 * time.Hour
)

// ErrInvalidRequest indicates that a submitted task request failed
// validation. Use IsInvalidRequest to test for it; the wrapped error carries
// the reason.
var ErrInvalidRequest = errors.New("Invalid task request.")

// IsInvalidRequest returns true if the given error derives from
// ErrInvalidRequest.
func IsInvalidRequest(e error) bool {
	return e != nil && skerr.Unwrap(e) == ErrInvalidRequest
}

// errStateChanged aborts a read-modify-write whose precondition no longer
// holds, eg. the task left the expected state between the triggering read and
// the update transaction.
var errStateChanged = errors.New("task state changed")

// BotTracker is the slice of the bot registry the scheduler drives:
// assignment bookkeeping on claim and release, plus the quarantine fast-path.
type BotTracker interface {
	// Get returns the bot's registry record, or nil if the bot is unknown.
	Get(ctx context.Context, botId string) (*types.BotInfo, error)

	// Assign records the run as the bot's current task and appends a
	// "claimed" event to the bot's history.
	Assign(ctx context.Context, botId, runId string) error

	// Idle clears the bot's current task and appends an event of the
	// given type referencing the finished run.
	Idle(ctx context.Context, botId, runId string, event types.BotEventType, message string) error
}

// Notifier delivers completion notifications for requests which asked for
// them.
type Notifier interface {
	// NotifyCompleted reports that the task reached a terminal state.
	NotifyCompleted(ctx context.Context, req *types.TaskRequest, res *types.TaskResultSummary) error
}

// Scheduler matches submitted tasks to polling bots. All durable truth lives
// in the TaskDB; the in-memory pending index is an optimization which is
// rebuilt on startup and healed by the lifecycle tick.
type Scheduler struct {
	allocator *ids.Allocator
	bots      BotTracker
	db        db.TaskDB
	deduper   *dedup.Deduper
	notifier  Notifier
	pending   *pendingIndex

	metricScheduled  metrics2.Counter
	metricDeduped    metrics2.Counter
	metricClaimed    metrics2.Counter
	metricNoTask     metrics2.Counter
	metricCanceled   metrics2.Counter
	metricExpired    metrics2.Counter
	metricBotDeaths  metrics2.Counter
	metricTaskErrors metrics2.Counter
}

// New returns a Scheduler whose pending index has been rebuilt from the
// task store.
func New(ctx context.Context, d db.TaskDB, bots BotTracker, deduper *dedup.Deduper, notifier Notifier) (*Scheduler, error) {
	s := &Scheduler{
		allocator:        ids.NewAllocator(),
		bots:             bots,
		db:               d,
		deduper:          deduper,
		notifier:         notifier,
		pending:          newPendingIndex(),
		metricScheduled:  metrics2.GetCounter("task_scheduler_scheduled", map[string]string{"deduped": "false"}),
		metricDeduped:    metrics2.GetCounter("task_scheduler_scheduled", map[string]string{"deduped": "true"}),
		metricClaimed:    metrics2.GetCounter("task_scheduler_claims", map[string]string{"result": "claimed"}),
		metricNoTask:     metrics2.GetCounter("task_scheduler_claims", map[string]string{"result": "no_task"}),
		metricCanceled:   metrics2.GetCounter("task_scheduler_canceled"),
		metricExpired:    metrics2.GetCounter("task_scheduler_expired"),
		metricBotDeaths:  metrics2.GetCounter("task_scheduler_bot_deaths"),
		metricTaskErrors: metrics2.GetCounter("task_scheduler_task_errors"),
	}
	if err := s.pending.Rebuild(ctx, d); err != nil {
		return nil, skerr.Wrap(err)
	}
	return s, nil
}

// validateRequest checks the parts of a request the server refuses to accept.
func validateRequest(req *types.TaskRequest) error {
	if req == nil {
		return skerr.Wrapf(ErrInvalidRequest, "no request")
	}
	if req.Name == "" {
		return skerr.Wrapf(ErrInvalidRequest, "name is required")
	}
	for _, tag := range req.Tags {
		if !types.ValidTag(tag) {
			return skerr.Wrapf(ErrInvalidRequest, "invalid tag %q", tag)
		}
	}
	if req.Priority < 0 || req.Priority > types.MAX_PRIORITY {
		return skerr.Wrapf(ErrInvalidRequest, "priority %d outside [0, %d]", req.Priority, types.MAX_PRIORITY)
	}
	for k, vals := range req.Properties.Dimensions {
		if k == "" {
			return skerr.Wrapf(ErrInvalidRequest, "empty dimension key")
		}
		if len(vals) == 0 {
			return skerr.Wrapf(ErrInvalidRequest, "dimension %q requires at least one value", k)
		}
		for _, v := range vals {
			if v == "" {
				return skerr.Wrapf(ErrInvalidRequest, "dimension %q has an empty value", k)
			}
		}
	}
	if req.IsTerminate() {
		return nil
	}
	if req.Priority == types.TERMINATE_PRIORITY {
		return skerr.Wrapf(ErrInvalidRequest, "priority %d is reserved for termination tasks", types.TERMINATE_PRIORITY)
	}
	if len(req.Properties.Command) == 0 {
		return skerr.Wrapf(ErrInvalidRequest, "command is required")
	}
	if req.Pool() == "" {
		return skerr.Wrapf(ErrInvalidRequest, "the %q dimension is required", types.DIMENSION_POOL_KEY)
	}
	if req.Properties.HardTimeoutSecs <= 0 || req.Properties.HardTimeoutSecs > MAX_TIMEOUT_SECS {
		return skerr.Wrapf(ErrInvalidRequest, "hard timeout %d outside (0, %d]", req.Properties.HardTimeoutSecs, MAX_TIMEOUT_SECS)
	}
	if req.Properties.IoTimeoutSecs < 0 || req.Properties.IoTimeoutSecs > MAX_TIMEOUT_SECS {
		return skerr.Wrapf(ErrInvalidRequest, "I/O timeout %d outside [0, %d]", req.Properties.IoTimeoutSecs, MAX_TIMEOUT_SECS)
	}
	if req.Properties.GracePeriodSecs < 0 {
		return skerr.Wrapf(ErrInvalidRequest, "negative grace period")
	}
	if util.TimeIsZero(req.Expiration) {
		return skerr.Wrapf(ErrInvalidRequest, "expiration is required")
	}
	if !req.Expiration.After(req.Created) {
		return skerr.Wrapf(ErrInvalidRequest, "expiration is in the past")
	}
	if req.Expiration.Sub(req.Created) > MAX_EXPIRATION {
		return skerr.Wrapf(ErrInvalidRequest, "expiration more than %s in the future", MAX_EXPIRATION)
	}
	return nil
}

// addAutomaticTags adds the server-generated tags to the request and sorts
// the result. Client tags are kept as provided.
func addAutomaticTags(req *types.TaskRequest) {
	tags := req.Tags
	add := func(tag string) {
		if !util.In(tag, tags) {
			tags = append(tags, tag)
		}
	}
	if pool := req.Pool(); pool != "" {
		add(types.DIMENSION_POOL_KEY + ":" + pool)
	}
	if botIds := req.Properties.Dimensions[types.DIMENSION_ID_KEY]; len(botIds) == 1 {
		add(types.DIMENSION_ID_KEY + ":" + botIds[0])
	}
	add(fmt.Sprintf("priority:%d", req.Priority))
	if req.User != "" {
		add("user:" + req.User)
	}
	sa := req.ServiceAccount
	if sa == "" {
		sa = "none"
	}
	add("service_account:" + sa)
	sort.Strings(tags)
	req.Tags = tags
}

// newSummary builds the initial PENDING result summary for a request.
func newSummary(req *types.TaskRequest) *types.TaskResultSummary {
	return &types.TaskResultSummary{
		RequestId: req.Id,
		Name:      req.Name,
		Tags:      util.CopyStringSlice(req.Tags),
		State:     types.TASK_STATE_PENDING,
		Created:   req.Created,
		Modified:  req.Created,
	}
}

// Schedule accepts a task request: it validates and normalizes the request,
// consults the dedup cache for idempotent requests, and otherwise stores the
// task and publishes it to the pending index. The given request is not
// modified; the stored request is available via the returned summary's
// RequestId.
func (s *Scheduler) Schedule(ctx context.Context, req *types.TaskRequest) (*types.TaskResultSummary, error) {
	req = req.Copy()
	req.Created = now.Now(ctx).UTC()
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	req.PoolFingerprint = types.PoolFingerprint(req.Pool())
	addAutomaticTags(req)
	if req.Properties.Idempotent {
		hash, err := req.Properties.CalculateHash()
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		req.PropertiesHash = hash
	} else {
		req.PropertiesHash = ""
	}
	if err := s.db.AssignId(ctx, req); err != nil {
		return nil, skerr.Wrap(err)
	}
	summary := newSummary(req)

	if req.PropertiesHash != "" {
		entry, err := s.deduper.Check(ctx, req.PropertiesHash)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if entry != nil {
			if err := s.applyDedup(ctx, req, summary, entry); err != nil {
				return nil, skerr.Wrap(err)
			}
			if summary.Deduped() {
				if err := s.db.PutNewTask(ctx, req, summary); err != nil {
					return nil, skerr.Wrap(err)
				}
				s.metricDeduped.Inc(1)
				return summary, nil
			}
		}
	}

	if err := s.db.PutNewTask(ctx, req, summary); err != nil {
		return nil, skerr.Wrap(err)
	}
	s.pending.Add(req)
	s.metricScheduled.Inc(1)
	return summary, nil
}

// applyDedup copies the result of the dedup entry's source run onto the new
// summary, marking it COMPLETED without ever entering the pending index. If
// the source run has vanished the summary is left untouched and the request
// schedules normally.
func (s *Scheduler) applyDedup(ctx context.Context, req *types.TaskRequest, summary *types.TaskResultSummary, entry *types.DedupEntry) error {
	srcId, kind, try, err := ids.Unpack(entry.RunId)
	if err != nil || kind != ids.KindRun {
		sklog.Errorf("Malformed dedup entry %q for hash %s; scheduling normally.", entry.RunId, entry.PropertiesHash)
		return nil
	}
	run, err := s.db.GetTaskRun(ctx, srcId, try)
	if err != nil {
		return skerr.Wrap(err)
	}
	if run == nil {
		sklog.Warningf("Dedup entry %s references missing run %s; scheduling normally.", entry.PropertiesHash, entry.RunId)
		return nil
	}
	summary.State = types.TASK_STATE_COMPLETED
	summary.DedupedFrom = entry.RunId
	summary.CurrentRunId = entry.RunId
	summary.BotId = run.BotId
	summary.Started = run.Started
	summary.Completed = run.Completed
	summary.ExitCode = run.ExitCode
	summary.OutputSize = run.OutputSize
	summary.CostSavedUsd = run.CostUsd
	summary.Modified = req.Created
	return nil
}

// BotClaim hands the best matching pending task to a polling bot. Returns
// nil with no error when there is nothing for the bot to do: the bot is
// unknown or quarantined, advertises no pool, no candidate matches, or every
// attempted claim lost its race within CLAIM_ATTEMPTS tries.
func (s *Scheduler) BotClaim(ctx context.Context, botId string, botDims map[string][]string) (*types.TaskManifest, error) {
	info, err := s.bots.Get(ctx, botId)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if info == nil || info.Quarantined {
		s.metricNoTask.Inc(1)
		return nil, nil
	}
	dims := util.CopyStringSliceMap(botDims)
	if dims == nil {
		dims = map[string][]string{}
	}
	// Every bot matches its own id dimension.
	if !util.In(botId, dims[types.DIMENSION_ID_KEY]) {
		dims[types.DIMENSION_ID_KEY] = append(dims[types.DIMENSION_ID_KEY], botId)
	}
	if len(dims[types.DIMENSION_POOL_KEY]) == 0 {
		s.metricNoTask.Inc(1)
		return nil, nil
	}
	for attempt := 0; attempt < CLAIM_ATTEMPTS; attempt++ {
		c := s.pending.Claim(botId, dims)
		if c == nil {
			break
		}
		manifest, err := s.claimOne(ctx, c.Id, botId)
		if err != nil {
			s.pending.Release(c.Id, botId)
			return nil, skerr.Wrap(err)
		}
		if manifest == nil {
			// The entry was stale: the task left PENDING without
			// being removed from the index. Drop it and try the
			// next candidate.
			s.pending.Remove(c.Id)
			continue
		}
		s.pending.Remove(c.Id)
		if err := s.bots.Assign(ctx, botId, manifest.TaskId); err != nil {
			sklog.Errorf("Failed to record assignment of %s to bot %s: %s", manifest.TaskId, botId, err)
		}
		s.metricClaimed.Inc(1)
		return manifest, nil
	}
	s.metricNoTask.Inc(1)
	return nil, nil
}

// claimOne runs the claim transaction for a single candidate. Returns a nil
// manifest without error if the candidate is no longer claimable.
func (s *Scheduler) claimOne(ctx context.Context, id int64, botId string) (*types.TaskManifest, error) {
	req, err := s.db.GetTaskRequest(ctx, id)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if req == nil {
		return nil, nil
	}
	_, run, err := s.db.ClaimTask(ctx, id, func(t *types.TaskResultSummary) (*types.TaskRunResult, error) {
		if t.State != types.TASK_STATE_PENDING {
			return nil, errStateChanged
		}
		try := t.TryNumber + 1
		if try > types.MAX_TRIES {
			return nil, errStateChanged
		}
		ts := now.Now(ctx).UTC()
		t.State = types.TASK_STATE_RUNNING
		t.TryNumber = try
		t.BotId = botId
		t.Started = ts
		t.Modified = ts
		t.CurrentRunId = ids.PackRun(id, try)
		return &types.TaskRunResult{
			RequestId: id,
			TryNumber: try,
			BotId:     botId,
			State:     types.TASK_STATE_RUNNING,
			Started:   ts,
			Modified:  ts,
		}, nil
	})
	if err == errStateChanged || db.IsAlreadyExists(err) || db.IsConcurrentUpdate(err) || db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	p := req.Properties
	return &types.TaskManifest{
		TaskId:          ids.PackRun(id, run.TryNumber),
		BotId:           botId,
		TryNumber:       run.TryNumber,
		Command:         util.CopyStringSlice(p.Command),
		Env:             util.CopyStringMap(p.Env),
		Dimensions:      util.CopyStringSliceMap(p.Dimensions),
		InputsRef:       p.InputsRef,
		HardTimeoutSecs: p.HardTimeoutSecs,
		IoTimeoutSecs:   p.IoTimeoutSecs,
		GracePeriodSecs: p.GracePeriodSecs,
		SecretBytesRef:  p.SecretBytesRef,
	}, nil
}

// BotUpdate applies one incremental report from a bot against a run. Returns
// mustStop=true when the bot should stop working on the task, either because
// a kill is pending or because the run is already finished. Output chunks are
// idempotent on their start offset: replays are accepted, overlaps and gaps
// are rejected.
func (s *Scheduler) BotUpdate(ctx context.Context, runId string, u *types.BotTaskUpdate) (bool, error) {
	id, kind, try, err := ids.Unpack(runId)
	if err != nil {
		return false, err
	}
	if kind != ids.KindRun {
		return false, skerr.Wrapf(ids.ErrInvalidTaskId, "not a run id: %q", runId)
	}
	run, err := s.db.GetTaskRun(ctx, id, try)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	if run == nil {
		return false, db.ErrNotFound
	}
	if run.Done() {
		return true, nil
	}

	newSize := run.OutputSize
	if u.Output != nil {
		// Chunk errors pass through unwrapped so that callers can
		// classify them with db.IsChunkGap and db.IsChunkOverlap.
		newSize, err = s.db.AppendOutput(ctx, runId, u.OutputChunkStart, u.Output)
		if err != nil {
			return false, err
		}
	}

	mustStop := false
	summary, run, err := db.UpdateTaskAndRunWithRetries(ctx, s.db, id, try, func(t *types.TaskResultSummary, r *types.TaskRunResult) error {
		if r.Done() {
			return errStateChanged
		}
		ts := now.Now(ctx).UTC()
		r.Modified = ts
		t.Modified = ts
		r.CostUsd = u.CostUsd
		t.CostUsd = u.CostUsd
		if newSize > r.OutputSize {
			r.OutputSize = newSize
			t.OutputSize = newSize
		}
		if !u.Final() {
			mustStop = r.Killing
			return nil
		}
		exit := *u.ExitCode
		r.ExitCode = exit
		t.ExitCode = exit
		if u.DurationSecs != nil {
			r.DurationSecs = *u.DurationSecs
		}
		r.HardTimedOut = u.HardTimeout
		r.IoTimedOut = u.IoTimeout
		var state types.TaskState
		switch {
		case u.HardTimeout || u.IoTimeout:
			state = types.TASK_STATE_TIMED_OUT
			r.Failure = true
			t.Failure = true
			r.Abandoned = ts
			t.Abandoned = ts
		case r.Killing:
			state = types.TASK_STATE_KILLED
			r.Failure = exit != 0
			t.Failure = r.Failure
			r.Abandoned = ts
			t.Abandoned = ts
		default:
			state = types.TASK_STATE_COMPLETED
			r.Failure = exit != 0
			t.Failure = r.Failure
			r.Completed = ts
			t.Completed = ts
		}
		r.State = state
		t.State = state
		r.Killing = false
		t.Killing = false
		mustStop = false
		return nil
	})
	if err == errStateChanged {
		return true, nil
	}
	if err != nil {
		return false, skerr.Wrap(err)
	}

	if run.Done() {
		req, err := s.db.GetTaskRequest(ctx, id)
		if err != nil {
			return false, skerr.Wrap(err)
		}
		event := types.BOT_EVENT_TASK_COMPLETED
		switch {
		case req.IsTerminate():
			event = types.BOT_EVENT_TERMINATED
		case run.State == types.TASK_STATE_KILLED:
			event = types.BOT_EVENT_TASK_KILLED
		}
		s.idleBot(ctx, run.BotId, runId, event, "")
		if err := s.deduper.Record(ctx, req.PropertiesHash, run); err != nil {
			sklog.Errorf("Failed to record dedup entry for %s: %s", runId, err)
		}
		s.notifyDone(ctx, req, summary)
	}
	return mustStop, nil
}

// MarkRunError fails the run after the bot reported that it could not
// execute the task. Unlike a bot death the failure is immediate and terminal;
// the task is not retried, because the bot proved it cannot run it.
func (s *Scheduler) MarkRunError(ctx context.Context, runId, message string) error {
	id, kind, try, err := ids.Unpack(runId)
	if err != nil {
		return err
	}
	if kind != ids.KindRun {
		return skerr.Wrapf(ids.ErrInvalidTaskId, "not a run id: %q", runId)
	}
	run, err := s.db.GetTaskRun(ctx, id, try)
	if err != nil {
		return skerr.Wrap(err)
	}
	if run == nil {
		return db.ErrNotFound
	}
	if run.Done() {
		return nil
	}
	summary, run, err := db.UpdateTaskAndRunWithRetries(ctx, s.db, id, try, func(t *types.TaskResultSummary, r *types.TaskRunResult) error {
		if r.Done() {
			return errStateChanged
		}
		ts := now.Now(ctx).UTC()
		r.State = types.TASK_STATE_BOT_DIED
		r.InternalFailure = true
		r.Abandoned = ts
		r.Modified = ts
		r.Killing = false
		t.State = types.TASK_STATE_BOT_DIED
		t.InternalFailure = true
		t.Abandoned = ts
		t.Modified = ts
		t.Killing = false
		return nil
	})
	if err == errStateChanged {
		return nil
	}
	if err != nil {
		return skerr.Wrap(err)
	}
	s.metricTaskErrors.Inc(1)
	s.idleBot(ctx, run.BotId, runId, types.BOT_EVENT_TASK_COMPLETED, message)
	req, err := s.db.GetTaskRequest(ctx, id)
	if err != nil {
		sklog.Errorf("Failed loading request %s after task error: %s", ids.PackSummary(id), err)
		return nil
	}
	s.notifyDone(ctx, req, summary)
	return nil
}

// Cancel stops the task. A PENDING task transitions to CANCELED; a RUNNING
// task is only touched when killRunning is set, in which case a kill marker
// is set and the bot is told to stop on its next update. Returns whether the
// cancellation was accepted and whether the task was running at the time.
func (s *Scheduler) Cancel(ctx context.Context, taskId int64, killRunning bool) (bool, bool, error) {
	for attempt := 0; attempt < db.NUM_RETRIES; attempt++ {
		t, err := s.db.GetTaskResult(ctx, taskId)
		if err != nil {
			return false, false, skerr.Wrap(err)
		}
		if t == nil {
			return false, false, db.ErrNotFound
		}
		switch t.State {
		case types.TASK_STATE_PENDING:
			ts := now.Now(ctx).UTC()
			t.State = types.TASK_STATE_CANCELED
			t.Abandoned = ts
			t.Modified = ts
			if err := s.db.UpdateTaskSummary(ctx, t); err != nil {
				if db.IsConcurrentUpdate(err) {
					continue
				}
				return false, false, skerr.Wrap(err)
			}
			s.pending.Remove(taskId)
			s.metricCanceled.Inc(1)
			req, err := s.db.GetTaskRequest(ctx, taskId)
			if err != nil {
				sklog.Errorf("Failed loading request %s after cancel: %s", ids.PackSummary(taskId), err)
			} else {
				s.notifyDone(ctx, req, t)
			}
			return true, false, nil
		case types.TASK_STATE_RUNNING:
			if !killRunning {
				return false, true, nil
			}
			_, _, err := db.UpdateTaskAndRunWithRetries(ctx, s.db, taskId, t.TryNumber, func(sum *types.TaskResultSummary, run *types.TaskRunResult) error {
				if sum.State != types.TASK_STATE_RUNNING || run.Done() {
					return errStateChanged
				}
				ts := now.Now(ctx).UTC()
				sum.Killing = true
				sum.Modified = ts
				run.Killing = true
				run.Modified = ts
				return nil
			})
			if err == errStateChanged {
				continue
			}
			if err != nil {
				return false, true, skerr.Wrap(err)
			}
			s.metricCanceled.Inc(1)
			return true, true, nil
		default:
			return false, false, nil
		}
	}
	return false, false, db.ErrConcurrentUpdate
}

// encodeBulkCursor prefixes a search cursor with the sweep phase which
// produced it, so a resumed sweep picks up in the same phase.
func encodeBulkCursor(state types.TaskState, cur string) string {
	return string(state) + "/" + cur
}

// decodeBulkCursor splits a bulk cancellation cursor into its sweep phase
// and the underlying search cursor.
func decodeBulkCursor(cursor string) (types.TaskState, string, error) {
	state, cur, ok := strings.Cut(cursor, "/")
	if ok {
		switch types.TaskState(state) {
		case types.TASK_STATE_PENDING, types.TASK_STATE_RUNNING:
			return types.TaskState(state), cur, nil
		}
	}
	return "", "", skerr.Wrapf(db.ErrInvalidCursor, "bad bulk cancellation cursor %q", cursor)
}

// BulkCancel cancels every task which carries all of the given tags,
// paginating through the matching tasks and canceling them individually.
// Only PENDING tasks are touched unless killRunning is set, which extends
// the sweep to RUNNING tasks. A non-empty cursor resumes an interrupted
// sweep in the phase which produced it; already-canceled tasks are skipped
// for free because they no longer match the state filter.
//
// Per-task failures do not stop the sweep; they are aggregated into the
// returned error. Returns the number of tasks matched and, when a page-level
// failure aborts the sweep, the cursor to resume from.
func (s *Scheduler) BulkCancel(ctx context.Context, tags []string, killRunning bool, cursor string) (int, string, error) {
	if len(tags) == 0 {
		return 0, "", skerr.Wrapf(ErrInvalidRequest, "bulk cancellation requires at least one tag")
	}
	for _, tag := range tags {
		if !types.ValidTag(tag) {
			return 0, "", skerr.Wrapf(ErrInvalidRequest, "invalid tag %q", tag)
		}
	}
	startState := types.TASK_STATE_PENDING
	startCursor := ""
	if cursor != "" {
		var err error
		startState, startCursor, err = decodeBulkCursor(cursor)
		if err != nil {
			return 0, "", skerr.Wrap(err)
		}
		if startState == types.TASK_STATE_RUNNING && !killRunning {
			return 0, "", skerr.Wrapf(db.ErrInvalidCursor, "cursor resumes the RUNNING phase but kill_running is not set")
		}
	}
	ts := now.Now(ctx).UTC()
	states := []types.TaskState{types.TASK_STATE_PENDING}
	if killRunning {
		states = append(states, types.TASK_STATE_RUNNING)
	}
	matched := 0
	var merr *multierror.Error
	for _, state := range states {
		if state == types.TASK_STATE_PENDING && startState == types.TASK_STATE_RUNNING {
			continue
		}
		cur := ""
		if state == startState {
			cur = startCursor
		}
		for {
			page, next, err := db.SearchTasks(ctx, s.db, &db.TaskSearchParams{
				Tags:   tags,
				State:  state,
				Start:  ts.Add(-TASK_SCAN_WINDOW),
				End:    ts,
				Sort:   db.SORT_CREATED,
				Limit:  db.MAX_SEARCH_LIMIT,
				Cursor: cur,
			})
			if err != nil {
				return matched, encodeBulkCursor(state, cur), skerr.Wrap(err)
			}
			for _, t := range page {
				matched++
				if _, _, err := s.Cancel(ctx, t.RequestId, killRunning); err != nil {
					merr = multierror.Append(merr, skerr.Wrapf(err, "canceling %s", ids.PackSummary(t.RequestId)))
				}
			}
			if next == "" {
				break
			}
			cur = next
		}
	}
	return matched, "", merr.ErrorOrNil()
}

// TerminateBot schedules a termination task for the named bot: a priority-0
// request with no command which only that bot can claim. The bot completes
// it by acknowledging, then shuts down. Returns the task's summary.
func (s *Scheduler) TerminateBot(ctx context.Context, botId, user string) (*types.TaskResultSummary, error) {
	if botId == "" {
		return nil, skerr.Wrapf(ErrInvalidRequest, "bot id is required")
	}
	req := &types.TaskRequest{
		Name:     "Terminate " + botId,
		User:     user,
		Priority: types.TERMINATE_PRIORITY,
		Properties: types.TaskProperties{
			Dimensions: map[string][]string{
				types.DIMENSION_ID_KEY: {botId},
			},
		},
		Tags: []string{"terminate:1"},
	}
	return s.Schedule(ctx, req)
}

// ExpireTasks fails every PENDING task whose expiration deadline has passed.
// Returns the number of tasks expired; per-task failures are logged and do
// not stop the sweep.
func (s *Scheduler) ExpireTasks(ctx context.Context) (int, error) {
	pending, err := s.db.GetPendingTasks(ctx)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	ts := now.Now(ctx).UTC()
	count := 0
	for _, t := range pending {
		req, err := s.db.GetTaskRequest(ctx, t.RequestId)
		if err != nil {
			sklog.Errorf("Failed loading request %s: %s", ids.PackSummary(t.RequestId), err)
			continue
		}
		if req == nil || util.TimeIsZero(req.Expiration) || req.Expiration.After(ts) {
			continue
		}
		expired, err := db.UpdateTaskSummaryWithRetries(ctx, s.db, t.RequestId, func(sum *types.TaskResultSummary) error {
			if sum.State != types.TASK_STATE_PENDING {
				return errStateChanged
			}
			sum.State = types.TASK_STATE_EXPIRED
			sum.Abandoned = ts
			sum.Modified = ts
			return nil
		})
		if err == errStateChanged {
			continue
		}
		if err != nil {
			sklog.Errorf("Failed expiring task %s: %s", ids.PackSummary(t.RequestId), err)
			continue
		}
		s.pending.Remove(t.RequestId)
		s.metricExpired.Inc(1)
		s.notifyDone(ctx, req, expired)
		count++
	}
	return count, nil
}

// SweepBotDeaths reclaims RUNNING tasks whose bot has stopped reporting for
// longer than the given timeout. A first-try run is marked BOT_DIED and its
// summary goes back to PENDING for a second attempt; a second-try run fails
// the task terminally. Returns the retried and terminally-failed counts.
func (s *Scheduler) SweepBotDeaths(ctx context.Context, timeout time.Duration) (int, int, error) {
	ts := now.Now(ctx).UTC()
	horizon := ts.Add(-timeout)
	retried, died := 0, 0
	cursor := ""
	for {
		page, next, err := db.SearchTasks(ctx, s.db, &db.TaskSearchParams{
			State:  types.TASK_STATE_RUNNING,
			Start:  ts.Add(-TASK_SCAN_WINDOW),
			End:    ts,
			Sort:   db.SORT_CREATED,
			Limit:  db.MAX_SEARCH_LIMIT,
			Cursor: cursor,
		})
		if err != nil {
			return retried, died, skerr.Wrap(err)
		}
		for _, t := range page {
			if !t.Modified.Before(horizon) {
				continue
			}
			r, d, err := s.reapDeadRun(ctx, t.RequestId, t.TryNumber, horizon)
			if err != nil {
				sklog.Errorf("Failed reaping task %s: %s", ids.PackSummary(t.RequestId), err)
				continue
			}
			retried += r
			died += d
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return retried, died, nil
}

// reapDeadRun applies the bot-death transition for one run. Returns
// (1, 0) if the task went back to PENDING for a retry, (0, 1) if it failed
// terminally, and (0, 0) if the run turned out to be alive after all.
func (s *Scheduler) reapDeadRun(ctx context.Context, id int64, try int, horizon time.Time) (int, int, error) {
	req, err := s.db.GetTaskRequest(ctx, id)
	if err != nil {
		return 0, 0, skerr.Wrap(err)
	}
	if req == nil {
		return 0, 0, skerr.Fmt("running task %s has no request", ids.PackSummary(id))
	}
	repend := false
	summary, run, err := db.UpdateTaskAndRunWithRetries(ctx, s.db, id, try, func(sum *types.TaskResultSummary, r *types.TaskRunResult) error {
		if sum.State != types.TASK_STATE_RUNNING || r.Done() {
			return errStateChanged
		}
		if !r.Modified.Before(horizon) {
			return errStateChanged
		}
		ts := now.Now(ctx).UTC()
		r.State = types.TASK_STATE_BOT_DIED
		r.InternalFailure = true
		r.Abandoned = ts
		r.Modified = ts
		sum.Modified = ts
		repend = false
		switch {
		case sum.Killing:
			// The kill is acknowledged by death.
			sum.State = types.TASK_STATE_KILLED
			sum.Killing = false
			sum.InternalFailure = true
			sum.Abandoned = ts
		case r.TryNumber < types.MAX_TRIES:
			sum.State = types.TASK_STATE_PENDING
			sum.BotId = ""
			sum.CurrentRunId = ""
			sum.Started = time.Time{}
			repend = true
		default:
			sum.State = types.TASK_STATE_BOT_DIED
			sum.InternalFailure = true
			sum.Abandoned = ts
		}
		return nil
	})
	if err == errStateChanged {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, skerr.Wrap(err)
	}
	s.metricBotDeaths.Inc(1)
	runId := ids.PackRun(id, run.TryNumber)
	s.idleBot(ctx, run.BotId, runId, types.BOT_EVENT_MISSING, "Bot stopped reporting while running the task.")
	if repend {
		s.pending.Add(req)
		return 1, 0, nil
	}
	s.notifyDone(ctx, req, summary)
	return 0, 1, nil
}

// RebuildIndex refreshes the pending index from the task store, picking up
// entries lost to process restarts or transient failures.
func (s *Scheduler) RebuildIndex(ctx context.Context) error {
	return s.pending.Rebuild(ctx, s.db)
}

// PendingCounts returns the number of indexed pending tasks per pool, for
// reporting.
func (s *Scheduler) PendingCounts() map[string]int {
	return s.pending.SizeByPool()
}

// notifyDone sends the completion notification for a task which reached a
// terminal state, if its request asked for one.
func (s *Scheduler) notifyDone(ctx context.Context, req *types.TaskRequest, t *types.TaskResultSummary) {
	if s.notifier == nil || req == nil || req.PubSubTopic == "" {
		return
	}
	if err := s.notifier.NotifyCompleted(ctx, req, t); err != nil {
		sklog.Errorf("Failed to send completion notification for task %s: %s", ids.PackSummary(req.Id), err)
	}
}

// idleBot clears the bot's assignment after its run finished, logging instead
// of failing: the task transition has already committed.
func (s *Scheduler) idleBot(ctx context.Context, botId, runId string, event types.BotEventType, message string) {
	if botId == "" {
		return
	}
	if err := s.bots.Idle(ctx, botId, runId, event, message); err != nil {
		sklog.Errorf("Failed to release bot %s after %s: %s", botId, runId, err)
	}
}
