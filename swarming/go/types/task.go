package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/go/util"
)

const (
	// MAX_PRIORITY is the largest (least urgent) allowed task priority.
	MAX_PRIORITY = 255

	// TERMINATE_PRIORITY is reserved for bot termination requests and may
	// not be used by normal task submissions.
	TERMINATE_PRIORITY = 0

	// MAX_TRIES is the number of run attempts a request may consume,
	// including the automatic retry after a bot death.
	MAX_TRIES = 2

	// DIMENSION_POOL_KEY is the reserved dimension key which shards the
	// pending index and scopes scheduling.
	DIMENSION_POOL_KEY = "pool"

	// DIMENSION_ID_KEY is the reserved dimension key which matches a
	// single bot by id, used by termination tasks.
	DIMENSION_ID_KEY = "id"

	// SERVICE_ACCOUNT_BOT indicates that a task runs with the credentials
	// of the bot which claims it.
	SERVICE_ACCOUNT_BOT = "bot"
)

// TaskState is the lifecycle state of a task, shared by result summaries and
// individual runs.
type TaskState string

const (
	// TASK_STATE_PENDING indicates the task is waiting to be claimed by a
	// bot.
	TASK_STATE_PENDING TaskState = "PENDING"

	// TASK_STATE_RUNNING indicates a bot has claimed the task and is
	// working on it.
	TASK_STATE_RUNNING TaskState = "RUNNING"

	// TASK_STATE_COMPLETED indicates the task ran to completion; the exit
	// code determines success or failure.
	TASK_STATE_COMPLETED TaskState = "COMPLETED"

	// TASK_STATE_EXPIRED indicates no capable bot claimed the task before
	// its expiration deadline.
	TASK_STATE_EXPIRED TaskState = "EXPIRED"

	// TASK_STATE_TIMED_OUT indicates the task was killed by the bot after
	// exceeding its execution or I/O timeout.
	TASK_STATE_TIMED_OUT TaskState = "TIMED_OUT"

	// TASK_STATE_BOT_DIED indicates the bot running the task stopped
	// reporting progress and is presumed dead.
	TASK_STATE_BOT_DIED TaskState = "BOT_DIED"

	// TASK_STATE_CANCELED indicates the task was canceled before a bot
	// claimed it.
	TASK_STATE_CANCELED TaskState = "CANCELED"

	// TASK_STATE_KILLED indicates the task was canceled while running and
	// the bot acknowledged the kill.
	TASK_STATE_KILLED TaskState = "KILLED"

	// TASK_STATE_NO_RESOURCE indicates no bot matching the requested
	// dimensions existed at submission time and the request was refused
	// immediately.
	TASK_STATE_NO_RESOURCE TaskState = "NO_RESOURCE"
)

// VALID_TASK_STATES lists every TaskState.
var VALID_TASK_STATES = []TaskState{
	TASK_STATE_PENDING,
	TASK_STATE_RUNNING,
	TASK_STATE_COMPLETED,
	TASK_STATE_EXPIRED,
	TASK_STATE_TIMED_OUT,
	TASK_STATE_BOT_DIED,
	TASK_STATE_CANCELED,
	TASK_STATE_KILLED,
	TASK_STATE_NO_RESOURCE,
}

// TASK_STATE_BADNESS is the aggregation order for TaskStates, used when
// rolling several runs up into a single display state. Higher is worse.
var TASK_STATE_BADNESS = map[TaskState]int{
	TASK_STATE_COMPLETED:   0,
	TASK_STATE_PENDING:     1,
	TASK_STATE_RUNNING:     2,
	TASK_STATE_CANCELED:    3,
	TASK_STATE_KILLED:      4,
	TASK_STATE_EXPIRED:     5,
	TASK_STATE_NO_RESOURCE: 6,
	TASK_STATE_TIMED_OUT:   7,
	TASK_STATE_BOT_DIED:    8,
}

// WorseThan returns true iff this TaskState is worse than the given TaskState.
func (s TaskState) WorseThan(other TaskState) bool {
	return TASK_STATE_BADNESS[s] > TASK_STATE_BADNESS[other]
}

// WorseTaskState returns the worse of the two TaskStates.
func WorseTaskState(a, b TaskState) TaskState {
	if a.WorseThan(b) {
		return a
	}
	return b
}

// Terminal returns true if a task in this state has finished and will not
// change state again, with one exception: a first-try BOT_DIED run triggers
// an automatic retry which moves the result summary back to PENDING.
func (s TaskState) Terminal() bool {
	switch s {
	case TASK_STATE_COMPLETED, TASK_STATE_EXPIRED, TASK_STATE_TIMED_OUT,
		TASK_STATE_BOT_DIED, TASK_STATE_CANCELED, TASK_STATE_KILLED,
		TASK_STATE_NO_RESOURCE:
		return true
	}
	return false
}

// Valid returns true if the TaskState is one of the defined states.
func (s TaskState) Valid() bool {
	_, ok := TASK_STATE_BADNESS[s]
	return ok
}

// legalTransitions maps each TaskState to the states it may move to.
// PENDING→COMPLETED happens only on a dedup hit, and BOT_DIED→PENDING only
// when a first-try death triggers the automatic retry; both are enforced by
// the scheduler, not here.
var legalTransitions = map[TaskState][]TaskState{
	TASK_STATE_PENDING: {
		TASK_STATE_RUNNING,
		TASK_STATE_EXPIRED,
		TASK_STATE_CANCELED,
		TASK_STATE_COMPLETED,
		TASK_STATE_NO_RESOURCE,
	},
	TASK_STATE_RUNNING: {
		TASK_STATE_COMPLETED,
		TASK_STATE_TIMED_OUT,
		TASK_STATE_BOT_DIED,
		TASK_STATE_KILLED,
	},
	TASK_STATE_BOT_DIED: {
		TASK_STATE_PENDING,
	},
}

// ValidTransition returns true iff a task may move from state a to state b.
func ValidTransition(a, b TaskState) bool {
	for _, s := range legalTransitions[a] {
		if s == b {
			return true
		}
	}
	return false
}

// InputsRef points at content-addressed task inputs. The scheduler stores and
// returns it opaquely; fetching the tree is the bot's concern.
type InputsRef struct {
	// Digest identifies the root of the input tree.
	Digest string

	// Server is the content-addressed storage backend to fetch from.
	Server string
}

// Copy returns a copy of the InputsRef.
func (r InputsRef) Copy() InputsRef {
	return r
}

// IsZero returns true if the InputsRef is empty.
func (r InputsRef) IsZero() bool {
	return r.Digest == "" && r.Server == ""
}

// TaskProperties describes what a task runs and what it needs from the bot
// which runs it. Two requests with equal canonicalized properties are
// interchangeable for deduplication purposes.
type TaskProperties struct {
	// Command is the command line to run. Empty for termination tasks.
	Command []string

	// Env is extra environment for the command.
	Env map[string]string

	// Dimensions are the attributes a bot must advertise to be eligible,
	// with value-set semantics: for every key, each required value must be
	// present in the bot's value set for that key.
	Dimensions map[string][]string

	// InputsRef optionally points at content-addressed inputs.
	InputsRef InputsRef

	// HardTimeoutSecs bounds total execution time. Enforced bot-side.
	HardTimeoutSecs int64

	// IoTimeoutSecs bounds silence on the task's output. Enforced
	// bot-side.
	IoTimeoutSecs int64

	// GracePeriodSecs is how long the bot waits between SIGTERM and
	// SIGKILL when stopping the task.
	GracePeriodSecs int64

	// Idempotent declares that the task has no side effects beyond its
	// outputs, making it eligible for deduplication.
	Idempotent bool

	// SecretBytesRef names an out-of-band secret delivered to the bot
	// with the task. Excluded from the properties hash.
	SecretBytesRef string
}

// Copy returns a deep copy of the TaskProperties.
func (p *TaskProperties) Copy() *TaskProperties {
	return &TaskProperties{
		Command:         util.CopyStringSlice(p.Command),
		Env:             util.CopyStringMap(p.Env),
		Dimensions:      util.CopyStringSliceMap(p.Dimensions),
		InputsRef:       p.InputsRef.Copy(),
		HardTimeoutSecs: p.HardTimeoutSecs,
		IoTimeoutSecs:   p.IoTimeoutSecs,
		GracePeriodSecs: p.GracePeriodSecs,
		Idempotent:      p.Idempotent,
		SecretBytesRef:  p.SecretBytesRef,
	}
}

// CalculateHash returns the lowercase hex SHA-256 digest of the canonicalized
// properties. Dimension value sets are sorted and secret bytes are excluded,
// so otherwise-identical requests hash equal regardless of secrets. The
// digest is stable across serialize/reparse of the request.
func (p *TaskProperties) CalculateHash() (string, error) {
	norm := p.Copy()
	norm.SecretBytesRef = ""
	for _, vals := range norm.Dimensions {
		sort.Strings(vals)
	}
	// encoding/json writes map keys in sorted order, which makes the
	// encoding canonical for our field types.
	b, err := json.Marshal(norm)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// TaskRequest describes a task as accepted from a client. It is immutable
// once created.
//
// Note: changes to this struct must maintain backwards compatibility with
// gob-encoded records in existing stores.
type TaskRequest struct {
	// Id is the unique identifier of the request. Its high bits derive
	// from the creation time so that ids strictly decrease as wall time
	// advances; ascending key scans therefore read newest-first.
	Id int64

	// Name is a display name for the task.
	Name string

	// User is who the task runs on behalf of.
	User string

	// Authenticated is the identity which submitted the request.
	Authenticated string

	// Priority orders claims within a pool; lower is more urgent.
	// TERMINATE_PRIORITY is reserved for termination tasks.
	Priority int

	// Created is when the server accepted the request.
	Created time.Time

	// Expiration is the absolute deadline after which a still-PENDING
	// request fails with EXPIRED.
	Expiration time.Time

	// Properties describe what to run.
	Properties TaskProperties

	// PropertiesHash is the canonical digest of Properties, non-empty iff
	// the request is idempotent.
	PropertiesHash string

	// Tags are "k:v" strings used for filtering and bulk cancellation,
	// kept sorted.
	Tags []string

	// ServiceAccount is "", SERVICE_ACCOUNT_BOT, or a service account
	// email the task runs as.
	ServiceAccount string

	// PubSubTopic, if non-empty, receives a notification when the task
	// reaches a terminal state.
	PubSubTopic string

	// PubSubUserData is echoed back in the completion notification.
	PubSubUserData string

	// PoolFingerprint is the index shard key derived from the pool
	// dimension; empty for termination tasks, which have no pool.
	PoolFingerprint string
}

// Copy returns a deep copy of the TaskRequest.
func (r *TaskRequest) Copy() *TaskRequest {
	rv := new(TaskRequest)
	*rv = *r
	rv.Properties = *r.Properties.Copy()
	rv.Tags = util.CopyStringSlice(r.Tags)
	return rv
}

// Pool returns the first value of the pool dimension, or "" if the request
// has none (termination tasks).
func (r *TaskRequest) Pool() string {
	vals := r.Properties.Dimensions[DIMENSION_POOL_KEY]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// PoolFingerprint derives the pending-index shard key from a pool name. The
// empty pool (termination tasks) maps to the empty fingerprint.
func PoolFingerprint(pool string) string {
	if pool == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(DIMENSION_POOL_KEY + ":" + pool))
	return hex.EncodeToString(sum[:8])
}

// IsTerminate returns true if this is a bot termination request: priority 0,
// no command, and a sole "id" dimension naming the bot to drain.
func (r *TaskRequest) IsTerminate() bool {
	return r.Priority == TERMINATE_PRIORITY &&
		len(r.Properties.Command) == 0 &&
		len(r.Properties.Dimensions[DIMENSION_ID_KEY]) == 1
}

// TaskResultSummary is the mutable aggregate state of a request, exactly one
// per TaskRequest and created atomically with it.
//
// Note: changes to this struct must maintain backwards compatibility with
// gob-encoded records in existing stores.
type TaskResultSummary struct {
	// RequestId is the id of the TaskRequest this summarizes.
	RequestId int64

	// Name is the request's display name, cached here so that listings do
	// not need to load the request.
	Name string

	// Tags are the request's tags, cached here so that tag-filtered
	// queries and bulk cancellation do not need to load each request.
	Tags []string

	// State is the current lifecycle state.
	State TaskState

	// TryNumber is 0 until a bot claims the task, then 1, or 2 after a
	// bot-death retry.
	TryNumber int

	// CurrentRunId is the packed id of the run backing the current state,
	// or "" while no run exists. For a deduped task it names the run the
	// result was copied from.
	CurrentRunId string

	// DedupedFrom is the packed run id this result was deduplicated from,
	// or "". Set only when the task went PENDING→COMPLETED without ever
	// running.
	DedupedFrom string

	// BotId is the bot which ran (or is running) the task, cached from
	// the current run.
	BotId string

	// Created is when the request was accepted.
	Created time.Time

	// Started is when a bot claimed the task.
	Started time.Time

	// Completed is when the task reached COMPLETED.
	Completed time.Time

	// Abandoned is when the task reached a terminal state other than
	// COMPLETED.
	Abandoned time.Time

	// Modified advances on every mutation and drives liveness checks.
	Modified time.Time

	// ExitCode is the command's exit code, valid only once State is
	// COMPLETED.
	ExitCode int64

	// Failure is true if the command completed with a non-zero exit code.
	Failure bool

	// InternalFailure is true if the task failed due to the
	// infrastructure rather than the command.
	InternalFailure bool

	// OutputSize is the total size in bytes of the output stream.
	OutputSize int64

	// CostUsd is the estimated cost of running the task, as reported by
	// the bot.
	CostUsd float64

	// CostSavedUsd is the cost avoided by deduplication, copied from the
	// source run on a dedup hit.
	CostSavedUsd float64

	// Killing is set while a cancellation of the running task waits for
	// the bot to acknowledge.
	Killing bool

	// DbModified is the database modification timestamp, used for
	// optimistic concurrency. It is managed by the store and must not be
	// modified elsewhere.
	DbModified time.Time
}

// Copy returns a deep copy of the TaskResultSummary.
func (t *TaskResultSummary) Copy() *TaskResultSummary {
	rv := new(TaskResultSummary)
	*rv = *t
	rv.Tags = util.CopyStringSlice(t.Tags)
	return rv
}

// Done returns true if the task has reached a terminal state.
func (t *TaskResultSummary) Done() bool {
	return t.State.Terminal()
}

// Pending returns true if the task has not yet been claimed.
func (t *TaskResultSummary) Pending() bool {
	return t.State == TASK_STATE_PENDING
}

// Deduped returns true if this result was satisfied from a previous run.
func (t *TaskResultSummary) Deduped() bool {
	return t.DedupedFrom != ""
}

// TaskRunResult records one execution attempt of a request on a bot; at most
// MAX_TRIES exist per request.
//
// Note: changes to this struct must maintain backwards compatibility with
// gob-encoded records in existing stores.
type TaskRunResult struct {
	// RequestId is the id of the TaskRequest this run belongs to.
	RequestId int64

	// TryNumber distinguishes the attempts of one request, 1-based.
	TryNumber int

	// BotId is the bot executing this run. A run has exactly one bot.
	BotId string

	// State is the current lifecycle state; PENDING never occurs here.
	State TaskState

	// Started is when the bot claimed the run.
	Started time.Time

	// Completed is when the run reached COMPLETED.
	Completed time.Time

	// Abandoned is when the run reached a terminal state other than
	// COMPLETED.
	Abandoned time.Time

	// Modified advances on every bot update; the bot-death sweep treats a
	// stale Modified as a dead bot.
	Modified time.Time

	// DurationSecs is the command runtime as reported by the bot on its
	// final update.
	DurationSecs float64

	// ExitCode is the command's exit code, valid only once State is
	// COMPLETED.
	ExitCode int64

	// Failure is true if the command completed with a non-zero exit code.
	Failure bool

	// InternalFailure is true if the run failed due to the infrastructure
	// rather than the command.
	InternalFailure bool

	// HardTimedOut is true if the bot killed the command for exceeding
	// its execution timeout.
	HardTimedOut bool

	// IoTimedOut is true if the bot killed the command for output
	// silence.
	IoTimedOut bool

	// Killing is set while a kill waits for the bot to acknowledge.
	Killing bool

	// OutputSize is the total size in bytes of the persisted output.
	OutputSize int64

	// CostUsd is the running cost estimate reported by the bot.
	CostUsd float64

	// DbModified is the database modification timestamp, used for
	// optimistic concurrency. It is managed by the store and must not be
	// modified elsewhere.
	DbModified time.Time
}

// Copy returns a deep copy of the TaskRunResult.
func (t *TaskRunResult) Copy() *TaskRunResult {
	rv := new(TaskRunResult)
	*rv = *t
	return rv
}

// Done returns true if the run has reached a terminal state.
func (t *TaskRunResult) Done() bool {
	return t.State.Terminal()
}

// TaskManifest is the run descriptor handed to a bot when it claims a task.
type TaskManifest struct {
	// TaskId is the packed run id the bot reports updates against.
	TaskId string

	// BotId echoes the claiming bot.
	BotId string

	// TryNumber is the attempt number of this run.
	TryNumber int

	// Command, Env, Dimensions, and InputsRef mirror the request
	// properties.
	Command    []string
	Env        map[string]string
	Dimensions map[string][]string
	InputsRef  InputsRef

	// HardTimeoutSecs, IoTimeoutSecs and GracePeriodSecs are enforced by
	// the bot.
	HardTimeoutSecs int64
	IoTimeoutSecs   int64
	GracePeriodSecs int64

	// SecretBytesRef names the secret to deliver with the task, if any.
	SecretBytesRef string
}

// Copy returns a deep copy of the TaskManifest.
func (m *TaskManifest) Copy() *TaskManifest {
	rv := new(TaskManifest)
	*rv = *m
	rv.Command = util.CopyStringSlice(m.Command)
	rv.Env = util.CopyStringMap(m.Env)
	rv.Dimensions = util.CopyStringSliceMap(m.Dimensions)
	return rv
}

// BotTaskUpdate carries one incremental report from a bot about a run.
type BotTaskUpdate struct {
	// CommandIndex is which command the bot is on; informational.
	CommandIndex int

	// CostUsd is the bot's running cost estimate for the task.
	CostUsd float64

	// Output is a chunk of the task's combined stdout/stderr, or nil.
	Output []byte

	// OutputChunkStart is the byte offset of Output within the stream,
	// meaningful only when Output is non-nil.
	OutputChunkStart int64

	// ExitCode is non-nil on the bot's final update for the run.
	ExitCode *int64

	// DurationSecs is the command runtime, reported with the final
	// update.
	DurationSecs *float64

	// HardTimeout is true if the execution timeout fired.
	HardTimeout bool

	// IoTimeout is true if the I/O timeout fired.
	IoTimeout bool
}

// Copy returns a deep copy of the BotTaskUpdate.
func (u *BotTaskUpdate) Copy() *BotTaskUpdate {
	rv := new(BotTaskUpdate)
	*rv = *u
	if u.Output != nil {
		rv.Output = append([]byte{}, u.Output...)
	}
	if u.ExitCode != nil {
		v := *u.ExitCode
		rv.ExitCode = &v
	}
	if u.DurationSecs != nil {
		v := *u.DurationSecs
		rv.DurationSecs = &v
	}
	return rv
}

// Final returns true if this update finishes the run.
func (u *BotTaskUpdate) Final() bool {
	return u.ExitCode != nil
}

// DedupEntry records a completed idempotent run for reuse by later
// equivalent requests, with TTL-bounded retention.
type DedupEntry struct {
	// PropertiesHash is the canonical digest of the source request's
	// properties.
	PropertiesHash string

	// RunId is the packed id of the completed source run.
	RunId string

	// Completed is when the source run completed; entries older than the
	// configured TTL are ignored and eventually pruned.
	Completed time.Time
}

// Copy returns a copy of the DedupEntry.
func (e *DedupEntry) Copy() *DedupEntry {
	rv := new(DedupEntry)
	*rv = *e
	return rv
}

// ValidTag returns true if the given string is a well-formed "k:v" tag.
func ValidTag(tag string) bool {
	idx := strings.Index(tag, ":")
	return idx > 0 && idx < len(tag)-1
}

// TaskResultSummarySlice implements sort.Interface. To sort summaries
// []*TaskResultSummary, use sort.Sort(TaskResultSummarySlice(summaries)).
// Orders by Created, oldest first, with the id as tie-break.
type TaskResultSummarySlice []*TaskResultSummary

func (s TaskResultSummarySlice) Len() int { return len(s) }

func (s TaskResultSummarySlice) Less(a, b int) bool {
	if s[a].Created.Equal(s[b].Created) {
		return s[a].RequestId < s[b].RequestId
	}
	return s[a].Created.Before(s[b].Created)
}

func (s TaskResultSummarySlice) Swap(a, b int) { s[a], s[b] = s[b], s[a] }
