// Package rpc defines the URL table and the JSON request/response types of
// the swarming server API, plus the conversions between wire types and the
// internal types. Both the server and the Go client build on this package.
package rpc

import (
	"sort"
	"time"

	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/types"
)

// URL paths of the client-facing API.
const (
	APIPrefix = "/_ah/api/swarming/v1"

	TasksNewRelativeURL      = "/tasks/new"
	TasksListRelativeURL     = "/tasks/list"
	TasksRequestsRelativeURL = "/tasks/requests"
	TasksCountRelativeURL    = "/tasks/count"
	TasksTagsRelativeURL     = "/tasks/tags"
	TasksCancelRelativeURL   = "/tasks/cancel"

	TaskResultRelativeURL  = "/task/{id:[0-9a-f]+}/result"
	TaskRequestRelativeURL = "/task/{id:[0-9a-f]+}/request"
	TaskStdoutRelativeURL  = "/task/{id:[0-9a-f]+}/stdout"
	TaskCancelRelativeURL  = "/task/{id:[0-9a-f]+}/cancel"

	BotsListRelativeURL       = "/bots/list"
	BotsCountRelativeURL      = "/bots/count"
	BotsDimensionsRelativeURL = "/bots/dimensions"

	BotGetRelativeURL       = "/bot/{id:.+}/get"
	BotEventsRelativeURL    = "/bot/{id:.+}/events"
	BotTerminateRelativeURL = "/bot/{id:.+}/terminate"
	BotDeleteRelativeURL    = "/bot/{id:.+}/delete"

	ServerDetailsRelativeURL     = "/server/details"
	ServerPermissionsRelativeURL = "/server/permissions"

	TasksNewURL      = APIPrefix + TasksNewRelativeURL
	TasksListURL     = APIPrefix + TasksListRelativeURL
	TasksRequestsURL = APIPrefix + TasksRequestsRelativeURL
	TasksCountURL    = APIPrefix + TasksCountRelativeURL
	TasksTagsURL     = APIPrefix + TasksTagsRelativeURL
	TasksCancelURL   = APIPrefix + TasksCancelRelativeURL

	TaskResultURL  = APIPrefix + TaskResultRelativeURL
	TaskRequestURL = APIPrefix + TaskRequestRelativeURL
	TaskStdoutURL  = APIPrefix + TaskStdoutRelativeURL
	TaskCancelURL  = APIPrefix + TaskCancelRelativeURL

	BotsListURL       = APIPrefix + BotsListRelativeURL
	BotsCountURL      = APIPrefix + BotsCountRelativeURL
	BotsDimensionsURL = APIPrefix + BotsDimensionsRelativeURL

	BotGetURL       = APIPrefix + BotGetRelativeURL
	BotEventsURL    = APIPrefix + BotEventsRelativeURL
	BotTerminateURL = APIPrefix + BotTerminateRelativeURL
	BotDeleteURL    = APIPrefix + BotDeleteRelativeURL

	ServerDetailsURL     = APIPrefix + ServerDetailsRelativeURL
	ServerPermissionsURL = APIPrefix + ServerPermissionsRelativeURL
)

// URL paths of the bot-facing API.
const (
	BotAPIPrefix = "/swarming/api/v1/bot"

	BotHandshakeRelativeURL  = "/handshake"
	BotPollRelativeURL       = "/poll"
	BotTaskUpdateRelativeURL = "/task_update/{id:[0-9a-f]+}"
	BotTaskErrorRelativeURL  = "/task_error/{id:[0-9a-f]+}"

	BotHandshakeURL  = BotAPIPrefix + BotHandshakeRelativeURL
	BotPollURL       = BotAPIPrefix + BotPollRelativeURL
	BotTaskUpdateURL = BotAPIPrefix + BotTaskUpdateRelativeURL
	BotTaskErrorURL  = BotAPIPrefix + BotTaskErrorRelativeURL
)

// Commands a poll response may carry.
const (
	CmdSleep     = "sleep"
	CmdRun       = "run"
	CmdTerminate = "terminate"
	CmdUpdate    = "update"
	CmdRestart   = "restart"
)

// StringListPair is a key with its sorted value set, the wire form of one
// dimension or one tag key.
type StringListPair struct {
	Key   string   `json:"key"`
	Value []string `json:"value"`
}

// ToStringListPairs converts a dimension-shaped map to sorted pairs.
func ToStringListPairs(m map[string][]string) []StringListPair {
	rv := make([]StringListPair, 0, len(m))
	for k, v := range m {
		vals := util.CopyStringSlice(v)
		sort.Strings(vals)
		rv = append(rv, StringListPair{Key: k, Value: vals})
	}
	sort.Slice(rv, func(a, b int) bool { return rv[a].Key < rv[b].Key })
	return rv
}

// FromStringListPairs is the inverse of ToStringListPairs. Later pairs with a
// repeated key win.
func FromStringListPairs(pairs []StringListPair) map[string][]string {
	rv := make(map[string][]string, len(pairs))
	for _, p := range pairs {
		rv[p.Key] = util.CopyStringSlice(p.Value)
	}
	return rv
}

// TaskProperties is the wire form of types.TaskProperties.
type TaskProperties struct {
	Command         []string          `json:"command,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Dimensions      []StringListPair  `json:"dimensions"`
	InputsDigest    string            `json:"inputs_digest,omitempty"`
	InputsServer    string            `json:"inputs_server,omitempty"`
	HardTimeoutSecs int64             `json:"hard_timeout_secs"`
	IoTimeoutSecs   int64             `json:"io_timeout_secs,omitempty"`
	GracePeriodSecs int64             `json:"grace_period_secs,omitempty"`
	Idempotent      bool              `json:"idempotent,omitempty"`
	SecretBytesRef  string            `json:"secret_bytes_ref,omitempty"`
}

// ToProperties converts the wire properties to the internal form.
func (p *TaskProperties) ToProperties() types.TaskProperties {
	return types.TaskProperties{
		Command:    util.CopyStringSlice(p.Command),
		Env:        util.CopyStringMap(p.Env),
		Dimensions: FromStringListPairs(p.Dimensions),
		InputsRef: types.InputsRef{
			Digest: p.InputsDigest,
			Server: p.InputsServer,
		},
		HardTimeoutSecs: p.HardTimeoutSecs,
		IoTimeoutSecs:   p.IoTimeoutSecs,
		GracePeriodSecs: p.GracePeriodSecs,
		Idempotent:      p.Idempotent,
		SecretBytesRef:  p.SecretBytesRef,
	}
}

// ToTaskProperties converts internal properties to the wire form.
func ToTaskProperties(p *types.TaskProperties) TaskProperties {
	return TaskProperties{
		Command:         util.CopyStringSlice(p.Command),
		Env:             util.CopyStringMap(p.Env),
		Dimensions:      ToStringListPairs(p.Dimensions),
		InputsDigest:    p.InputsRef.Digest,
		InputsServer:    p.InputsRef.Server,
		HardTimeoutSecs: p.HardTimeoutSecs,
		IoTimeoutSecs:   p.IoTimeoutSecs,
		GracePeriodSecs: p.GracePeriodSecs,
		Idempotent:      p.Idempotent,
		SecretBytesRef:  p.SecretBytesRef,
	}
}

// TasksNewRequest is the body of POST tasks/new.
type TasksNewRequest struct {
	Name           string         `json:"name"`
	User           string         `json:"user,omitempty"`
	Priority       int            `json:"priority"`
	ExpirationSecs int64          `json:"expiration_secs"`
	Properties     TaskProperties `json:"properties"`
	Tags           []string       `json:"tags,omitempty"`
	ServiceAccount string         `json:"service_account,omitempty"`
	PubSubTopic    string         `json:"pubsub_topic,omitempty"`
	PubSubUserData string         `json:"pubsub_userdata,omitempty"`
}

// ToTaskRequest converts the submission to an internal request. The id,
// creation timestamp, pool fingerprint and properties hash are left for the
// scheduler to fill in; Expiration is resolved against the given time.
func (r *TasksNewRequest) ToTaskRequest(authenticated string, submitted time.Time) *types.TaskRequest {
	return &types.TaskRequest{
		Name:           r.Name,
		User:           r.User,
		Authenticated:  authenticated,
		Priority:       r.Priority,
		Expiration:     submitted.Add(time.Duration(r.ExpirationSecs) * time.Second),
		Properties:     r.Properties.ToProperties(),
		Tags:           util.CopyStringSlice(r.Tags),
		ServiceAccount: r.ServiceAccount,
		PubSubTopic:    r.PubSubTopic,
		PubSubUserData: r.PubSubUserData,
	}
}

// TaskRequestData is the wire form of a stored types.TaskRequest.
type TaskRequestData struct {
	TaskId         string         `json:"task_id"`
	Name           string         `json:"name"`
	User           string         `json:"user,omitempty"`
	Authenticated  string         `json:"authenticated,omitempty"`
	Priority       int            `json:"priority"`
	CreatedTs      time.Time      `json:"created_ts"`
	ExpirationTs   time.Time      `json:"expiration_ts"`
	Properties     TaskProperties `json:"properties"`
	Tags           []string       `json:"tags,omitempty"`
	ServiceAccount string         `json:"service_account,omitempty"`
	PubSubTopic    string         `json:"pubsub_topic,omitempty"`
	PubSubUserData string         `json:"pubsub_userdata,omitempty"`
}

// ToTaskRequestData converts a stored request to the wire form.
func ToTaskRequestData(req *types.TaskRequest) *TaskRequestData {
	return &TaskRequestData{
		TaskId:         ids.PackSummary(req.Id),
		Name:           req.Name,
		User:           req.User,
		Authenticated:  req.Authenticated,
		Priority:       req.Priority,
		CreatedTs:      req.Created,
		ExpirationTs:   req.Expiration,
		Properties:     ToTaskProperties(&req.Properties),
		Tags:           util.CopyStringSlice(req.Tags),
		ServiceAccount: req.ServiceAccount,
		PubSubTopic:    req.PubSubTopic,
		PubSubUserData: req.PubSubUserData,
	}
}

// TaskResultData is the wire form of a result summary or of a single run.
// RunId is the current (or source, when deduped) run; Output is present only
// when the caller asked for it.
type TaskResultData struct {
	TaskId          string          `json:"task_id"`
	Name            string          `json:"name,omitempty"`
	State           types.TaskState `json:"state"`
	TryNumber       int             `json:"try_number"`
	RunId           string          `json:"run_id,omitempty"`
	DedupedFrom     string          `json:"deduped_from,omitempty"`
	BotId           string          `json:"bot_id,omitempty"`
	CreatedTs       time.Time       `json:"created_ts"`
	StartedTs       *time.Time      `json:"started_ts,omitempty"`
	CompletedTs     *time.Time      `json:"completed_ts,omitempty"`
	AbandonedTs     *time.Time      `json:"abandoned_ts,omitempty"`
	ModifiedTs      time.Time       `json:"modified_ts"`
	ExitCode        int64           `json:"exit_code"`
	Failure         bool            `json:"failure,omitempty"`
	InternalFailure bool            `json:"internal_failure,omitempty"`
	DurationSecs    float64         `json:"duration_secs,omitempty"`
	OutputSize      int64           `json:"output_size,omitempty"`
	CostUsd         float64         `json:"cost_usd,omitempty"`
	CostSavedUsd    float64         `json:"cost_saved_usd,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	Output          string          `json:"output,omitempty"`
}

// optionalTs returns nil for the zero time so that unset timestamps are
// omitted on the wire.
func optionalTs(ts time.Time) *time.Time {
	if util.TimeIsZero(ts) {
		return nil
	}
	t := ts
	return &t
}

// ToTaskResultData converts a result summary to the wire form.
func ToTaskResultData(t *types.TaskResultSummary) *TaskResultData {
	return &TaskResultData{
		TaskId:          ids.PackSummary(t.RequestId),
		Name:            t.Name,
		State:           t.State,
		TryNumber:       t.TryNumber,
		RunId:           t.CurrentRunId,
		DedupedFrom:     t.DedupedFrom,
		BotId:           t.BotId,
		CreatedTs:       t.Created,
		StartedTs:       optionalTs(t.Started),
		CompletedTs:     optionalTs(t.Completed),
		AbandonedTs:     optionalTs(t.Abandoned),
		ModifiedTs:      t.Modified,
		ExitCode:        t.ExitCode,
		Failure:         t.Failure,
		InternalFailure: t.InternalFailure,
		OutputSize:      t.OutputSize,
		CostUsd:         t.CostUsd,
		CostSavedUsd:    t.CostSavedUsd,
		Tags:            util.CopyStringSlice(t.Tags),
	}
}

// ToRunResultData converts a single run to the wire form.
func ToRunResultData(r *types.TaskRunResult) *TaskResultData {
	runId := ids.PackRun(r.RequestId, r.TryNumber)
	return &TaskResultData{
		TaskId:          runId,
		State:           r.State,
		TryNumber:       r.TryNumber,
		RunId:           runId,
		BotId:           r.BotId,
		CreatedTs:       r.Started,
		StartedTs:       optionalTs(r.Started),
		CompletedTs:     optionalTs(r.Completed),
		AbandonedTs:     optionalTs(r.Abandoned),
		ModifiedTs:      r.Modified,
		ExitCode:        r.ExitCode,
		Failure:         r.Failure,
		InternalFailure: r.InternalFailure,
		DurationSecs:    r.DurationSecs,
		OutputSize:      r.OutputSize,
		CostUsd:         r.CostUsd,
	}
}

// TasksNewResponse is the body of a tasks/new response. TaskResult is set
// only when the submission was deduplicated against a previous run.
type TasksNewResponse struct {
	Request    *TaskRequestData `json:"request"`
	TaskId     string           `json:"task_id"`
	TaskResult *TaskResultData  `json:"task_result,omitempty"`
}

// TaskStdoutResponse is the body of a task/{id}/stdout response.
type TaskStdoutResponse struct {
	Output string `json:"output"`
}

// TaskCancelRequest is the body of POST task/{id}/cancel.
type TaskCancelRequest struct {
	KillRunning bool `json:"kill_running,omitempty"`
}

// TaskCancelResponse is the body of a task/{id}/cancel response.
type TaskCancelResponse struct {
	Ok         bool `json:"ok"`
	WasRunning bool `json:"was_running"`
}

// TasksCancelRequest is the body of POST tasks/cancel (bulk cancellation).
type TasksCancelRequest struct {
	Tags        []string `json:"tags"`
	KillRunning bool     `json:"kill_running,omitempty"`
	Cursor      string   `json:"cursor,omitempty"`
}

// TasksCancelResponse is the body of a tasks/cancel response. A non-empty
// Cursor means the sweep was interrupted and may be resumed with it.
type TasksCancelResponse struct {
	Matched int       `json:"matched"`
	Cursor  string    `json:"cursor,omitempty"`
	Now     time.Time `json:"now"`
}

// TasksListResponse is the body of a tasks/list response.
type TasksListResponse struct {
	Items  []*TaskResultData `json:"items"`
	Cursor string            `json:"cursor,omitempty"`
	Now    time.Time         `json:"now"`
}

// TasksRequestsResponse is the body of a tasks/requests response.
type TasksRequestsResponse struct {
	Items  []*TaskRequestData `json:"items"`
	Cursor string             `json:"cursor,omitempty"`
	Now    time.Time          `json:"now"`
}

// TasksCountResponse is the body of a tasks/count response.
type TasksCountResponse struct {
	Count int       `json:"count"`
	Now   time.Time `json:"now"`
}

// TagsResponse is the body of tasks/tags and bots/dimensions responses: the
// known keys with their observed values, as of the last snapshot rebuild.
type TagsResponse struct {
	Items []StringListPair `json:"items"`
	Ts    time.Time        `json:"ts"`
}

// BotData is the wire form of types.BotInfo.
type BotData struct {
	BotId           string           `json:"bot_id"`
	Dimensions      []StringListPair `json:"dimensions"`
	State           string           `json:"state,omitempty"`
	ExternalIp      string           `json:"external_ip,omitempty"`
	AuthenticatedAs string           `json:"authenticated_as,omitempty"`
	Version         string           `json:"version,omitempty"`
	Quarantined     bool             `json:"quarantined,omitempty"`
	MaintenanceMsg  string           `json:"maintenance_msg,omitempty"`
	FirstSeenTs     *time.Time       `json:"first_seen_ts,omitempty"`
	LastSeenTs      *time.Time       `json:"last_seen_ts,omitempty"`
	TaskId          string           `json:"task_id,omitempty"`
	MachineType     string           `json:"machine_type,omitempty"`
	Deleted         bool             `json:"deleted,omitempty"`
	IsDead          bool             `json:"is_dead,omitempty"`
	IsBusy          bool             `json:"is_busy,omitempty"`
}

// ToBotData converts a bot record to the wire form. deadHorizon decides the
// IsDead facet; pass the current time minus the death timeout.
func ToBotData(b *types.BotInfo, deadHorizon time.Time) *BotData {
	return &BotData{
		BotId:           b.BotId,
		Dimensions:      ToStringListPairs(b.Dimensions),
		State:           b.State,
		ExternalIp:      b.ExternalIp,
		AuthenticatedAs: b.AuthenticatedAs,
		Version:         b.Version,
		Quarantined:     b.Quarantined,
		MaintenanceMsg:  b.MaintenanceMsg,
		FirstSeenTs:     optionalTs(b.FirstSeen),
		LastSeenTs:      optionalTs(b.LastSeen),
		TaskId:          b.TaskId,
		MachineType:     b.MachineType,
		Deleted:         b.Deleted,
		IsDead:          b.IsDead(deadHorizon),
		IsBusy:          b.IsBusy(),
	}
}

// BotsListResponse is the body of a bots/list response.
type BotsListResponse struct {
	Items            []*BotData `json:"items"`
	Cursor           string     `json:"cursor,omitempty"`
	DeathTimeoutSecs int64      `json:"death_timeout_secs"`
	Now              time.Time  `json:"now"`
}

// BotsCountResponse is the body of a bots/count response.
type BotsCountResponse struct {
	Count       int       `json:"count"`
	Quarantined int       `json:"quarantined"`
	Dead        int       `json:"dead"`
	Busy        int       `json:"busy"`
	Now         time.Time `json:"now"`
}

// BotEventData is the wire form of types.BotEvent.
type BotEventData struct {
	EventType      types.BotEventType `json:"event_type"`
	Ts             time.Time          `json:"ts"`
	TaskId         string             `json:"task_id,omitempty"`
	Message        string             `json:"message,omitempty"`
	Dimensions     []StringListPair   `json:"dimensions,omitempty"`
	Version        string             `json:"version,omitempty"`
	Quarantined    bool               `json:"quarantined,omitempty"`
	MaintenanceMsg string             `json:"maintenance_msg,omitempty"`
}

// ToBotEventData converts a bot event to the wire form.
func ToBotEventData(e *types.BotEvent) *BotEventData {
	return &BotEventData{
		EventType:      e.EventType,
		Ts:             e.Ts,
		TaskId:         e.TaskId,
		Message:        e.Message,
		Dimensions:     ToStringListPairs(e.Dimensions),
		Version:        e.Version,
		Quarantined:    e.Quarantined,
		MaintenanceMsg: e.MaintenanceMsg,
	}
}

// BotEventsResponse is the body of a bot/{id}/events response.
type BotEventsResponse struct {
	Items  []*BotEventData `json:"items"`
	Cursor string          `json:"cursor,omitempty"`
}

// BotTerminateResponse is the body of a bot/{id}/terminate response.
type BotTerminateResponse struct {
	TaskId string `json:"task_id"`
}

// BotDeleteResponse is the body of a bot/{id}/delete response.
type BotDeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// ServerDetailsResponse is the body of a server/details response.
type ServerDetailsResponse struct {
	ServerVersion    string `json:"server_version"`
	BotVersion       string `json:"bot_version"`
	DeathTimeoutSecs int64  `json:"death_timeout_secs"`
}

// ServerPermissionsResponse reports what the calling identity may do.
type ServerPermissionsResponse struct {
	DeleteBot    bool `json:"delete_bot"`
	TerminateBot bool `json:"terminate_bot"`
	CancelTask   bool `json:"cancel_task"`
	CancelTasks  bool `json:"cancel_tasks"`
}

// BotAttributesData is what a bot reports about itself on handshake and
// poll.
type BotAttributesData struct {
	BotId          string           `json:"bot_id"`
	Dimensions     []StringListPair `json:"dimensions,omitempty"`
	State          string           `json:"state,omitempty"`
	Version        string           `json:"version,omitempty"`
	Quarantined    bool             `json:"quarantined,omitempty"`
	MaintenanceMsg string           `json:"maintenance_msg,omitempty"`
}

// BotHandshakeResponse is the body of a bot/handshake response.
type BotHandshakeResponse struct {
	ServerVersion      string           `json:"server_version"`
	BotVersion         string           `json:"bot_version"`
	BotGroupDimensions []StringListPair `json:"bot_group_cfg"`
	BotGroupVersion    string           `json:"bot_group_cfg_version"`
}

// TaskManifestData is the run descriptor handed to a bot with a "run"
// command.
type TaskManifestData struct {
	TaskId          string            `json:"task_id"`
	BotId           string            `json:"bot_id"`
	TryNumber       int               `json:"try_number"`
	Command         []string          `json:"command,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Dimensions      []StringListPair  `json:"dimensions"`
	InputsDigest    string            `json:"inputs_digest,omitempty"`
	InputsServer    string            `json:"inputs_server,omitempty"`
	HardTimeoutSecs int64             `json:"hard_timeout_secs"`
	IoTimeoutSecs   int64             `json:"io_timeout_secs,omitempty"`
	GracePeriodSecs int64             `json:"grace_period_secs,omitempty"`
	SecretBytesRef  string            `json:"secret_bytes_ref,omitempty"`
}

// ToTaskManifestData converts a manifest to the wire form.
func ToTaskManifestData(m *types.TaskManifest) *TaskManifestData {
	return &TaskManifestData{
		TaskId:          m.TaskId,
		BotId:           m.BotId,
		TryNumber:       m.TryNumber,
		Command:         util.CopyStringSlice(m.Command),
		Env:             util.CopyStringMap(m.Env),
		Dimensions:      ToStringListPairs(m.Dimensions),
		InputsDigest:    m.InputsRef.Digest,
		InputsServer:    m.InputsRef.Server,
		HardTimeoutSecs: m.HardTimeoutSecs,
		IoTimeoutSecs:   m.IoTimeoutSecs,
		GracePeriodSecs: m.GracePeriodSecs,
		SecretBytesRef:  m.SecretBytesRef,
	}
}

// BotPollResponse is the body of a bot/poll response. Exactly one of the
// optional fields is meaningful, selected by Cmd: DurationSecs for sleep,
// Manifest for run, TaskId for terminate, Version for update.
type BotPollResponse struct {
	Cmd          string            `json:"cmd"`
	DurationSecs float64           `json:"duration,omitempty"`
	Manifest     *TaskManifestData `json:"manifest,omitempty"`
	TaskId       string            `json:"task_id,omitempty"`
	Version      string            `json:"version,omitempty"`
}

// BotTaskUpdateRequest is the body of POST bot/task_update/{id}. Output is
// base64 on the wire, per encoding/json.
type BotTaskUpdateRequest struct {
	BotId            string   `json:"bot_id"`
	CommandIndex     int      `json:"command_index,omitempty"`
	CostUsd          float64  `json:"cost_usd,omitempty"`
	Output           []byte   `json:"output,omitempty"`
	OutputChunkStart int64    `json:"output_chunk_start,omitempty"`
	ExitCode         *int64   `json:"exit_code,omitempty"`
	DurationSecs     *float64 `json:"duration,omitempty"`
	HardTimeout      bool     `json:"hard_timeout,omitempty"`
	IoTimeout        bool     `json:"io_timeout,omitempty"`
}

// ToBotTaskUpdate converts the wire update to the internal form.
func (r *BotTaskUpdateRequest) ToBotTaskUpdate() *types.BotTaskUpdate {
	u := &types.BotTaskUpdate{
		CommandIndex:     r.CommandIndex,
		CostUsd:          r.CostUsd,
		OutputChunkStart: r.OutputChunkStart,
		HardTimeout:      r.HardTimeout,
		IoTimeout:        r.IoTimeout,
	}
	if r.Output != nil {
		u.Output = append([]byte{}, r.Output...)
	}
	if r.ExitCode != nil {
		v := *r.ExitCode
		u.ExitCode = &v
	}
	if r.DurationSecs != nil {
		v := *r.DurationSecs
		u.DurationSecs = &v
	}
	return u
}

// BotTaskUpdateResponse is the body of a bot/task_update response.
// MustStop tells the bot to kill the task and report its exit.
type BotTaskUpdateResponse struct {
	Ok       bool `json:"ok"`
	MustStop bool `json:"must_stop"`
}

// BotTaskErrorRequest is the body of POST bot/task_error/{id}.
type BotTaskErrorRequest struct {
	BotId   string `json:"bot_id"`
	Message string `json:"message,omitempty"`
}
