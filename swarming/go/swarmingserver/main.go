// swarmingserver is the task scheduling and dispatch service: it accepts task
// submissions from clients, hands tasks to polling bots, and serves the read
// APIs over tasks and bots.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	ttlcache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"go.skia.org/swarming/go/cleanup"
	"go.skia.org/swarming/go/common"
	"go.skia.org/swarming/go/httputils"
	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/go/sklog"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/bots"
	botstore "go.skia.org/swarming/swarming/go/bots/store"
	"go.skia.org/swarming/swarming/go/configs"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/db/local_db"
	"go.skia.org/swarming/swarming/go/db/memory"
	"go.skia.org/swarming/swarming/go/dedup"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/lifecycle"
	"go.skia.org/swarming/swarming/go/notify"
	"go.skia.org/swarming/swarming/go/rpc"
	"go.skia.org/swarming/swarming/go/scheduling"
	"go.skia.org/swarming/swarming/go/swarmingserver/config"
	"go.skia.org/swarming/swarming/go/types"
)

const (
	appName = "swarmingserver"

	// authenticatedHeader carries the caller identity resolved by the
	// auth proxy in front of the server. Token validation is not this
	// server's concern.
	authenticatedHeader = "X-Authenticated-User"

	// pollSleepSecs is how long an idle bot is told to sleep before its
	// next poll.
	pollSleepSecs = 10

	// countCacheTTL bounds how stale a cached tasks/count answer may be.
	countCacheTTL = 10 * time.Second
)

// flags
var (
	configFlag = flag.String("config", "test.json", "The name of the configuration file, such as prod.json or test.json, as found in swarming/go/configs.")
	host       = flag.String("host", "localhost", "HTTP service host")
	local      = flag.Bool("local", false, "Whether we're running on a dev machine vs in production.")
	port       = flag.String("port", ":8000", "HTTP service port (e.g., ':8000')")
	promPort   = flag.String("prom_port", ":20000", "Metrics service address (e.g., ':20000')")
)

var errMissingId = errors.New("missing id in URL")

// server holds the wired-up components behind the HTTP handlers.
type server struct {
	scheduler *scheduling.Scheduler
	registry  *bots.Registry
	sweeper   *lifecycle.Sweeper
	taskDb    db.TaskDB

	// countCache memoizes tasks/count answers per filter for a few
	// seconds; counting scans the search window.
	countCache *ttlcache.Cache
}

func newServer(sch *scheduling.Scheduler, reg *bots.Registry, sweeper *lifecycle.Sweeper, d db.TaskDB) *server {
	return &server{
		scheduler:  sch,
		registry:   reg,
		sweeper:    sweeper,
		taskDb:     d,
		countCache: ttlcache.New(countCacheTTL, time.Minute),
	}
}

// statusFor maps an error to the HTTP status of the response, per the error
// taxonomy. Claim races never reach here; the scheduler absorbs them.
func statusFor(err error) int {
	cause := skerr.Unwrap(err)
	switch {
	case scheduling.IsInvalidRequest(err),
		bots.IsInvalidAttributes(err),
		ids.IsInvalidTaskId(err),
		db.IsChunkGap(cause),
		db.IsChunkOverlap(cause),
		db.IsInvalidCursor(cause):
		return http.StatusBadRequest
	case db.IsNotFound(cause), db.IsUnknownId(cause):
		return http.StatusNotFound
	case db.IsUnsupportedSearch(cause):
		return http.StatusPreconditionFailed
	case db.IsPageTooLarge(cause), db.IsTooManyUsers(cause):
		return http.StatusTooManyRequests
	case db.IsConcurrentUpdate(cause):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func reportError(w http.ResponseWriter, err error, message string) {
	httputils.ReportError(w, err, message, statusFor(err))
}

// sendJSONResponse writes data as the JSON response body. Encoding failures
// are logged; headers are already sent by then.
func sendJSONResponse(data interface{}, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		sklog.Errorf("Failed to write response: %s", err)
	}
}

// getId retrieves the value of {id:...} from the URL, reporting an error on
// the ResponseWriter if it is missing.
func getId(w http.ResponseWriter, r *http.Request) (string, error) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		http.Error(w, "An id must be supplied.", http.StatusBadRequest)
		return "", errMissingId
	}
	return id, nil
}

// caller returns the authenticated identity of the request, or "" when the
// auth proxy supplied none.
func caller(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(authenticatedHeader))
}

// parseSearchParams builds task search filters from the request query:
// repeated "tag", plus "pool", "state", "start", "end" (RFC 3339), "sort",
// "limit" and "cursor".
func parseSearchParams(r *http.Request) (*db.TaskSearchParams, error) {
	q := r.URL.Query()
	p := &db.TaskSearchParams{
		Tags:   q["tag"],
		Pool:   q.Get("pool"),
		Sort:   q.Get("sort"),
		Cursor: q.Get("cursor"),
	}
	for _, tag := range p.Tags {
		if !types.ValidTag(tag) {
			return nil, skerr.Wrapf(scheduling.ErrInvalidRequest, "invalid tag %q", tag)
		}
	}
	if state := q.Get("state"); state != "" {
		s := types.TaskState(strings.ToUpper(state))
		if !s.Valid() {
			return nil, skerr.Wrapf(scheduling.ErrInvalidRequest, "invalid state %q", state)
		}
		p.State = s
	}
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{"start", &p.Start},
		{"end", &p.End},
	} {
		if v := q.Get(f.name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, skerr.Wrapf(scheduling.ErrInvalidRequest, "invalid %s %q", f.name, v)
			}
			*f.dst = ts
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return nil, skerr.Wrapf(scheduling.ErrInvalidRequest, "invalid limit %q", v)
		}
		p.Limit = limit
	}
	return p, nil
}

// countCacheKey canonicalizes the filters of a count query.
func countCacheKey(p *db.TaskSearchParams) string {
	v := url.Values{}
	v["tag"] = p.Tags
	v.Set("pool", p.Pool)
	v.Set("state", string(p.State))
	if !util.TimeIsZero(p.Start) {
		v.Set("start", p.Start.UTC().Format(time.RFC3339Nano))
	}
	if !util.TimeIsZero(p.End) {
		v.Set("end", p.End.UTC().Format(time.RFC3339Nano))
	}
	return v.Encode()
}

// tasksNewHandler accepts a task submission.
func (s *server) tasksNewHandler(w http.ResponseWriter, r *http.Request) {
	var body rpc.TasksNewRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputils.ReportError(w, err, "Failed to parse request.", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	req := body.ToTaskRequest(caller(r), now.Now(ctx).UTC())
	summary, err := s.scheduler.Schedule(ctx, req)
	if err != nil {
		reportError(w, err, "Failed to schedule task.")
		return
	}
	stored, err := s.taskDb.GetTaskRequest(ctx, summary.RequestId)
	if err != nil || stored == nil {
		reportError(w, skerr.Wrapf(err, "loading stored request"), "Failed to load the scheduled task.")
		return
	}
	resp := &rpc.TasksNewResponse{
		Request: rpc.ToTaskRequestData(stored),
		TaskId:  ids.PackSummary(summary.RequestId),
	}
	if summary.Deduped() {
		resp.TaskResult = rpc.ToTaskResultData(summary)
	}
	sendJSONResponse(resp, w)
}

// loadResult returns the wire form of the summary or run named by the packed
// task id, or nil if it does not exist. The run id used for output retrieval
// is returned alongside; it is empty when no run backs the result.
func (s *server) loadResult(ctx context.Context, taskId string) (*rpc.TaskResultData, string, error) {
	id, kind, try, err := ids.Unpack(taskId)
	if err != nil {
		return nil, "", err
	}
	if kind == ids.KindRun {
		run, err := s.taskDb.GetTaskRun(ctx, id, try)
		if err != nil || run == nil {
			return nil, "", err
		}
		return rpc.ToRunResultData(run), taskId, nil
	}
	summary, err := s.taskDb.GetTaskResult(ctx, id)
	if err != nil || summary == nil {
		return nil, "", err
	}
	return rpc.ToTaskResultData(summary), summary.CurrentRunId, nil
}

// taskResultHandler serves task/{id}/result, optionally with the output
// stream inlined.
func (s *server) taskResultHandler(w http.ResponseWriter, r *http.Request) {
	taskId, err := getId(w, r)
	if err != nil {
		return
	}
	ctx := r.Context()
	data, runId, err := s.loadResult(ctx, taskId)
	if err != nil {
		reportError(w, err, "Failed to load task result.")
		return
	}
	if data == nil {
		httputils.ReportError(w, db.ErrNotFound, "Unknown task.", http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("include_output") == "true" && runId != "" {
		output, err := s.taskDb.GetOutput(ctx, runId)
		if err != nil {
			reportError(w, err, "Failed to load task output.")
			return
		}
		data.Output = string(output)
	}
	sendJSONResponse(data, w)
}

// taskRequestHandler serves task/{id}/request.
func (s *server) taskRequestHandler(w http.ResponseWriter, r *http.Request) {
	taskId, err := getId(w, r)
	if err != nil {
		return
	}
	id, _, _, err := ids.Unpack(taskId)
	if err != nil {
		reportError(w, err, "Invalid task id.")
		return
	}
	req, err := s.taskDb.GetTaskRequest(r.Context(), id)
	if err != nil {
		reportError(w, err, "Failed to load task request.")
		return
	}
	if req == nil {
		httputils.ReportError(w, db.ErrNotFound, "Unknown task.", http.StatusNotFound)
		return
	}
	sendJSONResponse(rpc.ToTaskRequestData(req), w)
}

// taskStdoutHandler serves task/{id}/stdout. A task with no run yet yields
// an empty stream.
func (s *server) taskStdoutHandler(w http.ResponseWriter, r *http.Request) {
	taskId, err := getId(w, r)
	if err != nil {
		return
	}
	ctx := r.Context()
	data, runId, err := s.loadResult(ctx, taskId)
	if err != nil {
		reportError(w, err, "Failed to load task result.")
		return
	}
	if data == nil {
		httputils.ReportError(w, db.ErrNotFound, "Unknown task.", http.StatusNotFound)
		return
	}
	var output []byte
	if runId != "" {
		output, err = s.taskDb.GetOutput(ctx, runId)
		if err != nil {
			reportError(w, err, "Failed to load task output.")
			return
		}
	}
	sendJSONResponse(&rpc.TaskStdoutResponse{Output: string(output)}, w)
}

// taskCancelHandler serves task/{id}/cancel.
func (s *server) taskCancelHandler(w http.ResponseWriter, r *http.Request) {
	taskId, err := getId(w, r)
	if err != nil {
		return
	}
	id, kind, _, err := ids.Unpack(taskId)
	if err != nil || kind != ids.KindSummary {
		httputils.ReportError(w, ids.ErrInvalidTaskId, "Cancellation requires a summary task id.", http.StatusBadRequest)
		return
	}
	// An empty body means kill_running=false.
	var body rpc.TaskCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		httputils.ReportError(w, err, "Failed to parse request.", http.StatusBadRequest)
		return
	}
	ok, wasRunning, err := s.scheduler.Cancel(r.Context(), id, body.KillRunning)
	if err != nil {
		reportError(w, err, "Failed to cancel task.")
		return
	}
	sendJSONResponse(&rpc.TaskCancelResponse{Ok: ok, WasRunning: wasRunning}, w)
}

// tasksListHandler serves tasks/list.
func (s *server) tasksListHandler(w http.ResponseWriter, r *http.Request) {
	params, err := parseSearchParams(r)
	if err != nil {
		reportError(w, err, "Invalid search filters.")
		return
	}
	ctx := r.Context()
	page, cursor, err := db.SearchTasks(ctx, s.taskDb, params)
	if err != nil {
		reportError(w, err, "Task search failed.")
		return
	}
	items := make([]*rpc.TaskResultData, 0, len(page))
	for _, t := range page {
		items = append(items, rpc.ToTaskResultData(t))
	}
	sendJSONResponse(&rpc.TasksListResponse{
		Items:  items,
		Cursor: cursor,
		Now:    now.Now(ctx).UTC(),
	}, w)
}

// tasksRequestsHandler serves tasks/requests: the same filters as
// tasks/list, but returning the immutable requests.
func (s *server) tasksRequestsHandler(w http.ResponseWriter, r *http.Request) {
	params, err := parseSearchParams(r)
	if err != nil {
		reportError(w, err, "Invalid search filters.")
		return
	}
	ctx := r.Context()
	page, cursor, err := db.SearchTasks(ctx, s.taskDb, params)
	if err != nil {
		reportError(w, err, "Task search failed.")
		return
	}
	reqs := make([]*types.TaskRequest, len(page))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, t := range page {
		i, id := i, t.RequestId
		eg.Go(func() error {
			req, err := s.taskDb.GetTaskRequest(egCtx, id)
			if err != nil {
				return skerr.Wrap(err)
			}
			reqs[i] = req
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		reportError(w, err, "Failed to load task requests.")
		return
	}
	items := make([]*rpc.TaskRequestData, 0, len(page))
	for i, req := range reqs {
		if req == nil {
			sklog.Errorf("Result %s has no request.", ids.PackSummary(page[i].RequestId))
			continue
		}
		items = append(items, rpc.ToTaskRequestData(req))
	}
	sendJSONResponse(&rpc.TasksRequestsResponse{
		Items:  items,
		Cursor: cursor,
		Now:    now.Now(ctx).UTC(),
	}, w)
}

// tasksCountHandler serves tasks/count. Answers are cached briefly per
// filter combination.
func (s *server) tasksCountHandler(w http.ResponseWriter, r *http.Request) {
	params, err := parseSearchParams(r)
	if err != nil {
		reportError(w, err, "Invalid search filters.")
		return
	}
	ctx := r.Context()
	key := countCacheKey(params)
	count, ok := s.countCache.Get(key)
	if !ok {
		n, err := db.CountTasks(ctx, s.taskDb, params)
		if err != nil {
			reportError(w, err, "Task count failed.")
			return
		}
		s.countCache.SetDefault(key, n)
		count = n
	}
	sendJSONResponse(&rpc.TasksCountResponse{
		Count: count.(int),
		Now:   now.Now(ctx).UTC(),
	}, w)
}

// tasksTagsHandler serves tasks/tags from the lifecycle snapshot.
func (s *server) tasksTagsHandler(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(&rpc.TagsResponse{
		Items: rpc.ToStringListPairs(s.sweeper.TaskTags()),
		Ts:    now.Now(r.Context()).UTC(),
	}, w)
}

// tasksCancelHandler serves tasks/cancel, the bulk cancellation by tags.
func (s *server) tasksCancelHandler(w http.ResponseWriter, r *http.Request) {
	var body rpc.TasksCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputils.ReportError(w, err, "Failed to parse request.", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	matched, cursor, err := s.scheduler.BulkCancel(ctx, body.Tags, body.KillRunning, body.Cursor)
	if err != nil && cursor == "" && matched == 0 {
		reportError(w, err, "Bulk cancellation failed.")
		return
	}
	if err != nil {
		// Partial success: report what was done and let the caller
		// resume from the cursor.
		sklog.Errorf("Bulk cancellation incomplete: %s", err)
	}
	sendJSONResponse(&rpc.TasksCancelResponse{
		Matched: matched,
		Cursor:  cursor,
		Now:     now.Now(ctx).UTC(),
	}, w)
}

// botsListHandler serves bots/list with optional repeated "dimensions=k:v"
// filters.
func (s *server) botsListHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dims := map[string]string{}
	for _, kv := range q["dimensions"] {
		parts := strings.SplitN(kv, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			httputils.ReportError(w, bots.ErrInvalidAttributes, "Dimension filters take the form key:value.", http.StatusBadRequest)
			return
		}
		dims[parts[0]] = parts[1]
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		var err error
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			httputils.ReportError(w, bots.ErrInvalidAttributes, "Invalid limit.", http.StatusBadRequest)
			return
		}
	}
	ctx := r.Context()
	page, cursor, err := s.registry.List(ctx, dims, limit, q.Get("cursor"))
	if err != nil {
		reportError(w, err, "Failed to list bots.")
		return
	}
	ts := now.Now(ctx).UTC()
	horizon := ts.Add(-s.registry.DeathTimeout())
	items := make([]*rpc.BotData, 0, len(page))
	for i := range page {
		items = append(items, rpc.ToBotData(&page[i], horizon))
	}
	sendJSONResponse(&rpc.BotsListResponse{
		Items:            items,
		Cursor:           cursor,
		DeathTimeoutSecs: int64(s.registry.DeathTimeout() / time.Second),
		Now:              ts,
	}, w)
}

// botsCountHandler serves bots/count.
func (s *server) botsCountHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, err := s.registry.Count(ctx)
	if err != nil {
		reportError(w, err, "Failed to count bots.")
		return
	}
	sendJSONResponse(&rpc.BotsCountResponse{
		Count:       count.Count,
		Quarantined: count.Quarantined,
		Dead:        count.Dead,
		Busy:        count.Busy,
		Now:         now.Now(ctx).UTC(),
	}, w)
}

// botsDimensionsHandler serves bots/dimensions from the lifecycle snapshot.
func (s *server) botsDimensionsHandler(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(&rpc.TagsResponse{
		Items: rpc.ToStringListPairs(s.sweeper.BotDimensions()),
		Ts:    now.Now(r.Context()).UTC(),
	}, w)
}

// botGetHandler serves bot/{id}/get, including a reconstructed view of
// deleted bots.
func (s *server) botGetHandler(w http.ResponseWriter, r *http.Request) {
	botId, err := getId(w, r)
	if err != nil {
		return
	}
	ctx := r.Context()
	b, err := s.registry.GetWithDeleted(ctx, botId)
	if err != nil {
		reportError(w, err, "Failed to load bot.")
		return
	}
	if b == nil {
		httputils.ReportError(w, db.ErrNotFound, "Unknown bot.", http.StatusNotFound)
		return
	}
	horizon := now.Now(ctx).Add(-s.registry.DeathTimeout())
	sendJSONResponse(rpc.ToBotData(b, horizon), w)
}

// botEventsHandler serves bot/{id}/events.
func (s *server) botEventsHandler(w http.ResponseWriter, r *http.Request) {
	botId, err := getId(w, r)
	if err != nil {
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			httputils.ReportError(w, bots.ErrInvalidAttributes, "Invalid limit.", http.StatusBadRequest)
			return
		}
	}
	events, cursor, err := s.registry.Events(r.Context(), botId, limit, q.Get("cursor"))
	if err != nil {
		reportError(w, err, "Failed to load bot events.")
		return
	}
	items := make([]*rpc.BotEventData, 0, len(events))
	for i := range events {
		items = append(items, rpc.ToBotEventData(&events[i]))
	}
	sendJSONResponse(&rpc.BotEventsResponse{Items: items, Cursor: cursor}, w)
}

// botTerminateHandler serves bot/{id}/terminate: it schedules the priority-0
// termination task for the bot and returns its id.
func (s *server) botTerminateHandler(w http.ResponseWriter, r *http.Request) {
	botId, err := getId(w, r)
	if err != nil {
		return
	}
	summary, err := s.scheduler.TerminateBot(r.Context(), botId, caller(r))
	if err != nil {
		reportError(w, err, "Failed to schedule the termination task.")
		return
	}
	sendJSONResponse(&rpc.BotTerminateResponse{TaskId: ids.PackSummary(summary.RequestId)}, w)
}

// botDeleteHandler serves bot/{id}/delete. The bot's events survive.
func (s *server) botDeleteHandler(w http.ResponseWriter, r *http.Request) {
	botId, err := getId(w, r)
	if err != nil {
		return
	}
	if err := s.registry.Delete(r.Context(), botId); err != nil {
		reportError(w, err, "Failed to delete bot.")
		return
	}
	sendJSONResponse(&rpc.BotDeleteResponse{Deleted: true}, w)
}

// serverDetailsHandler serves server/details.
func (s *server) serverDetailsHandler(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(&rpc.ServerDetailsResponse{
		ServerVersion:    s.registry.ServerVersion(),
		BotVersion:       s.registry.ServerVersion(),
		DeathTimeoutSecs: int64(s.registry.DeathTimeout() / time.Second),
	}, w)
}

// serverPermissionsHandler serves server/permissions. ACL evaluation lives in
// the proxy in front of the server; a request which reached us may do
// everything.
func (s *server) serverPermissionsHandler(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(&rpc.ServerPermissionsResponse{
		DeleteBot:    true,
		TerminateBot: true,
		CancelTask:   true,
		CancelTasks:  true,
	}, w)
}

// toBotAttributes converts the wire attributes to the registry's form,
// picking up transport-level facts from the request.
func toBotAttributes(body *rpc.BotAttributesData, r *http.Request) *bots.BotAttributes {
	return &bots.BotAttributes{
		Dimensions:      rpc.FromStringListPairs(body.Dimensions),
		State:           body.State,
		Version:         body.Version,
		ExternalIp:      r.RemoteAddr,
		AuthenticatedAs: caller(r),
		Quarantined:     body.Quarantined,
		MaintenanceMsg:  body.MaintenanceMsg,
	}
}

// botHandshakeHandler serves bot/handshake.
func (s *server) botHandshakeHandler(w http.ResponseWriter, r *http.Request) {
	var body rpc.BotAttributesData
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputils.ReportError(w, err, "Failed to parse request.", http.StatusBadRequest)
		return
	}
	resp, err := s.registry.Handshake(r.Context(), body.BotId, toBotAttributes(&body, r))
	if err != nil {
		reportError(w, err, "Handshake failed.")
		return
	}
	sendJSONResponse(&rpc.BotHandshakeResponse{
		ServerVersion:      resp.ServerVersion,
		BotVersion:         resp.BotVersion,
		BotGroupDimensions: rpc.ToStringListPairs(resp.BotGroupDimensions),
		BotGroupVersion:    resp.BotGroupVersion,
	}, w)
}

// botPollHandler serves bot/poll: it refreshes the bot's record and answers
// with the next command. An outdated bot is told to self-update before it
// may claim work; a quarantined or busy bot sleeps.
func (s *server) botPollHandler(w http.ResponseWriter, r *http.Request) {
	var body rpc.BotAttributesData
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputils.ReportError(w, err, "Failed to parse request.", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	info, err := s.registry.PollUpdate(ctx, body.BotId, toBotAttributes(&body, r))
	if err != nil {
		reportError(w, err, "Poll failed.")
		return
	}
	if info.Version != "" && info.Version != s.registry.ServerVersion() {
		sendJSONResponse(&rpc.BotPollResponse{
			Cmd:     rpc.CmdUpdate,
			Version: s.registry.ServerVersion(),
		}, w)
		return
	}
	if info.Quarantined || info.TaskId != "" {
		sendJSONResponse(&rpc.BotPollResponse{
			Cmd:          rpc.CmdSleep,
			DurationSecs: pollSleepSecs,
		}, w)
		return
	}
	manifest, err := s.scheduler.BotClaim(ctx, body.BotId, info.Dimensions)
	if err != nil {
		reportError(w, err, "Claim failed.")
		return
	}
	if manifest == nil {
		sendJSONResponse(&rpc.BotPollResponse{
			Cmd:          rpc.CmdSleep,
			DurationSecs: pollSleepSecs,
		}, w)
		return
	}
	if len(manifest.Command) == 0 {
		// A termination task: the bot acknowledges it with a final
		// task_update and shuts down.
		sendJSONResponse(&rpc.BotPollResponse{
			Cmd:    rpc.CmdTerminate,
			TaskId: manifest.TaskId,
		}, w)
		return
	}
	sendJSONResponse(&rpc.BotPollResponse{
		Cmd:      rpc.CmdRun,
		Manifest: rpc.ToTaskManifestData(manifest),
	}, w)
}

// botTaskUpdateHandler serves bot/task_update/{id}.
func (s *server) botTaskUpdateHandler(w http.ResponseWriter, r *http.Request) {
	runId, err := getId(w, r)
	if err != nil {
		return
	}
	var body rpc.BotTaskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputils.ReportError(w, err, "Failed to parse request.", http.StatusBadRequest)
		return
	}
	mustStop, err := s.scheduler.BotUpdate(r.Context(), runId, body.ToBotTaskUpdate())
	if err != nil {
		reportError(w, err, "Task update failed.")
		return
	}
	sendJSONResponse(&rpc.BotTaskUpdateResponse{Ok: true, MustStop: mustStop}, w)
}

// botTaskErrorHandler serves bot/task_error/{id}: the bot could not execute
// the task at all.
func (s *server) botTaskErrorHandler(w http.ResponseWriter, r *http.Request) {
	runId, err := getId(w, r)
	if err != nil {
		return
	}
	var body rpc.BotTaskErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputils.ReportError(w, err, "Failed to parse request.", http.StatusBadRequest)
		return
	}
	if err := s.scheduler.MarkRunError(r.Context(), runId, body.Message); err != nil {
		reportError(w, err, "Failed to record the task error.")
		return
	}
	sendJSONResponse(struct{}{}, w)
}

// AddHandlers registers the full route table on the given router.
func (s *server) AddHandlers(r *mux.Router) {
	// Client API.
	r.HandleFunc(rpc.TasksNewURL, s.tasksNewHandler).Methods(http.MethodPost)
	r.HandleFunc(rpc.TasksListURL, s.tasksListHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.TasksRequestsURL, s.tasksRequestsHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.TasksCountURL, s.tasksCountHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.TasksTagsURL, s.tasksTagsHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.TasksCancelURL, s.tasksCancelHandler).Methods(http.MethodPost)
	r.HandleFunc(rpc.TaskResultURL, s.taskResultHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.TaskRequestURL, s.taskRequestHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.TaskStdoutURL, s.taskStdoutHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.TaskCancelURL, s.taskCancelHandler).Methods(http.MethodPost)
	r.HandleFunc(rpc.BotsListURL, s.botsListHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.BotsCountURL, s.botsCountHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.BotsDimensionsURL, s.botsDimensionsHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.BotGetURL, s.botGetHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.BotEventsURL, s.botEventsHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.BotTerminateURL, s.botTerminateHandler).Methods(http.MethodPost)
	r.HandleFunc(rpc.BotDeleteURL, s.botDeleteHandler).Methods(http.MethodPost)
	r.HandleFunc(rpc.ServerDetailsURL, s.serverDetailsHandler).Methods(http.MethodGet)
	r.HandleFunc(rpc.ServerPermissionsURL, s.serverPermissionsHandler).Methods(http.MethodGet)

	// Bot API.
	r.HandleFunc(rpc.BotHandshakeURL, s.botHandshakeHandler).Methods(http.MethodPost)
	r.HandleFunc(rpc.BotPollURL, s.botPollHandler).Methods(http.MethodPost)
	r.HandleFunc(rpc.BotTaskUpdateURL, s.botTaskUpdateHandler).Methods(http.MethodPost)
	r.HandleFunc(rpc.BotTaskErrorURL, s.botTaskErrorHandler).Methods(http.MethodPost)
}

func runServer(s *server, serverURL string) {
	r := mux.NewRouter()
	s.AddHandlers(r)
	h := httputils.LoggingGzipRequestResponse(r)
	h = httputils.HealthzAndHTTPS(h)
	http.Handle("/", h)
	sklog.Infof("Ready to serve on %s", serverURL)
	sklog.Fatal(http.ListenAndServe(*port, nil))
}

func main() {
	common.InitWithMust(
		appName,
		common.PrometheusOpt(promPort),
		common.MetricsLoggingOpt(),
	)

	var instanceConfig config.InstanceConfig
	b, err := fs.ReadFile(configs.Configs, *configFlag)
	if err != nil {
		sklog.Fatalf("Failed to read config file %q: %s", *configFlag, err)
	}
	if err := json.Unmarshal(b, &instanceConfig); err != nil {
		sklog.Fatalf("Failed to parse config file %q: %s", *configFlag, err)
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	cleanup.AtExit(cancelFn)

	// Task store.
	var taskDb db.DBCloser
	if instanceConfig.TaskDbFile != "" {
		taskDb, err = local_db.NewDB(local_db.DB_NAME, instanceConfig.TaskDbFile)
		if err != nil {
			sklog.Fatalf("Failed to open task db %s: %s", instanceConfig.TaskDbFile, err)
		}
	} else {
		sklog.Warningf("No task_db_file configured; using the in-memory task store.")
		taskDb = memory.NewInMemoryTaskDB()
	}
	cleanup.AtExit(func() {
		util.Close(taskDb)
	})

	// Bot store and registry.
	var bs botstore.Store
	if instanceConfig.Store.Project != "" {
		bs, err = botstore.NewFirestoreImpl(ctx, *local, instanceConfig)
		if err != nil {
			sklog.Fatalf("Failed to create the Firestore bot store: %s", err)
		}
	} else {
		sklog.Warningf("No store project configured; using the in-memory bot store.")
		bs = botstore.NewMemoryImpl()
	}
	groups, err := bots.ParseBotsConfig(&instanceConfig.Bots)
	if err != nil {
		sklog.Fatalf("Invalid bots config: %s", err)
	}
	registry := bots.NewRegistry(bs, groups, instanceConfig.ServerVersion, time.Duration(instanceConfig.BotDeathTimeoutSecs)*time.Second)

	// Dedup cache, completion notifications, scheduler.
	deduper := dedup.New(taskDb, time.Duration(instanceConfig.DedupTtlSecs)*time.Second)
	var notifier scheduling.Notifier
	if instanceConfig.PubSub.Project != "" {
		publisher, err := notify.New(ctx, *local, instanceConfig.PubSub)
		if err != nil {
			sklog.Fatalf("Failed to create the completion publisher: %s", err)
		}
		cleanup.AtExit(publisher.Wait)
		notifier = publisher
	}
	sch, err := scheduling.New(ctx, taskDb, registry, deduper, notifier)
	if err != nil {
		sklog.Fatalf("Failed to create the scheduler: %s", err)
	}

	// Background sweeps.
	sweeper := lifecycle.New(sch, registry, deduper, taskDb)
	sweeper.Start(ctx, time.Duration(instanceConfig.LifecycleTickSecs)*time.Second)

	serverURL := "https://" + *host
	if *local {
		serverURL = "http://" + *host + *port
	}
	runServer(newServer(sch, registry, sweeper, taskDb), serverURL)
}
