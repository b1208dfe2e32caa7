// Package client is a programmatic interface to the swarming server's JSON
// API, for task submitters and for bot implementations.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.skia.org/swarming/go/httputils"
	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/rpc"
)

// Client talks to one swarming server.
type Client struct {
	host string
	c    *http.Client
}

// New returns a Client for the server at host, e.g.
// "https://swarming.example.com". A nil http.Client selects the default
// retrying client.
func New(host string, c *http.Client) *Client {
	if c == nil {
		c = httputils.DefaultClientConfig().With2xxOnly().Client()
	}
	return &Client{
		host: strings.TrimRight(host, "/"),
		c:    c,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.host + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := httputils.GetWithContext(ctx, c.c, u)
	if err != nil {
		return skerr.Wrapf(err, "GET %s", path)
	}
	defer util.Close(resp.Body)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return skerr.Wrapf(err, "decoding GET %s response", path)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return skerr.Wrap(err)
		}
		reqBody = bytes.NewReader(b)
	}
	resp, err := httputils.PostWithContext(ctx, c.c, c.host+path, "application/json", reqBody)
	if err != nil {
		return skerr.Wrapf(err, "POST %s", path)
	}
	defer util.Close(resp.Body)
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return skerr.Wrapf(err, "decoding POST %s response", path)
	}
	return nil
}

// TaskSearch holds the filters of ListTasks, ListTaskRequests and CountTasks.
// The zero value matches every task of the default search window.
type TaskSearch struct {
	Tags   []string
	Pool   string
	State  string
	Start  time.Time
	End    time.Time
	Sort   string
	Limit  int
	Cursor string
}

func (s *TaskSearch) query() url.Values {
	q := url.Values{}
	for _, tag := range s.Tags {
		q.Add("tag", tag)
	}
	if s.Pool != "" {
		q.Set("pool", s.Pool)
	}
	if s.State != "" {
		q.Set("state", s.State)
	}
	if !util.TimeIsZero(s.Start) {
		q.Set("start", s.Start.UTC().Format(time.RFC3339))
	}
	if !util.TimeIsZero(s.End) {
		q.Set("end", s.End.UTC().Format(time.RFC3339))
	}
	if s.Sort != "" {
		q.Set("sort", s.Sort)
	}
	if s.Limit > 0 {
		q.Set("limit", strconv.Itoa(s.Limit))
	}
	if s.Cursor != "" {
		q.Set("cursor", s.Cursor)
	}
	return q
}

// NewTask submits a task.
func (c *Client) NewTask(ctx context.Context, req *rpc.TasksNewRequest) (*rpc.TasksNewResponse, error) {
	rv := new(rpc.TasksNewResponse)
	if err := c.post(ctx, rpc.TasksNewURL, req, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// TaskResult returns the result named by the packed task id, a summary or a
// single run. includeOutput inlines the output stream.
func (c *Client) TaskResult(ctx context.Context, taskId string, includeOutput bool) (*rpc.TaskResultData, error) {
	q := url.Values{}
	if includeOutput {
		q.Set("include_output", "true")
	}
	rv := new(rpc.TaskResultData)
	if err := c.get(ctx, fmt.Sprintf("%s/task/%s/result", rpc.APIPrefix, taskId), q, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// TaskRequest returns the stored submission of the task.
func (c *Client) TaskRequest(ctx context.Context, taskId string) (*rpc.TaskRequestData, error) {
	rv := new(rpc.TaskRequestData)
	if err := c.get(ctx, fmt.Sprintf("%s/task/%s/request", rpc.APIPrefix, taskId), nil, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// TaskStdout returns the task's combined output stream.
func (c *Client) TaskStdout(ctx context.Context, taskId string) (string, error) {
	rv := new(rpc.TaskStdoutResponse)
	if err := c.get(ctx, fmt.Sprintf("%s/task/%s/stdout", rpc.APIPrefix, taskId), nil, rv); err != nil {
		return "", err
	}
	return rv.Output, nil
}

// CancelTask cancels the task named by the packed summary id.
func (c *Client) CancelTask(ctx context.Context, taskId string, killRunning bool) (*rpc.TaskCancelResponse, error) {
	rv := new(rpc.TaskCancelResponse)
	body := &rpc.TaskCancelRequest{KillRunning: killRunning}
	if err := c.post(ctx, fmt.Sprintf("%s/task/%s/cancel", rpc.APIPrefix, taskId), body, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// CancelTasks cancels every task carrying all of the given tags. A non-empty
// cursor in the response means the sweep was interrupted; pass it back to
// resume.
func (c *Client) CancelTasks(ctx context.Context, tags []string, killRunning bool, cursor string) (*rpc.TasksCancelResponse, error) {
	rv := new(rpc.TasksCancelResponse)
	body := &rpc.TasksCancelRequest{
		Tags:        tags,
		KillRunning: killRunning,
		Cursor:      cursor,
	}
	if err := c.post(ctx, rpc.TasksCancelURL, body, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// ListTasks returns one page of result summaries matching the search.
func (c *Client) ListTasks(ctx context.Context, search *TaskSearch) (*rpc.TasksListResponse, error) {
	rv := new(rpc.TasksListResponse)
	if err := c.get(ctx, rpc.TasksListURL, search.query(), rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// ListTaskRequests returns one page of stored submissions matching the
// search.
func (c *Client) ListTaskRequests(ctx context.Context, search *TaskSearch) (*rpc.TasksRequestsResponse, error) {
	rv := new(rpc.TasksRequestsResponse)
	if err := c.get(ctx, rpc.TasksRequestsURL, search.query(), rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// CountTasks returns the number of tasks matching the search.
func (c *Client) CountTasks(ctx context.Context, search *TaskSearch) (int, error) {
	rv := new(rpc.TasksCountResponse)
	if err := c.get(ctx, rpc.TasksCountURL, search.query(), rv); err != nil {
		return 0, err
	}
	return rv.Count, nil
}

// TaskTags returns the tag keys and values seen on recent tasks.
func (c *Client) TaskTags(ctx context.Context) (map[string][]string, error) {
	rv := new(rpc.TagsResponse)
	if err := c.get(ctx, rpc.TasksTagsURL, nil, rv); err != nil {
		return nil, err
	}
	return rpc.FromStringListPairs(rv.Items), nil
}

// ListBots returns one page of bots, optionally filtered by exact dimension
// values.
func (c *Client) ListBots(ctx context.Context, dimensions map[string]string, limit int, cursor string) (*rpc.BotsListResponse, error) {
	q := url.Values{}
	for k, v := range dimensions {
		q.Add("dimensions", k+":"+v)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	rv := new(rpc.BotsListResponse)
	if err := c.get(ctx, rpc.BotsListURL, q, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// CountBots returns fleet-level counts.
func (c *Client) CountBots(ctx context.Context) (*rpc.BotsCountResponse, error) {
	rv := new(rpc.BotsCountResponse)
	if err := c.get(ctx, rpc.BotsCountURL, nil, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// BotDimensions returns the dimension keys and values seen on live bots.
func (c *Client) BotDimensions(ctx context.Context) (map[string][]string, error) {
	rv := new(rpc.TagsResponse)
	if err := c.get(ctx, rpc.BotsDimensionsURL, nil, rv); err != nil {
		return nil, err
	}
	return rpc.FromStringListPairs(rv.Items), nil
}

func botPath(botId, op string) string {
	return fmt.Sprintf("%s/bot/%s/%s", rpc.APIPrefix, url.PathEscape(botId), op)
}

// GetBot returns the bot's registry record, including deleted tombstones.
func (c *Client) GetBot(ctx context.Context, botId string) (*rpc.BotData, error) {
	rv := new(rpc.BotData)
	if err := c.get(ctx, botPath(botId, "get"), nil, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// BotEvents returns one page of the bot's history, newest first.
func (c *Client) BotEvents(ctx context.Context, botId string, limit int, cursor string) (*rpc.BotEventsResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	rv := new(rpc.BotEventsResponse)
	if err := c.get(ctx, botPath(botId, "events"), q, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// TerminateBot schedules a termination task for the bot and returns its
// packed task id.
func (c *Client) TerminateBot(ctx context.Context, botId string) (string, error) {
	rv := new(rpc.BotTerminateResponse)
	if err := c.post(ctx, botPath(botId, "terminate"), nil, rv); err != nil {
		return "", err
	}
	return rv.TaskId, nil
}

// DeleteBot removes the bot from listings. Its history remains retrievable.
func (c *Client) DeleteBot(ctx context.Context, botId string) error {
	return c.post(ctx, botPath(botId, "delete"), nil, nil)
}

// ServerDetails returns the server's version info.
func (c *Client) ServerDetails(ctx context.Context) (*rpc.ServerDetailsResponse, error) {
	rv := new(rpc.ServerDetailsResponse)
	if err := c.get(ctx, rpc.ServerDetailsURL, nil, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// ServerPermissions returns what the calling identity may do.
func (c *Client) ServerPermissions(ctx context.Context) (*rpc.ServerPermissionsResponse, error) {
	rv := new(rpc.ServerPermissionsResponse)
	if err := c.get(ctx, rpc.ServerPermissionsURL, nil, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// BotHandshake announces a bot to the server. Bot implementations call this
// once on startup, before the first poll.
func (c *Client) BotHandshake(ctx context.Context, attrs *rpc.BotAttributesData) (*rpc.BotHandshakeResponse, error) {
	rv := new(rpc.BotHandshakeResponse)
	if err := c.post(ctx, rpc.BotHandshakeURL, attrs, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// BotPoll reports the bot's current attributes and asks for the next
// command.
func (c *Client) BotPoll(ctx context.Context, attrs *rpc.BotAttributesData) (*rpc.BotPollResponse, error) {
	rv := new(rpc.BotPollResponse)
	if err := c.post(ctx, rpc.BotPollURL, attrs, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// BotTaskUpdate reports task progress for the run named by the packed run
// id. The returned MustStop tells the bot to kill the task.
func (c *Client) BotTaskUpdate(ctx context.Context, runId string, upd *rpc.BotTaskUpdateRequest) (*rpc.BotTaskUpdateResponse, error) {
	rv := new(rpc.BotTaskUpdateResponse)
	if err := c.post(ctx, rpc.BotAPIPrefix+"/task_update/"+runId, upd, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

// BotTaskError reports that the bot could not execute the run at all.
func (c *Client) BotTaskError(ctx context.Context, runId, botId, message string) error {
	body := &rpc.BotTaskErrorRequest{
		BotId:   botId,
		Message: message,
	}
	return c.post(ctx, rpc.BotAPIPrefix+"/task_error/"+runId, body, nil)
}
