package db

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/types"
)

const (
	// DEFAULT_SEARCH_LIMIT is the page size used when the caller does not
	// give one.
	DEFAULT_SEARCH_LIMIT = 200

	// MAX_SEARCH_LIMIT is the largest allowed page size.
	MAX_SEARCH_LIMIT = 1000

	// DEFAULT_SEARCH_WINDOW bounds the time range scanned when the
	// caller does not give one.
	DEFAULT_SEARCH_WINDOW = 24 * time.Hour

	// Sort keys accepted by SearchTasks.
	SORT_CREATED   = "created"
	SORT_MODIFIED  = "modified"
	SORT_COMPLETED = "completed"
)

// TaskSearchParams are the filters accepted by SearchTasks and CountTasks.
// The zero value of a field means "no filter".
type TaskSearchParams struct {
	// Tags restricts results to summaries carrying every listed tag.
	Tags []string

	// State restricts results to one lifecycle state.
	State types.TaskState

	// Pool restricts results to one pool. Equivalent to a "pool:<name>"
	// tag.
	Pool string

	// Start and End bound the creation time, [Start, End). A zero End
	// means now; a zero Start means End minus DEFAULT_SEARCH_WINDOW.
	Start time.Time
	End   time.Time

	// Sort is one of the SORT_* keys; "" means SORT_CREATED. Results are
	// returned newest-first by the sort key.
	Sort string

	// Limit is the page size, at most MAX_SEARCH_LIMIT;
	// 0 means DEFAULT_SEARCH_LIMIT.
	Limit int

	// Cursor resumes a previous search. Must be used with the same sort
	// key.
	Cursor string
}

// searchPos is a decoded cursor: the position of the last item returned.
type searchPos struct {
	sortKey string
	value   time.Time
	id      int64
}

func encodeCursor(p searchPos) string {
	s := fmt.Sprintf("%s|%s|%016x", p.sortKey, p.value.UTC().Format(util.RFC3339NanoZeroPad), p.id)
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func decodeCursor(cursor string) (searchPos, error) {
	b, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return searchPos{}, ErrInvalidCursor
	}
	parts := strings.SplitN(string(b), "|", 3)
	if len(parts) != 3 {
		return searchPos{}, ErrInvalidCursor
	}
	ts, err := time.Parse(util.RFC3339NanoZeroPad, parts[1])
	if err != nil {
		return searchPos{}, ErrInvalidCursor
	}
	id, err := strconv.ParseInt(parts[2], 16, 64)
	if err != nil {
		return searchPos{}, ErrInvalidCursor
	}
	return searchPos{
		sortKey: parts[0],
		value:   ts,
		id:      id,
	}, nil
}

func sortValue(t *types.TaskResultSummary, key string) time.Time {
	switch key {
	case SORT_MODIFIED:
		return t.Modified
	case SORT_COMPLETED:
		return t.Completed
	default:
		return t.Created
	}
}

// matchTask returns true if the summary satisfies the non-time filters.
func matchTask(t *types.TaskResultSummary, p *TaskSearchParams) bool {
	if p.State != "" && t.State != p.State {
		return false
	}
	for _, tag := range p.Tags {
		if !util.In(tag, t.Tags) {
			return false
		}
	}
	if p.Pool != "" && !util.In(types.DIMENSION_POOL_KEY+":"+p.Pool, t.Tags) {
		return false
	}
	return true
}

// filterTasks fetches and filters the summaries matching p, sorted
// newest-first by the sort key with the request id as tie-break.
func filterTasks(ctx context.Context, r TaskReader, p *TaskSearchParams) ([]*types.TaskResultSummary, string, error) {
	sortKey := p.Sort
	if sortKey == "" {
		sortKey = SORT_CREATED
	}
	switch sortKey {
	case SORT_CREATED, SORT_MODIFIED, SORT_COMPLETED:
	default:
		return nil, "", ErrUnsupportedSearch
	}
	end := p.End
	if util.TimeIsZero(end) {
		end = now.Now(ctx).UTC()
	}
	start := p.Start
	if util.TimeIsZero(start) {
		start = end.Add(-DEFAULT_SEARCH_WINDOW)
	}
	tasks, err := r.GetTasksFromDateRange(ctx, start, end)
	if err != nil {
		return nil, "", err
	}
	matched := make([]*types.TaskResultSummary, 0, len(tasks))
	for _, t := range tasks {
		if matchTask(t, p) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		vi, vj := sortValue(matched[i], sortKey), sortValue(matched[j], sortKey)
		if vi.Equal(vj) {
			return matched[i].RequestId < matched[j].RequestId
		}
		return vi.After(vj)
	})
	return matched, sortKey, nil
}

// SearchTasks returns one page of result summaries matching p, newest-first
// by the sort key, plus a cursor for the next page ("" when the results are
// exhausted). Cursors are opaque; a cursor chain never revisits or precedes
// an already-returned position even if the underlying data changes between
// pages.
func SearchTasks(ctx context.Context, r TaskReader, p *TaskSearchParams) ([]*types.TaskResultSummary, string, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DEFAULT_SEARCH_LIMIT
	} else if limit > MAX_SEARCH_LIMIT {
		return nil, "", ErrPageTooLarge
	}
	matched, sortKey, err := filterTasks(ctx, r, p)
	if err != nil {
		return nil, "", err
	}
	if p.Cursor != "" {
		pos, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, "", err
		}
		if pos.sortKey != sortKey {
			return nil, "", ErrUnsupportedSearch
		}
		// Drop everything at or before the cursor position.
		i := 0
		for ; i < len(matched); i++ {
			v := sortValue(matched[i], sortKey)
			if v.Before(pos.value) || (v.Equal(pos.value) && matched[i].RequestId > pos.id) {
				break
			}
		}
		matched = matched[i:]
	}
	if len(matched) <= limit {
		return matched, "", nil
	}
	page := matched[:limit]
	last := page[len(page)-1]
	cursor := encodeCursor(searchPos{
		sortKey: sortKey,
		value:   sortValue(last, sortKey),
		id:      last.RequestId,
	})
	return page, cursor, nil
}

// CountTasks returns the number of summaries matching p, ignoring
// pagination.
func CountTasks(ctx context.Context, r TaskReader, p *TaskSearchParams) (int, error) {
	matched, _, err := filterTasks(ctx, r, p)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}
