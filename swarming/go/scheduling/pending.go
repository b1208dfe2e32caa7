package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/types"
)

// taskCandidate is one claimable entry of the pending index: the subset of a
// TaskRequest needed to order candidates and match them against bot
// dimensions.
type taskCandidate struct {
	Id         int64
	Priority   int
	Created    time.Time
	Dimensions map[string][]string
}

// Copy returns a copy of the taskCandidate.
func (c *taskCandidate) Copy() *taskCandidate {
	return &taskCandidate{
		Id:         c.Id,
		Priority:   c.Priority,
		Created:    c.Created,
		Dimensions: util.CopyStringSliceMap(c.Dimensions),
	}
}

// candidateLess orders candidates for claiming: lowest priority number first,
// then earliest creation time, then lowest id. Task ids render as fixed-width
// hex, so the numeric comparison equals the lexicographic one.
func candidateLess(a, b *taskCandidate) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.Id < b.Id
}

// botMatches returns true if the bot's dimensions satisfy the task's required
// dimensions: for every key, every required value must be present in the
// bot's value set for that key.
func botMatches(botDims, taskDims map[string][]string) bool {
	for k, vals := range taskDims {
		have := botDims[k]
		for _, v := range vals {
			if !util.In(v, have) {
				return false
			}
		}
	}
	return true
}

// candidateShard holds the candidates of one pool, ordered by candidateLess.
// The empty pool name is the shard for termination tasks, which carry an "id"
// dimension instead of a pool.
type candidateShard struct {
	pool  string
	tasks []*taskCandidate
}

// pendingIndex is the claimable view of all PENDING tasks, sharded by pool
// fingerprint. It is a soft cache over the task store: entries are published
// on Schedule, removed on claim or cancellation, and the whole index can be
// rebuilt from a PENDING scan.
//
// A reservation hides a candidate from other pollers while its claim
// transaction is in flight, so removal is observable before the transaction
// commits. The reservation is released if the claim fails.
type pendingIndex struct {
	shards   map[string]*candidateShard
	byId     map[int64]string
	reserved map[int64]string
	mtx      sync.Mutex
}

// newPendingIndex returns an empty pendingIndex.
func newPendingIndex() *pendingIndex {
	return &pendingIndex{
		shards:   map[string]*candidateShard{},
		byId:     map[int64]string{},
		reserved: map[int64]string{},
	}
}

// Add publishes the request as claimable. Adding an id which is already
// present is a no-op, so healing passes may re-add unconditionally.
func (q *pendingIndex) Add(req *types.TaskRequest) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if _, ok := q.byId[req.Id]; ok {
		return
	}
	c := &taskCandidate{
		Id:         req.Id,
		Priority:   req.Priority,
		Created:    req.Created,
		Dimensions: util.CopyStringSliceMap(req.Properties.Dimensions),
	}
	key := req.PoolFingerprint
	shard, ok := q.shards[key]
	if !ok {
		shard = &candidateShard{pool: req.Pool()}
		q.shards[key] = shard
	}
	idx := sort.Search(len(shard.tasks), func(i int) bool {
		return candidateLess(c, shard.tasks[i])
	})
	shard.tasks = append(shard.tasks, nil)
	copy(shard.tasks[idx+1:], shard.tasks[idx:])
	shard.tasks[idx] = c
	q.byId[req.Id] = key
}

// Remove drops the task from the index, eg. once its claim transaction has
// committed or it left PENDING some other way. Unknown ids are ignored.
func (q *pendingIndex) Remove(id int64) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.removeLocked(id)
}

func (q *pendingIndex) removeLocked(id int64) {
	key, ok := q.byId[id]
	if !ok {
		return
	}
	delete(q.byId, id)
	delete(q.reserved, id)
	shard := q.shards[key]
	for i, c := range shard.tasks {
		if c.Id == id {
			shard.tasks = append(shard.tasks[:i], shard.tasks[i+1:]...)
			break
		}
	}
	if len(shard.tasks) == 0 {
		delete(q.shards, key)
	}
}

// Claim returns the best candidate the given bot can run and reserves it for
// the bot, or nil if no unreserved candidate matches. The caller must follow
// up with Remove once the claim commits, or Release if it fails.
//
// Candidates are considered across the bot's pools plus the termination
// shard, in candidateLess order.
func (q *pendingIndex) Claim(botId string, botDims map[string][]string) *taskCandidate {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	keys := []string{""}
	for _, pool := range botDims[types.DIMENSION_POOL_KEY] {
		keys = append(keys, types.PoolFingerprint(pool))
	}
	heads := make([]int, len(keys))
	for {
		best := -1
		var bestC *taskCandidate
		for i, key := range keys {
			shard, ok := q.shards[key]
			if !ok || heads[i] >= len(shard.tasks) {
				continue
			}
			c := shard.tasks[heads[i]]
			if bestC == nil || candidateLess(c, bestC) {
				best = i
				bestC = c
			}
		}
		if bestC == nil {
			return nil
		}
		heads[best]++
		if _, ok := q.reserved[bestC.Id]; ok {
			continue
		}
		if !botMatches(botDims, bestC.Dimensions) {
			continue
		}
		q.reserved[bestC.Id] = botId
		return bestC.Copy()
	}
}

// Release drops the bot's reservation on the task, making it claimable again.
// A no-op unless the reservation is still held by the given bot.
func (q *pendingIndex) Release(id int64, botId string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.reserved[id] == botId {
		delete(q.reserved, id)
	}
}

// Len returns the number of indexed tasks, including reserved ones.
func (q *pendingIndex) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.byId)
}

// SizeByPool returns the number of indexed tasks per pool name. Termination
// tasks count under the empty pool name.
func (q *pendingIndex) SizeByPool() map[string]int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	rv := make(map[string]int, len(q.shards))
	for _, shard := range q.shards {
		rv[shard.pool] = len(shard.tasks)
	}
	return rv
}

// Rebuild replaces the index contents from a scan of the PENDING tasks in the
// store. In-flight reservations for tasks which are still pending survive the
// rebuild.
func (q *pendingIndex) Rebuild(ctx context.Context, d db.TaskReader) error {
	pending, err := d.GetPendingTasks(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	shards := map[string]*candidateShard{}
	byId := map[int64]string{}
	reqs := make([]*types.TaskRequest, 0, len(pending))
	for _, t := range pending {
		req, err := d.GetTaskRequest(ctx, t.RequestId)
		if err != nil {
			return skerr.Wrap(err)
		}
		if req == nil {
			return skerr.Fmt("pending task %d has no request", t.RequestId)
		}
		reqs = append(reqs, req)
	}
	for _, req := range reqs {
		c := &taskCandidate{
			Id:         req.Id,
			Priority:   req.Priority,
			Created:    req.Created,
			Dimensions: req.Properties.Dimensions,
		}
		key := req.PoolFingerprint
		shard, ok := shards[key]
		if !ok {
			shard = &candidateShard{pool: req.Pool()}
			shards[key] = shard
		}
		shard.tasks = append(shard.tasks, c)
		byId[req.Id] = key
	}
	for _, shard := range shards {
		sort.Slice(shard.tasks, func(a, b int) bool {
			return candidateLess(shard.tasks[a], shard.tasks[b])
		})
	}
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.shards = shards
	q.byId = byId
	for id := range q.reserved {
		if _, ok := byId[id]; !ok {
			delete(q.reserved, id)
		}
	}
	return nil
}
