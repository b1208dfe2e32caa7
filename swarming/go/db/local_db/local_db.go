// Package local_db provides a db.TaskDB backed by a local BoltDB file.
package local_db

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"go.skia.org/swarming/go/metrics2"
	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/sklog"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/types"
)

const (
	// DB_NAME is the name of the database.
	DB_NAME = "swarming_db"

	// DB_FILENAME is the name of the file in which the database is stored.
	DB_FILENAME = "swarming.bdb"

	// BUCKET_REQUESTS is the name of the task requests bucket. Key is the
	// fixed-width hex form of the request id (see ids.Key), value is
	// described in docs for VALUE_VERSION with the creation time in the
	// header. Requests are immutable once inserted.
	BUCKET_REQUESTS = "requests"

	// BUCKET_SUMMARIES is the name of the result summaries bucket. Key is
	// the same as BUCKET_REQUESTS, value is described in docs for
	// VALUE_VERSION with DbModified in the header. Summaries are updated
	// in place.
	BUCKET_SUMMARIES = "summaries"

	// BUCKET_RUNS is the name of the run results bucket. Key is
	// "<request key>_<try>", value is described in docs for VALUE_VERSION
	// with DbModified in the header. Runs are updated in place.
	BUCKET_RUNS = "runs"

	// BUCKET_OUTPUT is the name of the output chunks bucket. Key is
	// "<run key>_<offset>" with the offset as 16 hex digits, value is the
	// raw chunk. Chunks are contiguous; concatenating the values of one
	// run's keys in order yields the output stream.
	BUCKET_OUTPUT = "output"

	// BUCKET_DEDUP is the name of the dedup entries bucket. Key is the
	// properties hash, value is described in docs for VALUE_VERSION with
	// the entry's Completed time in the header, so expired entries can be
	// filtered and pruned without decoding.
	BUCKET_DEDUP = "dedup"

	// VALUE_VERSION indicates the format of the values written to the
	// buckets above. Retrieving records from the DB must support all
	// previous versions. For all versions, the first byte is the version
	// number.
	//   Version 1: v[0] = 1; v[1:9] is a timestamp as UnixNano encoded as
	//     big endian; v[9:] is the GOB of the record.
	VALUE_VERSION = 1

	// MAX_CREATED_TIME_SKEW is the maximum difference between the
	// timestamp embedded in a request's id and the request's Created
	// field. This allows AssignId to be called before the final Created
	// time is stamped. GetTasksFromDateRange accounts for this skew when
	// retrieving tasks. This value can be increased in the future, but can
	// never be decreased.
	MAX_CREATED_TIME_SKEW = 6 * time.Minute
)

// ALL_BUCKETS are the buckets created at open.
var ALL_BUCKETS = []string{
	BUCKET_REQUESTS,
	BUCKET_SUMMARIES,
	BUCKET_RUNS,
	BUCKET_OUTPUT,
	BUCKET_DEDUP,
}

// packV1 creates a value as described for VALUE_VERSION = 1. ts is the header
// timestamp and serialized is the GOB of the record.
func packV1(ts time.Time, serialized []byte) []byte {
	rv := make([]byte, len(serialized)+9)
	rv[0] = 1
	binary.BigEndian.PutUint64(rv[1:9], uint64(ts.UnixNano()))
	copy(rv[9:], serialized)
	return rv
}

// unpackV1 gets the header timestamp and GOB of the record from a value as
// described for VALUE_VERSION = 1. The returned GOB shares structure with
// value.
func unpackV1(value []byte) (time.Time, []byte, error) {
	if len(value) < 9 {
		return time.Time{}, nil, fmt.Errorf("unpackV1 value is too short (%d bytes)", len(value))
	}
	if value[0] != 1 {
		return time.Time{}, nil, fmt.Errorf("unpackV1 called for value with version %d", value[0])
	}
	ts := time.Unix(0, int64(binary.BigEndian.Uint64(value[1:9]))).UTC()
	return ts, value[9:], nil
}

// pack creates a value for the current VALUE_VERSION.
func pack(ts time.Time, serialized []byte) []byte {
	if VALUE_VERSION != 1 {
		panic(VALUE_VERSION)
	}
	return packV1(ts, serialized)
}

// unpack gets the header timestamp and GOB of the record from a value for any
// supported version. The returned GOB shares structure with value.
func unpack(value []byte) (time.Time, []byte, error) {
	if len(value) < 1 {
		return time.Time{}, nil, fmt.Errorf("unpack value is empty")
	}
	// Only one version currently supported.
	if value[0] != 1 {
		return time.Time{}, nil, fmt.Errorf("unpack unrecognized version %d", value[0])
	}
	return unpackV1(value)
}

// requestKey returns the key of the given request.
func requestKey(id int64) []byte {
	return []byte(ids.Key(id))
}

// runKey returns the key of the given try's run record.
func runKey(id int64, try int) []byte {
	return []byte(fmt.Sprintf("%s_%d", ids.Key(id), try))
}

// chunkPrefix returns the key prefix of the given run's output chunks.
func chunkPrefix(id int64, try int) []byte {
	return []byte(fmt.Sprintf("%s_%d_", ids.Key(id), try))
}

// chunkKey returns the key of the given run's output chunk at the given
// offset. The fixed-width offset keeps chunk keys sorted by offset.
func chunkKey(id int64, try int, offset int64) []byte {
	return []byte(fmt.Sprintf("%s_%d_%016x", ids.Key(id), try, offset))
}

// encodeGob returns the GOB of the given record.
func encodeGob(rec interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeGob decodes the given GOB into the given record.
func decodeGob(serialized []byte, rec interface{}) error {
	return gob.NewDecoder(bytes.NewReader(serialized)).Decode(rec)
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

// localDB accesses a local BoltDB database containing task requests, result
// summaries, run results, output chunks and dedup entries.
type localDB struct {
	// name is used in logging and metrics to identify this DB.
	name string
	// filename is used when serving the database backup file.
	filename string

	// db is the underlying BoltDB.
	db *bolt.DB

	// allocator hands out request ids.
	allocator *ids.Allocator

	// tx fields contain metrics on the number of active transactions.
	// Protected by txMutex.
	txCount  metrics2.Counter
	txNextId int64
	txActive map[int64]string
	txMutex  sync.RWMutex

	// Count queries and results per bucket to get QPS metrics.
	metricReadQueries  map[string]metrics2.Counter
	metricReadRows     map[string]metrics2.Counter
	metricWriteQueries map[string]metrics2.Counter
	metricWriteRows    map[string]metrics2.Counter

	// ModifiedTasks is embedded in order to implement
	// db.ModifiedTasksReader.
	db.ModifiedTasks

	// Close will send on each of these channels to indicate goroutines
	// should stop.
	notifyOnClose []chan bool
}

// startTx monitors when a transaction starts.
func (d *localDB) startTx(name string) int64 {
	d.txMutex.Lock()
	defer d.txMutex.Unlock()
	d.txCount.Inc(1)
	id := d.txNextId
	d.txActive[id] = name
	d.txNextId++
	return id
}

// endTx monitors when a transaction ends.
func (d *localDB) endTx(id int64) {
	d.txMutex.Lock()
	defer d.txMutex.Unlock()
	d.txCount.Dec(1)
	delete(d.txActive, id)
}

// reportActiveTx prints out the list of active transactions.
func (d *localDB) reportActiveTx() {
	d.txMutex.RLock()
	defer d.txMutex.RUnlock()
	if len(d.txActive) == 0 {
		sklog.Infof("%s Active Transactions: (none)", d.name)
		return
	}
	txs := make([]string, 0, len(d.txActive))
	for id, name := range d.txActive {
		txs = append(txs, fmt.Sprintf("  %d\t%s", id, name))
	}
	sklog.Infof("%s Active Transactions:\n%s", d.name, strings.Join(txs, "\n"))
}

// tx is a wrapper for a BoltDB transaction which tracks statistics.
func (d *localDB) tx(name string, fn func(*bolt.Tx) error, update bool) error {
	txId := d.startTx(name)
	defer d.endTx(txId)
	defer metrics2.NewTimer("db_tx_duration", map[string]string{
		"database":    d.name,
		"transaction": name,
	}).Stop()
	if update {
		return d.db.Update(fn)
	}
	return d.db.View(fn)
}

// view is a wrapper for the BoltDB instance's View method.
func (d *localDB) view(name string, fn func(*bolt.Tx) error) error {
	return d.tx(name, fn, false)
}

// update is a wrapper for the BoltDB instance's Update method.
func (d *localDB) update(name string, fn func(*bolt.Tx) error) error {
	return d.tx(name, fn, true)
}

// bucket returns the named bucket. New keys are smaller than old ones because
// ids decrease over time, so inserts land at the front of each bucket and the
// default fill percent is the right choice.
func bucket(tx *bolt.Tx, name string) *bolt.Bucket {
	return tx.Bucket([]byte(name))
}

// NewDB returns a local DB instance.
func NewDB(name, filename string) (db.BackupDBCloser, error) {
	boltdb, err := bolt.Open(filename, 0600, nil)
	if err != nil {
		return nil, err
	}
	d := &localDB{
		name:      name,
		filename:  path.Base(filename),
		db:        boltdb,
		allocator: ids.NewAllocator(),
		txCount: metrics2.GetCounter("db_active_tx", map[string]string{
			"database": name,
		}),
		txNextId:           0,
		txActive:           map[int64]string{},
		metricReadQueries:  map[string]metrics2.Counter{},
		metricReadRows:     map[string]metrics2.Counter{},
		metricWriteQueries: map[string]metrics2.Counter{},
		metricWriteRows:    map[string]metrics2.Counter{},
	}
	for _, b := range ALL_BUCKETS {
		d.metricReadQueries[b] = metrics2.GetCounter("db_op_count", map[string]string{
			"database": name,
			"op":       "read",
			"bucket":   b,
			"count":    "queries",
		})
		d.metricReadRows[b] = metrics2.GetCounter("db_op_count", map[string]string{
			"database": name,
			"op":       "read",
			"bucket":   b,
			"count":    "rows",
		})
		d.metricWriteQueries[b] = metrics2.GetCounter("db_op_count", map[string]string{
			"database": name,
			"op":       "write",
			"bucket":   b,
			"count":    "queries",
		})
		d.metricWriteRows[b] = metrics2.GetCounter("db_op_count", map[string]string{
			"database": name,
			"op":       "write",
			"bucket":   b,
			"count":    "rows",
		})
	}

	stopReportActiveTx := make(chan bool)
	d.notifyOnClose = append(d.notifyOnClose, stopReportActiveTx)
	go func() {
		t := time.NewTicker(time.Minute)
		for {
			select {
			case <-stopReportActiveTx:
				t.Stop()
				return
			case <-t.C:
				d.reportActiveTx()
			}
		}
	}()

	if err := d.update("NewDB", func(tx *bolt.Tx) error {
		for _, b := range ALL_BUCKETS {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return d, nil
}

// See docs for io.Closer interface.
func (d *localDB) Close() error {
	d.txMutex.Lock()
	defer d.txMutex.Unlock()
	if len(d.txActive) > 0 {
		return fmt.Errorf("Can not close DB when transactions are active.")
	}
	for _, c := range d.notifyOnClose {
		c <- true
	}
	d.txActive = map[int64]string{}
	if err := d.txCount.Delete(); err != nil {
		return err
	}
	d.txCount = nil
	return d.db.Close()
}

// See docs for TaskDB interface. Does not open a transaction.
func (d *localDB) AssignId(ctx context.Context, req *types.TaskRequest) error {
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
func (d *localDB) GetTaskRequest(ctx context.Context, id int64) (*types.TaskRequest, error) {
	d.metricReadQueries[BUCKET_REQUESTS].Inc(1)
	var rv *types.TaskRequest
	if err := d.view("GetTaskRequest", func(tx *bolt.Tx) error {
		value := bucket(tx, BUCKET_REQUESTS).Get(requestKey(id))
		if value == nil {
			return nil
		}
		_, serialized, err := unpack(value)
		if err != nil {
			return err
		}
		var req types.TaskRequest
		if err := decodeGob(serialized, &req); err != nil {
			return err
		}
		rv = &req
		return nil
	}); err != nil {
		return nil, err
	}
	d.metricReadRows[BUCKET_REQUESTS].Inc(1)
	return rv, nil
}

// See docs for TaskReader interface.
func (d *localDB) GetTaskResult(ctx context.Context, id int64) (*types.TaskResultSummary, error) {
	d.metricReadQueries[BUCKET_SUMMARIES].Inc(1)
	var rv *types.TaskResultSummary
	if err := d.view("GetTaskResult", func(tx *bolt.Tx) error {
		value := bucket(tx, BUCKET_SUMMARIES).Get(requestKey(id))
		if value == nil {
			return nil
		}
		_, serialized, err := unpack(value)
		if err != nil {
			return err
		}
		var summary types.TaskResultSummary
		if err := decodeGob(serialized, &summary); err != nil {
			return err
		}
		rv = &summary
		return nil
	}); err != nil {
		return nil, err
	}
	d.metricReadRows[BUCKET_SUMMARIES].Inc(1)
	return rv, nil
}

// See docs for TaskReader interface.
func (d *localDB) GetTaskRun(ctx context.Context, id int64, try int) (*types.TaskRunResult, error) {
	d.metricReadQueries[BUCKET_RUNS].Inc(1)
	var rv *types.TaskRunResult
	if err := d.view("GetTaskRun", func(tx *bolt.Tx) error {
		value := bucket(tx, BUCKET_RUNS).Get(runKey(id, try))
		if value == nil {
			return nil
		}
		_, serialized, err := unpack(value)
		if err != nil {
			return err
		}
		var run types.TaskRunResult
		if err := decodeGob(serialized, &run); err != nil {
			return err
		}
		rv = &run
		return nil
	}); err != nil {
		return nil, err
	}
	d.metricReadRows[BUCKET_RUNS].Inc(1)
	return rv, nil
}

// See docs for TaskReader interface.
func (d *localDB) GetTasksFromDateRange(ctx context.Context, start, end time.Time) ([]*types.TaskResultSummary, error) {
	d.metricReadQueries[BUCKET_SUMMARIES].Inc(1)
	// Ids decrease over time, so the scan bounds come from the inverted
	// window, widened to account for skew between id assignment and the
	// Created stamp.
	minId, maxId := ids.TimeRange(start.Add(-MAX_CREATED_TIME_SKEW), end.Add(MAX_CREATED_TIME_SKEW))
	if minId > maxId {
		return []*types.TaskResultSummary{}, nil
	}
	min := requestKey(minId)
	max := requestKey(maxId)
	decoder := types.NewTaskSummaryDecoder()
	if err := d.view("GetTasksFromDateRange", func(tx *bolt.Tx) error {
		c := bucket(tx, BUCKET_SUMMARIES).Cursor()
		for k, v := c.Seek(min); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			_, serialized, err := unpack(v)
			if err != nil {
				return err
			}
			cpy := make([]byte, len(serialized))
			copy(cpy, serialized)
			if !decoder.Process(cpy) {
				return nil
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	result, err := decoder.Result()
	if err != nil {
		return nil, err
	}
	sort.Sort(types.TaskResultSummarySlice(result))
	// The summaries retrieved based on the id timestamp may include tasks
	// with Created time before/after the desired range.
	startIdx := 0
	for startIdx < len(result) && result[startIdx].Created.Before(start) {
		startIdx++
	}
	endIdx := len(result)
	for endIdx > 0 && !result[endIdx-1].Created.Before(end) {
		endIdx--
	}
	if startIdx > endIdx {
		endIdx = startIdx
	}
	d.metricReadRows[BUCKET_SUMMARIES].Inc(int64(endIdx - startIdx))
	return result[startIdx:endIdx], nil
}

// See docs for TaskReader interface.
func (d *localDB) GetPendingTasks(ctx context.Context) ([]*types.TaskResultSummary, error) {
	d.metricReadQueries[BUCKET_SUMMARIES].Inc(1)
	decoder := types.NewTaskSummaryDecoder()
	if err := d.view("GetPendingTasks", func(tx *bolt.Tx) error {
		c := bucket(tx, BUCKET_SUMMARIES).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			_, serialized, err := unpack(v)
			if err != nil {
				return err
			}
			cpy := make([]byte, len(serialized))
			copy(cpy, serialized)
			if !decoder.Process(cpy) {
				return nil
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	all, err := decoder.Result()
	if err != nil {
		return nil, err
	}
	rv := make([]*types.TaskResultSummary, 0, len(all))
	for _, s := range all {
		if s.State == types.TASK_STATE_PENDING {
			rv = append(rv, s)
		}
	}
	sort.Sort(types.TaskResultSummarySlice(rv))
	d.metricReadRows[BUCKET_SUMMARIES].Inc(int64(len(rv)))
	return rv, nil
}

// validateNewTask returns an error if the request and summary can not be
// inserted into the DB. Does not modify them.
func validateNewTask(req *types.TaskRequest, summary *types.TaskResultSummary) error {
	if req.Id == 0 {
		return db.ErrUnknownId
	}
	if summary.RequestId != req.Id {
		return fmt.Errorf("Request id %d and summary id %d do not match.", req.Id, summary.RequestId)
	}
	if util.TimeIsZero(req.Created) {
		return fmt.Errorf("Created not set. Task %s created time is %s.", ids.Key(req.Id), req.Created)
	}
	idTs := ids.Time(req.Id)
	if req.Created.Sub(idTs) > MAX_CREATED_TIME_SKEW {
		return fmt.Errorf("Created too late. Task %s was assigned its id at %s, more than MAX_CREATED_TIME_SKEW = %s before Created time %s.", ids.Key(req.Id), idTs, MAX_CREATED_TIME_SKEW, req.Created)
	}
	if idTs.Sub(req.Created) > MAX_CREATED_TIME_SKEW {
		return fmt.Errorf("Created too early. Task %s Created time %s is more than MAX_CREATED_TIME_SKEW = %s before its id was assigned at %s.", ids.Key(req.Id), req.Created, MAX_CREATED_TIME_SKEW, idTs)
	}
	return nil
}

// See docs for TaskDB interface.
func (d *localDB) PutNewTask(ctx context.Context, req *types.TaskRequest, summary *types.TaskResultSummary) error {
	if err := validateNewTask(req, summary); err != nil {
		return err
	}
	d.metricWriteQueries[BUCKET_REQUESTS].Inc(1)
	d.metricWriteQueries[BUCKET_SUMMARIES].Inc(1)
	oldDbModified := summary.DbModified
	key := requestKey(req.Id)
	var summaryGob []byte
	err := d.update("PutNewTask", func(tx *bolt.Tx) error {
		if value := bucket(tx, BUCKET_REQUESTS).Get(key); value != nil {
			return db.ErrAlreadyExists
		}
		summary.DbModified = stamp(ctx, time.Time{})
		reqGob, err := encodeGob(req)
		if err != nil {
			return err
		}
		summaryGob, err = encodeGob(summary)
		if err != nil {
			return err
		}
		if err := bucket(tx, BUCKET_REQUESTS).Put(key, pack(req.Created, reqGob)); err != nil {
			return err
		}
		return bucket(tx, BUCKET_SUMMARIES).Put(key, pack(summary.DbModified, summaryGob))
	})
	if err != nil {
		summary.DbModified = oldDbModified
		return err
	}
	d.metricWriteRows[BUCKET_REQUESTS].Inc(1)
	d.metricWriteRows[BUCKET_SUMMARIES].Inc(1)
	d.TrackModifiedTasksGOB(map[string][]byte{ids.Key(req.Id): summaryGob})
	return nil
}

// putSummary writes back the given summary. tx must be an update transaction.
// Returns the GOB written, for modified-tasks tracking after the transaction
// commits.
func putSummary(ctx context.Context, tx *bolt.Tx, summary *types.TaskResultSummary) ([]byte, error) {
	key := requestKey(summary.RequestId)
	value := bucket(tx, BUCKET_SUMMARIES).Get(key)
	if value == nil {
		return nil, db.ErrNotFound
	}
	modTs, _, err := unpack(value)
	if err != nil {
		return nil, err
	}
	if !modTs.Equal(summary.DbModified) {
		return nil, db.ErrConcurrentUpdate
	}
	summary.DbModified = stamp(ctx, modTs)
	serialized, err := encodeGob(summary)
	if err != nil {
		return nil, err
	}
	if err := bucket(tx, BUCKET_SUMMARIES).Put(key, pack(summary.DbModified, serialized)); err != nil {
		return nil, err
	}
	return serialized, nil
}

// putRun writes back the given run. tx must be an update transaction.
func putRun(ctx context.Context, tx *bolt.Tx, run *types.TaskRunResult) error {
	key := runKey(run.RequestId, run.TryNumber)
	value := bucket(tx, BUCKET_RUNS).Get(key)
	if value == nil {
		return db.ErrNotFound
	}
	modTs, _, err := unpack(value)
	if err != nil {
		return err
	}
	if !modTs.Equal(run.DbModified) {
		return db.ErrConcurrentUpdate
	}
	run.DbModified = stamp(ctx, modTs)
	serialized, err := encodeGob(run)
	if err != nil {
		return err
	}
	return bucket(tx, BUCKET_RUNS).Put(key, pack(run.DbModified, serialized))
}

// See docs for TaskDB interface.
func (d *localDB) UpdateTaskSummary(ctx context.Context, summary *types.TaskResultSummary) error {
	d.metricWriteQueries[BUCKET_SUMMARIES].Inc(1)
	oldDbModified := summary.DbModified
	var summaryGob []byte
	err := d.update("UpdateTaskSummary", func(tx *bolt.Tx) error {
		var err error
		summaryGob, err = putSummary(ctx, tx, summary)
		return err
	})
	if err != nil {
		summary.DbModified = oldDbModified
		return err
	}
	d.metricWriteRows[BUCKET_SUMMARIES].Inc(1)
	d.TrackModifiedTasksGOB(map[string][]byte{ids.Key(summary.RequestId): summaryGob})
	return nil
}

// See docs for TaskDB interface.
func (d *localDB) UpdateTaskRun(ctx context.Context, run *types.TaskRunResult) error {
	d.metricWriteQueries[BUCKET_RUNS].Inc(1)
	oldDbModified := run.DbModified
	err := d.update("UpdateTaskRun", func(tx *bolt.Tx) error {
		return putRun(ctx, tx, run)
	})
	if err != nil {
		run.DbModified = oldDbModified
		return err
	}
	d.metricWriteRows[BUCKET_RUNS].Inc(1)
	return nil
}

// See docs for TaskDB interface.
func (d *localDB) UpdateTaskAndRun(ctx context.Context, summary *types.TaskResultSummary, run *types.TaskRunResult) error {
	d.metricWriteQueries[BUCKET_SUMMARIES].Inc(1)
	d.metricWriteQueries[BUCKET_RUNS].Inc(1)
	oldSummaryDbModified := summary.DbModified
	oldRunDbModified := run.DbModified
	var summaryGob []byte
	err := d.update("UpdateTaskAndRun", func(tx *bolt.Tx) error {
		// Check both stamps before writing either record.
		summaryValue := bucket(tx, BUCKET_SUMMARIES).Get(requestKey(summary.RequestId))
		runValue := bucket(tx, BUCKET_RUNS).Get(runKey(run.RequestId, run.TryNumber))
		if summaryValue == nil || runValue == nil {
			return db.ErrNotFound
		}
		summaryTs, _, err := unpack(summaryValue)
		if err != nil {
			return err
		}
		runTs, _, err := unpack(runValue)
		if err != nil {
			return err
		}
		if !summaryTs.Equal(summary.DbModified) || !runTs.Equal(run.DbModified) {
			return db.ErrConcurrentUpdate
		}
		summaryGob, err = putSummary(ctx, tx, summary)
		if err != nil {
			return err
		}
		return putRun(ctx, tx, run)
	})
	if err != nil {
		summary.DbModified = oldSummaryDbModified
		run.DbModified = oldRunDbModified
		return err
	}
	d.metricWriteRows[BUCKET_SUMMARIES].Inc(1)
	d.metricWriteRows[BUCKET_RUNS].Inc(1)
	d.TrackModifiedTasksGOB(map[string][]byte{ids.Key(summary.RequestId): summaryGob})
	return nil
}

// See docs for TaskDB interface.
func (d *localDB) ClaimTask(ctx context.Context, id int64, fn func(*types.TaskResultSummary) (*types.TaskRunResult, error)) (*types.TaskResultSummary, *types.TaskRunResult, error) {
	d.metricWriteQueries[BUCKET_SUMMARIES].Inc(1)
	d.metricWriteQueries[BUCKET_RUNS].Inc(1)
	var summary *types.TaskResultSummary
	var run *types.TaskRunResult
	var summaryGob []byte
	err := d.update("ClaimTask", func(tx *bolt.Tx) error {
		value := bucket(tx, BUCKET_SUMMARIES).Get(requestKey(id))
		if value == nil {
			return db.ErrNotFound
		}
		modTs, serialized, err := unpack(value)
		if err != nil {
			return err
		}
		var s types.TaskResultSummary
		if err := decodeGob(serialized, &s); err != nil {
			return err
		}
		r, err := fn(&s)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("Claim of task %s did not create a run.", ids.Key(id))
		}
		if bucket(tx, BUCKET_RUNS).Get(runKey(id, r.TryNumber)) != nil {
			return db.ErrAlreadyExists
		}
		s.DbModified = stamp(ctx, modTs)
		r.DbModified = stamp(ctx, time.Time{})
		summaryGob, err = encodeGob(&s)
		if err != nil {
			return err
		}
		runGob, err := encodeGob(r)
		if err != nil {
			return err
		}
		if err := bucket(tx, BUCKET_SUMMARIES).Put(requestKey(id), pack(s.DbModified, summaryGob)); err != nil {
			return err
		}
		if err := bucket(tx, BUCKET_RUNS).Put(runKey(id, r.TryNumber), pack(r.DbModified, runGob)); err != nil {
			return err
		}
		summary = &s
		run = r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	d.metricWriteRows[BUCKET_SUMMARIES].Inc(1)
	d.metricWriteRows[BUCKET_RUNS].Inc(1)
	d.TrackModifiedTasksGOB(map[string][]byte{ids.Key(id): summaryGob})
	return summary, run, nil
}

// outputSize returns the total size of the given run's persisted output.
// Chunks are contiguous, so the size is the sum of the chunk lengths. tx may
// be a read-only transaction.
func outputSize(tx *bolt.Tx, id int64, try int) int64 {
	prefix := chunkPrefix(id, try)
	c := bucket(tx, BUCKET_OUTPUT).Cursor()
	var size int64
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		size += int64(len(v))
	}
	return size
}

// See docs for TaskDB interface.
func (d *localDB) AppendOutput(ctx context.Context, runId string, offset int64, data []byte) (int64, error) {
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
	d.metricWriteQueries[BUCKET_OUTPUT].Inc(1)
	var newSize int64
	err = d.update("AppendOutput", func(tx *bolt.Tx) error {
		if bucket(tx, BUCKET_RUNS).Get(runKey(id, try)) == nil {
			return db.ErrNotFound
		}
		size := outputSize(tx, id, try)
		switch {
		case offset == size:
			if err := bucket(tx, BUCKET_OUTPUT).Put(chunkKey(id, try, offset), data); err != nil {
				return err
			}
			newSize = size + int64(len(data))
		case offset+int64(len(data)) <= size:
			// Replay of already-persisted bytes; nothing to do.
			newSize = size
		case offset > size:
			return db.ErrChunkGap
		default:
			return db.ErrChunkOverlap
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	d.metricWriteRows[BUCKET_OUTPUT].Inc(1)
	return newSize, nil
}

// See docs for TaskReader interface.
func (d *localDB) GetOutput(ctx context.Context, runId string) ([]byte, error) {
	id, kind, try, err := ids.Unpack(runId)
	if err != nil {
		return nil, err
	}
	if kind != ids.KindRun {
		return nil, db.ErrNotFound
	}
	d.metricReadQueries[BUCKET_OUTPUT].Inc(1)
	rv := []byte{}
	if err := d.view("GetOutput", func(tx *bolt.Tx) error {
		prefix := chunkPrefix(id, try)
		c := bucket(tx, BUCKET_OUTPUT).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rv = append(rv, v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	d.metricReadRows[BUCKET_OUTPUT].Inc(1)
	return rv, nil
}

// See docs for TaskDB interface.
func (d *localDB) PutDedupEntry(ctx context.Context, entry *types.DedupEntry) error {
	d.metricWriteQueries[BUCKET_DEDUP].Inc(1)
	serialized, err := encodeGob(entry)
	if err != nil {
		return err
	}
	if err := d.update("PutDedupEntry", func(tx *bolt.Tx) error {
		return bucket(tx, BUCKET_DEDUP).Put([]byte(entry.PropertiesHash), pack(entry.Completed, serialized))
	}); err != nil {
		return err
	}
	d.metricWriteRows[BUCKET_DEDUP].Inc(1)
	return nil
}

// See docs for TaskReader interface.
func (d *localDB) GetDedupEntry(ctx context.Context, hash string, horizon time.Time) (*types.DedupEntry, error) {
	d.metricReadQueries[BUCKET_DEDUP].Inc(1)
	var rv *types.DedupEntry
	if err := d.view("GetDedupEntry", func(tx *bolt.Tx) error {
		value := bucket(tx, BUCKET_DEDUP).Get([]byte(hash))
		if value == nil {
			return nil
		}
		// The header holds the entry's Completed time; expired entries
		// are filtered without decoding.
		completed, serialized, err := unpack(value)
		if err != nil {
			return err
		}
		if completed.Before(horizon) {
			return nil
		}
		var entry types.DedupEntry
		if err := decodeGob(serialized, &entry); err != nil {
			return err
		}
		rv = &entry
		return nil
	}); err != nil {
		return nil, err
	}
	d.metricReadRows[BUCKET_DEDUP].Inc(1)
	return rv, nil
}

// See docs for TaskDB interface.
func (d *localDB) PruneDedupEntries(ctx context.Context, horizon time.Time) (int, error) {
	d.metricWriteQueries[BUCKET_DEDUP].Inc(1)
	count := 0
	if err := d.update("PruneDedupEntries", func(tx *bolt.Tx) error {
		c := bucket(tx, BUCKET_DEDUP).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			completed, _, err := unpack(v)
			if err != nil {
				return err
			}
			if completed.Before(horizon) {
				if err := c.Delete(); err != nil {
					return err
				}
				count++
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}
	d.metricWriteRows[BUCKET_DEDUP].Inc(int64(count))
	return count, nil
}

// See docs for BackupDBCloser interface.
func (d *localDB) WriteBackup(w io.Writer) error {
	return d.view("WriteBackup", func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}
