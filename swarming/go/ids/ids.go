// Package ids implements allocation and encoding of task request ids.
//
// A request id embeds its creation time: the millisecond timestamp under a
// custom epoch is shifted left to make room for a per-process sequence
// counter, and the result is bitwise-inverted within 59 bits. Inversion makes
// ids strictly DECREASE as wall time advances, so ascending key scans over a
// store read newest-first.
//
// The externally visible task id is the lowercase hex encoding of the
// request id shifted left by one nibble; the low nibble discriminates the
// result summary (0) from an individual run (1 or 2, the try number).
package ids

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/skerr"
)

const (
	// sequenceBits is how many low bits of a raw id hold the per-process
	// sequence counter which disambiguates ids allocated within one
	// millisecond.
	sequenceBits = 16

	// idBits bounds a request id; the remaining high bits of an int64
	// stay clear so that the packed form (id << 4) never overflows.
	idBits = 59

	// idMask selects the idBits low bits.
	idMask = int64(1)<<idBits - 1

	// maxSequence is the largest sequence value within one millisecond.
	// When it is exhausted the allocator borrows from the next
	// millisecond.
	maxSequence = int64(1)<<sequenceBits - 1

	// keyFormat renders an id as a fixed-width sortable hex key.
	keyFormat = "%016x"
)

// epoch is the zero point of the embedded timestamps. Chosen in the past so
// that every allocated id is positive, and recent enough that the timestamp
// fits its bits for a few centuries.
var epoch = time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)

// ErrInvalidTaskId is returned by Unpack and its derivatives for input which
// is not a well-formed task id.
var ErrInvalidTaskId = errors.New("Invalid task id.")

// IsInvalidTaskId returns true if the given error derives from
// ErrInvalidTaskId.
func IsInvalidTaskId(e error) bool {
	return e != nil && skerr.Unwrap(e) == ErrInvalidTaskId
}

// Kind distinguishes the two referents of a packed task id.
type Kind int

const (
	// KindSummary identifies a TaskResultSummary.
	KindSummary Kind = iota

	// KindRun identifies a TaskRunResult.
	KindRun
)

// String returns a human-readable name for the Kind.
func (k Kind) String() string {
	switch k {
	case KindSummary:
		return "summary"
	case KindRun:
		return "run"
	}
	return "unknown"
}

// Allocator hands out request ids, monotonic per process. Safe for
// concurrent use.
type Allocator struct {
	mtx    sync.Mutex
	lastMs int64
	seq    int64
}

// NewAllocator returns an Allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// NextId returns a fresh request id. Ids strictly decrease over successive
// calls; a clock regression reuses the last timestamp and bumps the sequence
// counter instead of going backwards.
func (a *Allocator) NextId(ctx context.Context) (int64, error) {
	ms := now.Now(ctx).UnixMilli() - epoch.UnixMilli()
	if ms < 0 {
		return 0, skerr.Fmt("Clock is before the id epoch: %s", now.Now(ctx))
	}
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if ms <= a.lastMs {
		if a.seq >= maxSequence {
			a.lastMs++
			a.seq = 0
		} else {
			a.seq++
		}
	} else {
		a.lastMs = ms
		a.seq = 0
	}
	raw := a.lastMs<<sequenceBits | a.seq
	if raw > idMask {
		return 0, skerr.Fmt("Id space exhausted; timestamp %d overflows %d bits", a.lastMs, idBits)
	}
	// Inverting within idBits reverses the ordering: newer raw values
	// yield smaller ids.
	return (^raw) & idMask, nil
}

// Time returns the creation time embedded in a request id.
func Time(id int64) time.Time {
	raw := (^id) & idMask
	return epoch.Add(time.Duration(raw>>sequenceBits) * time.Millisecond).UTC()
}

// TimeRange returns the smallest and largest request ids which a request
// created within [start, end) may carry. Because ids decrease over time the
// minimum corresponds to end and the maximum to start. Times before the
// epoch are clamped to it; an empty window yields min > max.
func TimeRange(start, end time.Time) (int64, int64) {
	min := ((^rawForTime(end)) & idMask) + 1
	max := (^rawForTime(start)) & idMask
	return min, max
}

func rawForTime(t time.Time) int64 {
	ms := t.UnixMilli() - epoch.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	raw := ms << sequenceBits
	if raw > idMask || raw < 0 {
		raw = idMask
	}
	return raw
}

// Key renders a request id as a fixed-width hex string for use as a store
// key. Lexicographic order of keys equals numeric order of ids, so ascending
// key scans read newest-first.
func Key(id int64) string {
	return fmt.Sprintf(keyFormat, id)
}

// PackSummary returns the external task id naming the result summary of the
// given request.
func PackSummary(id int64) string {
	return strconv.FormatInt(id<<4, 16)
}

// PackRun returns the external task id naming one run of the given request.
// The try number must be 1 or 2; other values produce an id which Unpack
// rejects.
func PackRun(id int64, try int) string {
	return strconv.FormatInt(id<<4|int64(try&0xf), 16)
}

// Unpack parses an external task id into the request id, the kind of record
// it names, and the try number (0 for a summary). Input must be non-empty
// lowercase hex of at most 16 digits with a valid low nibble, otherwise
// ErrInvalidTaskId is returned.
func Unpack(s string) (int64, Kind, int, error) {
	if len(s) == 0 || len(s) > 16 {
		return 0, 0, 0, ErrInvalidTaskId
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return 0, 0, 0, ErrInvalidTaskId
		}
	}
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, 0, 0, ErrInvalidTaskId
	}
	id := v >> 4
	if id <= 0 {
		return 0, 0, 0, ErrInvalidTaskId
	}
	switch nibble := v & 0xf; nibble {
	case 0:
		return id, KindSummary, 0, nil
	case 1, 2:
		return id, KindRun, int(nibble), nil
	default:
		return 0, 0, 0, ErrInvalidTaskId
	}
}

// RunToSummary converts a packed run id to the packed id of its summary.
func RunToSummary(s string) (string, error) {
	id, kind, _, err := Unpack(s)
	if err != nil {
		return "", err
	}
	if kind != KindRun {
		return "", ErrInvalidTaskId
	}
	return PackSummary(id), nil
}

// SummaryToRun converts a packed summary id to the packed id of the given
// try's run.
func SummaryToRun(s string, try int) (string, error) {
	id, kind, _, err := Unpack(s)
	if err != nil {
		return "", err
	}
	if kind != KindSummary || try < 1 || try > 2 {
		return "", ErrInvalidTaskId
	}
	return PackRun(id, try), nil
}
