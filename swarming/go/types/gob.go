package types

import (
	"go.skia.org/swarming/go/util"
)

// TaskSummaryEncoder encodes TaskResultSummaries into bytes via GOB
// encoding. Not safe for concurrent use.
//
// Example:
//
//	e := TaskSummaryEncoder{}
//	for _, t := range summariesToWrite {
//		if !e.Process(t) {
//			break
//		}
//	}
//	for {
//		t, b, err := e.Next()
//		if err != nil { ... }
//		if t == nil { break }
//		// Write b to the store for t.
//	}
type TaskSummaryEncoder struct {
	util.GobEncoder
}

// Process encodes the TaskResultSummary and caches the result. Returns false
// if Process should not be called again.
func (e *TaskSummaryEncoder) Process(t *TaskResultSummary) bool {
	return e.GobEncoder.Process(t)
}

// Next returns one of the TaskResultSummaries provided to Process (in
// arbitrary order) and its serialized bytes. If any remain, returns the
// summary, the serialized bytes, nil. If all have been returned, returns
// nil, nil, nil. If an error is encountered, returns nil, nil, error.
func (e *TaskSummaryEncoder) Next() (*TaskResultSummary, []byte, error) {
	item, serialized, err := e.GobEncoder.Next()
	if err != nil {
		return nil, nil, err
	} else if item == nil {
		return nil, nil, nil
	}
	return item.(*TaskResultSummary), serialized, nil
}

// TaskSummaryDecoder decodes bytes into TaskResultSummaries via GOB
// decoding. Not safe for concurrent use.
type TaskSummaryDecoder struct {
	*util.GobDecoder
}

// NewTaskSummaryDecoder returns a TaskSummaryDecoder instance.
func NewTaskSummaryDecoder() *TaskSummaryDecoder {
	return &TaskSummaryDecoder{
		GobDecoder: util.NewGobDecoder(func() interface{} {
			return &TaskResultSummary{}
		}, func(ch <-chan interface{}) interface{} {
			items := []*TaskResultSummary{}
			for item := range ch {
				items = append(items, item.(*TaskResultSummary))
			}
			return items
		}),
	}
}

// Result returns all decoded TaskResultSummaries provided to Process (in
// arbitrary order), or any error encountered.
func (d *TaskSummaryDecoder) Result() ([]*TaskResultSummary, error) {
	res, err := d.GobDecoder.Result()
	if err != nil {
		return nil, err
	}
	return res.([]*TaskResultSummary), nil
}
