package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/types"
)

// MemoryImpl implements the Store interface in memory, used in tests and for
// single-process deployments with no durability requirements.
type MemoryImpl struct {
	mtx    sync.RWMutex
	bots   map[string]types.BotInfo
	events map[string][]types.BotEvent
}

// NewMemoryImpl returns an in-memory Store.
func NewMemoryImpl() *MemoryImpl {
	return &MemoryImpl{
		bots:   map[string]types.BotInfo{},
		events: map[string][]types.BotEvent{},
	}
}

// Update implements the Store interface.
func (st *MemoryImpl) Update(ctx context.Context, botId string, updateCallback UpdateCallback) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	prev, ok := st.bots[botId]
	if !ok {
		prev = types.BotInfo{BotId: botId}
	}
	updated := updateCallback(prev.Copy())
	updated.BotId = botId
	st.bots[botId] = updated.Copy()
	return nil
}

// Get implements the Store interface.
func (st *MemoryImpl) Get(ctx context.Context, botId string) (*types.BotInfo, error) {
	st.mtx.RLock()
	defer st.mtx.RUnlock()
	if info, ok := st.bots[botId]; ok {
		rv := info.Copy()
		return &rv, nil
	}
	return nil, nil
}

// List implements the Store interface.
func (st *MemoryImpl) List(ctx context.Context) ([]types.BotInfo, error) {
	st.mtx.RLock()
	defer st.mtx.RUnlock()
	rv := make([]types.BotInfo, 0, len(st.bots))
	for _, info := range st.bots {
		rv = append(rv, info.Copy())
	}
	sort.Sort(types.BotInfoSlice(rv))
	return rv, nil
}

// Delete implements the Store interface.
func (st *MemoryImpl) Delete(ctx context.Context, botId string) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	delete(st.bots, botId)
	return nil
}

// AddEvent implements the Store interface.
func (st *MemoryImpl) AddEvent(ctx context.Context, event types.BotEvent) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	st.events[event.BotId] = append(st.events[event.BotId], event.Copy())
	return nil
}

// GetEvents implements the Store interface.
func (st *MemoryImpl) GetEvents(ctx context.Context, botId string, limit int, before time.Time) ([]types.BotEvent, error) {
	st.mtx.RLock()
	defer st.mtx.RUnlock()
	events := st.events[botId]
	rv := make([]types.BotEvent, 0, len(events))
	for _, e := range events {
		if util.TimeIsZero(before) || e.Ts.Before(before) {
			rv = append(rv, e.Copy())
		}
	}
	// Events are appended in chronological order; a stable sort keeps the
	// insertion order for equal timestamps, then we walk backwards for
	// newest-first.
	sort.SliceStable(rv, func(a, b int) bool {
		return rv[a].Ts.Before(rv[b].Ts)
	})
	for i, j := 0, len(rv)-1; i < j; i, j = i+1, j-1 {
		rv[i], rv[j] = rv[j], rv[i]
	}
	if limit > 0 && len(rv) > limit {
		rv = rv[:limit]
	}
	return rv, nil
}

// Affirm that MemoryImpl implements the Store interface.
var _ Store = (*MemoryImpl)(nil)
