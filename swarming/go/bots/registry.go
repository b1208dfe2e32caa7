// Package bots implements the bot registry: which bots exist, what they
// advertise, what they are running, and the append-only per-bot history.
// All durable state lives in a store.Store; the Registry layers bot-group
// resolution, quarantine policy and event bookkeeping on top.
package bots

import (
	"context"
	"errors"
	"time"

	"go.skia.org/swarming/go/metrics2"
	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/go/sklog"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/bots/store"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/types"
)

const (
	// DEFAULT_BOT_DEATH_TIMEOUT is how long a bot may go without polling
	// before it is considered dead, unless configured otherwise.
	DEFAULT_BOT_DEATH_TIMEOUT = 10 * time.Minute

	// DEFAULT_LIST_LIMIT is the page size used when the caller does not
	// provide one.
	DEFAULT_LIST_LIMIT = 200

	// MAX_LIST_LIMIT bounds the page size of List and Events.
	MAX_LIST_LIMIT = 1000

	// Quarantine reasons applied by the server.
	quarantineNoGroup = "no bot group matched"
	quarantineNoPool  = "missing pool dimension"
)

// ErrInvalidAttributes indicates that a bot API call failed validation. Use
// IsInvalidAttributes to test for it; the wrapped error carries the detail.
var ErrInvalidAttributes = errors.New("Invalid bot attributes.")

// IsInvalidAttributes returns true if the given error derives from
// ErrInvalidAttributes.
func IsInvalidAttributes(e error) bool {
	return e != nil && skerr.Unwrap(e) == ErrInvalidAttributes
}

// BotAttributes is what a bot reports about itself on handshake and poll.
type BotAttributes struct {
	// Dimensions are the capabilities the bot advertises. Values for
	// trusted dimension keys are discarded; those come from the bot
	// group.
	Dimensions map[string][]string

	// State is a free-form JSON document of bot-reported attributes.
	State string

	// Version is the bot code version the bot is running.
	Version string

	// ExternalIp is the address the bot connected from.
	ExternalIp string

	// AuthenticatedAs is the identity the bot presented.
	AuthenticatedAs string

	// Quarantined is set by a bot to take itself out of rotation.
	Quarantined bool

	// MaintenanceMsg explains a self-quarantine or maintenance window.
	MaintenanceMsg string
}

// HandshakeResponse is handed to a bot on a successful handshake.
type HandshakeResponse struct {
	// ServerVersion identifies the server build.
	ServerVersion string

	// BotVersion is the bot code version the server expects; bots
	// self-update when theirs differs.
	BotVersion string

	// BotGroupDimensions are the dimensions injected by the bot's group.
	BotGroupDimensions map[string][]string

	// BotGroupVersion is the content hash of the bot's group config.
	BotGroupVersion string
}

// BotCount summarizes the fleet.
type BotCount struct {
	Count       int
	Quarantined int
	Dead        int
	Busy        int
}

// Registry is the server-side view of the fleet.
type Registry struct {
	store         store.Store
	groups        *BotGroups
	serverVersion string
	deathTimeout  time.Duration

	metricHandshakes  metrics2.Counter
	metricPolls       metrics2.Counter
	metricQuarantines metrics2.Counter
	metricMissing     metrics2.Counter
}

// NewRegistry returns a Registry over the given store. A non-positive
// deathTimeout selects the default.
func NewRegistry(s store.Store, groups *BotGroups, serverVersion string, deathTimeout time.Duration) *Registry {
	if deathTimeout <= 0 {
		deathTimeout = DEFAULT_BOT_DEATH_TIMEOUT
	}
	return &Registry{
		store:             s,
		groups:            groups,
		serverVersion:     serverVersion,
		deathTimeout:      deathTimeout,
		metricHandshakes:  metrics2.GetCounter("bot_registry_handshakes"),
		metricPolls:       metrics2.GetCounter("bot_registry_polls"),
		metricQuarantines: metrics2.GetCounter("bot_registry_quarantines"),
		metricMissing:     metrics2.GetCounter("bot_registry_missing"),
	}
}

// ServerVersion returns the version reported to bots and API callers.
func (r *Registry) ServerVersion() string {
	return r.serverVersion
}

// DeathTimeout returns how long a bot may go without polling before it is
// considered dead.
func (r *Registry) DeathTimeout() time.Duration {
	return r.deathTimeout
}

// resolvedBot carries the outcome of merging bot-advertised attributes with
// the bot's group config.
type resolvedBot struct {
	group       *BotGroup
	dims        map[string][]string
	quarantined bool
	message     string
}

// resolve merges the advertised dimensions with the bot's group and decides
// quarantine. The id dimension always equals the bot id; values of trusted
// dimension keys come only from the group. A bot with no matching group or
// no pool is quarantined, never rejected, so that it stays visible while an
// operator fixes the config.
func (r *Registry) resolve(botId string, attrs *BotAttributes) resolvedBot {
	rv := resolvedBot{
		group:       r.groups.Get(botId),
		quarantined: attrs.Quarantined,
		message:     attrs.MaintenanceMsg,
	}
	dims := map[string][]string{}
	for k, v := range attrs.Dimensions {
		if k == "" || len(v) == 0 {
			continue
		}
		dims[k] = util.CopyStringSlice(v)
	}
	if rv.group == nil {
		if !rv.quarantined {
			rv.quarantined = true
			rv.message = quarantineNoGroup
		}
	} else {
		for k, v := range rv.group.Dimensions {
			if len(v) > 0 {
				dims[k] = util.CopyStringSlice(v)
			} else {
				// A trusted key the group does not configure;
				// the bot may not supply its own values.
				delete(dims, k)
			}
		}
	}
	dims[types.DIMENSION_ID_KEY] = []string{botId}
	if len(dims[types.DIMENSION_POOL_KEY]) == 0 && !rv.quarantined {
		rv.quarantined = true
		rv.message = quarantineNoPool
	}
	rv.dims = dims
	return rv
}

// addEvent records an event snapshotting the given bot state, logging
// instead of failing: the bot update has already committed.
func (r *Registry) addEvent(ctx context.Context, b types.BotInfo, eventType types.BotEventType, taskId, message string) {
	e := types.BotEvent{
		BotId:          b.BotId,
		EventType:      eventType,
		Ts:             now.Now(ctx).UTC(),
		TaskId:         taskId,
		Message:        message,
		Dimensions:     util.CopyStringSliceMap(b.Dimensions),
		Version:        b.Version,
		Quarantined:    b.Quarantined,
		MaintenanceMsg: b.MaintenanceMsg,
	}
	if err := r.store.AddEvent(ctx, e); err != nil {
		sklog.Errorf("Failed to record %s event for bot %s: %s", eventType, b.BotId, err)
	}
}

// Handshake registers a connecting bot and returns its session info. The
// record is created on first contact and refreshed on every reconnect.
func (r *Registry) Handshake(ctx context.Context, botId string, attrs *BotAttributes) (*HandshakeResponse, error) {
	if botId == "" {
		return nil, skerr.Wrapf(ErrInvalidAttributes, "bot id is required")
	}
	if attrs == nil {
		attrs = &BotAttributes{}
	}
	r.metricHandshakes.Inc(1)
	res := r.resolve(botId, attrs)
	ts := now.Now(ctx).UTC()
	var snapshot types.BotInfo
	err := r.store.Update(ctx, botId, func(b types.BotInfo) types.BotInfo {
		if util.TimeIsZero(b.FirstSeen) {
			b.FirstSeen = ts
		}
		b.LastSeen = ts
		b.Dimensions = res.dims
		b.State = attrs.State
		b.Version = attrs.Version
		b.ExternalIp = attrs.ExternalIp
		b.AuthenticatedAs = attrs.AuthenticatedAs
		b.Quarantined = res.quarantined
		b.MaintenanceMsg = res.message
		if res.group != nil {
			b.MachineType = res.group.MachineType
		}
		b.Deleted = false
		snapshot = b
		return b
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if res.quarantined {
		r.metricQuarantines.Inc(1)
	}
	r.addEvent(ctx, snapshot, types.BOT_EVENT_CONNECTED, "", res.message)
	rv := &HandshakeResponse{
		ServerVersion:      r.serverVersion,
		BotVersion:         r.serverVersion,
		BotGroupDimensions: map[string][]string{},
	}
	if res.group != nil {
		rv.BotGroupDimensions = util.CopyStringSliceMap(res.group.Dimensions)
		rv.BotGroupVersion = res.group.Version
	}
	return rv, nil
}

// PollUpdate refreshes the bot's record from a poll and returns the updated
// view. A history event is recorded only when the dimensions, version or
// quarantine state changed; plain keepalives only advance LastSeen.
func (r *Registry) PollUpdate(ctx context.Context, botId string, attrs *BotAttributes) (*types.BotInfo, error) {
	if botId == "" {
		return nil, skerr.Wrapf(ErrInvalidAttributes, "bot id is required")
	}
	if attrs == nil {
		attrs = &BotAttributes{}
	}
	r.metricPolls.Inc(1)
	res := r.resolve(botId, attrs)
	ts := now.Now(ctx).UTC()
	var snapshot types.BotInfo
	changed := false
	newlyQuarantined := false
	err := r.store.Update(ctx, botId, func(b types.BotInfo) types.BotInfo {
		if util.TimeIsZero(b.FirstSeen) {
			// A poll from a bot we never saw handshake still
			// registers it.
			b.FirstSeen = ts
		}
		newlyQuarantined = res.quarantined && !b.Quarantined
		changed = b.Version != attrs.Version ||
			b.Quarantined != res.quarantined ||
			!dimsEqual(b.Dimensions, res.dims)
		b.LastSeen = ts
		b.Dimensions = res.dims
		b.State = attrs.State
		b.Version = attrs.Version
		if attrs.ExternalIp != "" {
			b.ExternalIp = attrs.ExternalIp
		}
		if attrs.AuthenticatedAs != "" {
			b.AuthenticatedAs = attrs.AuthenticatedAs
		}
		b.Quarantined = res.quarantined
		b.MaintenanceMsg = res.message
		if res.group != nil {
			b.MachineType = res.group.MachineType
		}
		b.Deleted = false
		snapshot = b
		return b
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if newlyQuarantined {
		r.metricQuarantines.Inc(1)
		r.addEvent(ctx, snapshot, types.BOT_EVENT_QUARANTINED, "", res.message)
	} else if changed {
		r.addEvent(ctx, snapshot, types.BOT_EVENT_POLLED, "", "")
	}
	rv := snapshot.Copy()
	return &rv, nil
}

// Get returns the bot's registry record, or nil if the bot is unknown or
// deleted. See GetWithDeleted for the tombstone-aware variant.
func (r *Registry) Get(ctx context.Context, botId string) (*types.BotInfo, error) {
	return r.store.Get(ctx, botId)
}

// GetWithDeleted is like Get, but reconstructs a read-only view of deleted
// bots from their most recent event. Returns nil if the bot never existed.
func (r *Registry) GetWithDeleted(ctx context.Context, botId string) (*types.BotInfo, error) {
	b, err := r.store.Get(ctx, botId)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if b != nil {
		return b, nil
	}
	events, err := r.store.GetEvents(ctx, botId, 1, time.Time{})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	rv := types.BotInfoFromEvent(events[0])
	return &rv, nil
}

// List returns the bots matching all of the given dimension filters, ordered
// by BotId, one page at a time. A returned cursor of "" means the listing is
// complete.
func (r *Registry) List(ctx context.Context, dimensions map[string]string, limit int, cursor string) ([]types.BotInfo, string, error) {
	if limit <= 0 {
		limit = DEFAULT_LIST_LIMIT
	}
	if limit > MAX_LIST_LIMIT {
		limit = MAX_LIST_LIMIT
	}
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, "", skerr.Wrap(err)
	}
	matched := make([]types.BotInfo, 0, len(all))
	for _, b := range all {
		if cursor != "" && b.BotId <= cursor {
			continue
		}
		if len(dimensions) > 0 && !util.ContainsMapInSliceValues(b.Dimensions, dimensions) {
			continue
		}
		matched = append(matched, b)
	}
	next := ""
	if len(matched) > limit {
		matched = matched[:limit]
		next = matched[limit-1].BotId
	}
	return matched, next, nil
}

// Count tallies the fleet. A bot is dead when it has not polled within the
// death timeout.
func (r *Registry) Count(ctx context.Context) (*BotCount, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	horizon := now.Now(ctx).Add(-r.deathTimeout)
	rv := &BotCount{}
	for _, b := range all {
		rv.Count++
		if b.Quarantined {
			rv.Quarantined++
		}
		if b.IsDead(horizon) {
			rv.Dead++
		}
		if b.IsBusy() {
			rv.Busy++
		}
	}
	return rv, nil
}

// Delete removes the bot's record while keeping its history. GetWithDeleted
// continues to serve a read-only reconstruction from the final event.
func (r *Registry) Delete(ctx context.Context, botId string) error {
	b, err := r.store.Get(ctx, botId)
	if err != nil {
		return skerr.Wrap(err)
	}
	if b == nil {
		return db.ErrNotFound
	}
	// The deletion event doubles as the tombstone, so unlike other
	// events, failure to record it fails the call.
	e := types.BotEvent{
		BotId:          b.BotId,
		EventType:      types.BOT_EVENT_DELETED,
		Ts:             now.Now(ctx).UTC(),
		TaskId:         b.TaskId,
		Dimensions:     util.CopyStringSliceMap(b.Dimensions),
		Version:        b.Version,
		Quarantined:    b.Quarantined,
		MaintenanceMsg: b.MaintenanceMsg,
	}
	if err := r.store.AddEvent(ctx, e); err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(r.store.Delete(ctx, botId))
}

// Events returns one page of the bot's history, newest first. The returned
// cursor resumes after the last event of the page; "" means the history is
// exhausted.
func (r *Registry) Events(ctx context.Context, botId string, limit int, cursor string) ([]types.BotEvent, string, error) {
	if botId == "" {
		return nil, "", skerr.Wrapf(ErrInvalidAttributes, "bot id is required")
	}
	if limit <= 0 {
		limit = DEFAULT_LIST_LIMIT
	}
	if limit > MAX_LIST_LIMIT {
		limit = MAX_LIST_LIMIT
	}
	before := time.Time{}
	if cursor != "" {
		var err error
		before, err = time.Parse(util.RFC3339NanoZeroPad, cursor)
		if err != nil {
			return nil, "", db.ErrInvalidCursor
		}
	}
	events, err := r.store.GetEvents(ctx, botId, limit, before)
	if err != nil {
		return nil, "", skerr.Wrap(err)
	}
	next := ""
	if len(events) == limit {
		next = events[len(events)-1].Ts.UTC().Format(util.RFC3339NanoZeroPad)
	}
	return events, next, nil
}

// MarkMissing appends a missing event for every bot which has not polled
// within the death timeout and was not already marked. Returns the number of
// bots newly marked.
func (r *Registry) MarkMissing(ctx context.Context) (int, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	horizon := now.Now(ctx).Add(-r.deathTimeout)
	marked := 0
	for _, b := range all {
		if !b.IsDead(horizon) {
			continue
		}
		last, err := r.store.GetEvents(ctx, b.BotId, 1, time.Time{})
		if err != nil {
			sklog.Errorf("Failed to read last event for bot %s: %s", b.BotId, err)
			continue
		}
		// Skip bots already marked for this silence. A keepalive poll
		// records no event, so the event type alone can't tell a stale
		// mark from a current one; the timestamp can.
		if len(last) > 0 && last[0].EventType == types.BOT_EVENT_MISSING && last[0].Ts.After(b.LastSeen) {
			continue
		}
		b.LastSeen = b.LastSeen.UTC()
		r.addEvent(ctx, b, types.BOT_EVENT_MISSING, "", "last seen "+b.LastSeen.Format(util.RFC3339NanoZeroPad))
		r.metricMissing.Inc(1)
		marked++
	}
	return marked, nil
}

// Assign records the run as the bot's current task. Together with Idle this
// is the assignment bookkeeping half used by the task scheduler.
func (r *Registry) Assign(ctx context.Context, botId, runId string) error {
	b, err := r.store.Get(ctx, botId)
	if err != nil {
		return skerr.Wrap(err)
	}
	if b == nil {
		return db.ErrNotFound
	}
	var snapshot types.BotInfo
	err = r.store.Update(ctx, botId, func(b types.BotInfo) types.BotInfo {
		b.TaskId = runId
		snapshot = b
		return b
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	r.addEvent(ctx, snapshot, types.BOT_EVENT_CLAIMED, runId, "")
	return nil
}

// Idle clears the bot's current task after the run finished and appends an
// event of the given type referencing it.
func (r *Registry) Idle(ctx context.Context, botId, runId string, event types.BotEventType, message string) error {
	b, err := r.store.Get(ctx, botId)
	if err != nil {
		return skerr.Wrap(err)
	}
	if b == nil {
		return db.ErrNotFound
	}
	var snapshot types.BotInfo
	err = r.store.Update(ctx, botId, func(b types.BotInfo) types.BotInfo {
		if b.TaskId == runId {
			b.TaskId = ""
		}
		snapshot = b
		return b
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	r.addEvent(ctx, snapshot, event, runId, message)
	return nil
}

// dimsEqual compares two dimension maps as sets. Note: like
// util.SSliceEqual it sorts the value slices in place.
func dimsEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !util.SSliceEqual(av, bv) {
			return false
		}
	}
	return true
}
