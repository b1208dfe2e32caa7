package types

import (
	"time"

	"go.skia.org/swarming/go/util"
)

// BotEventType describes what happened to a bot at a point in time.
type BotEventType string

const (
	// BOT_EVENT_CONNECTED is recorded on a successful handshake.
	BOT_EVENT_CONNECTED BotEventType = "connected"

	// BOT_EVENT_POLLED is recorded when a poll changes the bot's
	// dimensions, version or quarantine state.
	BOT_EVENT_POLLED BotEventType = "polled"

	// BOT_EVENT_CLAIMED is recorded when the bot claims a task.
	BOT_EVENT_CLAIMED BotEventType = "claimed"

	// BOT_EVENT_TASK_COMPLETED is recorded when the bot finishes a task.
	BOT_EVENT_TASK_COMPLETED BotEventType = "task_completed"

	// BOT_EVENT_TASK_KILLED is recorded when the bot acknowledges a kill.
	BOT_EVENT_TASK_KILLED BotEventType = "task_killed"

	// BOT_EVENT_MISSING is recorded when the bot stops polling for longer
	// than the configured timeout.
	BOT_EVENT_MISSING BotEventType = "missing"

	// BOT_EVENT_QUARANTINED is recorded when the bot enters quarantine.
	BOT_EVENT_QUARANTINED BotEventType = "quarantined"

	// BOT_EVENT_RESTARTED is recorded when the bot reports a restart.
	BOT_EVENT_RESTARTED BotEventType = "restarted"

	// BOT_EVENT_DELETED is recorded when the bot record is deleted.
	BOT_EVENT_DELETED BotEventType = "deleted"

	// BOT_EVENT_TERMINATED is recorded when the bot completes a
	// termination task.
	BOT_EVENT_TERMINATED BotEventType = "terminated"

	// BOT_EVENT_UPDATED is recorded when the bot is told to self-update.
	BOT_EVENT_UPDATED BotEventType = "updated"
)

// BotInfo is the registry's view of one bot: its advertised capabilities and
// its current assignment. Created on first handshake, mutated on every poll.
type BotInfo struct {
	// BotId uniquely identifies the bot.
	BotId string

	// Dimensions are the attributes the bot advertises, merged with any
	// dimensions its bot group injects. Matching tasks require a subset.
	Dimensions map[string][]string

	// State is a free-form JSON document of bot-reported attributes
	// (disk, temperature, ...). Stored opaquely.
	State string

	// ExternalIp is the address the bot connected from.
	ExternalIp string

	// AuthenticatedAs is the identity the bot presented.
	AuthenticatedAs string

	// Version is the bot code version reported on poll.
	Version string

	// Quarantined excludes the bot from scheduling while keeping it
	// visible.
	Quarantined bool

	// MaintenanceMsg explains a quarantine or maintenance window, or "".
	MaintenanceMsg string

	// FirstSeen is when the bot first completed a handshake.
	FirstSeen time.Time

	// LastSeen advances on every poll and drives dead-bot detection.
	LastSeen time.Time

	// TaskId is the packed run id the bot is working on, or "" when idle.
	// A bot has at most one current task.
	TaskId string

	// MachineType marks leased or ephemeral bots, or "".
	MachineType string

	// Deleted marks a soft-deleted bot; its events are retained.
	Deleted bool
}

// Copy returns a deep copy of the BotInfo.
func (b BotInfo) Copy() BotInfo {
	rv := b
	rv.Dimensions = util.CopyStringSliceMap(b.Dimensions)
	return rv
}

// IsDead returns true if the bot has not polled since the given horizon.
func (b BotInfo) IsDead(horizon time.Time) bool {
	return b.LastSeen.Before(horizon)
}

// IsBusy returns true if the bot currently holds a task.
func (b BotInfo) IsBusy() bool {
	return b.TaskId != ""
}

// BotEvent is one entry of a bot's append-only history. Events outlive bot
// deletion so that deleted bots remain reconstructable read-only.
type BotEvent struct {
	// BotId is the bot this event belongs to.
	BotId string

	// EventType says what happened.
	EventType BotEventType

	// Ts is when the event was recorded.
	Ts time.Time

	// TaskId is the packed run id involved, for claim and completion
	// events.
	TaskId string

	// Message carries extra detail, e.g. the quarantine reason.
	Message string

	// Dimensions, Version, Quarantined and MaintenanceMsg snapshot the
	// bot at the time of the event.
	Dimensions     map[string][]string
	Version        string
	Quarantined    bool
	MaintenanceMsg string
}

// Copy returns a deep copy of the BotEvent.
func (e BotEvent) Copy() BotEvent {
	rv := e
	rv.Dimensions = util.CopyStringSliceMap(e.Dimensions)
	return rv
}

// BotInfoFromEvent reconstructs a read-only BotInfo view from the bot's most
// recent event, used for bots whose records have been deleted.
func BotInfoFromEvent(e BotEvent) BotInfo {
	return BotInfo{
		BotId:          e.BotId,
		Dimensions:     util.CopyStringSliceMap(e.Dimensions),
		Version:        e.Version,
		Quarantined:    e.Quarantined,
		MaintenanceMsg: e.MaintenanceMsg,
		LastSeen:       e.Ts,
		TaskId:         e.TaskId,
		Deleted:        true,
	}
}

// BotInfoSlice implements sort.Interface; orders by BotId.
type BotInfoSlice []BotInfo

func (s BotInfoSlice) Len() int           { return len(s) }
func (s BotInfoSlice) Less(a, b int) bool { return s[a].BotId < s[b].BotId }
func (s BotInfoSlice) Swap(a, b int)      { s[a], s[b] = s[b], s[a] }
