// Package store is for storing and retrieving types.BotInfo and the
// append-only per-bot event history.
package store

import (
	"context"
	"time"

	"go.skia.org/swarming/swarming/go/types"
)

// UpdateCallback is the callback that Store.Update() takes to update a single
// types.BotInfo. We use a callback because we want to compare the old state
// to decide the new state, along with other bits of info we can include in a
// closure, such as an incoming poll.
type UpdateCallback func(types.BotInfo) types.BotInfo

// Store and retrieve types.BotInfo and types.BotEvents.
type Store interface {
	// Update the bot with the given botId using the given callback
	// function. The record is created if it does not exist; the callback
	// receives a zero BotInfo with only BotId set in that case.
	//
	// updateCallback may be called more than once (e.g. transaction
	// retries).
	Update(ctx context.Context, botId string, updateCallback UpdateCallback) error

	// Get returns the BotInfo for the given bot, or nil if the bot is
	// unknown.
	Get(ctx context.Context, botId string) (*types.BotInfo, error)

	// List returns all known bots, ordered by BotId.
	List(ctx context.Context) ([]types.BotInfo, error)

	// Delete removes the bot's record. The bot's events are retained.
	Delete(ctx context.Context, botId string) error

	// AddEvent appends an event to the bot's history.
	AddEvent(ctx context.Context, event types.BotEvent) error

	// GetEvents returns up to limit events for the given bot, newest
	// first. If before is non-zero only events strictly older than it are
	// returned, which is how callers page backwards through the history.
	GetEvents(ctx context.Context, botId string, limit int, before time.Time) ([]types.BotEvent, error)
}
