package store

import (
	"context"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.skia.org/swarming/go/sktest"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/types"
)

// testTime uses whole seconds so that stores which truncate to Firestore's
// timestamp resolution compare equal to the originals.
var testTime = time.Date(2026, time.June, 10, 9, 0, 0, 0, time.UTC)

// TestBotStore performs basic tests for an implementation of Store.
func TestBotStore(t sktest.TestingT, s Store) {
	ctx := context.Background()

	// Unknown bots return nil.
	got, err := s.Get(ctx, "bot-1")
	assert.NoError(t, err)
	assert.Nil(t, got)

	bots, err := s.List(ctx)
	assert.NoError(t, err)
	assert.Empty(t, bots)

	// Update creates the record; the callback sees BotId already set.
	err = s.Update(ctx, "bot-1", func(b types.BotInfo) types.BotInfo {
		assert.Equal(t, "bot-1", b.BotId)
		assert.True(t, util.TimeIsZero(b.FirstSeen))
		b.Dimensions = map[string][]string{"pool": {"default"}, "os": {"Linux"}}
		b.FirstSeen = testTime
		b.LastSeen = testTime
		b.Version = "abc123"
		return b
	})
	assert.NoError(t, err)

	got, err = s.Get(ctx, "bot-1")
	assert.NoError(t, err)
	assert.NotNil(t, got)
	assert.Equal(t, "bot-1", got.BotId)
	assert.Equal(t, map[string][]string{"pool": {"default"}, "os": {"Linux"}}, got.Dimensions)
	assert.Equal(t, "abc123", got.Version)
	assert.True(t, got.FirstSeen.Equal(testTime))
	assert.True(t, got.LastSeen.Equal(testTime))

	// Subsequent updates see the previously-written state.
	err = s.Update(ctx, "bot-1", func(b types.BotInfo) types.BotInfo {
		assert.Equal(t, "abc123", b.Version)
		assert.Equal(t, []string{"Linux"}, b.Dimensions["os"])
		b.LastSeen = testTime.Add(time.Minute)
		b.TaskId = "4f1d0cbae01"
		return b
	})
	assert.NoError(t, err)
	got, err = s.Get(ctx, "bot-1")
	assert.NoError(t, err)
	assert.Equal(t, "4f1d0cbae01", got.TaskId)
	assert.True(t, got.IsBusy())
	assert.True(t, got.LastSeen.Equal(testTime.Add(time.Minute)))

	// List is ordered by BotId.
	err = s.Update(ctx, "bot-0", func(b types.BotInfo) types.BotInfo {
		b.FirstSeen = testTime
		b.LastSeen = testTime
		return b
	})
	assert.NoError(t, err)
	bots, err = s.List(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(bots))
	assert.Equal(t, "bot-0", bots[0].BotId)
	assert.Equal(t, "bot-1", bots[1].BotId)

	// Delete removes the record; deleting an unknown bot is not an error.
	assert.NoError(t, s.Delete(ctx, "bot-0"))
	got, err = s.Get(ctx, "bot-0")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, s.Delete(ctx, "no-such-bot"))
}

// TestBotStoreEvents exercises the append-only history and its paging.
func TestBotStoreEvents(t sktest.TestingT, s Store) {
	ctx := context.Background()

	events, err := s.GetEvents(ctx, "bot-1", 10, time.Time{})
	assert.NoError(t, err)
	assert.Empty(t, events)

	dims := map[string][]string{"pool": {"default"}}
	for i := 0; i < 5; i++ {
		e := types.BotEvent{
			BotId:      "bot-1",
			EventType:  types.BOT_EVENT_POLLED,
			Ts:         testTime.Add(time.Duration(i) * time.Second),
			Dimensions: dims,
			Version:    "abc123",
		}
		if i == 0 {
			e.EventType = types.BOT_EVENT_CONNECTED
		}
		assert.NoError(t, s.AddEvent(ctx, e))
	}

	// Newest first.
	events, err = s.GetEvents(ctx, "bot-1", 10, time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, 5, len(events))
	for i, e := range events {
		assert.True(t, e.Ts.Equal(testTime.Add(time.Duration(4-i)*time.Second)))
		assert.Equal(t, "bot-1", e.BotId)
	}
	assert.Equal(t, types.BOT_EVENT_CONNECTED, events[4].EventType)
	assert.Equal(t, dims, events[0].Dimensions)

	// Limit cuts the page; before pages backwards through the history.
	events, err = s.GetEvents(ctx, "bot-1", 2, time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(events))
	assert.True(t, events[0].Ts.Equal(testTime.Add(4*time.Second)))
	assert.True(t, events[1].Ts.Equal(testTime.Add(3*time.Second)))

	events, err = s.GetEvents(ctx, "bot-1", 2, events[1].Ts)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(events))
	assert.True(t, events[0].Ts.Equal(testTime.Add(2*time.Second)))
	assert.True(t, events[1].Ts.Equal(testTime.Add(1*time.Second)))

	// Events belong to their bot.
	events, err = s.GetEvents(ctx, "bot-2", 10, time.Time{})
	assert.NoError(t, err)
	assert.Empty(t, events)
}

// TestBotStoreDeleteKeepsEvents verifies that the history outlives the bot
// record.
func TestBotStoreDeleteKeepsEvents(t sktest.TestingT, s Store) {
	ctx := context.Background()

	err := s.Update(ctx, "doomed", func(b types.BotInfo) types.BotInfo {
		b.FirstSeen = testTime
		b.LastSeen = testTime
		return b
	})
	assert.NoError(t, err)
	assert.NoError(t, s.AddEvent(ctx, types.BotEvent{
		BotId:     "doomed",
		EventType: types.BOT_EVENT_DELETED,
		Ts:        testTime,
		Message:   "removed by admin",
	}))
	assert.NoError(t, s.Delete(ctx, "doomed"))

	got, err := s.Get(ctx, "doomed")
	assert.NoError(t, err)
	assert.Nil(t, got)

	events, err := s.GetEvents(ctx, "doomed", 10, time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(events))
	assert.Equal(t, types.BOT_EVENT_DELETED, events[0].EventType)
	assert.Equal(t, "removed by admin", events[0].Message)
}
