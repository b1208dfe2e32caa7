package bots

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.skia.org/swarming/go/now"
	"go.skia.org/swarming/go/testutils/unittest"
	"go.skia.org/swarming/swarming/go/bots/store"
	"go.skia.org/swarming/swarming/go/db"
	"go.skia.org/swarming/swarming/go/swarmingserver/config"
	"go.skia.org/swarming/swarming/go/types"
)

var registryStart = time.Date(2026, time.June, 10, 9, 0, 0, 0, time.UTC)

// setupRegistry returns a registry over a memory store with a small fleet
// config: one directly-named bot, one prefix group and one group without a
// pool. There is deliberately no default group, so unknown bots exercise the
// quarantine path.
func setupRegistry(t *testing.T) (*now.TimeTravelCtx, *Registry) {
	ctx := now.TimeTravelingContext(registryStart)
	groups, err := ParseBotsConfig(&config.BotsConfig{
		TrustedDimensions: []string{"pool"},
		BotGroup: []*config.BotGroupConfig{
			{
				BotId:      []string{"special-1"},
				Dimensions: []string{"pool:S", "zone:us-1"},
			},
			{
				BotIdPrefix: []string{"swarm-"},
				MachineType: "gce",
				Dimensions:  []string{"pool:P"},
			},
			{
				BotIdPrefix: []string{"nopool-"},
				Dimensions:  []string{"zone:us-2"},
			},
		},
	})
	require.NoError(t, err)
	return ctx, NewRegistry(store.NewMemoryImpl(), groups, "server-v1", 10*time.Minute)
}

func TestRegistryHandshake(t *testing.T) {
	unittest.SmallTest(t)
	ctx, r := setupRegistry(t)

	res, err := r.Handshake(ctx, "swarm-001", &BotAttributes{
		Dimensions: map[string][]string{
			"os": {"Linux", "Debian-11"},
			// Trusted dimension; the advertised value must be ignored.
			"pool": {"evil"},
		},
		State:           `{"disk_gb":64}`,
		Version:         "bot-v7",
		ExternalIp:      "10.0.0.7",
		AuthenticatedAs: "bot:swarm-001@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "server-v1", res.ServerVersion)
	assert.Equal(t, "server-v1", res.BotVersion)
	assert.Equal(t, map[string][]string{"pool": {"P"}}, res.BotGroupDimensions)
	assert.True(t, strings.HasPrefix(res.BotGroupVersion, "hash:"))

	b, err := r.Get(ctx, "swarm-001")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, registryStart, b.FirstSeen)
	assert.Equal(t, registryStart, b.LastSeen)
	assert.Equal(t, map[string][]string{
		"id":   {"swarm-001"},
		"os":   {"Linux", "Debian-11"},
		"pool": {"P"},
	}, b.Dimensions)
	assert.Equal(t, "gce", b.MachineType)
	assert.Equal(t, `{"disk_gb":64}`, b.State)
	assert.Equal(t, "bot-v7", b.Version)
	assert.Equal(t, "10.0.0.7", b.ExternalIp)
	assert.Equal(t, "bot:swarm-001@example.com", b.AuthenticatedAs)
	assert.False(t, b.Quarantined)

	events, _, err := r.Events(ctx, "swarm-001", 10, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.BOT_EVENT_CONNECTED, events[0].EventType)

	_, err = r.Handshake(ctx, "", nil)
	require.True(t, IsInvalidAttributes(err))
}

func TestRegistryQuarantine(t *testing.T) {
	unittest.SmallTest(t)
	ctx, r := setupRegistry(t)

	// A bot with no matching group is admitted but quarantined.
	res, err := r.Handshake(ctx, "lonely-1", &BotAttributes{Version: "bot-v7"})
	require.NoError(t, err)
	assert.Empty(t, res.BotGroupDimensions)
	assert.Empty(t, res.BotGroupVersion)
	b, err := r.Get(ctx, "lonely-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Quarantined)
	assert.Equal(t, "no bot group matched", b.MaintenanceMsg)

	// A matching group without a pool dimension also quarantines.
	_, err = r.Handshake(ctx, "nopool-1", &BotAttributes{Version: "bot-v7"})
	require.NoError(t, err)
	b, err = r.Get(ctx, "nopool-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Quarantined)
	assert.Equal(t, "missing pool dimension", b.MaintenanceMsg)
	assert.Equal(t, map[string][]string{
		"id":   {"nopool-1"},
		"zone": {"us-2"},
	}, b.Dimensions)

	// Self-quarantine keeps the bot's own message.
	_, err = r.Handshake(ctx, "swarm-sick", &BotAttributes{
		Version:        "bot-v7",
		Quarantined:    true,
		MaintenanceMsg: "disk full",
	})
	require.NoError(t, err)
	b, err = r.Get(ctx, "swarm-sick")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Quarantined)
	assert.Equal(t, "disk full", b.MaintenanceMsg)
}

func TestRegistryPollUpdate(t *testing.T) {
	unittest.SmallTest(t)
	ctx, r := setupRegistry(t)
	attrs := &BotAttributes{
		Dimensions: map[string][]string{"os": {"Linux"}},
		Version:    "bot-v7",
		ExternalIp: "10.0.0.7",
	}
	_, err := r.Handshake(ctx, "swarm-001", attrs)
	require.NoError(t, err)

	// A keepalive only advances LastSeen and records no event.
	ctx.AdvanceTime(time.Minute)
	b, err := r.PollUpdate(ctx, "swarm-001", &BotAttributes{
		Dimensions: attrs.Dimensions,
		Version:    attrs.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, registryStart, b.FirstSeen)
	assert.Equal(t, registryStart.Add(time.Minute), b.LastSeen)
	// The empty ExternalIp in the poll does not wipe the known address.
	assert.Equal(t, "10.0.0.7", b.ExternalIp)
	events, _, err := r.Events(ctx, "swarm-001", 10, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.BOT_EVENT_CONNECTED, events[0].EventType)

	// A version change is recorded.
	ctx.AdvanceTime(time.Minute)
	b, err = r.PollUpdate(ctx, "swarm-001", &BotAttributes{
		Dimensions: attrs.Dimensions,
		Version:    "bot-v8",
	})
	require.NoError(t, err)
	assert.Equal(t, "bot-v8", b.Version)
	events, _, err = r.Events(ctx, "swarm-001", 10, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.BOT_EVENT_POLLED, events[0].EventType)

	// Entering quarantine is recorded as such; staying in it is not.
	ctx.AdvanceTime(time.Minute)
	b, err = r.PollUpdate(ctx, "swarm-001", &BotAttributes{
		Dimensions:     attrs.Dimensions,
		Version:        "bot-v8",
		Quarantined:    true,
		MaintenanceMsg: "rebooting",
	})
	require.NoError(t, err)
	assert.True(t, b.Quarantined)
	ctx.AdvanceTime(time.Minute)
	_, err = r.PollUpdate(ctx, "swarm-001", &BotAttributes{
		Dimensions:     attrs.Dimensions,
		Version:        "bot-v8",
		Quarantined:    true,
		MaintenanceMsg: "rebooting",
	})
	require.NoError(t, err)
	events, _, err = r.Events(ctx, "swarm-001", 10, "")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.BOT_EVENT_QUARANTINED, events[0].EventType)
	assert.Equal(t, "rebooting", events[0].Message)

	// A poll from a bot which never performed a handshake registers it.
	ctx.AdvanceTime(time.Minute)
	b, err = r.PollUpdate(ctx, "swarm-002", &BotAttributes{Version: "bot-v8"})
	require.NoError(t, err)
	assert.Equal(t, registryStart.Add(5*time.Minute), b.FirstSeen)
}

func TestRegistryList(t *testing.T) {
	unittest.SmallTest(t)
	ctx, r := setupRegistry(t)
	_, err := r.Handshake(ctx, "special-1", &BotAttributes{Version: "v"})
	require.NoError(t, err)
	ctx.AdvanceTime(time.Second)
	_, err = r.Handshake(ctx, "swarm-001", &BotAttributes{
		Dimensions: map[string][]string{"os": {"Linux"}},
		Version:    "v",
	})
	require.NoError(t, err)
	ctx.AdvanceTime(time.Second)
	_, err = r.Handshake(ctx, "swarm-002", &BotAttributes{
		Dimensions: map[string][]string{"os": {"Mac"}},
		Version:    "v",
	})
	require.NoError(t, err)

	botIds := func(bots []types.BotInfo) []string {
		rv := make([]string, 0, len(bots))
		for _, b := range bots {
			rv = append(rv, b.BotId)
		}
		return rv
	}

	all, cursor, err := r.List(ctx, nil, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"special-1", "swarm-001", "swarm-002"}, botIds(all))
	assert.Empty(t, cursor)

	matched, _, err := r.List(ctx, map[string]string{"pool": "P"}, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"swarm-001", "swarm-002"}, botIds(matched))

	matched, _, err = r.List(ctx, map[string]string{"pool": "P", "os": "Linux"}, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"swarm-001"}, botIds(matched))

	matched, _, err = r.List(ctx, map[string]string{"pool": "X"}, 0, "")
	require.NoError(t, err)
	assert.Empty(t, matched)

	// Page through with a limit of one.
	page, cursor, err := r.List(ctx, nil, 1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"special-1"}, botIds(page))
	require.NotEmpty(t, cursor)
	page, cursor, err = r.List(ctx, nil, 1, cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"swarm-001"}, botIds(page))
	require.NotEmpty(t, cursor)
	page, cursor, err = r.List(ctx, nil, 1, cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"swarm-002"}, botIds(page))
	assert.Empty(t, cursor)
}

func TestRegistryCount(t *testing.T) {
	unittest.SmallTest(t)
	ctx, r := setupRegistry(t)
	_, err := r.Handshake(ctx, "swarm-001", &BotAttributes{Version: "v"})
	require.NoError(t, err)
	ctx.AdvanceTime(time.Second)
	_, err = r.Handshake(ctx, "swarm-002", &BotAttributes{Version: "v"})
	require.NoError(t, err)
	ctx.AdvanceTime(time.Second)
	_, err = r.Handshake(ctx, "lonely-1", &BotAttributes{Version: "v"})
	require.NoError(t, err)

	count, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, &BotCount{Count: 3, Quarantined: 1}, count)

	require.NoError(t, r.Assign(ctx, "swarm-001", "run-1"))
	count, err = r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, &BotCount{Count: 3, Quarantined: 1, Busy: 1}, count)

	// Let the fleet go stale, then revive one bot with a poll.
	ctx.AdvanceTime(10*time.Minute + time.Second)
	_, err = r.PollUpdate(ctx, "swarm-002", &BotAttributes{Version: "v"})
	require.NoError(t, err)
	count, err = r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, &BotCount{Count: 3, Quarantined: 1, Dead: 2, Busy: 1}, count)
}

func TestRegistryDelete(t *testing.T) {
	unittest.SmallTest(t)
	ctx, r := setupRegistry(t)

	require.True(t, db.IsNotFound(r.Delete(ctx, "never-seen")))

	_, err := r.Handshake(ctx, "swarm-001", &BotAttributes{Version: "bot-v7"})
	require.NoError(t, err)
	ctx.AdvanceTime(time.Second)
	require.NoError(t, r.Delete(ctx, "swarm-001"))

	// The record is gone.
	b, err := r.Get(ctx, "swarm-001")
	require.NoError(t, err)
	assert.Nil(t, b)

	// The tombstone-aware lookup reconstructs it from the final event.
	b, err = r.GetWithDeleted(ctx, "swarm-001")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Deleted)
	assert.Equal(t, "swarm-001", b.BotId)
	assert.Equal(t, "bot-v7", b.Version)

	// The history survives, ending with the deletion.
	events, _, err := r.Events(ctx, "swarm-001", 10, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.BOT_EVENT_DELETED, events[0].EventType)
	assert.Equal(t, types.BOT_EVENT_CONNECTED, events[1].EventType)

	// Bots that never existed have no tombstone either.
	b, err = r.GetWithDeleted(ctx, "never-seen")
	require.NoError(t, err)
	assert.Nil(t, b)

	// A deleted bot re-registers on its next handshake.
	ctx.AdvanceTime(time.Second)
	_, err = r.Handshake(ctx, "swarm-001", &BotAttributes{Version: "bot-v8"})
	require.NoError(t, err)
	b, err = r.Get(ctx, "swarm-001")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.False(t, b.Deleted)
	assert.Equal(t, "bot-v8", b.Version)
}

func TestRegistryEventsPaging(t *testing.T) {
	unittest.SmallTest(t)
	ctx, r := setupRegistry(t)
	_, err := r.Handshake(ctx, "swarm-001", &BotAttributes{Version: "v0"})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		ctx.AdvanceTime(time.Second)
		_, err := r.PollUpdate(ctx, "swarm-001", &BotAttributes{Version: fmt.Sprintf("v%d", i)})
		require.NoError(t, err)
	}

	page, cursor, err := r.Events(ctx, "swarm-001", 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "v3", page[0].Version)
	assert.Equal(t, "v2", page[1].Version)
	require.NotEmpty(t, cursor)

	page, cursor, err = r.Events(ctx, "swarm-001", 2, cursor)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "v1", page[0].Version)
	assert.Equal(t, types.BOT_EVENT_CONNECTED, page[1].EventType)

	// The history happened to fill the page exactly; the next one is empty.
	require.NotEmpty(t, cursor)
	page, cursor, err = r.Events(ctx, "swarm-001", 2, cursor)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, cursor)

	_, _, err = r.Events(ctx, "swarm-001", 2, "not-a-timestamp")
	require.True(t, db.IsInvalidCursor(err))

	_, _, err = r.Events(ctx, "", 2, "")
	require.True(t, IsInvalidAttributes(err))
}

func TestRegistryMarkMissing(t *testing.T) {
	unittest.SmallTest(t)
	ctx, r := setupRegistry(t)
	_, err := r.Handshake(ctx, "swarm-001", &BotAttributes{Version: "v"})
	require.NoError(t, err)
	ctx.AdvanceTime(time.Second)
	_, err = r.Handshake(ctx, "swarm-002", &BotAttributes{Version: "v"})
	require.NoError(t, err)

	marked, err := r.MarkMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)

	// swarm-001 goes silent; swarm-002 keeps polling.
	ctx.AdvanceTime(10*time.Minute + time.Second)
	_, err = r.PollUpdate(ctx, "swarm-002", &BotAttributes{Version: "v"})
	require.NoError(t, err)
	marked, err = r.MarkMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	events, _, err := r.Events(ctx, "swarm-001", 1, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.BOT_EVENT_MISSING, events[0].EventType)

	// Marking is idempotent while the bot stays silent.
	marked, err = r.MarkMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)

	// swarm-001 comes back with a keepalive, which records no event. Both
	// bots then go silent: swarm-001 must be marked a second time despite
	// its last event still being the old missing one.
	ctx.AdvanceTime(time.Second)
	_, err = r.PollUpdate(ctx, "swarm-001", &BotAttributes{Version: "v"})
	require.NoError(t, err)
	ctx.AdvanceTime(10*time.Minute + time.Second)
	marked, err = r.MarkMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)
	events, _, err = r.Events(ctx, "swarm-001", 1, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.BOT_EVENT_MISSING, events[0].EventType)
}

func TestRegistryAssignIdle(t *testing.T) {
	unittest.SmallTest(t)
	ctx, r := setupRegistry(t)

	require.True(t, db.IsNotFound(r.Assign(ctx, "swarm-001", "run-1")))
	require.True(t, db.IsNotFound(r.Idle(ctx, "swarm-001", "run-1", types.BOT_EVENT_TASK_COMPLETED, "")))

	_, err := r.Handshake(ctx, "swarm-001", &BotAttributes{Version: "v"})
	require.NoError(t, err)

	ctx.AdvanceTime(time.Second)
	require.NoError(t, r.Assign(ctx, "swarm-001", "run-1"))
	b, err := r.Get(ctx, "swarm-001")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "run-1", b.TaskId)
	assert.True(t, b.IsBusy())

	// Idling with a stale run id leaves the current claim in place but
	// still records the event.
	ctx.AdvanceTime(time.Second)
	require.NoError(t, r.Idle(ctx, "swarm-001", "run-0", types.BOT_EVENT_TASK_KILLED, "canceled"))
	b, err = r.Get(ctx, "swarm-001")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "run-1", b.TaskId)

	ctx.AdvanceTime(time.Second)
	require.NoError(t, r.Idle(ctx, "swarm-001", "run-1", types.BOT_EVENT_TASK_COMPLETED, ""))
	b, err = r.Get(ctx, "swarm-001")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Empty(t, b.TaskId)
	assert.False(t, b.IsBusy())

	events, _, err := r.Events(ctx, "swarm-001", 10, "")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, types.BOT_EVENT_TASK_COMPLETED, events[0].EventType)
	assert.Equal(t, "run-1", events[0].TaskId)
	assert.Equal(t, types.BOT_EVENT_TASK_KILLED, events[1].EventType)
	assert.Equal(t, "run-0", events[1].TaskId)
	assert.Equal(t, types.BOT_EVENT_CLAIMED, events[2].EventType)
	assert.Equal(t, "run-1", events[2].TaskId)
	assert.Equal(t, types.BOT_EVENT_CONNECTED, events[3].EventType)
}
