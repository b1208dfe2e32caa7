package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.skia.org/swarming/go/testutils"
	"go.skia.org/swarming/go/testutils/unittest"
)

func fullBotInfo() BotInfo {
	return BotInfo{
		BotId: "build1-a9",
		Dimensions: map[string][]string{
			"pool": {"Skia"},
			"os":   {"Linux", "Debian"},
		},
		State:           `{"disk":42}`,
		ExternalIp:      "192.168.1.9",
		AuthenticatedAs: "bot:build1-a9.example.com",
		Version:         "abc123",
		Quarantined:     true,
		MaintenanceMsg:  "rebooting",
		FirstSeen:       time.Unix(1600000000, 0).UTC(),
		LastSeen:        time.Unix(1600000100, 0).UTC(),
		TaskId:          "c0ffee1",
		MachineType:     "n1-standard-16",
		Deleted:         true,
	}
}

func TestCopyBotInfo(t *testing.T) {
	unittest.SmallTest(t)
	v := fullBotInfo()
	testutils.AssertCopy(t, v, v.Copy())
}

func TestCopyBotEvent(t *testing.T) {
	unittest.SmallTest(t)
	v := BotEvent{
		BotId:     "build1-a9",
		EventType: BOT_EVENT_CLAIMED,
		Ts:        time.Unix(1600000000, 0).UTC(),
		TaskId:    "c0ffee1",
		Message:   "claimed",
		Dimensions: map[string][]string{
			"pool": {"Skia"},
		},
		Version:        "abc123",
		Quarantined:    true,
		MaintenanceMsg: "rebooting",
	}
	testutils.AssertCopy(t, v, v.Copy())
}

func TestBotInfoPredicates(t *testing.T) {
	unittest.SmallTest(t)

	b := fullBotInfo()
	require.True(t, b.IsBusy())
	b.TaskId = ""
	require.False(t, b.IsBusy())

	require.True(t, b.IsDead(b.LastSeen.Add(time.Second)))
	require.False(t, b.IsDead(b.LastSeen.Add(-time.Second)))
}

func TestBotInfoFromEvent(t *testing.T) {
	unittest.SmallTest(t)

	e := BotEvent{
		BotId:     "build1-a9",
		EventType: BOT_EVENT_DELETED,
		Ts:        time.Unix(1600000000, 0).UTC(),
		TaskId:    "",
		Message:   "deleted by admin",
		Dimensions: map[string][]string{
			"pool": {"Skia"},
		},
		Version:        "abc123",
		Quarantined:    false,
		MaintenanceMsg: "",
	}
	b := BotInfoFromEvent(e)
	require.Equal(t, "build1-a9", b.BotId)
	require.True(t, b.Deleted)
	require.Equal(t, e.Ts, b.LastSeen)
	testutils.AssertDeepEqual(t, e.Dimensions, b.Dimensions)
}
