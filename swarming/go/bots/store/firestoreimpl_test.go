package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.skia.org/swarming/go/firestore"
	"go.skia.org/swarming/go/testutils/unittest"
	"go.skia.org/swarming/swarming/go/types"
)

func setupForTest(t *testing.T) (context.Context, *FirestoreImpl, func()) {
	unittest.RequiresFirestoreEmulator(t)
	ctx := context.Background()
	c, cleanup := firestore.NewClientForTesting(ctx, t)
	return ctx, newFirestoreImpl(c), cleanup
}

func TestFirestoreBotStore(t *testing.T) {
	unittest.MediumTest(t)
	_, st, cleanup := setupForTest(t)
	defer cleanup()
	TestBotStore(t, st)
}

func TestFirestoreBotStoreEvents(t *testing.T) {
	unittest.MediumTest(t)
	_, st, cleanup := setupForTest(t)
	defer cleanup()
	TestBotStoreEvents(t, st)
}

func TestFirestoreBotStoreDeleteKeepsEvents(t *testing.T) {
	unittest.MediumTest(t)
	_, st, cleanup := setupForTest(t)
	defer cleanup()
	TestBotStoreDeleteKeepsEvents(t, st)
}

func TestFirestoreBotStoreUpdateCounters(t *testing.T) {
	unittest.MediumTest(t)
	ctx, st, cleanup := setupForTest(t)
	defer cleanup()

	// Counters are shared process-wide, so compare against a snapshot.
	updates := st.updateCounter.Get()
	updateErrors := st.updateDataToErrorCounter.Get()

	called := false
	err := st.Update(ctx, "swarm-rpi-001", func(previous types.BotInfo) types.BotInfo {
		assert.False(t, previous.Quarantined)
		ret := previous.Copy()
		ret.Quarantined = true
		ret.MaintenanceMsg = "missing pool dimension"
		called = true
		return ret
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, updates+1, st.updateCounter.Get())
	assert.Equal(t, updateErrors, st.updateDataToErrorCounter.Get())

	snap, err := st.botsCollection.Doc("swarm-rpi-001").Get(ctx)
	require.NoError(t, err)
	var stored storeBotInfo
	require.NoError(t, snap.DataTo(&stored))
	assert.True(t, stored.Quarantined)
	assert.Equal(t, "missing pool dimension", stored.MaintenanceMsg)
}

func TestFirestoreBotStoreTimestampsTruncated(t *testing.T) {
	unittest.MediumTest(t)
	ctx, st, cleanup := setupForTest(t)
	defer cleanup()

	// Sub-microsecond precision does not survive the round trip.
	precise := testTime.Add(1234 * time.Nanosecond)
	err := st.Update(ctx, "swarm-rpi-002", func(b types.BotInfo) types.BotInfo {
		b.FirstSeen = precise
		b.LastSeen = precise
		return b
	})
	require.NoError(t, err)
	got, err := st.Get(ctx, "swarm-rpi-002")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.FirstSeen.Equal(firestore.FixTimestamp(precise)))
	assert.True(t, got.LastSeen.Equal(firestore.FixTimestamp(precise)))
}
