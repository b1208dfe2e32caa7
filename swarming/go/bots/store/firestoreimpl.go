package store

import (
	"context"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.skia.org/swarming/go/auth"
	"go.skia.org/swarming/go/firestore"
	"go.skia.org/swarming/go/metrics2"
	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/go/sklog"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/swarmingserver/config"
	"go.skia.org/swarming/swarming/go/types"
)

const (
	botsCollectionName = "bots"

	// eventsCollectionName is a subcollection of each bot document.
	// Deleting the bot document does not delete the subcollection, which
	// is what keeps events around after Delete.
	eventsCollectionName = "events"

	appName = "swarmingserver"

	opTimeout = 10 * time.Second

	opRetries = 5

	// queryTimeout covers one attempt of an event page query.
	queryTimeout = 60 * time.Second
)

// FirestoreImpl implements the Store interface.
type FirestoreImpl struct {
	firestoreClient *firestore.Client
	botsCollection  *gcfirestore.CollectionRef

	updateCounter            metrics2.Counter
	updateDataToErrorCounter metrics2.Counter
	getCounter               metrics2.Counter
	getDataToErrorCounter    metrics2.Counter
	listCounter              metrics2.Counter
	listIterFailureCounter   metrics2.Counter
	deleteCounter            metrics2.Counter
	addEventCounter          metrics2.Counter
	addEventFailureCounter   metrics2.Counter
	eventsCounter            metrics2.Counter
	eventsIterFailureCounter metrics2.Counter
}

// storeBotInfo is how types.BotInfo is mapped into Firestore. This serves to
// decouple the schema stored in Firestore from the schema used elsewhere.
type storeBotInfo struct {
	BotId           string
	Dimensions      map[string][]string
	State           string
	ExternalIp      string
	AuthenticatedAs string
	Version         string
	Quarantined     bool
	MaintenanceMsg  string
	FirstSeen       time.Time
	LastSeen        time.Time
	TaskId          string
	MachineType     string
	Deleted         bool
}

// storeBotEvent is how types.BotEvent is mapped into Firestore.
type storeBotEvent struct {
	BotId          string
	EventType      string
	Ts             time.Time
	TaskId         string
	Message        string
	Dimensions     map[string][]string
	Version        string
	Quarantined    bool
	MaintenanceMsg string
}

// NewFirestoreImpl returns a new instance of FirestoreImpl that is backed by
// Firestore.
func NewFirestoreImpl(ctx context.Context, local bool, instanceConfig config.InstanceConfig) (*FirestoreImpl, error) {
	ts, err := auth.NewDefaultTokenSource(local, auth.SCOPE_DATASTORE)
	if err != nil {
		return nil, skerr.Wrapf(err, "Failed to create tokensource.")
	}

	firestoreClient, err := firestore.NewClient(ctx, instanceConfig.Store.Project, appName, instanceConfig.Store.Instance, ts)
	if err != nil {
		return nil, skerr.Wrapf(err, "Failed to create firestore client for app: %q instance: %q", appName, instanceConfig.Store.Instance)
	}
	return newFirestoreImpl(firestoreClient), nil
}

// newFirestoreImpl wires a FirestoreImpl around an existing client. Tests use
// this directly with an emulator-backed client.
func newFirestoreImpl(firestoreClient *firestore.Client) *FirestoreImpl {
	return &FirestoreImpl{
		firestoreClient:          firestoreClient,
		botsCollection:           firestoreClient.Collection(botsCollectionName),
		updateCounter:            metrics2.GetCounter("bot_store_update"),
		updateDataToErrorCounter: metrics2.GetCounter("bot_store_update_datato_error"),
		getCounter:               metrics2.GetCounter("bot_store_get"),
		getDataToErrorCounter:    metrics2.GetCounter("bot_store_get_datato_error"),
		listCounter:              metrics2.GetCounter("bot_store_list"),
		listIterFailureCounter:   metrics2.GetCounter("bot_store_list_iter_error"),
		deleteCounter:            metrics2.GetCounter("bot_store_delete"),
		addEventCounter:          metrics2.GetCounter("bot_store_add_event"),
		addEventFailureCounter:   metrics2.GetCounter("bot_store_add_event_error"),
		eventsCounter:            metrics2.GetCounter("bot_store_events"),
		eventsIterFailureCounter: metrics2.GetCounter("bot_store_events_iter_error"),
	}
}

// Update implements the Store interface.
func (st *FirestoreImpl) Update(ctx context.Context, botId string, updateCallback UpdateCallback) error {
	st.updateCounter.Inc(1)
	docRef := st.botsCollection.Doc(botId)
	return st.firestoreClient.RunTransaction(ctx, "bots", "update "+botId, opRetries, opTimeout, func(ctx context.Context, tx *gcfirestore.Transaction) error {
		var stored storeBotInfo
		botInfo := types.BotInfo{BotId: botId}
		if snap, err := tx.Get(docRef); err == nil {
			if err := snap.DataTo(&stored); err != nil {
				st.updateDataToErrorCounter.Inc(1)
				return skerr.Wrapf(err, "Failed to deserialize firestore Get response for %q", botId)
			}
			botInfo = convertStoreBotInfo(stored)
		} else if st, ok := status.FromError(err); ok && st.Code() != codes.NotFound {
			return skerr.Wrapf(err, "Failed querying firestore for %q", botId)
		}

		updated := updateCallback(botInfo)
		updated.BotId = botId
		updatedStored := convertBotInfo(updated)

		return tx.Set(docRef, &updatedStored)
	})
}

// Get implements the Store interface.
func (st *FirestoreImpl) Get(ctx context.Context, botId string) (*types.BotInfo, error) {
	st.getCounter.Inc(1)
	snap, err := st.firestoreClient.Get(ctx, st.botsCollection.Doc(botId), opRetries, opTimeout)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil, nil
		}
		return nil, skerr.Wrapf(err, "Failed querying firestore for %q", botId)
	}
	var stored storeBotInfo
	if err := snap.DataTo(&stored); err != nil {
		st.getDataToErrorCounter.Inc(1)
		return nil, skerr.Wrapf(err, "Failed to deserialize firestore Get response for %q", botId)
	}
	rv := convertStoreBotInfo(stored)
	return &rv, nil
}

// List implements the Store interface.
func (st *FirestoreImpl) List(ctx context.Context) ([]types.BotInfo, error) {
	st.listCounter.Inc(1)
	ret := []types.BotInfo{}
	iter := st.botsCollection.OrderBy(gcfirestore.DocumentID, gcfirestore.Asc).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			st.listIterFailureCounter.Inc(1)
			return nil, skerr.Wrapf(err, "List failed to read bot info.")
		}

		var stored storeBotInfo
		if err := snap.DataTo(&stored); err != nil {
			st.listIterFailureCounter.Inc(1)
			sklog.Errorf("Failed to read data from snapshot: %s", err)
			continue
		}
		ret = append(ret, convertStoreBotInfo(stored))
	}
	return ret, nil
}

// Delete implements the Store interface. The bot's events subcollection is
// untouched.
func (st *FirestoreImpl) Delete(ctx context.Context, botId string) error {
	st.deleteCounter.Inc(1)

	_, err := st.firestoreClient.Delete(ctx, st.botsCollection.Doc(botId), opRetries, opTimeout)
	return err
}

// AddEvent implements the Store interface.
func (st *FirestoreImpl) AddEvent(ctx context.Context, event types.BotEvent) error {
	st.addEventCounter.Inc(1)
	if event.BotId == "" {
		return skerr.Fmt("BotEvent requires a BotId")
	}
	stored := convertBotEvent(event)
	ref := st.botsCollection.Doc(event.BotId).Collection(eventsCollectionName).Doc(firestore.AlphaNumID())
	if _, err := st.firestoreClient.Create(ctx, ref, &stored, opRetries, opTimeout); err != nil {
		st.addEventFailureCounter.Inc(1)
		return skerr.Wrapf(err, "Failed to record event for %q", event.BotId)
	}
	return nil
}

// GetEvents implements the Store interface.
func (st *FirestoreImpl) GetEvents(ctx context.Context, botId string, limit int, before time.Time) ([]types.BotEvent, error) {
	st.eventsCounter.Inc(1)
	q := st.botsCollection.Doc(botId).Collection(eventsCollectionName).OrderBy("Ts", gcfirestore.Desc)
	if !util.TimeIsZero(before) {
		q = q.Where("Ts", "<", firestore.FixTimestamp(before))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	ret := []types.BotEvent{}
	err := st.firestoreClient.IterDocs(ctx, "GetEvents", botId, q, opRetries, queryTimeout, func(snap *gcfirestore.DocumentSnapshot) error {
		var stored storeBotEvent
		if err := snap.DataTo(&stored); err != nil {
			st.eventsIterFailureCounter.Inc(1)
			sklog.Errorf("Failed to read data from snapshot: %s", err)
			return nil
		}
		ret = append(ret, convertStoreBotEvent(stored))
		return nil
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "GetEvents failed to read events for %q", botId)
	}
	return ret, nil
}

func convertBotInfo(b types.BotInfo) storeBotInfo {
	return storeBotInfo{
		BotId:           b.BotId,
		Dimensions:      b.Dimensions,
		State:           b.State,
		ExternalIp:      b.ExternalIp,
		AuthenticatedAs: b.AuthenticatedAs,
		Version:         b.Version,
		Quarantined:     b.Quarantined,
		MaintenanceMsg:  b.MaintenanceMsg,
		FirstSeen:       firestore.FixTimestamp(b.FirstSeen),
		LastSeen:        firestore.FixTimestamp(b.LastSeen),
		TaskId:          b.TaskId,
		MachineType:     b.MachineType,
		Deleted:         b.Deleted,
	}
}

// convertStoreBotInfo converts the firestore version of the bot info to the
// common format.
func convertStoreBotInfo(s storeBotInfo) types.BotInfo {
	return types.BotInfo{
		BotId:           s.BotId,
		Dimensions:      s.Dimensions,
		State:           s.State,
		ExternalIp:      s.ExternalIp,
		AuthenticatedAs: s.AuthenticatedAs,
		Version:         s.Version,
		Quarantined:     s.Quarantined,
		MaintenanceMsg:  s.MaintenanceMsg,
		FirstSeen:       s.FirstSeen,
		LastSeen:        s.LastSeen,
		TaskId:          s.TaskId,
		MachineType:     s.MachineType,
		Deleted:         s.Deleted,
	}
}

func convertBotEvent(e types.BotEvent) storeBotEvent {
	return storeBotEvent{
		BotId:          e.BotId,
		EventType:      string(e.EventType),
		Ts:             firestore.FixTimestamp(e.Ts),
		TaskId:         e.TaskId,
		Message:        e.Message,
		Dimensions:     e.Dimensions,
		Version:        e.Version,
		Quarantined:    e.Quarantined,
		MaintenanceMsg: e.MaintenanceMsg,
	}
}

// convertStoreBotEvent converts the firestore version of the bot event to the
// common format.
func convertStoreBotEvent(s storeBotEvent) types.BotEvent {
	return types.BotEvent{
		BotId:          s.BotId,
		EventType:      types.BotEventType(s.EventType),
		Ts:             s.Ts,
		TaskId:         s.TaskId,
		Message:        s.Message,
		Dimensions:     s.Dimensions,
		Version:        s.Version,
		Quarantined:    s.Quarantined,
		MaintenanceMsg: s.MaintenanceMsg,
	}
}

// Affirm that FirestoreImpl implements the Store interface.
var _ Store = (*FirestoreImpl)(nil)
