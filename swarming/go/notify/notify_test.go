package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.skia.org/swarming/go/testutils/unittest"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/types"
)

func TestSplitTopicName(t *testing.T) {
	unittest.SmallTest(t)
	project, id, ok := splitTopicName("projects/chrome-swarming/topics/completions")
	require.True(t, ok)
	require.Equal(t, "chrome-swarming", project)
	require.Equal(t, "completions", id)
	for _, name := range []string{
		"",
		"completions",
		"projects/p/subscriptions/s",
		"projects/p/topics/t/extra",
	} {
		_, _, ok := splitTopicName(name)
		require.False(t, ok, "expected %q to be treated as a short name", name)
	}
}

func setupPubSub(t *testing.T) (context.Context, *pubsub.Client) {
	unittest.RequiresPubSubEmulator(t)
	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "test-project")
	require.NoError(t, err)
	return ctx, client
}

// subscribe creates the topic and a subscription on it and returns a channel
// of the messages it receives.
func subscribe(t *testing.T, ctx context.Context, client *pubsub.Client, topicName string) <-chan *pubsub.Message {
	topic, err := client.CreateTopic(ctx, topicName)
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, topicName+"-sub", pubsub.SubscriptionConfig{
		Topic: topic,
	})
	require.NoError(t, err)
	ch := make(chan *pubsub.Message, 10)
	rctx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go func() {
		_ = sub.Receive(rctx, func(ctx context.Context, m *pubsub.Message) {
			m.Ack()
			ch <- m
		})
	}()
	return ch
}

func receiveOne(t *testing.T, ch <-chan *pubsub.Message) *pubsub.Message {
	select {
	case m := <-ch:
		return m
	case <-time.After(30 * time.Second):
		t.Fatal("Timed out waiting for a pubsub message.")
		return nil
	}
}

func TestNotifyCompleted(t *testing.T) {
	unittest.MediumTest(t)
	ctx, client := setupPubSub(t)

	suffix := uuid.New().String()
	reqTopic := "task-done-" + suffix
	globalTopic := "all-done-" + suffix
	reqCh := subscribe(t, ctx, client, reqTopic)
	globalCh := subscribe(t, ctx, client, globalTopic)

	p := NewForClient(client, globalTopic)
	req := &types.TaskRequest{
		Id:             12345,
		PubSubTopic:    reqTopic,
		PubSubUserData: "build-77",
	}
	res := &types.TaskResultSummary{
		RequestId: req.Id,
		State:     types.TASK_STATE_COMPLETED,
		Modified:  time.Date(2026, time.June, 10, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.NotifyCompleted(ctx, req, res))
	p.Wait()

	// Both the request's topic and the global mirror see the message.
	for _, m := range []*pubsub.Message{receiveOne(t, reqCh), receiveOne(t, globalCh)} {
		var body taskCompletion
		require.NoError(t, json.Unmarshal(m.Data, &body))
		require.Equal(t, ids.PackSummary(req.Id), body.TaskId)
		require.Equal(t, "build-77", body.Userdata)
		require.Equal(t, ids.PackSummary(req.Id), m.Attributes[ATTR_ID])
		require.Equal(t, "2026-06-10T09:00:00.000000000Z", m.Attributes[ATTR_TIMESTAMP])
		require.Equal(t, p.senderId, m.Attributes[ATTR_SENDER_ID])
	}
}

func TestNotifyCompletedGlobalMirrorOnly(t *testing.T) {
	unittest.MediumTest(t)
	ctx, client := setupPubSub(t)

	globalTopic := "all-done-" + uuid.New().String()
	globalCh := subscribe(t, ctx, client, globalTopic)

	// The request did not name a topic; only the mirror is notified.
	p := NewForClient(client, globalTopic)
	req := &types.TaskRequest{Id: 999}
	res := &types.TaskResultSummary{
		RequestId: req.Id,
		State:     types.TASK_STATE_EXPIRED,
		Modified:  time.Date(2026, time.June, 10, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.NotifyCompleted(ctx, req, res))
	p.Wait()

	m := receiveOne(t, globalCh)
	var body taskCompletion
	require.NoError(t, json.Unmarshal(m.Data, &body))
	require.Equal(t, ids.PackSummary(req.Id), body.TaskId)
	require.Empty(t, body.Userdata)
}

func TestNotifyCompletedNoTopics(t *testing.T) {
	unittest.MediumTest(t)
	ctx, client := setupPubSub(t)

	// Neither a global nor a per-request topic: nothing to do.
	p := NewForClient(client, "")
	req := &types.TaskRequest{Id: 42}
	res := &types.TaskResultSummary{RequestId: req.Id, State: types.TASK_STATE_CANCELED}
	require.NoError(t, p.NotifyCompleted(ctx, req, res))
	p.Wait()
}

func TestNotifyCompletedCreatesTopic(t *testing.T) {
	unittest.MediumTest(t)
	ctx, client := setupPubSub(t)

	// The global topic does not exist yet; the publisher creates it.
	globalTopic := "lazy-" + uuid.New().String()
	p := NewForClient(client, globalTopic)
	req := &types.TaskRequest{Id: 7}
	res := &types.TaskResultSummary{
		RequestId: req.Id,
		State:     types.TASK_STATE_COMPLETED,
		Modified:  time.Date(2026, time.June, 10, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.NotifyCompleted(ctx, req, res))
	p.Wait()
	exists, err := client.Topic(globalTopic).Exists(ctx)
	require.NoError(t, err)
	require.True(t, exists)
}
