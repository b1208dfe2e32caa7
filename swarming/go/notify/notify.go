// Package notify publishes task completion notifications over Cloud Pub/Sub.
//
// A request opts in by naming a topic; its notification carries the packed
// task id and the caller's opaque userdata. When the server is configured
// with a global topic, every notification is mirrored there so that one
// subscription can follow all opted-in completions.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"go.skia.org/swarming/go/auth"
	"go.skia.org/swarming/go/cleanup"
	"go.skia.org/swarming/go/metrics2"
	"go.skia.org/swarming/go/skerr"
	"go.skia.org/swarming/go/sklog"
	"go.skia.org/swarming/go/util"
	"go.skia.org/swarming/swarming/go/ids"
	"go.skia.org/swarming/swarming/go/scheduling"
	"go.skia.org/swarming/swarming/go/swarmingserver/config"
	"go.skia.org/swarming/swarming/go/types"
)

const (
	// AUTH_SCOPE is the OAuth scope needed for publishing.
	AUTH_SCOPE = pubsub.ScopePubSub

	// Attributes sent with all pubsub messages.

	// Packed task id.
	ATTR_ID = "id"
	// Timestamp of the state change being reported.
	ATTR_TIMESTAMP = "ts"
	// Unique identifier for the sender of the message.
	ATTR_SENDER_ID = "sender"
)

// taskCompletion is the JSON body of a completion message.
type taskCompletion struct {
	TaskId   string `json:"task_id"`
	Userdata string `json:"userdata,omitempty"`
}

// Publisher sends task completion notifications. It implements the
// scheduler's Notifier interface.
type Publisher struct {
	client      *pubsub.Client
	senderId    string
	globalTopic string

	mtx    sync.Mutex
	topics map[string]*pubsub.Topic

	queued sync.WaitGroup

	metricSent   metrics2.Counter
	metricFailed metrics2.Counter
}

// New returns a Publisher over the configured project. cfg.Topic, when
// non-empty, names the global mirror topic in that project.
func New(ctx context.Context, local bool, cfg config.PubSubConfig) (*Publisher, error) {
	if cfg.Project == "" {
		return nil, skerr.Fmt("pubsub project is required")
	}
	ts, err := auth.NewDefaultTokenSource(local, AUTH_SCOPE)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	client, err := pubsub.NewClient(ctx, cfg.Project, option.WithTokenSource(ts))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return NewForClient(client, cfg.Topic), nil
}

// NewForClient returns a Publisher over an existing pubsub client.
func NewForClient(client *pubsub.Client, globalTopic string) *Publisher {
	p := &Publisher{
		client:       client,
		senderId:     uuid.New().String(),
		globalTopic:  globalTopic,
		topics:       map[string]*pubsub.Topic{},
		metricSent:   metrics2.GetCounter("pubsub_notifications", map[string]string{"result": "sent"}),
		metricFailed: metrics2.GetCounter("pubsub_notifications", map[string]string{"result": "failed"}),
	}
	cleanup.AtExit(func() {
		sklog.Info("Waiting for pubsub messages to be sent...")
		p.queued.Wait()
		sklog.Info("All pubsub messages have been sent.")
	})
	return p
}

// splitTopicName splits a fully-qualified "projects/P/topics/T" resource
// name. Short names refer to the publisher's own project.
func splitTopicName(name string) (string, string, bool) {
	parts := strings.Split(name, "/")
	if len(parts) == 4 && parts[0] == "projects" && parts[2] == "topics" {
		return parts[1], parts[3], true
	}
	return "", "", false
}

// topic returns the handle for the named topic. Topics in our own project are
// created on first use; topics in other projects are used as-is, since we
// typically may publish to them but not create them.
func (p *Publisher) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	var t *pubsub.Topic
	if project, id, ok := splitTopicName(name); ok {
		t = p.client.TopicInProject(id, project)
	} else {
		t = p.client.Topic(name)
		exists, err := t.Exists(ctx)
		if err != nil {
			return nil, skerr.Wrapf(err, "checking for topic %q", name)
		}
		if !exists {
			if _, err := p.client.CreateTopic(ctx, name); err != nil {
				return nil, skerr.Wrapf(err, "creating topic %q", name)
			}
		}
	}
	p.topics[name] = t
	return t, nil
}

// NotifyCompleted publishes the terminal state of the task to the topic its
// request named, mirroring to the global topic when one is configured. The
// sends are asynchronous; send failures are counted and logged.
func (p *Publisher) NotifyCompleted(ctx context.Context, req *types.TaskRequest, res *types.TaskResultSummary) error {
	topics := make([]string, 0, 2)
	if req.PubSubTopic != "" {
		topics = append(topics, req.PubSubTopic)
	}
	if p.globalTopic != "" && p.globalTopic != req.PubSubTopic {
		topics = append(topics, p.globalTopic)
	}
	if len(topics) == 0 {
		return nil
	}
	taskId := ids.PackSummary(req.Id)
	body, err := json.Marshal(taskCompletion{
		TaskId:   taskId,
		Userdata: req.PubSubUserData,
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	attrs := map[string]string{
		ATTR_ID:        taskId,
		ATTR_TIMESTAMP: res.Modified.UTC().Format(util.RFC3339NanoZeroPad),
		ATTR_SENDER_ID: p.senderId,
	}
	for _, name := range topics {
		t, err := p.topic(ctx, name)
		if err != nil {
			return skerr.Wrap(err)
		}
		result := t.Publish(ctx, &pubsub.Message{
			Data:       body,
			Attributes: attrs,
		})
		p.queued.Add(1)
		go func(result *pubsub.PublishResult) {
			defer p.queued.Done()
			// Not the request context: the caller does not wait for
			// the send.
			if _, err := result.Get(context.Background()); err != nil {
				p.metricFailed.Inc(1)
				sklog.Errorf("Failed to send pubsub message: %s", err)
			} else {
				p.metricSent.Inc(1)
			}
		}(result)
	}
	return nil
}

// Wait blocks until every queued message has been sent. Tests use this; the
// server relies on the AtExit hook instead.
func (p *Publisher) Wait() {
	p.queued.Wait()
}

var _ scheduling.Notifier = (*Publisher)(nil)
