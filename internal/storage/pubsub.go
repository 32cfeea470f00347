package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/rendis/flowgraph/pkg/schema"
)

const (
	defaultMaxMessages = 10
	defaultPullTimeout = 5 * time.Second
)

// PubSubAPI is the messaging surface used by the gcp_pubsub handler.
type PubSubAPI interface {
	// Pull receives and acks up to max messages, returning their payloads.
	Pull(ctx context.Context, subscription string, max int) ([][]byte, error)
	Publish(ctx context.Context, topic string, data []byte) (string, error)
	Close() error
}

// PubSubClientFactory builds a client from node config.
type PubSubClientFactory func(ctx context.Context, cfg map[string]any) (PubSubAPI, error)

// PubSub is the gcp_pubsub handler.
type PubSub struct {
	newClient PubSubClientFactory
}

// NewPubSub creates the gcp_pubsub handler. A nil factory uses cloud.google.com/go/pubsub.
func NewPubSub(factory PubSubClientFactory) *PubSub {
	if factory == nil {
		factory = newPubSubClient
	}
	return &PubSub{newClient: factory}
}

func (h *PubSub) Flavor() schema.NodeType { return schema.NodeTypeGCPPubSub }

// Read pulls a batch of messages. Several messages come back as a list, one
// message as its own value, none as nil.
func (h *PubSub) Read(ctx context.Context, cfg map[string]any) (any, error) {
	if err := required(h.Flavor(), cfg, "project_id", "subscription_name"); err != nil {
		return nil, err
	}
	client, err := h.newClient(ctx, cfg)
	if err != nil {
		return nil, handlerError(h.Flavor(), "client", err)
	}
	defer client.Close()

	max := intParam(cfg, "max_messages", defaultMaxMessages)
	if max <= 0 {
		max = defaultMaxMessages
	}
	payloads, err := client.Pull(ctx, stringParam(cfg, "subscription_name", ""), max)
	if err != nil {
		return nil, handlerError(h.Flavor(), "pull", err)
	}

	switch len(payloads) {
	case 0:
		return nil, nil
	case 1:
		return decodeContent(payloads[0]), nil
	}
	messages := make([]any, len(payloads))
	for i, p := range payloads {
		messages[i] = decodeContent(p)
	}
	return messages, nil
}

// Write publishes the payload to topic_name.
func (h *PubSub) Write(ctx context.Context, cfg map[string]any, payload any) (map[string]any, error) {
	if err := required(h.Flavor(), cfg, "project_id", "topic_name"); err != nil {
		return nil, err
	}
	client, err := h.newClient(ctx, cfg)
	if err != nil {
		return nil, handlerError(h.Flavor(), "client", err)
	}
	defer client.Close()

	topic := stringParam(cfg, "topic_name", "")
	data, _, err := encodePayload(payload, false)
	if err != nil {
		return nil, err
	}
	id, err := client.Publish(ctx, topic, data)
	if err != nil {
		return nil, handlerError(h.Flavor(), "publish", err)
	}
	return map[string]any{"status": "success", "topic": topic, "message_id": id}, nil
}

// --- cloud.google.com/go/pubsub adapter ---

type pubsubClient struct {
	client      *pubsub.Client
	pullTimeout time.Duration
}

func newPubSubClient(ctx context.Context, cfg map[string]any) (PubSubAPI, error) {
	var opts []option.ClientOption
	if creds := stringParam(cfg, "credentials", ""); creds != "" {
		if !json.Valid([]byte(creds)) {
			return nil, schema.NewError(schema.ErrCodeHandler, "Invalid JSON credentials for GCP")
		}
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	client, err := pubsub.NewClient(ctx, stringParam(cfg, "project_id", ""), opts...)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(floatParam(cfg, "pull_timeout", defaultPullTimeout.Seconds()) * float64(time.Second))
	return &pubsubClient{client: client, pullTimeout: timeout}, nil
}

// Pull uses a synchronous receive bounded by the pull timeout and stops once
// max messages have been acked.
func (c *pubsubClient) Pull(ctx context.Context, subscription string, max int) ([][]byte, error) {
	sub := c.client.Subscription(subscription)
	sub.ReceiveSettings.Synchronous = true
	sub.ReceiveSettings.MaxOutstandingMessages = max

	rctx, cancel := context.WithTimeout(ctx, c.pullTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		payloads [][]byte
	)
	err := sub.Receive(rctx, func(_ context.Context, m *pubsub.Message) {
		mu.Lock()
		defer mu.Unlock()
		if len(payloads) >= max {
			m.Nack()
			return
		}
		payloads = append(payloads, m.Data)
		m.Ack()
		if len(payloads) >= max {
			cancel()
		}
	})
	if err != nil && ctx.Err() == nil && rctx.Err() == nil {
		return nil, err
	}
	return payloads, nil
}

func (c *pubsubClient) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	t := c.client.Topic(topic)
	defer t.Stop()
	return t.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx)
}

func (c *pubsubClient) Close() error {
	return c.client.Close()
}
