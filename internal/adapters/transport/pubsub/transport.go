// Package pubsub receives mailbox notifications from a Google Cloud Pub/Sub
// subscription, either by synchronous pull or by streaming receive.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	subscriber "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Transport implements core.PullTransport and core.StreamTransport
type Transport struct {
	client       *gpubsub.Client
	subscriber   *subscriber.SubscriberClient
	sub          *gpubsub.Subscription
	subscription string
	logger       *zap.Logger
}

// New connects to Pub/Sub. Extra options are appended to the ones derived
// from cfg.
func New(ctx context.Context, cfg config.PubSubConfig, logger *zap.Logger, opts ...option.ClientOption) (*Transport, error) {
	if cfg.ProjectID == "" || cfg.SubscriptionID == "" {
		return nil, errors.New("pubsub project_id and subscription_id are required")
	}
	if cfg.CredentialsFile != "" {
		opts = append([]option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}, opts...)
	}

	client, err := gpubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	sc, err := subscriber.NewSubscriberClient(ctx, opts...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create Pub/Sub subscriber client: %w", err)
	}

	subscription := cfg.SubscriptionID
	if !strings.HasPrefix(subscription, "projects/") {
		subscription = fmt.Sprintf("projects/%s/subscriptions/%s", cfg.ProjectID, cfg.SubscriptionID)
	}

	return &Transport{
		client:       client,
		subscriber:   sc,
		sub:          client.Subscription(subscription[strings.LastIndex(subscription, "/")+1:]),
		subscription: subscription,
		logger:       logger,
	}, nil
}

// Pull fetches up to max messages, waiting at most wait for the batch.
// Running out of wait yields an empty batch.
func (t *Transport) Pull(ctx context.Context, max int, wait time.Duration) ([]core.RawEvent, error) {
	pullCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	resp, err := t.subscriber.Pull(pullCtx, &pubsubpb.PullRequest{
		Subscription: t.subscription,
		MaxMessages:  int32(max),
	})
	if err != nil {
		if ctx.Err() == nil && pullCtx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pull from %s: %w", t.subscription, err)
	}

	events := make([]core.RawEvent, 0, len(resp.ReceivedMessages))
	for _, rm := range resp.ReceivedMessages {
		evt := core.RawEvent{AckID: rm.AckId}
		if m := rm.Message; m != nil {
			evt.ID = m.MessageId
			evt.Data = m.Data
			evt.Attributes = m.Attributes
			if m.PublishTime != nil {
				evt.PublishTime = m.PublishTime.AsTime()
			}
		}
		events = append(events, evt)
	}
	return events, nil
}

// Ack acknowledges a batch of ack ids in one request
func (t *Transport) Ack(ctx context.Context, ackIDs []string) error {
	if len(ackIDs) == 0 {
		return nil
	}
	err := t.subscriber.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: t.subscription,
		AckIds:       ackIDs,
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge %d messages: %w", len(ackIDs), err)
	}
	return nil
}

type delivery struct {
	msg *gpubsub.Message
}

func (d delivery) Event() core.RawEvent {
	return core.RawEvent{
		ID:          d.msg.ID,
		AckID:       d.msg.ID,
		Attributes:  d.msg.Attributes,
		Data:        d.msg.Data,
		PublishTime: d.msg.PublishTime,
	}
}

func (d delivery) Ack()  { d.msg.Ack() }
func (d delivery) Nack() { d.msg.Nack() }

// Receive streams messages to handler until ctx is done. It returns after
// outstanding handlers finish.
func (t *Transport) Receive(ctx context.Context, handler func(context.Context, core.Delivery)) error {
	t.logger.Info("Starting Pub/Sub streaming receive", zap.String("subscription", t.subscription))
	err := t.sub.Receive(ctx, func(ctx context.Context, msg *gpubsub.Message) {
		handler(ctx, delivery{msg: msg})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("streaming receive on %s: %w", t.subscription, err)
	}
	return nil
}

// Close releases both clients
func (t *Transport) Close() error {
	return errors.Join(t.subscriber.Close(), t.client.Close())
}
