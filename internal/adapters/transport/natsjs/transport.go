// Package natsjs carries mailbox notifications over NATS JetStream.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Transport implements core.PullTransport and core.StreamTransport on a
// durable JetStream consumer
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    config.NATSConfig
	logger *zap.Logger

	pullOnce sync.Once
	pullSub  *nats.Subscription
	pullErr  error

	mu      sync.Mutex
	pending map[string]*nats.Msg
}

// New connects to NATS and makes sure the stream exists
func New(ctx context.Context, cfg config.NATSConfig, logger *zap.Logger) (*Transport, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("lead-router"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	t := &Transport{
		nc:      nc,
		js:      js,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*nats.Msg),
	}
	if err := t.EnsureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

// EnsureStream creates the notification stream if it does not exist
func (t *Transport) EnsureStream(ctx context.Context) error {
	info, err := t.js.StreamInfo(t.cfg.Stream, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	subjects := []string{t.cfg.Subject}
	if t.cfg.DeadLetterSubject != "" {
		subjects = append(subjects, t.cfg.DeadLetterSubject)
	}
	_, err = t.js.AddStream(&nats.StreamConfig{
		Name:       t.cfg.Stream,
		Subjects:   subjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: t.cfg.DuplicateWindow,
		MaxAge:     7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream %s: %w", t.cfg.Stream, err)
	}
	t.logger.Info("Created JetStream stream",
		zap.String("stream", t.cfg.Stream),
		zap.Strings("subjects", subjects))
	return nil
}

// Publish publishes data with a message id so the stream drops duplicates
// inside its duplicate window
func (t *Transport) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	if _, err := t.js.Publish(subject, data, opts...); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (t *Transport) pullSubscription() (*nats.Subscription, error) {
	t.pullOnce.Do(func() {
		t.pullSub, t.pullErr = t.js.PullSubscribe(t.cfg.Subject, t.cfg.Durable,
			nats.BindStream(t.cfg.Stream), nats.ManualAck(), nats.AckExplicit())
		if t.pullErr != nil {
			t.pullErr = fmt.Errorf("failed to create pull consumer %s: %w", t.cfg.Durable, t.pullErr)
		}
	})
	return t.pullSub, t.pullErr
}

// Pull fetches up to max messages, waiting at most wait. A timeout with
// nothing to fetch is an empty batch.
func (t *Transport) Pull(ctx context.Context, max int, wait time.Duration) ([]core.RawEvent, error) {
	sub, err := t.pullSubscription()
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := sub.Fetch(max, nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout)) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch from %s: %w", t.cfg.Durable, err)
	}

	events := make([]core.RawEvent, 0, len(msgs))
	t.mu.Lock()
	for _, m := range msgs {
		evt := toRawEvent(m)
		evt.AckID = uuid.NewString()
		t.pending[evt.AckID] = m
		events = append(events, evt)
	}
	t.mu.Unlock()
	return events, nil
}

// Ack acknowledges fetched messages by ack id
func (t *Transport) Ack(ctx context.Context, ackIDs []string) error {
	var errs []error
	for _, id := range ackIDs {
		t.mu.Lock()
		m, ok := t.pending[id]
		delete(t.pending, id)
		t.mu.Unlock()
		if !ok {
			errs = append(errs, fmt.Errorf("unknown ack id %s", id))
			continue
		}
		if err := m.Ack(nats.Context(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to acknowledge messages: %w", err)
	}
	return nil
}

type delivery struct {
	msg    *nats.Msg
	logger *zap.Logger
}

func (d delivery) Event() core.RawEvent {
	evt := toRawEvent(d.msg)
	evt.AckID = evt.ID
	return evt
}

func (d delivery) Ack() {
	if err := d.msg.Ack(); err != nil {
		d.logger.Warn("Failed to ack message", zap.Error(err))
	}
}

func (d delivery) Nack() {
	if err := d.msg.Nak(); err != nil {
		d.logger.Warn("Failed to nak message", zap.Error(err))
	}
}

// Receive subscribes with a push consumer and hands each message to
// handler until ctx is done, then drains the subscription
func (t *Transport) Receive(ctx context.Context, handler func(context.Context, core.Delivery)) error {
	sub, err := t.js.Subscribe(t.cfg.Subject, func(m *nats.Msg) {
		handler(ctx, delivery{msg: m, logger: t.logger})
	}, nats.Durable(t.cfg.Durable), nats.BindStream(t.cfg.Stream), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", t.cfg.Subject, err)
	}
	t.logger.Info("Starting JetStream push receive",
		zap.String("subject", t.cfg.Subject),
		zap.String("durable", t.cfg.Durable))

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for sub.IsValid() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Close drains the connection
func (t *Transport) Close() error {
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

func toRawEvent(m *nats.Msg) core.RawEvent {
	evt := core.RawEvent{Data: m.Data}
	if len(m.Header) > 0 {
		evt.Attributes = make(map[string]string, len(m.Header))
		for k := range m.Header {
			evt.Attributes[k] = m.Header.Get(k)
		}
		evt.ID = m.Header.Get(nats.MsgIdHdr)
	}
	if meta, err := m.Metadata(); err == nil {
		evt.PublishTime = meta.Timestamp
		if evt.ID == "" {
			evt.ID = strconv.FormatUint(meta.Sequence.Stream, 10)
		}
	}
	return evt
}
