package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// IngestConfig tunes the ingestion loop
type IngestConfig struct {
	BatchSize    int
	PullWait     time.Duration
	PollInterval time.Duration
	AckTimeout   time.Duration
}

// Ingestor converts transport items into mail events and routes them
type Ingestor struct {
	hub         *Hub
	creds       *CredentialStore
	dispatcher  Dispatcher
	dedup       DedupCache
	deadLetters DeadLetterSink
	cfg         IngestConfig
	logger      *zap.Logger
	now         func() time.Time
}

// NewIngestor creates an ingestor. dedup and deadLetters may be nil.
func NewIngestor(
	hub *Hub,
	creds *CredentialStore,
	dispatcher Dispatcher,
	dedup DedupCache,
	deadLetters DeadLetterSink,
	cfg IngestConfig,
	logger *zap.Logger,
) *Ingestor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PullWait <= 0 {
		cfg.PullWait = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	return &Ingestor{
		hub:         hub,
		creds:       creds,
		dispatcher:  dispatcher,
		dedup:       dedup,
		deadLetters: deadLetters,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

type notificationPayload struct {
	EmailAddress      string      `json:"emailAddress"`
	EmailAddressSnake string      `json:"email_address"`
	HistoryID         json.Number `json:"historyId"`
	HistoryIDSnake    json.Number `json:"history_id"`
	MessageID         string      `json:"messageId"`
	MessageIDSnake    string      `json:"message_id"`
}

// ParseNotification converts a transport item. Attributes take precedence
// over the JSON payload, which may be base64 encoded.
func ParseNotification(raw RawEvent, receivedAt time.Time) (NewMailEvent, error) {
	evt := NewMailEvent{
		DeliveryID:  raw.ID,
		PublishTime: raw.PublishTime,
		ReceivedAt:  receivedAt,
	}

	mailbox := raw.Attributes["emailAddress"]
	history := raw.Attributes["historyId"]
	evt.MessageID = raw.Attributes["messageId"]

	if mailbox == "" && len(raw.Data) > 0 {
		var p notificationPayload
		if err := json.Unmarshal(decodePayload(raw.Data), &p); err != nil {
			return NewMailEvent{}, fmt.Errorf("%w: payload: %v", ErrMalformedEvent, err)
		}
		mailbox = firstNonEmpty(p.EmailAddress, p.EmailAddressSnake)
		history = firstNonEmpty(p.HistoryID.String(), p.HistoryIDSnake.String())
		if evt.MessageID == "" {
			evt.MessageID = firstNonEmpty(p.MessageID, p.MessageIDSnake)
		}
	}

	mailbox = strings.TrimSpace(mailbox)
	if mailbox == "" || !strings.Contains(mailbox, "@") {
		return NewMailEvent{}, fmt.Errorf("%w: missing mailbox address", ErrMalformedEvent)
	}
	evt.Mailbox = mailbox

	if history != "" {
		id, err := strconv.ParseUint(strings.TrimSpace(history), 10, 64)
		if err != nil {
			return NewMailEvent{}, fmt.Errorf("%w: history id %q", ErrMalformedEvent, history)
		}
		evt.HistoryID = id
	}
	if evt.HistoryID == 0 && evt.MessageID == "" {
		return NewMailEvent{}, fmt.Errorf("%w: neither history id nor message id", ErrMalformedEvent)
	}
	return evt, nil
}

func decodePayload(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(trimmed)); err == nil {
		return decoded
	}
	if decoded, err := base64.URLEncoding.DecodeString(string(trimmed)); err == nil {
		return decoded
	}
	return trimmed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func dedupKey(evt NewMailEvent) string {
	if evt.MessageID != "" {
		return "msg:" + evt.MessageID
	}
	return "hist:" + strings.ToLower(evt.Mailbox) + ":" + strconv.FormatUint(evt.HistoryID, 10)
}

// Ingest converts raw and, unless it is a duplicate delivery, publishes it
// to the live subscribers of the mailbox and dispatches it for
// classification. fresh is false for duplicates.
func (i *Ingestor) Ingest(ctx context.Context, raw RawEvent) (evt NewMailEvent, fresh bool, err error) {
	evt, err = ParseNotification(raw, i.now())
	if err != nil {
		return NewMailEvent{}, false, err
	}

	if i.dedup != nil {
		seen, err := i.dedup.Seen(ctx, dedupKey(evt))
		if err != nil {
			i.logger.Warn("Dedup check failed, processing event anyway",
				zap.String("mailbox", evt.Mailbox),
				zap.Error(err))
		} else if seen {
			i.logger.Debug("Duplicate delivery ignored",
				zap.String("mailbox", evt.Mailbox),
				zap.Uint64("history_id", evt.HistoryID),
				zap.String("message_id", evt.MessageID))
			return evt, false, nil
		}
	}

	notified := i.publish(evt)
	i.logger.Info("New mail event",
		zap.String("mailbox", evt.Mailbox),
		zap.Uint64("history_id", evt.HistoryID),
		zap.String("message_id", evt.MessageID),
		zap.Int("notified", notified))

	if i.dispatcher != nil {
		i.dispatcher.Dispatch(evt)
	}
	return evt, true, nil
}

// publish notifies the sessions owning the mailbox, or the fallback
// session when none owns it.
func (i *Ingestor) publish(evt NewMailEvent) int {
	out := Event{Type: EventNewEmail, Data: evt}
	owners := i.creds.FindByMailbox(evt.Mailbox)
	if len(owners) == 0 {
		if sess, _, ok := i.creds.Resolve(evt.Mailbox); ok {
			owners = []Session{sess}
		}
	}
	n := 0
	for _, sess := range owners {
		n += i.hub.Publish(sess.ID, out)
	}
	return n
}

func (i *Ingestor) ingestSafely(ctx context.Context, raw RawEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while ingesting %s: %v", raw.ID, r)
		}
	}()
	_, _, err = i.Ingest(ctx, raw)
	return err
}

// PollOnce pulls one batch, ingests every item and acknowledges the whole
// batch in a single call. Items that fail conversion are dead-lettered and
// still acknowledged.
func (i *Ingestor) PollOnce(ctx context.Context, transport PullTransport) (int, error) {
	batch, err := transport.Pull(ctx, i.cfg.BatchSize, i.cfg.PullWait)
	if err != nil {
		return 0, Upstream("pull", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ackIDs := make([]string, 0, len(batch))
	for _, raw := range batch {
		if raw.AckID != "" {
			ackIDs = append(ackIDs, raw.AckID)
		}
		if err := i.ingestSafely(ctx, raw); err != nil {
			i.logger.Warn("Dropping malformed notification",
				zap.String("delivery_id", raw.ID),
				zap.Error(err))
			if i.deadLetters != nil {
				i.deadLetters.Record(context.WithoutCancel(ctx), raw, err)
			}
		}
	}

	// The batch is acknowledged even when polling is being shut down.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.AckTimeout)
	defer cancel()
	if err := transport.Ack(actx, ackIDs); err != nil {
		return len(batch), Upstream("ack", err)
	}
	i.logger.Debug("Acknowledged batch", zap.Int("count", len(ackIDs)))
	return len(batch), nil
}

// RunPolling polls until ctx is done. A failed cycle is logged and retried
// after the poll interval.
func (i *Ingestor) RunPolling(ctx context.Context, transport PullTransport) error {
	i.logger.Info("Polling for mail notifications",
		zap.Int("batch_size", i.cfg.BatchSize),
		zap.Duration("interval", i.cfg.PollInterval))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			i.logger.Info("Polling stopped")
			return nil
		case <-timer.C:
		}

		if _, err := i.pollCycle(ctx, transport); err != nil && ctx.Err() == nil {
			i.logger.Warn("Polling cycle failed, retrying", zap.Error(err))
		}
		timer.Reset(i.cfg.PollInterval)
	}
}

func (i *Ingestor) pollCycle(ctx context.Context, transport PullTransport) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in polling cycle: %v", r)
		}
	}()
	return i.PollOnce(ctx, transport)
}

// RunStreaming receives items until ctx is done, acknowledging each
// converted item and negatively acknowledging each failure.
func (i *Ingestor) RunStreaming(ctx context.Context, transport StreamTransport) error {
	i.logger.Info("Streaming mail notifications")
	err := transport.Receive(ctx, func(ctx context.Context, d Delivery) {
		raw := d.Event()
		if err := i.ingestSafely(ctx, raw); err != nil {
			i.logger.Warn("Rejecting notification",
				zap.String("delivery_id", raw.ID),
				zap.Error(err))
			d.Nack()
			return
		}
		d.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return Upstream("receive", err)
	}
	i.logger.Info("Streaming stopped")
	return nil
}
