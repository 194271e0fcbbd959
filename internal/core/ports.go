package core

import (
	"context"
	"encoding/json"
	"time"
)

// Classifier labels a message and optionally proposes a reply
type Classifier interface {
	Classify(ctx context.Context, email *Email) (*Classification, error)
}

// MailAPI is the mailbox provider API used on behalf of a session
type MailAPI interface {
	ListUnread(ctx context.Context, creds Credentials, max int64) ([]string, error)
	Get(ctx context.Context, creds Credentials, id string) (*Email, error)
	MarkRead(ctx context.Context, creds Credentials, id string) error
	Watch(ctx context.Context, creds Credentials, topic string) (*WatchState, error)
	// History returns the ids of messages added after startHistoryID and
	// the newest history id seen.
	History(ctx context.Context, creds Credentials, startHistoryID uint64) ([]string, uint64, error)
	UnreadCount(ctx context.Context, creds Credentials) (int64, error)
}

// ReplySender sends a reply and returns the provider id of the sent message
type ReplySender interface {
	SendReply(ctx context.Context, creds Credentials, msg *OutgoingMessage) (string, error)
}

// TokenRefresher exchanges a refresh token for a new access token
type TokenRefresher interface {
	Refresh(ctx context.Context, creds Credentials) (Credentials, error)
}

// SnapshotStore persists a flat key-value snapshot as a whole
type SnapshotStore interface {
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	Save(ctx context.Context, records map[string]json.RawMessage) error
}

// RawEvent is one item received from the notification transport
type RawEvent struct {
	ID          string
	AckID       string
	Attributes  map[string]string
	Data        []byte
	PublishTime time.Time
}

// PullTransport delivers batches that are acknowledged by id
type PullTransport interface {
	Pull(ctx context.Context, max int, wait time.Duration) ([]RawEvent, error)
	Ack(ctx context.Context, ackIDs []string) error
}

// Delivery is a single streamed item
type Delivery interface {
	Event() RawEvent
	Ack()
	Nack()
}

// StreamTransport invokes handler once per item until ctx is done
type StreamTransport interface {
	Receive(ctx context.Context, handler func(context.Context, Delivery)) error
}

// DedupCache remembers keys for a bounded window.
// Seen marks key and reports whether it had already been marked.
type DedupCache interface {
	Seen(ctx context.Context, key string) (bool, error)
}

// DeadLetterSink records items that could not be converted
type DeadLetterSink interface {
	Record(ctx context.Context, raw RawEvent, cause error)
}

// SenderFilter tells which senders are never classified
type SenderFilter interface {
	IsIgnored(from string) bool
}

// Dispatcher hands an event to background processing without waiting
type Dispatcher interface {
	Dispatch(evt NewMailEvent)
}
