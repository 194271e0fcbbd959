package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mikey/lead-router/internal/core"
	"github.com/mikey/lead-router/internal/mimetext"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const user = "me"

// Client implements core.MailAPI and core.ReplySender on the Gmail API
type Client struct {
	cb         *gobreaker.CircuitBreaker
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithEndpoint points the client at another API root, mainly for tests
func WithEndpoint(endpoint string, httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.endpoint = endpoint
		c.httpClient = httpClient
	}
}

// NewClient creates a Gmail client. breakerTimeout is how long the
// breaker stays open after tripping.
func NewClient(breakerTimeout time.Duration, logger *zap.Logger, opts ...ClientOption) *Client {
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}
	c := &Client{logger: logger, now: time.Now}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         "gmail-api",
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      breakerTimeout,
		ReadyToTrip:  readyToTrip,
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// readyToTrip opens the breaker after more than five consecutive failures
// or a 60% failure ratio over at least ten requests
func readyToTrip(counts gobreaker.Counts) bool {
	if counts.ConsecutiveFailures > 5 {
		return true
	}
	if counts.Requests < 10 {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
}

func (c *Client) service(ctx context.Context, creds core.Credentials) (*gmail.Service, error) {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: creds.AccessToken,
		TokenType:   "Bearer",
		Expiry:      creds.Expiry,
	})
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// nonCircuitError carries client errors through the breaker without
// counting them as failures
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }

func isSuccessful(err error) bool {
	var nce *nonCircuitError
	return err == nil || errors.As(err, &nce)
}

func (c *Client) execute(op string, fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		err := fn()
		if err == nil {
			return nil, nil
		}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return nil, &nonCircuitError{err: err}
			}
		}
		return nil, err
	})
	if err == nil {
		return nil
	}

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		err = nce.err
	}
	return mapError(op, err)
}

func mapError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %w", op, core.ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%s: %w: %w", op, core.ErrForbidden, err)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, core.ErrNotFound, err)
		case http.StatusBadRequest:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return core.Upstream(op, err)
}

// ListUnread lists up to max unread inbox message ids
func (c *Client) ListUnread(ctx context.Context, creds core.Credentials, max int64) ([]string, error) {
	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	var resp *gmail.ListMessagesResponse
	err = c.execute("list unread", func() error {
		var apiErr error
		resp, apiErr = svc.Users.Messages.List(user).LabelIds("INBOX", "UNREAD").MaxResults(max).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// Get fetches a message in raw form and parses it
func (c *Client) Get(ctx context.Context, creds core.Credentials, id string) (*core.Email, error) {
	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	var msg *gmail.Message
	err = c.execute("get message", func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get(user, id).Format("raw").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(msg.Raw)
		if err != nil {
			return nil, fmt.Errorf("message %s: invalid raw encoding: %w", id, err)
		}
	}
	email, err := mimetext.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	email.ID = msg.Id
	email.ThreadID = msg.ThreadId
	email.Labels = msg.LabelIds
	if msg.Snippet != "" {
		email.Snippet = msg.Snippet
	}
	if email.Date == "" && msg.InternalDate > 0 {
		email.Date = time.UnixMilli(msg.InternalDate).UTC().Format(time.RFC1123Z)
	}
	return email, nil
}

// MarkRead removes the UNREAD label
func (c *Client) MarkRead(ctx context.Context, creds core.Credentials, id string) error {
	svc, err := c.service(ctx, creds)
	if err != nil {
		return err
	}
	return c.execute("mark read", func() error {
		_, apiErr := svc.Users.Messages.Modify(user, id, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{"UNREAD"},
		}).Context(ctx).Do()
		return apiErr
	})
}

// Watch registers push notifications of new inbox mail to topic
func (c *Client) Watch(ctx context.Context, creds core.Credentials, topic string) (*core.WatchState, error) {
	if topic == "" {
		return nil, errors.New("watch topic is required")
	}
	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	var resp *gmail.WatchResponse
	err = c.execute("watch", func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch(user, &gmail.WatchRequest{
			TopicName:         topic,
			LabelIds:          []string{"INBOX", "UNREAD"},
			LabelFilterAction: "include",
		}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return &core.WatchState{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

// History lists the ids of inbox messages added after startHistoryID. An
// expired cursor yields core.ErrNotFound.
func (c *Client) History(ctx context.Context, creds core.Credentials, startHistoryID uint64) ([]string, uint64, error) {
	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, 0, err
	}

	var ids []string
	seen := make(map[string]bool)
	latest := startHistoryID
	err = c.execute("list history", func() error {
		call := svc.Users.History.List(user).
			StartHistoryId(startHistoryID).
			HistoryTypes("messageAdded").
			LabelId("INBOX")
		return call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			if page.HistoryId > latest {
				latest = page.HistoryId
			}
			for _, h := range page.History {
				for _, added := range h.MessagesAdded {
					if added.Message == nil || seen[added.Message.Id] {
						continue
					}
					seen[added.Message.Id] = true
					ids = append(ids, added.Message.Id)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return ids, latest, nil
}

// UnreadCount returns the unread count of the inbox label
func (c *Client) UnreadCount(ctx context.Context, creds core.Credentials) (int64, error) {
	svc, err := c.service(ctx, creds)
	if err != nil {
		return 0, err
	}
	var label *gmail.Label
	err = c.execute("unread count", func() error {
		var apiErr error
		label, apiErr = svc.Users.Labels.Get(user, "INBOX").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return 0, err
	}
	return label.MessagesUnread, nil
}

// SendReply sends msg in its thread and returns the sent message id
func (c *Client) SendReply(ctx context.Context, creds core.Credentials, msg *core.OutgoingMessage) (string, error) {
	raw, _, err := mimetext.Compose(msg, c.now())
	if err != nil {
		return "", err
	}
	svc, err := c.service(ctx, creds)
	if err != nil {
		return "", err
	}

	var sent *gmail.Message
	err = c.execute("send message", func() error {
		var apiErr error
		sent, apiErr = svc.Users.Messages.Send(user, &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(raw),
			ThreadId: msg.ThreadID,
		}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("Reply sent",
		zap.String("to", msg.To),
		zap.String("thread_id", msg.ThreadID),
		zap.String("sent_message_id", sent.Id))
	return sent.Id, nil
}
