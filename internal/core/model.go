package core

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// expiryDelta treats a token as expired slightly before its real expiry
// so that a request in flight does not race the issuer's clock.
const expiryDelta = 10 * time.Second

// Credentials holds the refreshable OAuth material of a session
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenURI     string    `json:"token_uri,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the access token must be refreshed before use.
// A zero expiry never expires.
func (c Credentials) Expired(now time.Time) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Before(c.Expiry.Add(-expiryDelta))
}

func (c Credentials) clone() Credentials {
	c.Scopes = slices.Clone(c.Scopes)
	return c
}

// UserInfo describes the owner of a mailbox
type UserInfo struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// WatchState is the push-notification registration of a mailbox
type WatchState struct {
	HistoryID  uint64    `json:"historyId"`
	Expiration time.Time `json:"expiration"`
}

// Session is an authenticated user context
type Session struct {
	ID string `json:"-"`
	Credentials
	User      UserInfo    `json:"user_info"`
	Watch     *WatchState `json:"watch,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Mailbox returns the address of the mailbox owned by the session
func (s *Session) Mailbox() string {
	return s.User.Email
}

func (s *Session) clone() Session {
	out := *s
	out.Credentials = s.Credentials.clone()
	if s.Watch != nil {
		w := *s.Watch
		out.Watch = &w
	}
	return out
}

// NewMailEvent is a converted mailbox notification
type NewMailEvent struct {
	Mailbox     string    `json:"email_address"`
	HistoryID   uint64    `json:"history_id"`
	MessageID   string    `json:"message_id,omitempty"`
	DeliveryID  string    `json:"delivery_id,omitempty"`
	PublishTime time.Time `json:"publish_time,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Email represents a fetched mail message
type Email struct {
	ID         string              `json:"id"`
	ThreadID   string              `json:"thread_id"`
	From       string              `json:"from"`
	To         string              `json:"to"`
	Subject    string              `json:"subject"`
	Snippet    string              `json:"snippet"`
	Body       string              `json:"body"`
	Date       string              `json:"date"`
	MessageID  string              `json:"message_id_header,omitempty"`
	References string              `json:"references,omitempty"`
	Labels     []string            `json:"label_ids,omitempty"`
	Headers    map[string][]string `json:"-"`
}

// Label is a normalized classification label
type Label string

const (
	LabelHot   Label = "hot"
	LabelWarm  Label = "warm"
	LabelCold  Label = "cold"
	LabelSpam  Label = "spam"
	LabelError Label = "error"
)

var labelFolder = cases.Fold()

// ParseLabel folds a classifier label into its canonical form
func ParseLabel(s string) Label {
	return Label(labelFolder.String(strings.TrimSpace(s)))
}

// Draft is a proposed reply
type Draft struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Classification is the verdict of a classifier for one message
type Classification struct {
	IsLead       bool      `json:"is_lead"`
	Label        Label     `json:"classification"`
	Confidence   float64   `json:"confidence"`
	Reasoning    string    `json:"reasoning"`
	Strategy     string    `json:"strategy,omitempty"`
	Action       string    `json:"action,omitempty"`
	DraftType    string    `json:"draft_type,omitempty"`
	Draft        *Draft    `json:"draft,omitempty"`
	ModelUsed    string    `json:"model_used,omitempty"`
	ClassifiedAt time.Time `json:"classified_at"`
}

// Normalize canonicalizes the label and clamps the confidence to [0,1]
func (c *Classification) Normalize() {
	c.Label = ParseLabel(string(c.Label))
	switch {
	case c.Confidence < 0:
		c.Confidence = 0
	case c.Confidence > 1:
		c.Confidence = 1
	}
	if c.Draft != nil && c.Draft.Subject == "" && c.Draft.Body == "" {
		c.Draft = nil
	}
}

// LeadStatus is the review state of a lead
type LeadStatus string

const (
	LeadPendingReview LeadStatus = "pending_review"
	LeadSent          LeadStatus = "sent"
	LeadDismissed     LeadStatus = "dismissed"
)

// Valid reports whether s is a known status
func (s LeadStatus) Valid() bool {
	return s == LeadPendingReview || s == LeadSent || s == LeadDismissed
}

// Terminal reports whether no further transition is allowed
func (s LeadStatus) Terminal() bool {
	return s == LeadSent || s == LeadDismissed
}

// Lead is a classified inbound message judged to be a business opportunity
type Lead struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	MessageID      string     `json:"message_id"`
	ThreadID       string     `json:"thread_id,omitempty"`
	Sender         string     `json:"sender"`
	Subject        string     `json:"subject"`
	Snippet        string     `json:"snippet"`
	Body           string     `json:"body"`
	Date           string     `json:"date"`
	Classification Label      `json:"classification"`
	Confidence     float64    `json:"confidence"`
	Reasoning      string     `json:"reasoning"`
	Strategy       string     `json:"strategy,omitempty"`
	DraftType      string     `json:"draft_type,omitempty"`
	Draft          *Draft     `json:"draft,omitempty"`
	Status         LeadStatus `json:"status"`
	SentMessageID  string     `json:"sent_message_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DismissedAt    *time.Time `json:"dismissed_at,omitempty"`
}

// LeadID derives the lead identifier of a mail message
func LeadID(messageID string) string {
	return "lead_" + messageID
}

func (l *Lead) clone() Lead {
	out := *l
	if l.Draft != nil {
		d := *l.Draft
		out.Draft = &d
	}
	if l.SentAt != nil {
		t := *l.SentAt
		out.SentAt = &t
	}
	if l.DismissedAt != nil {
		t := *l.DismissedAt
		out.DismissedAt = &t
	}
	return out
}

// OutgoingMessage is a reply to be sent in an existing thread
type OutgoingMessage struct {
	From       string
	To         string
	Subject    string
	Body       string
	ThreadID   string
	InReplyTo  string
	References string
}

// EventType names the kind of a live event
type EventType string

const (
	EventNewEmail    EventType = "new_email"
	EventNewLead     EventType = "new_lead"
	EventLeadUpdated EventType = "lead_updated"
	EventTest        EventType = "test"
)

// Event is delivered to live subscribers
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}
