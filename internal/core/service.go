package core

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LeadService is the surface exposed to the API layer
type LeadService struct {
	creds    *CredentialStore
	leads    *LeadStore
	hub      *Hub
	ingestor *Ingestor
	mail     MailAPI
	sender   ReplySender
	logger   *zap.Logger

	inflight sync.Map
}

// NewLeadService creates the API facade
func NewLeadService(
	creds *CredentialStore,
	leads *LeadStore,
	hub *Hub,
	ingestor *Ingestor,
	mailAPI MailAPI,
	sender ReplySender,
	logger *zap.Logger,
) *LeadService {
	return &LeadService{
		creds:    creds,
		leads:    leads,
		hub:      hub,
		ingestor: ingestor,
		mail:     mailAPI,
		sender:   sender,
		logger:   logger,
	}
}

// HealthStatus summarizes the live state of the service
type HealthStatus struct {
	Status      string `json:"status"`
	Sessions    int    `json:"active_sessions"`
	Subscribers int    `json:"subscribers"`
	Leads       int    `json:"leads"`
}

// ReplyRequest is a manual reply composed by the user
type ReplyRequest struct {
	To        string
	Subject   string
	Body      string
	ThreadID  string
	InReplyTo string
}

// Notify injects a notification as if it came from the transport
func (s *LeadService) Notify(ctx context.Context, raw RawEvent) (NewMailEvent, error) {
	evt, _, err := s.ingestor.Ingest(ctx, raw)
	return evt, err
}

func (s *LeadService) requireSession(sessionID string) (Session, error) {
	sess, ok := s.creds.Session(sessionID)
	if !ok {
		return Session{}, fmt.Errorf("session %q: %w", sessionID, ErrUnauthorized)
	}
	return sess, nil
}

// Leads lists the leads of a session, newest first
func (s *LeadService) Leads(sessionID string) ([]Lead, error) {
	if _, err := s.requireSession(sessionID); err != nil {
		return nil, err
	}
	return s.leads.ListBySession(sessionID), nil
}

// Lead returns one lead of a session
func (s *LeadService) Lead(id, sessionID string) (Lead, error) {
	if _, err := s.requireSession(sessionID); err != nil {
		return Lead{}, err
	}
	return s.leads.GetForSession(id, sessionID)
}

// UpdateDraft edits the draft of a pending lead
func (s *LeadService) UpdateDraft(ctx context.Context, id, sessionID string, subject, body *string) (Lead, error) {
	if _, err := s.requireSession(sessionID); err != nil {
		return Lead{}, err
	}
	lead, err := s.leads.UpdateDraft(ctx, id, sessionID, subject, body)
	if err != nil {
		return Lead{}, err
	}
	s.hub.Publish(sessionID, Event{Type: EventLeadUpdated, Data: lead})
	return lead, nil
}

// Send sends the draft of a pending lead in the original thread and marks
// the lead sent. A concurrent send or dismiss of the same lead fails with
// ErrConflict.
func (s *LeadService) Send(ctx context.Context, id, sessionID string) (Lead, error) {
	sess, err := s.requireSession(sessionID)
	if err != nil {
		return Lead{}, err
	}
	if _, busy := s.inflight.LoadOrStore(id, struct{}{}); busy {
		return Lead{}, fmt.Errorf("lead %s is busy: %w", id, ErrConflict)
	}
	defer s.inflight.Delete(id)

	lead, err := s.leads.GetForSession(id, sessionID)
	if err != nil {
		return Lead{}, err
	}
	if lead.Status.Terminal() {
		return Lead{}, fmt.Errorf("lead %s is already %s: %w", id, lead.Status, ErrConflict)
	}
	if lead.Draft == nil || lead.Draft.Body == "" {
		return Lead{}, fmt.Errorf("lead %s has no draft: %w", id, ErrConflict)
	}

	creds, err := s.creds.Get(ctx, sessionID)
	if err != nil {
		return Lead{}, err
	}

	original := &Email{
		ID:       lead.MessageID,
		ThreadID: lead.ThreadID,
		From:     lead.Sender,
		Subject:  lead.Subject,
	}
	if fetched, err := s.mail.Get(ctx, creds, lead.MessageID); err == nil {
		original = fetched
	} else {
		s.logger.Warn("Could not fetch original message, reply will not carry threading headers",
			zap.String("lead_id", id),
			zap.Error(err))
	}

	sentID, err := s.sender.SendReply(ctx, creds, ReplyTo(sess.Mailbox(), original, lead.Draft))
	if err != nil {
		return Lead{}, Upstream("send reply", err)
	}
	if err := s.mail.MarkRead(ctx, creds, lead.MessageID); err != nil {
		s.logger.Warn("Failed to mark replied message read", zap.String("lead_id", id), zap.Error(err))
	}

	updated, err := s.leads.TransitionToSent(ctx, id, sessionID, sentID)
	if err != nil {
		return Lead{}, err
	}
	s.hub.Publish(sessionID, Event{Type: EventLeadUpdated, Data: updated})
	s.logger.Info("Lead reply sent", zap.String("lead_id", id), zap.String("sent_message_id", sentID))
	return updated, nil
}

// Dismiss closes a pending lead without replying. It holds the same guard
// as Send, so a lead being sent cannot be dismissed.
func (s *LeadService) Dismiss(ctx context.Context, id, sessionID string) (Lead, error) {
	if _, err := s.requireSession(sessionID); err != nil {
		return Lead{}, err
	}
	if _, busy := s.inflight.LoadOrStore(id, struct{}{}); busy {
		return Lead{}, fmt.Errorf("lead %s is busy: %w", id, ErrConflict)
	}
	defer s.inflight.Delete(id)

	lead, err := s.leads.TransitionToDismissed(ctx, id, sessionID)
	if err != nil {
		return Lead{}, err
	}
	s.hub.Publish(sessionID, Event{Type: EventLeadUpdated, Data: lead})
	return lead, nil
}

// Subscribe opens a live event stream for a session
func (s *LeadService) Subscribe(sessionID string) (*Subscription, error) {
	if _, err := s.requireSession(sessionID); err != nil {
		return nil, err
	}
	sub := s.hub.Subscribe(sessionID)
	s.logger.Debug("Event stream opened",
		zap.String("session_id", sessionID),
		zap.Int("session_streams", s.hub.SessionCount(sessionID)))
	return sub, nil
}

// Unsubscribe closes a live event stream
func (s *LeadService) Unsubscribe(sub *Subscription) {
	if sub != nil {
		s.hub.Unsubscribe(sub.SessionID(), sub)
	}
}

// CreateSession registers an authorized user
func (s *LeadService) CreateSession(ctx context.Context, user UserInfo, creds Credentials) Session {
	return s.creds.CreateSession(ctx, user, creds)
}

// Logout removes a session. Its leads are kept.
func (s *LeadService) Logout(ctx context.Context, sessionID string) {
	s.creds.Remove(ctx, sessionID)
	s.logger.Info("Session logged out", zap.String("session_id", sessionID))
}

// UserInfo returns the owner of a session
func (s *LeadService) UserInfo(sessionID string) (UserInfo, error) {
	sess, err := s.requireSession(sessionID)
	if err != nil {
		return UserInfo{}, err
	}
	return sess.User, nil
}

// RefreshToken forces a token refresh
func (s *LeadService) RefreshToken(ctx context.Context, sessionID string) (Credentials, error) {
	if _, err := s.requireSession(sessionID); err != nil {
		return Credentials{}, err
	}
	return s.creds.Refresh(ctx, sessionID)
}

// SyncUnread fetches up to max unread messages of the session's mailbox
func (s *LeadService) SyncUnread(ctx context.Context, sessionID string, max int64) ([]*Email, error) {
	creds, err := s.creds.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ids, err := s.mail.ListUnread(ctx, creds, max)
	if err != nil {
		return nil, err
	}
	emails := make([]*Email, 0, len(ids))
	for _, id := range ids {
		email, err := s.mail.Get(ctx, creds, id)
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, nil
}

// UnreadCount returns the number of unread inbox messages
func (s *LeadService) UnreadCount(ctx context.Context, sessionID string) (int64, error) {
	creds, err := s.creds.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return s.mail.UnreadCount(ctx, creds)
}

// Watch registers push notifications for the session's mailbox
func (s *LeadService) Watch(ctx context.Context, sessionID, topic string) (WatchState, error) {
	creds, err := s.creds.Get(ctx, sessionID)
	if err != nil {
		return WatchState{}, err
	}
	watch, err := s.mail.Watch(ctx, creds, topic)
	if err != nil {
		return WatchState{}, err
	}
	if err := s.creds.SetWatch(ctx, sessionID, *watch); err != nil {
		return WatchState{}, err
	}
	s.logger.Info("Mailbox watch registered",
		zap.String("session_id", sessionID),
		zap.Uint64("history_id", watch.HistoryID),
		zap.Time("expiration", watch.Expiration))
	return *watch, nil
}

// MarkRead marks a message read
func (s *LeadService) MarkRead(ctx context.Context, sessionID, messageID string) error {
	creds, err := s.creds.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.mail.MarkRead(ctx, creds, messageID)
}

// SendReply sends a manual reply and returns the sent message id
func (s *LeadService) SendReply(ctx context.Context, sessionID string, req ReplyRequest) (string, error) {
	sess, err := s.requireSession(sessionID)
	if err != nil {
		return "", err
	}
	creds, err := s.creds.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	original := &Email{ThreadID: req.ThreadID, From: req.To, Subject: req.Subject}
	if req.InReplyTo != "" {
		if fetched, err := s.mail.Get(ctx, creds, req.InReplyTo); err == nil {
			original = fetched
			if req.ThreadID != "" {
				original.ThreadID = req.ThreadID
			}
		}
	}
	msg := ReplyTo(sess.Mailbox(), original, &Draft{To: req.To, Subject: req.Subject, Body: req.Body})
	msg.Subject = req.Subject

	sentID, err := s.sender.SendReply(ctx, creds, msg)
	if err != nil {
		return "", Upstream("send reply", err)
	}
	return sentID, nil
}

// TestNotification broadcasts a test event to every subscriber
func (s *LeadService) TestNotification() int {
	return s.hub.Broadcast(Event{
		Type: EventTest,
		Data: map[string]any{"test": true, "message": "Test notification from backend"},
	})
}

// Health reports live counters
func (s *LeadService) Health() HealthStatus {
	return HealthStatus{
		Status:      "healthy",
		Sessions:    s.creds.Count(),
		Subscribers: s.hub.Count(),
		Leads:       s.leads.Count(),
	}
}
