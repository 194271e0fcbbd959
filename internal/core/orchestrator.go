package core

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result of processing one message
type Outcome int

const (
	OutcomeDuplicate Outcome = iota
	OutcomeNoSession
	OutcomeSkipped
	OutcomeDiscarded
	OutcomeSent
	OutcomeQueued
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeNoSession:
		return "no_session"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeSent:
		return "sent"
	case OutcomeQueued:
		return "queued"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settled reports whether the message needs no further attempt
func (o Outcome) Settled() bool {
	return o != OutcomeFailed && o != OutcomeNoSession
}

// OrchestratorConfig tunes the lead orchestrator
type OrchestratorConfig struct {
	// Timeout bounds the processing of one event
	Timeout time.Duration
	// UnreadFallback is the number of unread messages inspected when an
	// event carries no message id and the session has no history cursor
	UnreadFallback int64
}

// Orchestrator turns mail events into leads
type Orchestrator struct {
	creds      *CredentialStore
	leads      *LeadStore
	hub        *Hub
	mail       MailAPI
	sender     ReplySender
	classifier Classifier
	filter     SenderFilter
	cfg        OrchestratorConfig
	logger     *zap.Logger

	inflight sync.Map
	tasks    sync.WaitGroup
	closing  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewOrchestrator creates a lead orchestrator. filter may be nil.
func NewOrchestrator(
	creds *CredentialStore,
	leads *LeadStore,
	hub *Hub,
	mailAPI MailAPI,
	sender ReplySender,
	classifier Classifier,
	filter SenderFilter,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.UnreadFallback <= 0 {
		cfg.UnreadFallback = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		creds:      creds,
		leads:      leads,
		hub:        hub,
		mail:       mailAPI,
		sender:     sender,
		classifier: classifier,
		filter:     filter,
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Dispatch processes evt on its own goroutine and returns immediately
func (o *Orchestrator) Dispatch(evt NewMailEvent) {
	if o.closing.Load() {
		o.logger.Warn("Orchestrator is shutting down, event not processed",
			zap.String("mailbox", evt.Mailbox),
			zap.Uint64("history_id", evt.HistoryID))
		return
	}
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("Recovered from panic while processing mail event",
					zap.Any("panic", r),
					zap.String("mailbox", evt.Mailbox),
					zap.String("message_id", evt.MessageID))
			}
		}()

		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.Timeout)
		defer cancel()
		o.HandleEvent(ctx, evt)
	}()
}

// Shutdown stops accepting events and waits for running tasks until ctx is
// done, after which the remaining tasks are cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closing.Store(true)
	done := make(chan struct{})
	go func() {
		o.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// HandleEvent resolves an event to message ids and processes each of them.
// The session's history cursor only moves once every listed message has
// settled, so a failed message is listed again by the next notification.
func (o *Orchestrator) HandleEvent(ctx context.Context, evt NewMailEvent) []Outcome {
	if evt.MessageID != "" {
		return []Outcome{o.ProcessEvent(ctx, evt.MessageID, evt.Mailbox, evt.HistoryID)}
	}

	batch, err := o.resolveMessageIDs(ctx, evt)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			o.logger.Info("No session available for mail event",
				zap.String("mailbox", evt.Mailbox),
				zap.Uint64("history_id", evt.HistoryID))
			return []Outcome{OutcomeNoSession}
		}
		o.logger.Error("Failed to resolve messages for mail event",
			zap.String("mailbox", evt.Mailbox),
			zap.Uint64("history_id", evt.HistoryID),
			zap.Error(err))
		return []Outcome{OutcomeFailed}
	}

	outcomes := make([]Outcome, 0, len(batch.ids))
	settled := true
	for _, id := range batch.ids {
		outcome := o.ProcessEvent(ctx, id, evt.Mailbox, evt.HistoryID)
		outcomes = append(outcomes, outcome)
		if !outcome.Settled() {
			settled = false
		}
	}

	if !settled {
		o.logger.Info("Keeping history cursor until failed messages are retried",
			zap.String("session_id", batch.sessionID),
			zap.Uint64("history_id", batch.cursor))
		return outcomes
	}
	o.creds.AdvanceHistory(ctx, batch.sessionID, batch.cursor)
	return outcomes
}

type messageBatch struct {
	sessionID string
	ids       []string
	cursor    uint64
}

// resolveMessageIDs lists the messages behind a coarse notification and
// the history id the session cursor moves to once they are handled. The
// session's history cursor is used when present, otherwise the unread
// inbox is inspected.
func (o *Orchestrator) resolveMessageIDs(ctx context.Context, evt NewMailEvent) (messageBatch, error) {
	sess, _, ok := o.creds.Resolve(evt.Mailbox)
	if !ok {
		return messageBatch{}, ErrNotFound
	}
	creds, err := o.creds.Get(ctx, sess.ID)
	if err != nil {
		return messageBatch{}, err
	}

	if sess.Watch != nil && sess.Watch.HistoryID > 0 {
		ids, latest, err := o.mail.History(ctx, creds, sess.Watch.HistoryID)
		switch {
		case err == nil:
			return messageBatch{sessionID: sess.ID, ids: ids, cursor: max(latest, evt.HistoryID)}, nil
		case errors.Is(err, ErrNotFound):
			o.logger.Info("History cursor expired, falling back to unread messages",
				zap.String("session_id", sess.ID),
				zap.Uint64("history_id", sess.Watch.HistoryID))
		default:
			return messageBatch{}, err
		}
	}

	ids, err := o.mail.ListUnread(ctx, creds, o.cfg.UnreadFallback)
	if err != nil {
		return messageBatch{}, err
	}
	return messageBatch{sessionID: sess.ID, ids: ids, cursor: evt.HistoryID}, nil
}

// ProcessEvent classifies one message and applies the routing policy.
// Failures are logged and reported as OutcomeFailed, never returned.
func (o *Orchestrator) ProcessEvent(ctx context.Context, messageID, mailbox string, historyID uint64) Outcome {
	logger := o.logger.With(
		zap.String("message_id", messageID),
		zap.String("mailbox", mailbox),
		zap.Uint64("history_id", historyID))

	leadID := LeadID(messageID)
	if o.leads.Exists(leadID) {
		logger.Debug("Lead already exists, skipping")
		return OutcomeDuplicate
	}
	if _, busy := o.inflight.LoadOrStore(messageID, struct{}{}); busy {
		logger.Debug("Message already being processed, skipping")
		return OutcomeDuplicate
	}
	defer o.inflight.Delete(messageID)
	if o.leads.Exists(leadID) {
		return OutcomeDuplicate
	}

	sess, fallback, ok := o.creds.Resolve(mailbox)
	if !ok {
		logger.Info("No session available for mail event")
		return OutcomeNoSession
	}
	logger = logger.With(zap.String("session_id", sess.ID))
	if fallback {
		logger.Info("No session owns the mailbox, using first available session")
	}

	creds, err := o.creds.Get(ctx, sess.ID)
	if err != nil {
		logger.Error("Failed to obtain credentials", zap.String("step", "credentials"), zap.Error(err))
		return OutcomeFailed
	}

	email, err := o.mail.Get(ctx, creds, messageID)
	if err != nil {
		logger.Error("Failed to fetch message", zap.String("step", "fetch"), zap.Error(err))
		return OutcomeFailed
	}
	if o.filter != nil && o.filter.IsIgnored(email.From) {
		logger.Debug("Sender is ignored, not classifying", zap.String("from", email.From))
		return OutcomeSkipped
	}

	cls, err := o.classifier.Classify(ctx, email)
	if err != nil {
		logger.Error("Classification failed", zap.String("step", "classify"), zap.Error(err))
		return OutcomeFailed
	}
	cls.Normalize()
	logger = logger.With(
		zap.String("classification", string(cls.Label)),
		zap.Bool("is_lead", cls.IsLead),
		zap.Float64("confidence", cls.Confidence))
	decision := Decide(cls)
	switch decision {
	case OutcomeFailed:
		logger.Error("Classifier reported an error", zap.String("step", "classify"), zap.String("reasoning", cls.Reasoning))
		return OutcomeFailed
	case OutcomeDiscarded:
		if err := o.mail.MarkRead(ctx, creds, messageID); err != nil {
			logger.Error("Failed to mark discarded message read", zap.String("step", "mark_read"), zap.Error(err))
			return OutcomeFailed
		}
		logger.Info("Message is not a lead, marked read")
		return OutcomeDiscarded
	}

	lead := newLead(sess.ID, messageID, email, cls)
	if decision == OutcomeSent {
		msg := ReplyTo(sess.Mailbox(), email, cls.Draft)
		sentID, err := o.sender.SendReply(ctx, creds, msg)
		if err != nil {
			logger.Error("Failed to send automatic reply", zap.String("step", "send"), zap.Error(err))
			return OutcomeFailed
		}
		if err := o.mail.MarkRead(ctx, creds, messageID); err != nil {
			logger.Warn("Failed to mark replied message read", zap.String("step", "mark_read"), zap.Error(err))
		}
		sentAt := time.Now()
		lead.Status = LeadSent
		lead.SentMessageID = sentID
		lead.SentAt = &sentAt
	}

	created, err := o.leads.Create(ctx, lead)
	if err != nil {
		logger.Error("Failed to store lead", zap.String("step", "store"), zap.Error(err))
		return OutcomeFailed
	}
	if !created {
		logger.Debug("Lead created concurrently, skipping")
		return OutcomeDuplicate
	}

	stored, err := o.leads.Get(lead.ID)
	if err == nil {
		o.hub.Publish(sess.ID, Event{Type: EventNewLead, Data: stored})
	}
	logger.Info("Lead created", zap.String("lead_id", lead.ID), zap.String("status", string(lead.Status)))
	return decision
}

// Decide maps a normalized classification to the action taken for it:
// errors fail, non-leads and spam are discarded, hot leads with a draft
// are answered and every other lead is queued for review.
func Decide(cls *Classification) Outcome {
	switch {
	case cls.Label == LabelError:
		return OutcomeFailed
	case !cls.IsLead || cls.Label == LabelSpam:
		return OutcomeDiscarded
	case cls.Label == LabelHot && cls.Draft != nil:
		return OutcomeSent
	default:
		return OutcomeQueued
	}
}

func newLead(sessionID, messageID string, email *Email, cls *Classification) Lead {
	lead := Lead{
		ID:             LeadID(messageID),
		SessionID:      sessionID,
		MessageID:      messageID,
		ThreadID:       email.ThreadID,
		Sender:         email.From,
		Subject:        email.Subject,
		Snippet:        email.Snippet,
		Body:           email.Body,
		Date:           email.Date,
		Classification: cls.Label,
		Confidence:     cls.Confidence,
		Reasoning:      cls.Reasoning,
		Strategy:       cls.Strategy,
		DraftType:      cls.DraftType,
		Status:         LeadPendingReview,
	}
	if cls.Draft != nil {
		d := *cls.Draft
		if d.To == "" {
			d.To = email.From
		}
		lead.Draft = &d
	}
	return lead
}

// ReplyTo builds a threaded reply to email from draft
func ReplyTo(from string, email *Email, draft *Draft) *OutgoingMessage {
	to := draft.To
	if to == "" {
		to = email.From
	}
	subject := draft.Subject
	if subject == "" {
		subject = email.Subject
	}
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	references := strings.TrimSpace(email.References)
	if email.MessageID != "" {
		references = strings.TrimSpace(references + " " + email.MessageID)
	}
	return &OutgoingMessage{
		From:       from,
		To:         BareAddress(to),
		Subject:    subject,
		Body:       draft.Body,
		ThreadID:   email.ThreadID,
		InReplyTo:  email.MessageID,
		References: references,
	}
}

// BareAddress extracts addr from "Name <addr>"
func BareAddress(s string) string {
	if addr, err := mail.ParseAddress(s); err == nil {
		return addr.Address
	}
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			return strings.TrimSpace(s[i+1 : i+j])
		}
	}
	return strings.TrimSpace(s)
}
