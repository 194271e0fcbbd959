package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const ownerMailbox = "me@example.com"

type orchestratorFixture struct {
	creds      *CredentialStore
	leads      *LeadStore
	hub        *Hub
	mail       *fakeMail
	sender     *fakeSender
	classifier *fakeClassifier
	orch       *Orchestrator
	session    Session
}

type domainFilter string

func (d domainFilter) IsIgnored(from string) bool {
	return strings.HasSuffix(strings.ToLower(BareAddress(from)), "@"+string(d))
}

func newOrchestratorFixture(t *testing.T, filter SenderFilter) *orchestratorFixture {
	logger := zaptest.NewLogger(t)
	f := &orchestratorFixture{
		creds: NewCredentialStore(&fakeRefresher{}, nil, time.Second, logger),
		leads: NewLeadStore(nil, logger),
		hub:   NewHub(0, logger),
		mail: newFakeMail(
			&Email{ID: "m1", ThreadID: "t1", From: "Buyer <buyer@example.com>", Subject: "Need 500 units", Body: "Budget approved", MessageID: "<abc@mail>"},
			&Email{ID: "m2", ThreadID: "t2", From: "news@shop.example", Subject: "Sale", Body: "50% off"},
		),
		sender:     &fakeSender{},
		classifier: &fakeClassifier{results: map[string]*Classification{}},
	}
	f.session = f.creds.CreateSession(context.Background(), UserInfo{Email: ownerMailbox}, Credentials{AccessToken: "a", Expiry: time.Now().Add(time.Hour)})
	f.orch = NewOrchestrator(f.creds, f.leads, f.hub, f.mail, f.sender, f.classifier, filter,
		OrchestratorConfig{Timeout: 5 * time.Second, UnreadFallback: 10}, logger)
	return f
}

func hot() *Classification {
	return &Classification{
		IsLead:     true,
		Label:      "Hot",
		Confidence: 0.92,
		Action:     "send_reply",
		Draft:      &Draft{To: "Buyer <buyer@example.com>", Subject: "Re: Need 500 units", Body: "Happy to help"},
	}
}

func TestOrchestratorRouting(t *testing.T) {
	tests := []struct {
		name       string
		result     *Classification
		outcome    Outcome
		wantLead   bool
		wantStatus LeadStatus
		wantSent   int
		wantRead   bool
	}{
		{name: "hot with draft is sent", result: hot(), outcome: OutcomeSent, wantLead: true, wantStatus: LeadSent, wantSent: 1, wantRead: true},
		{name: "hot without draft waits for review", result: &Classification{IsLead: true, Label: "HOT"}, outcome: OutcomeQueued, wantLead: true, wantStatus: LeadPendingReview},
		{name: "warm waits for review", result: &Classification{IsLead: true, Label: "Warm", Draft: &Draft{Body: "Hi"}}, outcome: OutcomeQueued, wantLead: true, wantStatus: LeadPendingReview},
		{name: "cold waits for review", result: &Classification{IsLead: true, Label: "cold"}, outcome: OutcomeQueued, wantLead: true, wantStatus: LeadPendingReview},
		{name: "not a lead is discarded", result: &Classification{IsLead: false, Label: "Cold"}, outcome: OutcomeDiscarded, wantRead: true},
		{name: "spam is discarded even when flagged as lead", result: &Classification{IsLead: true, Label: "Spam"}, outcome: OutcomeDiscarded, wantRead: true},
		{name: "error label fails without side effects", result: &Classification{IsLead: true, Label: "Error"}, outcome: OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrchestratorFixture(t, nil)
			f.classifier.results["m1"] = tt.result

			outcome := f.orch.ProcessEvent(context.Background(), "m1", ownerMailbox, 1)
			assert.Equal(t, tt.outcome, outcome)

			lead, err := f.leads.Get("lead_m1")
			if tt.wantLead {
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, lead.Status)
				assert.Equal(t, f.session.ID, lead.SessionID)
				if tt.wantStatus == LeadSent {
					assert.Equal(t, "sent-1", lead.SentMessageID)
					assert.NotNil(t, lead.SentAt)
				}
			} else {
				require.ErrorIs(t, err, ErrNotFound)
			}
			assert.Equal(t, tt.wantSent, f.sender.count())
			if tt.wantRead {
				assert.Equal(t, []string{"m1"}, f.mail.marked())
			} else {
				assert.Empty(t, f.mail.marked())
			}
		})
	}
}

func TestOrchestratorHotReplyIsThreaded(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.classifier.results["m1"] = hot()

	require.Equal(t, OutcomeSent, f.orch.ProcessEvent(context.Background(), "m1", ownerMailbox, 1))
	require.Len(t, f.sender.sent, 1)
	msg := f.sender.sent[0]
	assert.Equal(t, "buyer@example.com", msg.To)
	assert.Equal(t, ownerMailbox, msg.From)
	assert.Equal(t, "t1", msg.ThreadID)
	assert.Equal(t, "<abc@mail>", msg.InReplyTo)
	assert.Equal(t, "<abc@mail>", msg.References)
	assert.Equal(t, "Re: Need 500 units", msg.Subject)
}

func TestOrchestratorPublishesNewLeadToSession(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.classifier.results["m1"] = &Classification{IsLead: true, Label: "Warm", Confidence: 0.7}
	mine := f.hub.Subscribe(f.session.ID)
	other := f.hub.Subscribe("someone-else")

	require.Equal(t, OutcomeQueued, f.orch.ProcessEvent(context.Background(), "m1", ownerMailbox, 1))

	evt := nextWithin(t, mine)
	assert.Equal(t, EventNewLead, evt.Type)
	lead, ok := evt.Data.(Lead)
	require.True(t, ok)
	assert.Equal(t, "lead_m1", lead.ID)
	assert.Equal(t, LabelWarm, lead.Classification)
	assert.Zero(t, other.Pending())
}

func TestOrchestratorIsIdempotent(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.classifier.results["m1"] = hot()

	assert.Equal(t, OutcomeSent, f.orch.ProcessEvent(context.Background(), "m1", ownerMailbox, 1))
	for i := 0; i < 3; i++ {
		assert.Equal(t, OutcomeDuplicate, f.orch.ProcessEvent(context.Background(), "m1", ownerMailbox, 1))
	}
	assert.Equal(t, 1, f.leads.Count())
	assert.Equal(t, int32(1), f.classifier.calls.Load())
	assert.Equal(t, 1, f.sender.count())
}

func TestOrchestratorConcurrentDuplicatesSendOnce(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.classifier.results["m1"] = hot()
	f.classifier.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.orch.ProcessEvent(context.Background(), "m1", ownerMailbox, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.sender.count())
	assert.Equal(t, 1, f.leads.Count())
}

func TestOrchestratorFailuresLeaveNoLead(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*orchestratorFixture)
	}{
		{name: "classifier fails", setup: func(f *orchestratorFixture) {
			f.classifier.err = errors.New("agent timed out")
		}},
		{name: "fetch fails", setup: func(f *orchestratorFixture) {
			f.mail.getErr = Upstream("get message", errors.New("503"))
		}},
		{name: "send fails", setup: func(f *orchestratorFixture) {
			f.classifier.results["m1"] = hot()
			f.sender.err = errors.New("quota exceeded")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrchestratorFixture(t, nil)
			tt.setup(f)
			assert.Equal(t, OutcomeFailed, f.orch.ProcessEvent(context.Background(), "m1", ownerMailbox, 1))
			assert.Zero(t, f.leads.Count())
			assert.Empty(t, f.mail.marked())
		})
	}
}

func TestOrchestratorRetriesAfterFailure(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.classifier.err = errors.New("agent down")
	require.Equal(t, OutcomeFailed, f.orch.ProcessEvent(context.Background(), "m1", ownerMailbox, 1))

	f.classifier.mu.Lock()
	f.classifier.err = nil
	f.classifier.results["m1"] = &Classification{IsLead: true, Label: "Warm"}
	f.classifier.mu.Unlock()
	assert.Equal(t, OutcomeQueued, f.orch.ProcessEvent(context.Background(), "m1", ownerMailbox, 1))
}

func TestOrchestratorSessionResolution(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		f := newOrchestratorFixture(t, nil)
		f.creds.Remove(context.Background(), f.session.ID)
		assert.Equal(t, OutcomeNoSession, f.orch.ProcessEvent(context.Background(), "m1", ownerMailbox, 1))
		assert.Zero(t, f.classifier.calls.Load())
	})
	t.Run("falls back to the only session", func(t *testing.T) {
		f := newOrchestratorFixture(t, nil)
		f.classifier.results["m1"] = &Classification{IsLead: true, Label: "Warm"}
		assert.Equal(t, OutcomeQueued, f.orch.ProcessEvent(context.Background(), "m1", "alias@example.com", 1))
		lead, err := f.leads.Get("lead_m1")
		require.NoError(t, err)
		assert.Equal(t, f.session.ID, lead.SessionID)
	})
}

func TestOrchestratorLogsMissingSessionAtInfo(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.creds.Remove(context.Background(), f.session.ID)
	obs, logs := observer.New(zapcore.DebugLevel)
	orch := NewOrchestrator(f.creds, f.leads, f.hub, f.mail, f.sender, f.classifier, nil,
		OrchestratorConfig{Timeout: time.Second, UnreadFallback: 10}, zap.New(obs))

	assert.Equal(t, OutcomeNoSession, orch.ProcessEvent(context.Background(), "m1", ownerMailbox, 1))
	assert.Equal(t, []Outcome{OutcomeNoSession}, orch.HandleEvent(context.Background(), NewMailEvent{Mailbox: ownerMailbox, HistoryID: 7}))

	entries := logs.FilterMessage("No session available for mail event").All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, zapcore.InfoLevel, e.Level)
	}
}

func TestOrchestratorSkipsIgnoredSenders(t *testing.T) {
	f := newOrchestratorFixture(t, domainFilter("shop.example"))
	assert.Equal(t, OutcomeSkipped, f.orch.ProcessEvent(context.Background(), "m2", ownerMailbox, 1))
	assert.Zero(t, f.classifier.calls.Load())
	assert.Empty(t, f.mail.marked())
}

func TestOrchestratorHandleEventUsesHistoryCursor(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	require.NoError(t, f.creds.SetWatch(context.Background(), f.session.ID, WatchState{HistoryID: 100}))
	f.mail.history = []string{"m1"}
	f.mail.latest = 120
	f.classifier.results["m1"] = &Classification{IsLead: true, Label: "Warm"}

	outcomes := f.orch.HandleEvent(context.Background(), NewMailEvent{Mailbox: ownerMailbox, HistoryID: 110})
	assert.Equal(t, []Outcome{OutcomeQueued}, outcomes)
	assert.Equal(t, []uint64{100}, f.mail.historyReq)

	sess, _ := f.creds.Session(f.session.ID)
	assert.Equal(t, uint64(120), sess.Watch.HistoryID)
}

func TestOrchestratorHandleEventKeepsCursorOnFailure(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.creds.SetWatch(ctx, f.session.ID, WatchState{HistoryID: 100}))
	f.mail.history = []string{"m1"}
	f.mail.latest = 110
	f.classifier.err = Upstream("classify", errors.New("agent returned 503"))

	outcomes := f.orch.HandleEvent(ctx, NewMailEvent{Mailbox: ownerMailbox, HistoryID: 110})
	assert.Equal(t, []Outcome{OutcomeFailed}, outcomes)
	sess, _ := f.creds.Session(f.session.ID)
	assert.Equal(t, uint64(100), sess.Watch.HistoryID)

	f.classifier.mu.Lock()
	f.classifier.err = nil
	f.classifier.results["m1"] = &Classification{IsLead: true, Label: "Warm"}
	f.classifier.mu.Unlock()
	f.mail.latest = 120

	outcomes = f.orch.HandleEvent(ctx, NewMailEvent{Mailbox: ownerMailbox, HistoryID: 120})
	assert.Equal(t, []Outcome{OutcomeQueued}, outcomes)
	assert.Equal(t, []uint64{100, 100}, f.mail.historyReq)

	_, err := f.leads.Get("lead_m1")
	require.NoError(t, err)
	sess, _ = f.creds.Session(f.session.ID)
	assert.Equal(t, uint64(120), sess.Watch.HistoryID)
}

func TestOutcomeSettled(t *testing.T) {
	for _, o := range []Outcome{OutcomeDuplicate, OutcomeSkipped, OutcomeDiscarded, OutcomeSent, OutcomeQueued} {
		assert.True(t, o.Settled(), o.String())
	}
	assert.False(t, OutcomeFailed.Settled())
	assert.False(t, OutcomeNoSession.Settled())
}

func TestOrchestratorHandleEventFallsBackToUnread(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.classifier.results["m1"] = &Classification{IsLead: true, Label: "Warm"}

	outcomes := f.orch.HandleEvent(context.Background(), NewMailEvent{Mailbox: ownerMailbox, HistoryID: 300})
	assert.Equal(t, []Outcome{OutcomeQueued, OutcomeDiscarded}, outcomes)
	assert.Empty(t, f.mail.historyReq)

	sess, _ := f.creds.Session(f.session.ID)
	require.NotNil(t, sess.Watch)
	assert.Equal(t, uint64(300), sess.Watch.HistoryID)
}

func TestOrchestratorHandleEventExpiredCursor(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	require.NoError(t, f.creds.SetWatch(context.Background(), f.session.ID, WatchState{HistoryID: 5}))
	f.mail.historyErr = ErrNotFound

	outcomes := f.orch.HandleEvent(context.Background(), NewMailEvent{Mailbox: ownerMailbox, HistoryID: 300})
	assert.Len(t, outcomes, 2)
}

func TestOrchestratorDispatchAndShutdown(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.classifier.results["m1"] = &Classification{IsLead: true, Label: "Warm"}
	f.classifier.delay = 30 * time.Millisecond

	f.orch.Dispatch(NewMailEvent{Mailbox: ownerMailbox, MessageID: "m1", HistoryID: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))
	assert.Equal(t, 1, f.leads.Count())

	f.orch.Dispatch(NewMailEvent{Mailbox: ownerMailbox, MessageID: "m2", HistoryID: 2})
	assert.Equal(t, int32(1), f.classifier.calls.Load())
}

func TestBareAddress(t *testing.T) {
	assert.Equal(t, "buyer@example.com", BareAddress("Buyer <buyer@example.com>"))
	assert.Equal(t, "buyer@example.com", BareAddress("buyer@example.com"))
	assert.Equal(t, "x@y.z", BareAddress(`"Last, First" <x@y.z>`))
}

func TestDecide(t *testing.T) {
	draft := &Draft{Body: "Thanks for reaching out"}
	tests := []struct {
		name string
		cls  Classification
		want Outcome
	}{
		{"error label", Classification{IsLead: true, Label: LabelError}, OutcomeFailed},
		{"not a lead", Classification{IsLead: false, Label: LabelWarm}, OutcomeDiscarded},
		{"spam", Classification{IsLead: true, Label: LabelSpam}, OutcomeDiscarded},
		{"hot with draft", Classification{IsLead: true, Label: LabelHot, Draft: draft}, OutcomeSent},
		{"hot without draft", Classification{IsLead: true, Label: LabelHot}, OutcomeQueued},
		{"warm", Classification{IsLead: true, Label: LabelWarm, Draft: draft}, OutcomeQueued},
		{"unknown label", Classification{IsLead: true, Label: "partnership"}, OutcomeQueued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(&tt.cls))
		})
	}
}
