package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type memSnapshot struct {
	mu      sync.Mutex
	records map[string]json.RawMessage
	saves   int
	failing bool
}

func (m *memSnapshot) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out, nil
}

func (m *memSnapshot) Save(ctx context.Context, records map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failing {
		return errors.New("disk full")
	}
	m.records = records
	return nil
}

type fakeRefresher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
}

func (f *fakeRefresher) Refresh(ctx context.Context, c Credentials) (Credentials, error) {
	n := f.calls.Add(1)
	if n == 1 && f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Credentials{}, f.err
	}
	c.AccessToken = fmt.Sprintf("token-%d", n)
	c.Expiry = time.Now().Add(time.Hour)
	return c, nil
}

type fakeMail struct {
	mu         sync.Mutex
	messages   map[string]*Email
	unread     []string
	history    []string
	latest     uint64
	historyErr error
	getErr     error
	markErr    error
	markedRead []string
	historyReq []uint64
}

func newFakeMail(emails ...*Email) *fakeMail {
	m := &fakeMail{messages: make(map[string]*Email)}
	for _, e := range emails {
		m.messages[e.ID] = e
		m.unread = append(m.unread, e.ID)
	}
	return m
}

func (m *fakeMail) ListUnread(ctx context.Context, creds Credentials, max int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := append([]string(nil), m.unread...)
	if int64(len(ids)) > max {
		ids = ids[:max]
	}
	return ids, nil
}

func (m *fakeMail) Get(ctx context.Context, creds Credentials, id string) (*Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	e, ok := m.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *fakeMail) MarkRead(ctx context.Context, creds Credentials, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.markedRead = append(m.markedRead, id)
	return nil
}

func (m *fakeMail) Watch(ctx context.Context, creds Credentials, topic string) (*WatchState, error) {
	return &WatchState{HistoryID: 500, Expiration: time.Now().Add(7 * 24 * time.Hour)}, nil
}

func (m *fakeMail) History(ctx context.Context, creds Credentials, start uint64) ([]string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyReq = append(m.historyReq, start)
	if m.historyErr != nil {
		return nil, 0, m.historyErr
	}
	return append([]string(nil), m.history...), m.latest, nil
}

func (m *fakeMail) UnreadCount(ctx context.Context, creds Credentials) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.unread)), nil
}

func (m *fakeMail) marked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.markedRead...)
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []*OutgoingMessage
	err   error
	delay time.Duration
}

func (s *fakeSender) SendReply(ctx context.Context, creds Credentials, msg *OutgoingMessage) (string, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	return fmt.Sprintf("sent-%d", len(s.sent)), nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeClassifier struct {
	mu      sync.Mutex
	results map[string]*Classification
	err     error
	calls   atomic.Int32
	delay   time.Duration
}

func (c *fakeClassifier) Classify(ctx context.Context, email *Email) (*Classification, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	res, ok := c.results[email.ID]
	if !ok {
		return &Classification{IsLead: false, Label: "Spam"}, nil
	}
	cp := *res
	return &cp, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []NewMailEvent
}

func (d *recordingDispatcher) Dispatch(evt NewMailEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
}

func (d *recordingDispatcher) all() []NewMailEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]NewMailEvent(nil), d.events...)
}

type recordingDeadLetters struct {
	mu    sync.Mutex
	items []RawEvent
}

func (d *recordingDeadLetters) Record(ctx context.Context, raw RawEvent, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, raw)
}

type fakePull struct {
	mu        sync.Mutex
	batches   [][]RawEvent
	errs      []error
	panics    int
	acked     []string
	ackCalls  int
	ackCtxErr error
}

func (p *fakePull) Pull(ctx context.Context, max int, wait time.Duration) ([]RawEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panics > 0 {
		p.panics--
		panic("transport exploded")
	}
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	if len(p.batches) == 0 {
		return nil, nil
	}
	batch := p.batches[0]
	p.batches = p.batches[1:]
	return batch, nil
}

func (p *fakePull) Ack(ctx context.Context, ackIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ackCalls++
	p.ackCtxErr = ctx.Err()
	p.acked = append(p.acked, ackIDs...)
	return nil
}

type fakeDelivery struct {
	raw    RawEvent
	acked  atomic.Bool
	nacked atomic.Bool
}

func (d *fakeDelivery) Event() RawEvent { return d.raw }
func (d *fakeDelivery) Ack()            { d.acked.Store(true) }
func (d *fakeDelivery) Nack()           { d.nacked.Store(true) }

type fakeStream struct {
	deliveries []*fakeDelivery
}

func (s *fakeStream) Receive(ctx context.Context, handler func(context.Context, Delivery)) error {
	for _, d := range s.deliveries {
		handler(ctx, d)
	}
	<-ctx.Done()
	return nil
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) Seen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[key] {
		return true, nil
	}
	d.seen[key] = true
	return false, nil
}

func notification(id, mailbox, history string) RawEvent {
	return RawEvent{
		ID:         id,
		AckID:      "ack-" + id,
		Attributes: map[string]string{"emailAddress": mailbox, "historyId": history},
	}
}
