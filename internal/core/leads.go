package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LeadStore owns the leads and their status state machine
type LeadStore struct {
	mu    sync.RWMutex
	leads map[string]*Lead

	snapshots SnapshotStore
	persistMu sync.Mutex
	logger    *zap.Logger
	now       func() time.Time
}

// NewLeadStore creates an empty lead store
func NewLeadStore(snapshots SnapshotStore, logger *zap.Logger) *LeadStore {
	return &LeadStore{
		leads:     make(map[string]*Lead),
		snapshots: snapshots,
		logger:    logger,
		now:       time.Now,
	}
}

// Create stores lead unless a lead with the same id exists. The id is
// derived from the message id when empty.
func (s *LeadStore) Create(ctx context.Context, lead Lead) (bool, error) {
	if lead.MessageID == "" && lead.ID == "" {
		return false, errors.New("lead has no message id")
	}
	if lead.ID == "" {
		lead.ID = LeadID(lead.MessageID)
	}
	if lead.SessionID == "" {
		return false, fmt.Errorf("lead %s has no session", lead.ID)
	}
	if lead.Status == "" {
		lead.Status = LeadPendingReview
	}
	if !lead.Status.Valid() {
		return false, fmt.Errorf("lead %s has unknown status %q", lead.ID, lead.Status)
	}
	now := s.now()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.leads[lead.ID]; exists {
		s.mu.Unlock()
		return false, nil
	}
	stored := lead.clone()
	s.leads[lead.ID] = &stored
	s.mu.Unlock()

	s.persistBestEffort(ctx)
	return true, nil
}

// Get returns a copy of a lead
func (s *LeadStore) Get(id string) (Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lead, ok := s.leads[id]
	if !ok {
		return Lead{}, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	return lead.clone(), nil
}

// Exists reports whether a lead with id is stored
func (s *LeadStore) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.leads[id]
	return ok
}

// GetForSession returns a lead owned by sessionID
func (s *LeadStore) GetForSession(id, sessionID string) (Lead, error) {
	lead, err := s.Get(id)
	if err != nil {
		return Lead{}, err
	}
	if lead.SessionID != sessionID {
		return Lead{}, fmt.Errorf("lead %s: %w", id, ErrForbidden)
	}
	return lead, nil
}

// UpdateDraft edits the draft of a lead still pending review. A nil
// subject or body leaves that field unchanged.
func (s *LeadStore) UpdateDraft(ctx context.Context, id, sessionID string, subject, body *string) (Lead, error) {
	return s.mutate(ctx, id, sessionID, func(lead *Lead, now time.Time) error {
		if lead.Status.Terminal() {
			return fmt.Errorf("lead %s is %s: %w", id, lead.Status, ErrConflict)
		}
		if lead.Draft == nil {
			lead.Draft = &Draft{To: lead.Sender}
		}
		if subject != nil {
			lead.Draft.Subject = *subject
		}
		if body != nil {
			lead.Draft.Body = *body
		}
		return nil
	})
}

// TransitionToSent moves a pending lead to sent
func (s *LeadStore) TransitionToSent(ctx context.Context, id, sessionID, sentMessageID string) (Lead, error) {
	return s.mutate(ctx, id, sessionID, func(lead *Lead, now time.Time) error {
		if lead.Status.Terminal() {
			return fmt.Errorf("lead %s is already %s: %w", id, lead.Status, ErrConflict)
		}
		lead.Status = LeadSent
		lead.SentMessageID = sentMessageID
		lead.SentAt = &now
		return nil
	})
}

// TransitionToDismissed moves a pending lead to dismissed
func (s *LeadStore) TransitionToDismissed(ctx context.Context, id, sessionID string) (Lead, error) {
	return s.mutate(ctx, id, sessionID, func(lead *Lead, now time.Time) error {
		if lead.Status.Terminal() {
			return fmt.Errorf("lead %s is already %s: %w", id, lead.Status, ErrConflict)
		}
		lead.Status = LeadDismissed
		lead.DismissedAt = &now
		return nil
	})
}

// mutate applies fn to a copy of the lead under the store lock and commits
// it only when fn succeeds.
func (s *LeadStore) mutate(ctx context.Context, id, sessionID string, fn func(*Lead, time.Time) error) (Lead, error) {
	s.mu.Lock()
	current, ok := s.leads[id]
	if !ok {
		s.mu.Unlock()
		return Lead{}, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	if current.SessionID != sessionID {
		s.mu.Unlock()
		return Lead{}, fmt.Errorf("lead %s: %w", id, ErrForbidden)
	}
	now := s.now()
	next := current.clone()
	if err := fn(&next, now); err != nil {
		s.mu.Unlock()
		return Lead{}, err
	}
	next.UpdatedAt = now
	s.leads[id] = &next
	out := next.clone()
	s.mu.Unlock()

	s.persistBestEffort(ctx)
	return out, nil
}

// ListBySession returns the leads of a session, newest first
func (s *LeadStore) ListBySession(sessionID string) []Lead {
	s.mu.RLock()
	out := make([]Lead, 0)
	for _, lead := range s.leads {
		if lead.SessionID == sessionID {
			out = append(out, lead.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of leads
func (s *LeadStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.leads)
}

// Persist writes the whole lead snapshot
func (s *LeadStore) Persist(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	records := make(map[string]json.RawMessage, len(s.leads))
	var marshalErr error
	for id, lead := range s.leads {
		data, err := json.Marshal(lead)
		if err != nil {
			marshalErr = err
			break
		}
		records[id] = data
	}
	s.mu.RUnlock()
	if marshalErr != nil {
		return persistenceError("encode leads", marshalErr)
	}

	if err := s.snapshots.Save(ctx, records); err != nil {
		return persistenceError("save leads", err)
	}
	return nil
}

// Restore replaces the in-memory leads with the persisted snapshot
func (s *LeadStore) Restore(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	records, err := s.snapshots.Load(ctx)
	if err != nil {
		return persistenceError("load leads", err)
	}

	leads := make(map[string]*Lead, len(records))
	for id, data := range records {
		var lead Lead
		if err := json.Unmarshal(data, &lead); err != nil {
			s.logger.Warn("Skipping unreadable lead record", zap.String("lead_id", id), zap.Error(err))
			continue
		}
		if !lead.Status.Valid() {
			s.logger.Warn("Skipping lead with unknown status",
				zap.String("lead_id", id),
				zap.String("status", string(lead.Status)))
			continue
		}
		lead.ID = id
		leads[id] = &lead
	}

	s.mu.Lock()
	s.leads = leads
	s.mu.Unlock()

	s.logger.Info("Leads restored", zap.Int("count", len(leads)))
	return nil
}

func (s *LeadStore) persistBestEffort(ctx context.Context) {
	if err := s.Persist(ctx); err != nil {
		s.logger.Warn("Failed to persist leads", zap.Error(err))
	}
}
