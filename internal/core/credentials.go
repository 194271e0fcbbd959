package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CredentialStore owns the sessions and refreshes their access tokens
type CredentialStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	refresher      TokenRefresher
	snapshots      SnapshotStore
	persistMu      sync.Mutex
	flights        singleflight.Group
	refreshTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewCredentialStore creates an empty credential store
func NewCredentialStore(refresher TokenRefresher, snapshots SnapshotStore, refreshTimeout time.Duration, logger *zap.Logger) *CredentialStore {
	if refreshTimeout <= 0 {
		refreshTimeout = 30 * time.Second
	}
	return &CredentialStore{
		sessions:       make(map[string]*Session),
		refresher:      refresher,
		snapshots:      snapshots,
		refreshTimeout: refreshTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// CreateSession stores a new session for an authorized user and returns it
func (s *CredentialStore) CreateSession(ctx context.Context, user UserInfo, creds Credentials) Session {
	sess := &Session{
		ID:          uuid.NewString(),
		Credentials: creds.clone(),
		User:        user,
		CreatedAt:   s.now(),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	out := sess.clone()
	s.mu.Unlock()

	s.persistBestEffort(ctx)
	s.logger.Info("Session created",
		zap.String("session_id", sess.ID),
		zap.String("mailbox", user.Email))
	return out
}

// Put stores credentials for a session, creating it if needed
func (s *CredentialStore) Put(ctx context.Context, sessionID string, creds Credentials) {
	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.Credentials = creds.clone()
	} else {
		s.sessions[sessionID] = &Session{ID: sessionID, Credentials: creds.clone(), CreatedAt: s.now()}
	}
	s.mu.Unlock()
	s.persistBestEffort(ctx)
}

// Remove deletes a session. Removing an unknown session is a no-op.
func (s *CredentialStore) Remove(ctx context.Context, sessionID string) {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if ok {
		s.persistBestEffort(ctx)
	}
}

// Session returns a copy of the session
func (s *CredentialStore) Session(sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// Sessions returns copies of all sessions, oldest first
func (s *CredentialStore) Sessions() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of sessions
func (s *CredentialStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// FindByMailbox returns the sessions owning mailbox, oldest first
func (s *CredentialStore) FindByMailbox(mailbox string) []Session {
	var out []Session
	for _, sess := range s.Sessions() {
		if mailbox != "" && strings.EqualFold(sess.Mailbox(), mailbox) {
			out = append(out, sess)
		}
	}
	return out
}

// Resolve picks the session that should act for mailbox. When no session
// owns the mailbox the oldest session is returned with fallback set; this
// is only correct for single-tenant deployments.
func (s *CredentialStore) Resolve(mailbox string) (sess Session, fallback bool, ok bool) {
	all := s.Sessions()
	if len(all) == 0 {
		return Session{}, false, false
	}
	for _, candidate := range all {
		if mailbox != "" && strings.EqualFold(candidate.Mailbox(), mailbox) {
			return candidate, false, true
		}
	}
	return all[0], true, true
}

// AdvanceHistory moves the watch cursor of a session forward.
// A cursor never moves backwards.
func (s *CredentialStore) AdvanceHistory(ctx context.Context, sessionID string, historyID uint64) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	changed := false
	if ok {
		if sess.Watch == nil {
			sess.Watch = &WatchState{}
		}
		if historyID > sess.Watch.HistoryID {
			sess.Watch.HistoryID = historyID
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.persistBestEffort(ctx)
	}
}

// SetWatch records a fresh watch registration
func (s *CredentialStore) SetWatch(ctx context.Context, sessionID string, watch WatchState) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		sess.Watch = &watch
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	s.persistBestEffort(ctx)
	return nil
}

// Get returns usable credentials for a session, refreshing them first if
// they have expired.
func (s *CredentialStore) Get(ctx context.Context, sessionID string) (Credentials, error) {
	sess, ok := s.Session(sessionID)
	if !ok {
		return Credentials{}, fmt.Errorf("session %s: %w", sessionID, ErrUnauthorized)
	}
	if !sess.Credentials.Expired(s.now()) {
		return sess.Credentials, nil
	}
	if sess.RefreshToken == "" {
		return Credentials{}, fmt.Errorf("session %s has no refresh token: %w", sessionID, ErrUnauthorized)
	}
	return s.refresh(ctx, sessionID, false)
}

// Refresh forces a token refresh for a session
func (s *CredentialStore) Refresh(ctx context.Context, sessionID string) (Credentials, error) {
	return s.refresh(ctx, sessionID, true)
}

// refresh runs at most one upstream refresh per session at a time. Callers
// arriving while a refresh is running wait for its result. Unless forced,
// the expiry is checked again inside the flight so that a caller arriving
// just after a refresh completed does not start another one.
func (s *CredentialStore) refresh(ctx context.Context, sessionID string, force bool) (Credentials, error) {
	ch := s.flights.DoChan(sessionID, func() (any, error) {
		sess, ok := s.Session(sessionID)
		if !ok {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrUnauthorized)
		}
		if !force && !sess.Credentials.Expired(s.now()) {
			return sess.Credentials, nil
		}
		if sess.RefreshToken == "" {
			return nil, fmt.Errorf("session %s has no refresh token: %w", sessionID, ErrUnauthorized)
		}

		// The flight is shared, so one caller's cancellation must not fail the others.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()

		creds, err := s.refresher.Refresh(rctx, sess.Credentials)
		if err != nil {
			s.logger.Warn("Token refresh failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return nil, fmt.Errorf("refresh session %s: %w: %w", sessionID, ErrUnauthorized, err)
		}
		if creds.RefreshToken == "" {
			creds.RefreshToken = sess.RefreshToken
		}

		s.mu.Lock()
		current, ok := s.sessions[sessionID]
		if ok {
			current.Credentials = creds.clone()
		}
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("session %s logged out during refresh: %w", sessionID, ErrUnauthorized)
		}

		s.logger.Info("Access token refreshed",
			zap.String("session_id", sessionID),
			zap.Time("expiry", creds.Expiry))
		s.persistBestEffort(rctx)
		return creds, nil
	})

	select {
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credentials{}, res.Err
		}
		return res.Val.(Credentials).clone(), nil
	}
}

// Persist writes the whole session snapshot
func (s *CredentialStore) Persist(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	records := make(map[string]json.RawMessage, len(s.sessions))
	var marshalErr error
	for id, sess := range s.sessions {
		data, err := json.Marshal(sess)
		if err != nil {
			marshalErr = err
			break
		}
		records[id] = data
	}
	s.mu.RUnlock()
	if marshalErr != nil {
		return persistenceError("encode sessions", marshalErr)
	}

	if err := s.snapshots.Save(ctx, records); err != nil {
		return persistenceError("save sessions", err)
	}
	return nil
}

// Restore replaces the in-memory sessions with the persisted snapshot
func (s *CredentialStore) Restore(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	records, err := s.snapshots.Load(ctx)
	if err != nil {
		return persistenceError("load sessions", err)
	}

	sessions := make(map[string]*Session, len(records))
	for id, data := range records {
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Warn("Skipping unreadable session record",
				zap.String("session_id", id),
				zap.Error(err))
			continue
		}
		sess.ID = id
		sessions[id] = &sess
	}

	s.mu.Lock()
	s.sessions = sessions
	s.mu.Unlock()

	s.logger.Info("Sessions restored", zap.Int("count", len(sessions)))
	return nil
}

func (s *CredentialStore) persistBestEffort(ctx context.Context) {
	if err := s.Persist(ctx); err != nil {
		s.logger.Warn("Failed to persist sessions", zap.Error(err))
	}
}
