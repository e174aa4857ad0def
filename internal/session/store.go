// Package session holds the in-memory session store. All state is
// process-lifetime only; nothing survives a restart.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/majordomo/internal/metrics"
)

// DefaultTTL is how long a session stays valid after creation.
const DefaultTTL = 24 * time.Hour

var (
	ErrSessionNotFound  = errors.New("session not found or expired")
	ErrAgentUnavailable = errors.New("no agent bound to session")
)

type record struct {
	session *Session
	agent   Agent
}

// Store maps session IDs to sessions and their bound agents.
// Access from concurrent request handlers is mutex-guarded; never hand
// out the internal map.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*record
	ttl      time.Duration
	teardown TeardownFunc
}

// NewStore creates a session store. teardown may be nil.
func NewStore(ttl time.Duration, teardown TeardownFunc) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		sessions: make(map[string]*record),
		ttl:      ttl,
		teardown: teardown,
	}
}

// Create registers a new session and returns it. IDs are 128-bit random
// UUIDs; collisions are negligible.
func (s *Store) Create(user UserIdentity, accessToken string) *Session {
	sess := &Session{
		ID:          uuid.NewString(),
		User:        user,
		AccessToken: accessToken,
		CreatedAt:   time.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &record{session: sess}
	s.mu.Unlock()

	metrics.ActiveSessions.Inc()
	return sess
}

// Get returns the session if present and not expired. An expired session
// is removed (with teardown) as a side effect and reported as not found.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.expired(rec.session) {
		s.remove(id)
		return nil, ErrSessionNotFound
	}
	return rec.session, nil
}

// BindAgent associates an agent with an existing session.
func (s *Store) BindAgent(id string, agent Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	rec.agent = agent
	return nil
}

// Agent resolves the agent bound to a live session. Expiry is checked
// the same way Get checks it. The agent field is copied out under the
// lock; BindAgent writes it concurrently.
func (s *Store) Agent(id string) (Agent, error) {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	var agent Agent
	if ok {
		agent = rec.agent
	}
	s.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.expired(rec.session) {
		s.remove(id)
		return nil, ErrSessionNotFound
	}
	if agent == nil {
		return nil, ErrAgentUnavailable
	}
	return agent, nil
}

// Delete removes a session and tears down its resources. Idempotent.
func (s *Store) Delete(id string) {
	s.remove(id)
}

// SweepExpired removes every expired session with full teardown and
// returns the count removed. Called periodically so that sessions nobody
// queries again still release their capability processes.
func (s *Store) SweepExpired() int {
	s.mu.RLock()
	var expired []string
	for id, rec := range s.sessions {
		if s.expired(rec.session) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		if s.remove(id) {
			removed++
		}
	}
	return removed
}

// Count returns the number of stored sessions, expired or not.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// IDs returns the IDs of all stored sessions.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down every session. Used on server shutdown.
func (s *Store) Close() {
	for _, id := range s.IDs() {
		s.remove(id)
	}
}

func (s *Store) expired(sess *Session) bool {
	return time.Since(sess.CreatedAt) >= s.ttl
}

// remove deletes the record and runs teardown exactly once: only the
// goroutine that wins the map delete invokes it. Teardown runs outside
// the lock because it may block on process termination.
func (s *Store) remove(id string) bool {
	s.mu.Lock()
	rec, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	metrics.ActiveSessions.Dec()
	if s.teardown != nil {
		s.teardown(rec.session)
	}
	return true
}
