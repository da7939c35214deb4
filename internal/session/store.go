// Package session holds the in-process registry of live player sessions. The store is the authority for a session's
// lifecycle status and last-acknowledged sequence number; durable state lives elsewhere.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusGrace       Status = "grace"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// ErrNotFound is returned when no session exists for the given id.
var ErrNotFound = errors.New("session not found")

// Session is a snapshot of one live session. Mutating methods on the store return fresh snapshots; callers never share
// the store's internal copy.
type Session struct {
	SessionID          string
	UserID             string
	CharacterID        string
	ProtocolVersion    string
	Status             Status
	LastSequenceNumber int64
	LastHeartbeatAt    time.Time
	ReconnectAttempts  int
	CreatedAt          time.Time
}

// Store is an in-memory session registry. Mutations on a single session are serialized by the store's lock; reads may
// run concurrently.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// NewSessionID generates an opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// CreateParams are the inputs for CreateOrUpdate.
type CreateParams struct {
	SessionID          string
	UserID             string
	CharacterID        string
	ProtocolVersion    string
	Status             Status
	LastSequenceNumber int64
	LastHeartbeatAt    time.Time
}

// CreateOrUpdate inserts a session or overwrites the mutable fields of an existing one, returning the stored snapshot.
func (s *Store) CreateOrUpdate(p CreateParams) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[p.SessionID]
	if !ok {
		sess = &Session{SessionID: p.SessionID, CreatedAt: time.Now()}
		s.sessions[p.SessionID] = sess
	}
	sess.UserID = p.UserID
	sess.CharacterID = p.CharacterID
	sess.ProtocolVersion = p.ProtocolVersion
	sess.Status = p.Status
	sess.LastSequenceNumber = p.LastSequenceNumber
	sess.LastHeartbeatAt = p.LastHeartbeatAt
	return *sess
}

// Get returns a snapshot of the session.
func (s *Store) Get(sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

// Remove deletes the session. Removing an absent session is a no-op.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// SetStatus updates the lifecycle status and returns the updated snapshot.
func (s *Store) SetStatus(sessionID string, status Status) (Session, error) {
	return s.mutate(sessionID, func(sess *Session) {
		sess.Status = status
	})
}

// RecordHeartbeat stamps the last heartbeat time and returns the updated snapshot.
func (s *Store) RecordHeartbeat(sessionID string, at time.Time) (Session, error) {
	return s.mutate(sessionID, func(sess *Session) {
		sess.LastHeartbeatAt = at
	})
}

// RecordActionSequence advances the last-acknowledged sequence monotonically: the stored value never decreases.
func (s *Store) RecordActionSequence(sessionID string, seq int64) (Session, error) {
	return s.mutate(sessionID, func(sess *Session) {
		if seq > sess.LastSequenceNumber {
			sess.LastSequenceNumber = seq
		}
	})
}

// ResetReconnectAttempts zeroes the reconnect counter.
func (s *Store) ResetReconnectAttempts(sessionID string) (Session, error) {
	return s.mutate(sessionID, func(sess *Session) {
		sess.ReconnectAttempts = 0
	})
}

// IncrementReconnectAttempts bumps the reconnect counter.
func (s *Store) IncrementReconnectAttempts(sessionID string) (Session, error) {
	return s.mutate(sessionID, func(sess *Session) {
		sess.ReconnectAttempts++
	})
}

// Count returns the number of tracked sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) mutate(sessionID string, fn func(*Session)) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	fn(sess)
	return *sess, nil
}
