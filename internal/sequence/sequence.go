// Package sequence evaluates per-session intent sequence numbers against the session store's last-acknowledged value.
// Gaps and unknown sessions schedule a pending snapshot, at most one per session per TTL; whoever subscribes to the
// scheduling notifications owns pushing the snapshot to the client.
package sequence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/metrics"
	"github.com/tilemud/tilemud-server/internal/session"
)

// Result classifies an evaluated sequence number. A sequence at or below the last-acknowledged value evaluates as
// duplicate; the service does not track received-vs-acknowledged separately, so out_of_order is folded into duplicate.
type Result string

const (
	ResultAccept         Result = "accept"
	ResultDuplicate      Result = "duplicate"
	ResultGap            Result = "gap"
	ResultInvalid        Result = "invalid"
	ResultMissingSession Result = "missing_session"
)

// Evaluation is the outcome of one sequence check.
type Evaluation struct {
	Result             Result
	LastSequence       int64
	SnapshotScheduled  bool
	RequiresFullResync bool
}

// Notification is sent to subscribers when a pending snapshot is scheduled.
type Notification struct {
	SessionID          string
	RequiresFullResync bool
	ScheduledAt        time.Time
}

type pendingSnapshot struct {
	expiresAt          time.Time
	requiresFullResync bool
}

// Service evaluates sequence numbers and manages pending snapshot scheduling. Safe for concurrent use.
type Service struct {
	sessions *session.Store
	ttl      time.Duration

	mu      sync.Mutex
	pending map[string]pendingSnapshot
	subs    []chan Notification

	log zerolog.Logger
	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNow injects the time source, used by tests to expire pending snapshots.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a sequence service. snapshotTTL bounds how long a pending snapshot suppresses rescheduling.
func NewService(sessions *session.Store, snapshotTTL time.Duration, logger zerolog.Logger, opts ...Option) *Service {
	if snapshotTTL <= 0 {
		snapshotTTL = 10 * time.Second
	}
	s := &Service{
		sessions: sessions,
		ttl:      snapshotTTL,
		pending:  make(map[string]pendingSnapshot),
		log:      logger.With().Str("component", "sequence").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a listener for snapshot scheduling notifications.
func (s *Service) Subscribe() <-chan Notification {
	ch := make(chan Notification, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Evaluate classifies a sequence number for the session. Gap and missing-session outcomes schedule a pending snapshot
// (one per session per TTL); invalid sequences never do.
func (s *Service) Evaluate(sessionID string, seq int64) Evaluation {
	if seq < 0 {
		return Evaluation{Result: ResultInvalid}
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		scheduled := s.schedule(sessionID, true)
		return Evaluation{Result: ResultMissingSession, SnapshotScheduled: scheduled, RequiresFullResync: true}
	}

	last := sess.LastSequenceNumber
	switch {
	case seq == last+1:
		return Evaluation{Result: ResultAccept, LastSequence: last}
	case seq <= last:
		return Evaluation{Result: ResultDuplicate, LastSequence: last}
	default:
		scheduled := s.schedule(sessionID, false)
		return Evaluation{Result: ResultGap, LastSequence: last, SnapshotScheduled: scheduled}
	}
}

// Acknowledge advances the session's last-acknowledged sequence (monotonically) and clears any pending snapshot.
func (s *Service) Acknowledge(sessionID string, seq int64) {
	_, _ = s.sessions.RecordActionSequence(sessionID, seq)
	s.clearPending(sessionID)
}

// ResetSequence floors the value at zero, overwrites the session's last-acknowledged sequence, and clears any pending
// snapshot.
func (s *Service) ResetSequence(sessionID string, value int64) {
	if value < 0 {
		value = 0
	}
	if sess, err := s.sessions.Get(sessionID); err == nil {
		s.sessions.CreateOrUpdate(session.CreateParams{
			SessionID:          sess.SessionID,
			UserID:             sess.UserID,
			CharacterID:        sess.CharacterID,
			ProtocolVersion:    sess.ProtocolVersion,
			Status:             sess.Status,
			LastSequenceNumber: value,
			LastHeartbeatAt:    sess.LastHeartbeatAt,
		})
	}
	s.clearPending(sessionID)
}

// HasPendingSnapshot reports whether a live (unexpired) snapshot request exists for the session.
func (s *Service) HasPendingSnapshot(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[sessionID]
	if !ok {
		return false
	}
	if s.now().After(p.expiresAt) {
		delete(s.pending, sessionID)
		return false
	}
	return true
}

// schedule records a pending snapshot unless a live one already exists. Returns true when a new snapshot was scheduled.
func (s *Service) schedule(sessionID string, fullResync bool) bool {
	now := s.now()

	s.mu.Lock()
	if p, ok := s.pending[sessionID]; ok && now.Before(p.expiresAt) {
		s.mu.Unlock()
		return false
	}
	s.pending[sessionID] = pendingSnapshot{expiresAt: now.Add(s.ttl), requiresFullResync: fullResync}
	subs := s.subs
	s.mu.Unlock()

	metrics.RecordSnapshotSchedule()
	s.log.Debug().Str("session_id", sessionID).Bool("full_resync", fullResync).Msg("Pending snapshot scheduled")

	n := Notification{SessionID: sessionID, RequiresFullResync: fullResync, ScheduledAt: now}
	for _, ch := range subs {
		select {
		case ch <- n:
		default:
			s.log.Warn().Str("session_id", sessionID).Msg("Snapshot subscriber buffer full, notification dropped")
		}
	}
	return true
}

func (s *Service) clearPending(sessionID string) {
	s.mu.Lock()
	delete(s.pending, sessionID)
	s.mu.Unlock()
}
