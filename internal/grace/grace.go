// Package grace tracks disconnected players through a TTL-bounded reconnect window. Each disconnected player keeps a
// KV record holding the state snapshot needed to resume in place; expiry is enforced both by the KV TTL and by a
// timestamp check on read, so a stale record is removed on first access.
//
// This manager is distinct from the reconnect token store: tokens carry cross-connection session continuity, while the
// grace record carries the in-room player snapshot.
package grace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	sessionKeyPrefix = "reconnect:session:"
	playerKeyPrefix  = "reconnect:player:"
)

// Pre-configured grace windows.
const (
	PresetQuick    = 30 * time.Second
	PresetStandard = 5 * time.Minute
	PresetExtended = 15 * time.Minute

	// DefaultGracePeriod applies when no window is given.
	DefaultGracePeriod = 60 * time.Second
)

// Session is one reconnect grace record.
type Session struct {
	PlayerID       string         `json:"player_id"`
	InstanceID     string         `json:"instance_id"`
	SessionID      string         `json:"session_id"`
	DisconnectedAt time.Time      `json:"disconnected_at"`
	GracePeriodMS  int64          `json:"grace_period_ms"`
	PlayerState    map[string]any `json:"player_state"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ExpiresAt returns the moment the grace window closes.
func (s *Session) ExpiresAt() time.Time {
	return s.DisconnectedAt.Add(time.Duration(s.GracePeriodMS) * time.Millisecond)
}

// playerPointer is the secondary record mapping a player to their live grace session.
type playerPointer struct {
	InstanceID string `json:"instance_id"`
	SessionID  string `json:"session_id"`
}

// ReconnectResult is the outcome of AttemptReconnect.
type ReconnectResult struct {
	Success            bool
	NewSessionRequired bool
	Reason             string
	Session            *Session
}

// Stats summarizes the live grace sessions.
type Stats struct {
	ActiveSessions int
	ByInstance     map[string]int
}

// Manager is the Redis-backed reconnect grace store. Safe for concurrent use.
type Manager struct {
	rdb          *redis.Client
	defaultGrace time.Duration
	log          zerolog.Logger
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow injects the time source, used by tests to control expiry.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a grace manager. defaultGrace falls back to DefaultGracePeriod when non-positive.
func NewManager(rdb *redis.Client, defaultGrace time.Duration, logger zerolog.Logger, opts ...Option) *Manager {
	if defaultGrace <= 0 {
		defaultGrace = DefaultGracePeriod
	}
	m := &Manager{
		rdb:          rdb,
		defaultGrace: defaultGrace,
		log:          logger.With().Str("component", "grace").Logger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sessionKey(playerID, instanceID string) string {
	return sessionKeyPrefix + playerID + ":" + instanceID
}

// ttlFor rounds the remaining window up to whole seconds, never below one second, so the KV record outlives the
// timestamp-checked expiry rather than racing it.
func ttlFor(remaining time.Duration) time.Duration {
	secs := (remaining + time.Second - 1) / time.Second * time.Second
	if secs < time.Second {
		secs = time.Second
	}
	return secs
}

// CreateParams groups the inputs for CreateSession.
type CreateParams struct {
	PlayerID    string
	InstanceID  string
	SessionID   string
	PlayerState map[string]any
	GracePeriod time.Duration
	Metadata    map[string]any
}

// CreateSession stores a grace record for a freshly disconnected player, along with the player pointer key under the
// same TTL. An existing record for the pair is overwritten.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (Session, error) {
	if p.PlayerID == "" || p.InstanceID == "" || p.SessionID == "" {
		return Session{}, errors.New("create grace session: player, instance and session ids are required")
	}
	gracePeriod := p.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = m.defaultGrace
	}

	sess := Session{
		PlayerID:       p.PlayerID,
		InstanceID:     p.InstanceID,
		SessionID:      p.SessionID,
		DisconnectedAt: m.now(),
		GracePeriodMS:  gracePeriod.Milliseconds(),
		PlayerState:    p.PlayerState,
		Metadata:       p.Metadata,
	}
	if err := m.persist(ctx, &sess, ttlFor(gracePeriod)); err != nil {
		return Session{}, err
	}

	m.log.Debug().
		Str("player_id", p.PlayerID).
		Str("instance_id", p.InstanceID).
		Dur("grace_period", gracePeriod).
		Msg("Grace session created")
	return sess, nil
}

// GetSession returns the live grace record, or nil when none exists. An expired or unreadable record is deleted.
func (m *Manager) GetSession(ctx context.Context, playerID, instanceID string) (*Session, error) {
	raw, err := m.rdb.Get(ctx, sessionKey(playerID, instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get grace session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		m.remove(ctx, playerID, instanceID)
		m.log.Warn().Str("player_id", playerID).Msg("Grace session payload unreadable, removed")
		return nil, nil
	}
	if m.now().After(sess.ExpiresAt()) {
		m.remove(ctx, playerID, instanceID)
		return nil, nil
	}
	return &sess, nil
}

// AttemptReconnect resumes the grace session under a new session id. When the window has closed the caller must run a
// full bootstrap instead.
func (m *Manager) AttemptReconnect(ctx context.Context, playerID, instanceID, newSessionID string) (ReconnectResult, error) {
	sess, err := m.GetSession(ctx, playerID, instanceID)
	if err != nil {
		return ReconnectResult{}, err
	}
	if sess == nil {
		return ReconnectResult{NewSessionRequired: true, Reason: "grace session absent or expired"}, nil
	}

	sess.SessionID = newSessionID
	if err := m.persist(ctx, sess, ttlFor(sess.ExpiresAt().Sub(m.now()))); err != nil {
		return ReconnectResult{}, err
	}

	m.log.Info().
		Str("player_id", playerID).
		Str("instance_id", instanceID).
		Str("session_id", newSessionID).
		Msg("Player resumed within grace window")
	return ReconnectResult{Success: true, Session: sess}, nil
}

// UpdatePlayerState shallow-merges the patch into the stored player state under the remaining TTL. Returns false when
// the window has already closed.
func (m *Manager) UpdatePlayerState(ctx context.Context, playerID, instanceID string, patch map[string]any) (bool, error) {
	sess, err := m.GetSession(ctx, playerID, instanceID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	if sess.PlayerState == nil {
		sess.PlayerState = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		sess.PlayerState[k] = v
	}
	if err := m.persist(ctx, sess, ttlFor(sess.ExpiresAt().Sub(m.now()))); err != nil {
		return false, err
	}
	return true, nil
}

// ExtendGracePeriod lengthens the window and re-persists under the new remaining TTL. Returns false when the window
// has already closed.
func (m *Manager) ExtendGracePeriod(ctx context.Context, playerID, instanceID string, additional time.Duration) (bool, error) {
	if additional <= 0 {
		return false, errors.New("extend grace period: additional duration must be positive")
	}
	sess, err := m.GetSession(ctx, playerID, instanceID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	sess.GracePeriodMS += additional.Milliseconds()
	if err := m.persist(ctx, sess, ttlFor(sess.ExpiresAt().Sub(m.now()))); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveSession deletes the grace record, used after a successful in-room resume or an explicit leave.
func (m *Manager) RemoveSession(ctx context.Context, playerID, instanceID string) {
	m.remove(ctx, playerID, instanceID)
}

// ListActiveSessions returns the live grace sessions, optionally filtered to one instance. Expired records encountered
// during the scan are removed.
func (m *Manager) ListActiveSessions(ctx context.Context, instanceID string) ([]Session, error) {
	var sessions []Session
	iter := m.rdb.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		playerID, keyInstance, ok := splitSessionKey(iter.Val())
		if !ok {
			continue
		}
		if instanceID != "" && keyInstance != instanceID {
			continue
		}
		sess, err := m.GetSession(ctx, playerID, keyInstance)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, *sess)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan grace sessions: %w", err)
	}
	return sessions, nil
}

// CleanupExpiredSessions sweeps the keyspace and removes records whose timestamp expiry has passed but whose KV TTL
// has not yet fired. Returns how many records were removed.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	removed := 0
	iter := m.rdb.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		playerID, keyInstance, ok := splitSessionKey(iter.Val())
		if !ok {
			continue
		}
		sess, err := m.GetSession(ctx, playerID, keyInstance)
		if err != nil {
			return removed, err
		}
		if sess == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan grace sessions: %w", err)
	}
	return removed, nil
}

// GetSessionStats summarizes live sessions per instance.
func (m *Manager) GetSessionStats(ctx context.Context) (Stats, error) {
	sessions, err := m.ListActiveSessions(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ActiveSessions: len(sessions), ByInstance: make(map[string]int)}
	for _, s := range sessions {
		stats.ByInstance[s.InstanceID]++
	}
	return stats, nil
}

func (m *Manager) persist(ctx context.Context, sess *Session, ttl time.Duration) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal grace session: %w", err)
	}
	pointer, err := json.Marshal(playerPointer{InstanceID: sess.InstanceID, SessionID: sess.SessionID})
	if err != nil {
		return fmt.Errorf("marshal grace pointer: %w", err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.PlayerID, sess.InstanceID), payload, ttl)
	pipe.Set(ctx, playerKeyPrefix+sess.PlayerID, pointer, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store grace session: %w", err)
	}
	return nil
}

func (m *Manager) remove(ctx context.Context, playerID, instanceID string) {
	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(playerID, instanceID))
	pipe.Del(ctx, playerKeyPrefix+playerID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn().Err(err).Str("player_id", playerID).Msg("Failed to remove grace session")
	}
}

// splitSessionKey extracts (playerId, instanceId) from a session key.
func splitSessionKey(key string) (playerID, instanceID string, ok bool) {
	rest, found := strings.CutPrefix(key, sessionKeyPrefix)
	if !found {
		return "", "", false
	}
	playerID, instanceID, found = strings.Cut(rest, ":")
	if !found || playerID == "" || instanceID == "" {
		return "", "", false
	}
	return playerID, instanceID, true
}
