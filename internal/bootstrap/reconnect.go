package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/action"
	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/character"
	"github.com/tilemud/tilemud-server/internal/protocol"
	"github.com/tilemud/tilemud-server/internal/session"
	"github.com/tilemud/tilemud-server/internal/token"
)

// Replay modes for a resumed session.
const (
	ModeDelta    = "delta"
	ModeSnapshot = "snapshot"
)

// DefaultDeltaWindow is the largest sequence gap replayed event-by-event; wider gaps resync with a snapshot.
const DefaultDeltaWindow = 32

// ReconnectRequest is the resume input.
type ReconnectRequest struct {
	ReconnectToken string `json:"reconnectToken"`
	ClientSequence int64  `json:"clientSequence,omitempty"`
}

// DeltaEvent is one replayed action event.
type DeltaEvent struct {
	SequenceNumber int64           `json:"sequenceNumber"`
	IntentType     string          `json:"intentType"`
	Payload        json.RawMessage `json:"payload"`
	PersistedAt    time.Time       `json:"persistedAt"`
}

// ReconnectResponse is the resume output. Exactly one of Delta and Snapshot is meaningful, selected by Mode.
type ReconnectResponse struct {
	Session            SessionInfo              `json:"session"`
	LastSequenceNumber int64                    `json:"lastSequenceNumber"`
	Reconnect          protocol.ReconnectGrant  `json:"reconnect"`
	Mode               string                   `json:"mode"`
	Delta              []DeltaEvent             `json:"delta,omitempty"`
	Snapshot           *protocol.CharacterState `json:"snapshot,omitempty"`
}

// ReconnectService implements the token-driven resume flow.
type ReconnectService struct {
	sessions    *session.Store
	tokens      *token.Store
	durability  *action.Durability
	characters  *character.Service
	deltaWindow int64
	log         zerolog.Logger
	now         func() time.Time
}

// ReconnectOption configures a ReconnectService.
type ReconnectOption func(*ReconnectService)

// WithDeltaWindow overrides the delta replay bound.
func WithDeltaWindow(n int64) ReconnectOption {
	return func(s *ReconnectService) {
		if n > 0 {
			s.deltaWindow = n
		}
	}
}

// WithReconnectNow injects the time source.
func WithReconnectNow(now func() time.Time) ReconnectOption {
	return func(s *ReconnectService) { s.now = now }
}

// NewReconnectService creates a reconnect flow service.
func NewReconnectService(
	sessions *session.Store,
	tokens *token.Store,
	durability *action.Durability,
	characters *character.Service,
	logger zerolog.Logger,
	opts ...ReconnectOption,
) *ReconnectService {
	s := &ReconnectService{
		sessions:    sessions,
		tokens:      tokens,
		durability:  durability,
		characters:  characters,
		deltaWindow: DefaultDeltaWindow,
		log:         logger.With().Str("component", "reconnect").Logger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reconnect consumes the token and resumes its session. The response replays the missed events when the gap is small
// and contiguous in the durable log; anything else falls back to a full snapshot.
func (s *ReconnectService) Reconnect(ctx context.Context, req ReconnectRequest) (*ReconnectResponse, error) {
	tok, err := s.tokens.Consume(ctx, req.ReconnectToken)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, catalog.NewError(catalog.ReasonReconnectTokenInvalid)
	}

	sess, err := s.sessions.Get(tok.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, catalog.NewError(catalog.ReasonSessionNotFoundReconnect)
		}
		return nil, err
	}

	// The durable log can be ahead of both the token and the in-memory session when the disconnect raced a persist.
	durableSeq, err := s.durability.LatestSequence(ctx, sess.SessionID)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Durable sequence unavailable during reconnect")
		durableSeq = 0
	}
	latest := max(tok.LastSequenceNumber, sess.LastSequenceNumber, durableSeq)

	mode, delta := s.chooseReplay(ctx, sess, req.ClientSequence, latest)

	now := s.now()
	_, _ = s.sessions.RecordHeartbeat(sess.SessionID, now)
	_, _ = s.sessions.SetStatus(sess.SessionID, session.StatusActive)
	_, _ = s.sessions.ResetReconnectAttempts(sess.SessionID)
	sess, _ = s.sessions.RecordActionSequence(sess.SessionID, latest)

	grant, err := s.tokens.Issue(ctx, token.IssueParams{
		SessionID:          sess.SessionID,
		LastSequenceNumber: latest,
		IssuedAt:           now,
	})
	if err != nil {
		return nil, err
	}

	resp := &ReconnectResponse{
		Session: SessionInfo{
			SessionID:          sess.SessionID,
			UserID:             sess.UserID,
			Status:             string(sess.Status),
			ProtocolVersion:    sess.ProtocolVersion,
			LastSequenceNumber: sess.LastSequenceNumber,
		},
		LastSequenceNumber: latest,
		Reconnect:          protocol.ReconnectGrant{Token: grant.Token, ExpiresAt: grant.ExpiresAt},
		Mode:               mode,
	}
	if mode == ModeDelta {
		resp.Delta = delta
	} else {
		snapshot := s.snapshot(ctx, sess.CharacterID)
		resp.Snapshot = &snapshot
	}

	s.log.Info().
		Str("session_id", sess.SessionID).
		Str("mode", mode).
		Int64("client_sequence", req.ClientSequence).
		Int64("latest_sequence", latest).
		Msg("Session resumed")
	return resp, nil
}

// chooseReplay decides between delta and snapshot. A delta is only usable when the durable events cover every sequence
// from clientSequence+1 through latest within the same session.
func (s *ReconnectService) chooseReplay(ctx context.Context, sess session.Session, clientSeq, latest int64) (string, []DeltaEvent) {
	if latest <= clientSeq {
		return ModeDelta, []DeltaEvent{}
	}
	gap := latest - clientSeq
	if gap > s.deltaWindow {
		return ModeSnapshot, nil
	}

	events, err := s.durability.History(ctx, sess.CharacterID, int(s.deltaWindow)*2)
	if err != nil {
		return ModeSnapshot, nil
	}

	var replay []DeltaEvent
	for _, e := range events {
		if e.SessionID != sess.SessionID || e.SequenceNumber <= clientSeq {
			continue
		}
		replay = append(replay, DeltaEvent{
			SequenceNumber: e.SequenceNumber,
			IntentType:     e.IntentType,
			Payload:        e.Payload,
			PersistedAt:    e.PersistedAt,
		})
	}
	if len(replay) == 0 {
		return ModeSnapshot, nil
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].SequenceNumber < replay[j].SequenceNumber })

	for i, e := range replay {
		if e.SequenceNumber != clientSeq+1+int64(i) {
			return ModeSnapshot, nil
		}
	}
	if replay[len(replay)-1].SequenceNumber != latest {
		return ModeSnapshot, nil
	}
	return ModeDelta, replay
}

// snapshot builds the character snapshot, falling back to a synthetic default rather than failing the resume.
func (s *ReconnectService) snapshot(ctx context.Context, characterID string) protocol.CharacterState {
	profile, err := s.characters.Get(ctx, characterID)
	if err != nil {
		s.log.Warn().Err(err).Str("character_id", characterID).Msg("Profile unavailable, using default snapshot")
		return DefaultCharacterSnapshot(characterID)
	}
	return CharacterSnapshot(profile)
}
