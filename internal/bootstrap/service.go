// Package bootstrap opens player sessions. The bootstrap service authenticates the caller, binds them to their durable
// character profile, opens an in-memory session and issues the first reconnect token; the reconnect service resumes an
// existing session from a consumed token, replaying either a delta or a full snapshot.
package bootstrap

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/character"
	"github.com/tilemud/tilemud-server/internal/protocol"
	"github.com/tilemud/tilemud-server/internal/session"
	"github.com/tilemud/tilemud-server/internal/token"
	"github.com/tilemud/tilemud-server/internal/version"
)

// Request is the bootstrap input.
type Request struct {
	AuthorizationToken string `json:"authorizationToken"`
	ReconnectToken     string `json:"reconnectToken,omitempty"`
	ClientVersion      string `json:"clientVersion,omitempty"`
}

// SessionInfo is the session summary returned to the client.
type SessionInfo struct {
	SessionID          string `json:"sessionId"`
	UserID             string `json:"userId"`
	Status             string `json:"status"`
	ProtocolVersion    string `json:"protocolVersion"`
	LastSequenceNumber int64  `json:"lastSequenceNumber"`
}

// State is the initial world view handed to a fresh client.
type State struct {
	Character protocol.CharacterState `json:"character"`
	World     protocol.WorldState     `json:"world"`
}

// Realtime tells the client where to open its socket.
type Realtime struct {
	Room string `json:"room"`
	Path string `json:"path"`
}

// Response is the bootstrap output.
type Response struct {
	Version   string                  `json:"version"`
	IssuedAt  time.Time               `json:"issuedAt"`
	Session   SessionInfo             `json:"session"`
	State     State                   `json:"state"`
	Reconnect protocol.ReconnectGrant `json:"reconnect"`
	Realtime  Realtime                `json:"realtime"`
}

// Service implements the session bootstrap flow.
type Service struct {
	validator  TokenValidator
	sessions   *session.Store
	tokens     *token.Store
	characters *character.Service
	versions   *version.Service
	roomName   string
	log        zerolog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNow injects the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a bootstrap service.
func NewService(
	validator TokenValidator,
	sessions *session.Store,
	tokens *token.Store,
	characters *character.Service,
	versions *version.Service,
	roomName string,
	logger zerolog.Logger,
	opts ...Option,
) *Service {
	if roomName == "" {
		roomName = "global"
	}
	s := &Service{
		validator:  validator,
		sessions:   sessions,
		tokens:     tokens,
		characters: characters,
		versions:   versions,
		roomName:   roomName,
		log:        logger.With().Str("component", "bootstrap").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap authenticates the caller and opens a fresh session. When a reconnect token is supplied, the new session
// inherits its sequence position and the stale session it referenced is removed.
func (s *Service) Bootstrap(ctx context.Context, req Request) (*Response, error) {
	bearer, err := parseBearer(req.AuthorizationToken)
	if err != nil {
		return nil, err
	}
	identity, err := s.validator.Validate(bearer)
	if err != nil {
		return nil, err
	}

	var priorSequence int64
	if req.ReconnectToken != "" {
		prior, err := s.tokens.Consume(ctx, req.ReconnectToken)
		if err != nil {
			s.log.Warn().Err(err).Msg("Reconnect token lookup failed during bootstrap")
		} else if prior != nil {
			priorSequence = prior.LastSequenceNumber
			s.sessions.Remove(prior.SessionID)
		}
	}

	profile, err := s.characters.EnsureProfile(ctx, identity.UserID, identity.DisplayName)
	if err != nil {
		if _, ok := catalog.AsError(err); ok {
			return nil, err
		}
		return nil, catalog.NewError(catalog.ReasonDatabaseUnavailable).WithCause(err)
	}

	// The session remembers the version the client reported so the room's join gate can fall back to it when the join
	// payload omits one.
	protocolVersion := req.ClientVersion
	if protocolVersion == "" {
		protocolVersion = s.versions.Current()
	}

	now := s.now()
	sess := s.sessions.CreateOrUpdate(session.CreateParams{
		SessionID:          session.NewSessionID(),
		UserID:             identity.UserID,
		CharacterID:        profile.CharacterID,
		ProtocolVersion:    protocolVersion,
		Status:             session.StatusActive,
		LastSequenceNumber: priorSequence,
		LastHeartbeatAt:    now,
	})

	grant, err := s.tokens.Issue(ctx, token.IssueParams{
		SessionID:          sess.SessionID,
		LastSequenceNumber: sess.LastSequenceNumber,
		IssuedAt:           now,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("session_id", sess.SessionID).
		Str("user_id", identity.UserID).
		Str("character_id", profile.CharacterID).
		Int64("sequence", sess.LastSequenceNumber).
		Msg("Session bootstrapped")

	return &Response{
		Version:  s.versions.Current(),
		IssuedAt: now,
		Session: SessionInfo{
			SessionID:          sess.SessionID,
			UserID:             sess.UserID,
			Status:             string(sess.Status),
			ProtocolVersion:    sess.ProtocolVersion,
			LastSequenceNumber: sess.LastSequenceNumber,
		},
		State: State{
			Character: CharacterSnapshot(profile),
			World:     protocol.WorldState{Tiles: []map[string]any{}},
		},
		Reconnect: protocol.ReconnectGrant{Token: grant.Token, ExpiresAt: grant.ExpiresAt},
		Realtime:  Realtime{Room: s.roomName, Path: "/ws"},
	}, nil
}

// CharacterSnapshot converts a character profile to its client-visible shape.
func CharacterSnapshot(p *character.Profile) protocol.CharacterState {
	var items []any
	if len(p.Inventory) > 0 {
		if err := json.Unmarshal(p.Inventory, &items); err != nil {
			items = nil
		}
	}
	if items == nil {
		items = []any{}
	}
	return protocol.CharacterState{
		CharacterID: p.CharacterID,
		DisplayName: p.DisplayName,
		Position:    protocol.Position{X: int(p.PositionX), Y: int(p.PositionY)},
		Stats:       map[string]any{"health": p.Health},
		Inventory:   map[string]any{"items": items},
	}
}

// DefaultCharacterSnapshot is the synthetic fallback used when the profile cannot be read.
func DefaultCharacterSnapshot(characterID string) protocol.CharacterState {
	return protocol.CharacterState{
		CharacterID: characterID,
		DisplayName: "Adventurer",
		Position:    protocol.Position{},
		Stats:       map[string]any{"health": character.DefaultHealth},
		Inventory:   map[string]any{"items": []any{}},
	}
}
