package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/character"
	"github.com/tilemud/tilemud-server/internal/grace"
	"github.com/tilemud/tilemud-server/internal/health"
	"github.com/tilemud/tilemud-server/internal/metrics"
	"github.com/tilemud/tilemud-server/internal/protocol"
	"github.com/tilemud/tilemud-server/internal/sequence"
	"github.com/tilemud/tilemud-server/internal/session"
	"github.com/tilemud/tilemud-server/internal/version"
)

// DefaultMaxClients bounds a room when no explicit capacity is configured.
const DefaultMaxClients = 120

// versionMismatchFlushDelay gives the version_mismatch event a moment to flush before the close frame follows it.
const versionMismatchFlushDelay = 50 * time.Millisecond

// Wire error codes emitted during the join handshake.
const (
	codeSessionNotFound     = "SESSION_NOT_FOUND"
	codeSessionUserMismatch = "SESSION_USER_MISMATCH"
	codeJoinPayloadInvalid  = "JOIN_PAYLOAD_INVALID"
	codeRoomAtCapacity      = "INSTANCE_CAPACITY_EXCEEDED"
)

// joinRequest is the first message a client must send after the socket opens.
type joinRequest struct {
	SessionID          string `json:"sessionId"`
	UserID             string `json:"userId"`
	ReconnectToken     string `json:"reconnectToken,omitempty"`
	ClientVersion      string `json:"clientVersion,omitempty"`
	LastSequenceNumber int64  `json:"lastSequenceNumber,omitempty"`
}

type joinEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Room hosts the realtime clients of one instance. All cross-client state is behind the room lock; per-client state
// belongs to the connection's read loop.
type Room struct {
	name       string
	maxClients int

	sessions   *session.Store
	characters *character.Service
	versions   *version.Service
	processor  *Processor
	signals    *health.Service
	sequences  *sequence.Service
	graces     *grace.Manager

	floodRate  float64
	floodBurst int

	mu      sync.RWMutex
	clients map[string]*Client // keyed by session id

	transitions <-chan health.Transition
	snapshots   <-chan sequence.Notification

	log zerolog.Logger
	now func() time.Time
}

// Option configures a Room.
type Option func(*Room)

// WithMaxClients overrides the room capacity.
func WithMaxClients(n int) Option {
	return func(r *Room) {
		if n > 0 {
			r.maxClients = n
		}
	}
}

// WithFloodLimit overrides the per-connection message flood limit.
func WithFloodLimit(rate float64, burst int) Option {
	return func(r *Room) {
		r.floodRate = rate
		r.floodBurst = burst
	}
}

// WithNow injects the time source.
func WithNow(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

// NewRoom creates a room. The grace manager may be nil, in which case unexpected disconnects skip the grace record.
func NewRoom(
	name string,
	sessions *session.Store,
	characters *character.Service,
	versions *version.Service,
	processor *Processor,
	signals *health.Service,
	sequences *sequence.Service,
	graces *grace.Manager,
	logger zerolog.Logger,
	opts ...Option,
) *Room {
	r := &Room{
		name:       name,
		maxClients: DefaultMaxClients,
		sessions:   sessions,
		characters: characters,
		versions:   versions,
		processor:  processor,
		signals:    signals,
		sequences:  sequences,
		graces:     graces,
		floodRate:  20,
		floodBurst: 40,
		clients:    make(map[string]*Client),
		log:        logger.With().Str("component", "room").Str("room", name).Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.transitions = signals.Subscribe()
	r.snapshots = sequences.Subscribe()
	return r
}

// Name returns the room's instance name.
func (r *Room) Name() string { return r.name }

// ClientCount returns the number of joined clients.
func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Run fans degraded-signal transitions out to every client and pushes pending snapshots to the clients they belong
// to. It blocks until the context is cancelled.
func (r *Room) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-r.transitions:
			msg, err := protocol.NewDegraded(health.WireEvent(tr))
			if err != nil {
				r.log.Error().Err(err).Msg("Failed to encode degraded event")
				continue
			}
			r.broadcast(msg, nil)
		case n := <-r.snapshots:
			r.pushSnapshot(ctx, n)
		}
	}
}

// handleJoin runs the join handshake for a client's first message. It returns the joined player, or nil when the
// handshake failed and the connection was closed.
func (r *Room) handleJoin(ctx context.Context, c *Client, raw []byte) *Player {
	var env joinEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != "join" {
		r.rejectJoin(c, codeJoinPayloadInvalid, "first message must be a join envelope", protocol.CloseProtocolError)
		return nil
	}
	var req joinRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.SessionID == "" || req.UserID == "" {
		r.rejectJoin(c, codeJoinPayloadInvalid, "join payload requires sessionId and userId", protocol.CloseProtocolError)
		return nil
	}

	if r.ClientCount() >= r.maxClients {
		r.rejectJoin(c, codeRoomAtCapacity, "the instance is at capacity", protocol.CloseTryAgainLater)
		return nil
	}

	sess, err := r.sessions.Get(req.SessionID)
	if err != nil {
		r.rejectJoin(c, codeSessionNotFound, "no session for this connection, bootstrap first", protocol.CloseAuthFailed)
		return nil
	}
	if sess.UserID != req.UserID {
		r.rejectJoin(c, codeSessionUserMismatch, "session belongs to a different user", protocol.CloseAuthFailed)
		return nil
	}

	now := r.now()
	_, _ = r.sessions.RecordHeartbeat(sess.SessionID, now)
	sess, _ = r.sessions.SetStatus(sess.SessionID, session.StatusActive)

	received := req.ClientVersion
	if received == "" {
		received = sess.ProtocolVersion
	}
	if check := r.versions.Check(received); !check.Compatible {
		if msg, err := protocol.NewVersionMismatch(check.Expected, check.Received, check.Message); err == nil {
			c.enqueue(msg)
		}
		time.Sleep(versionMismatchFlushDelay)
		c.closeWithCode(protocol.CloseVersionMismatch, "version_mismatch")
		return nil
	}

	profile, err := r.characters.EnsureProfile(ctx, sess.UserID, "")
	if err != nil {
		r.log.Error().Err(err).Str("session_id", sess.SessionID).Msg("Profile unavailable during join")
		r.rejectJoin(c, codePersistFailure, "character profile unavailable", protocol.CloseInternalError)
		return nil
	}

	player := &Player{
		ClientID:     c.id,
		SessionID:    sess.SessionID,
		UserID:       sess.UserID,
		CharacterID:  profile.CharacterID,
		Profile:      *profile,
		LastSequence: sess.LastSequenceNumber,
		JoinedAt:     now,
	}

	if ack, err := protocol.NewHandshakeAck(sess.SessionID, sess.LastSequenceNumber, r.versions.Current(), now); err == nil {
		c.enqueue(ack)
	}
	if delta, err := protocol.NewStateDelta(protocol.StateDelta{
		Sequence:  sess.LastSequenceNumber,
		IssuedAt:  now,
		Character: r.processor.characterState(player),
		World:     &protocol.WorldState{Tiles: []map[string]any{}},
	}); err == nil {
		c.enqueue(delta)
	}

	r.register(sess.SessionID, c)

	// The player is back; their grace record, if any, is spent.
	if r.graces != nil {
		r.graces.RemoveSession(ctx, sess.UserID, r.name)
	}

	for _, ev := range r.signals.Snapshot() {
		if msg, err := protocol.NewDegraded(ev); err == nil {
			c.enqueue(msg)
		}
	}

	r.log.Info().
		Str("session_id", sess.SessionID).
		Str("user_id", sess.UserID).
		Str("client_id", c.id).
		Msg("Client joined")
	return player
}

// dispatch processes one intent message for a joined player. Acks and errors go to the origin only; a delta goes to
// the origin first and is then broadcast to the rest of the room.
func (r *Room) dispatch(ctx context.Context, c *Client, player *Player, raw []byte) {
	out := r.processor.Process(ctx, player, raw)

	switch {
	case out.Err != nil:
		if msg, err := protocol.NewError(*out.Err); err == nil {
			c.enqueue(msg)
		}
	case out.Ack != nil:
		if msg, err := protocol.NewIntentAck(*out.Ack); err == nil {
			c.enqueue(msg)
		}
	}
	if out.Delta != nil {
		if msg, err := protocol.NewStateDelta(*out.Delta); err == nil {
			c.enqueue(msg)
			r.broadcast(msg, c)
		}
	}
}

// register adds a joined client, displacing any previous connection bound to the same session.
func (r *Room) register(sessionID string, c *Client) {
	r.mu.Lock()
	if existing, ok := r.clients[sessionID]; ok && existing != c {
		existing.closeWithCode(protocol.CloseNormal, "superseded by a new connection")
		existing.closeSend()
	}
	r.clients[sessionID] = c
	total := len(r.clients)
	r.mu.Unlock()

	metrics.SetConnectedClients(total)
}

// unregister removes a client on disconnect. An unexpected disconnect moves the session into its grace window and
// records the player snapshot for in-room resume; a consented leave terminates it.
func (r *Room) unregister(ctx context.Context, c *Client, player *Player, unexpected bool) {
	if player == nil {
		return
	}

	r.mu.Lock()
	current, ok := r.clients[player.SessionID]
	if !ok || current != c {
		r.mu.Unlock()
		return
	}
	delete(r.clients, player.SessionID)
	total := len(r.clients)
	r.mu.Unlock()

	c.closeSend()
	metrics.SetConnectedClients(total)

	if unexpected {
		_, _ = r.sessions.SetStatus(player.SessionID, session.StatusGrace)
		if r.graces != nil {
			_, err := r.graces.CreateSession(ctx, grace.CreateParams{
				PlayerID:   player.UserID,
				InstanceID: r.name,
				SessionID:  player.SessionID,
				PlayerState: map[string]any{
					"positionX":    player.Profile.PositionX,
					"positionY":    player.Profile.PositionY,
					"health":       player.Profile.Health,
					"lastSequence": player.LastSequence,
				},
			})
			if err != nil {
				r.log.Warn().Err(err).Str("session_id", player.SessionID).Msg("Failed to open grace window")
			}
		}
	} else {
		_, _ = r.sessions.SetStatus(player.SessionID, session.StatusTerminating)
	}

	r.log.Info().
		Str("session_id", player.SessionID).
		Bool("unexpected", unexpected).
		Msg("Client left")
}

// broadcast sends a message to every client except the excluded one.
func (r *Room) broadcast(msg []byte, except *Client) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c != except {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
	metrics.RecordBroadcast()
}

// pushSnapshot delivers a full resync delta to the client whose sequence gate scheduled one.
func (r *Room) pushSnapshot(ctx context.Context, n sequence.Notification) {
	r.mu.RLock()
	c, ok := r.clients[n.SessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	sess, err := r.sessions.Get(n.SessionID)
	if err != nil {
		return
	}

	var state *protocol.CharacterState
	if profile, err := r.characters.Get(ctx, sess.CharacterID); err == nil {
		player := &Player{CharacterID: profile.CharacterID, Profile: *profile}
		state = r.processor.characterState(player)
	}

	msg, err := protocol.NewStateDelta(protocol.StateDelta{
		Sequence:  sess.LastSequenceNumber,
		IssuedAt:  r.now(),
		Character: state,
		World:     &protocol.WorldState{Tiles: []map[string]any{}},
	})
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to encode snapshot delta")
		return
	}
	c.enqueue(msg)

	r.log.Debug().
		Str("session_id", n.SessionID).
		Bool("full_resync", n.RequiresFullResync).
		Msg("Snapshot pushed")
}

// rejectJoin sends an error event and closes the connection.
func (r *Room) rejectJoin(c *Client, code, message string, closeCode int) {
	category, retryable := "VALIDATION", false
	switch code {
	case codeRoomAtCapacity:
		retryable = true
	case codeSessionNotFound, codeSessionUserMismatch:
		category = "AUTH"
	case codePersistFailure:
		category, retryable = "SYSTEM", true
	}
	if msg, err := protocol.NewError(protocol.ErrorEvent{
		Code:      code,
		Category:  category,
		Retryable: retryable,
		Message:   message,
	}); err == nil {
		c.enqueue(msg)
	}
	c.closeWithCode(closeCode, message)
}

// Shutdown notifies every client and closes their connections.
func (r *Room) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	notice, _ := protocol.NewDisconnect(protocol.CloseNormal, "server shutting down")
	for sessionID, c := range r.clients {
		if notice != nil {
			c.enqueue(notice)
		}
		c.closeWithCode(protocol.CloseNormal, "server shutting down")
		c.closeSend()
		delete(r.clients, sessionID)
	}
	metrics.SetConnectedClients(0)
	r.log.Info().Msg("Room shut down")
}
