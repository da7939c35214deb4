// Package room hosts the realtime clients: the join handshake, per-client intent dispatch, delta broadcast, the
// reconnect grace window on unexpected disconnects, and the degraded-signal fanout.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/action"
	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/character"
	"github.com/tilemud/tilemud-server/internal/metrics"
	"github.com/tilemud/tilemud-server/internal/pipeline"
	"github.com/tilemud/tilemud-server/internal/protocol"
	"github.com/tilemud/tilemud-server/internal/ratelimit"
	"github.com/tilemud/tilemud-server/internal/sequence"
)

// Wire error codes emitted by the processor for non-catalog failures.
const (
	codeSeqGap            = "SEQ_GAP"
	codeSeqOutOfOrder     = "SEQ_OUT_OF_ORDER"
	codeSeqMissingSession = "SEQ_MISSING_SESSION"
	codeSeqInvalid        = "SEQ_INVALID"
	codeChatRateLimit     = "CHAT_RATE_LIMIT_EXCEEDED"
	codePersistFailure    = "ACTION_PERSIST_FAILURE"
	codePayloadInvalid    = "INTENT_PAYLOAD_INVALID"
)

// Chat messages allowed per session within the in-process window.
const (
	chatWindowLimit    = 5
	chatWindowDuration = 10 * time.Second
)

// Player is the per-connection state the processor mutates. It is only ever touched by the task bound to the
// connection, so it carries no lock.
type Player struct {
	ClientID     string
	SessionID    string
	UserID       string
	CharacterID  string
	Profile      character.Profile
	LastSequence int64
	JoinedAt     time.Time
	LastIntentAt time.Time

	chatTimes []time.Time
}

// Outcome is the result of processing one intent. Ack and Err are mutually exclusive; Delta, when present, goes to the
// origin first and is then broadcast to the rest of the room.
type Outcome struct {
	Ack   *protocol.IntentAck
	Delta *protocol.StateDelta
	Err   *protocol.ErrorEvent
}

// Processor applies validated intents against the session's sequence, the durable log, and the character state.
type Processor struct {
	sequences  *sequence.Service
	durability *action.Durability
	characters *character.Service
	queue      *pipeline.Queue
	limiter    *ratelimit.Limiter
	log        zerolog.Logger
	now        func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorNow injects the time source, used by tests to drive the chat window.
func WithProcessorNow(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// WithActionQueue routes action intents through the shared admission queue before they persist. The queue enforces the
// tile rate limit, rejects in-flight duplicate action ids, and bounds concurrent unresolved actions.
func WithActionQueue(q *pipeline.Queue) ProcessorOption {
	return func(p *Processor) { p.queue = q }
}

// WithRateLimiter enables the shared per-channel limiter. Chat intents that clear the session window are still
// counted against the instance-level chat channel.
func WithRateLimiter(l *ratelimit.Limiter) ProcessorOption {
	return func(p *Processor) { p.limiter = l }
}

// NewProcessor creates an intent processor.
func NewProcessor(
	sequences *sequence.Service,
	durability *action.Durability,
	characters *character.Service,
	logger zerolog.Logger,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		sequences:  sequences,
		durability: durability,
		characters: characters,
		log:        logger.With().Str("component", "processor").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process decodes and applies one raw inbound message for the player.
func (p *Processor) Process(ctx context.Context, player *Player, raw []byte) Outcome {
	intentType, move, chat, act, err := protocol.DecodeIntent(raw)
	if err != nil {
		metrics.RecordIntent(string(intentType), "invalid")
		return Outcome{Err: &protocol.ErrorEvent{
			IntentType: intentType,
			Code:       codePayloadInvalid,
			Category:   "VALIDATION",
			Retryable:  false,
			Message:    err.Error(),
		}}
	}

	now := p.now()
	latency := int64(0)
	if !player.LastIntentAt.IsZero() {
		if d := now.Sub(player.LastIntentAt).Milliseconds(); d > 0 {
			latency = d
		}
	}
	player.LastIntentAt = now

	var out Outcome
	switch intentType {
	case protocol.IntentMove:
		out = p.processMove(ctx, player, move, now)
	case protocol.IntentChat:
		out = p.processChat(ctx, player, chat, now)
	case protocol.IntentAction:
		out = p.processAction(ctx, player, act, now)
	}

	if out.Ack != nil {
		out.Ack.LatencyMS = &latency
		metrics.RecordIntent(string(intentType), string(out.Ack.Status))
	} else if out.Err != nil {
		metrics.RecordIntent(string(intentType), "error")
	}
	return out
}

// evaluateSequence runs the common sequence gate. A nil outcome means the intent was accepted and processing continues.
func (p *Processor) evaluateSequence(ctx context.Context, player *Player, intentType protocol.IntentType, seq int64, now time.Time) *Outcome {
	ev := p.sequences.Evaluate(player.SessionID, seq)
	switch ev.Result {
	case sequence.ResultAccept:
		return nil
	case sequence.ResultDuplicate:
		ack := &protocol.IntentAck{
			IntentType:     intentType,
			Sequence:       seq,
			Status:         protocol.AckDuplicate,
			AcknowledgedAt: now,
			Durability:     p.durability.Metadata(ctx, player.SessionID, seq),
		}
		return &Outcome{Ack: ack}
	case sequence.ResultGap:
		return &Outcome{Err: seqError(intentType, seq, codeSeqGap,
			fmt.Sprintf("sequence %d leaves a gap after %d, a snapshot is on its way", seq, ev.LastSequence))}
	case sequence.ResultMissingSession:
		return &Outcome{Err: seqError(intentType, seq, codeSeqMissingSession, "no live session for this connection")}
	default: // sequence.ResultInvalid
		return &Outcome{Err: &protocol.ErrorEvent{
			IntentType: intentType,
			Sequence:   &seq,
			Code:       codeSeqInvalid,
			Category:   "VALIDATION",
			Retryable:  false,
			Message:    "sequence must be a non-negative integer",
		}}
	}
}

func (p *Processor) processMove(ctx context.Context, player *Player, move *protocol.MovePayload, now time.Time) Outcome {
	if out := p.evaluateSequence(ctx, player, protocol.IntentMove, move.Sequence, now); out != nil {
		return *out
	}

	magnitude := int(math.Floor(move.Magnitude))
	if magnitude < 1 {
		magnitude = 1
	} else if magnitude > 3 {
		magnitude = 3
	}
	dx, dy := move.Direction.Unit()
	origin := protocol.Position{X: int(player.Profile.PositionX), Y: int(player.Profile.PositionY)}
	target := protocol.Position{X: origin.X + dx*magnitude, Y: origin.Y + dy*magnitude}

	payload, _ := json.Marshal(map[string]any{
		"direction": move.Direction,
		"magnitude": magnitude,
		"origin":    origin,
		"target":    target,
		"metadata":  move.Metadata,
	})
	durability, err := p.durability.Persist(ctx, action.InsertParams{
		SessionID:      player.SessionID,
		UserID:         player.UserID,
		CharacterID:    player.CharacterID,
		SequenceNumber: move.Sequence,
		IntentType:     string(protocol.ActionKindMove),
		Payload:        payload,
		AppliedAt:      now,
	})
	if err != nil {
		return Outcome{Err: persistError(protocol.IntentMove, move.Sequence, err)}
	}

	player.Profile.PositionX = int64(target.X)
	player.Profile.PositionY = int64(target.Y)
	if _, err := p.characters.MoveTo(ctx, player.CharacterID, int64(target.X), int64(target.Y)); err != nil {
		p.log.Warn().Err(err).Str("character_id", player.CharacterID).Msg("Durable position update failed")
	}

	p.sequences.Acknowledge(player.SessionID, move.Sequence)
	player.LastSequence = move.Sequence

	return Outcome{
		Ack: &protocol.IntentAck{
			IntentType:     protocol.IntentMove,
			Sequence:       move.Sequence,
			Status:         protocol.AckApplied,
			AcknowledgedAt: now,
			Durability:     &durability,
		},
		Delta: &protocol.StateDelta{
			Sequence:  move.Sequence,
			IssuedAt:  now,
			Character: p.characterState(player),
			Effects: []protocol.Effect{{
				Type:      "movement",
				ActionID:  durability.ActionEventID,
				Origin:    &origin,
				Target:    target,
				Direction: move.Direction,
				Magnitude: magnitude,
			}},
		},
	}
}

func (p *Processor) processChat(ctx context.Context, player *Player, chat *protocol.ChatPayload, now time.Time) Outcome {
	if out := p.evaluateSequence(ctx, player, protocol.IntentChat, chat.Sequence, now); out != nil {
		return *out
	}

	// The in-process window runs before persistence so a rejected message neither hits the durable log nor advances
	// the sequence.
	if retryIn, limited := player.chatLimited(now); limited {
		metrics.RecordRateLimitRejection("chat_session_window")
		return Outcome{Err: &protocol.ErrorEvent{
			IntentType: protocol.IntentChat,
			Sequence:   &chat.Sequence,
			Code:       codeChatRateLimit,
			Category:   "RATE_LIMIT",
			Retryable:  false,
			Message:    fmt.Sprintf("chat limit is %d messages per %s, retry in %s", chatWindowLimit, chatWindowDuration, retryIn.Round(time.Second)),
		}}
	}

	if p.limiter != nil {
		if err := p.limiter.Enforce(ctx, ratelimit.ChannelChatInInstance, player.CharacterID); err != nil {
			return Outcome{Err: persistError(protocol.IntentChat, chat.Sequence, err)}
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"channel": chat.Channel,
		"message": chat.Message,
		"locale":  chat.Locale,
	})
	durability, err := p.durability.Persist(ctx, action.InsertParams{
		SessionID:      player.SessionID,
		UserID:         player.UserID,
		CharacterID:    player.CharacterID,
		SequenceNumber: chat.Sequence,
		IntentType:     string(protocol.ActionKindChat),
		Payload:        payload,
		AppliedAt:      now,
	})
	if err != nil {
		return Outcome{Err: persistError(protocol.IntentChat, chat.Sequence, err)}
	}

	player.recordChat(now)
	p.sequences.Acknowledge(player.SessionID, chat.Sequence)
	player.LastSequence = chat.Sequence

	return Outcome{Ack: &protocol.IntentAck{
		IntentType:     protocol.IntentChat,
		Sequence:       chat.Sequence,
		Status:         protocol.AckApplied,
		AcknowledgedAt: now,
		Durability:     &durability,
	}}
}

func (p *Processor) processAction(ctx context.Context, player *Player, act *protocol.ActionPayload, now time.Time) Outcome {
	if out := p.evaluateSequence(ctx, player, protocol.IntentAction, act.Sequence, now); out != nil {
		return *out
	}

	if p.queue != nil {
		dedupeKey, _ := act.Metadata["dedupeKey"].(string)
		err := p.queue.Enqueue(ctx, pipeline.Action{
			ActionID:    act.ActionID,
			SessionID:   player.SessionID,
			CharacterID: player.CharacterID,
			Category:    pipeline.CategoryTile,
			DedupeKey:   dedupeKey,
			EnqueuedAt:  now,
		})
		if errors.Is(err, pipeline.ErrDuplicateKey) {
			// Soft dedup: the submission is consumed as a duplicate of the in-flight action, without persisting.
			p.sequences.Acknowledge(player.SessionID, act.Sequence)
			player.LastSequence = act.Sequence
			return Outcome{Ack: &protocol.IntentAck{
				IntentType:     protocol.IntentAction,
				Sequence:       act.Sequence,
				Status:         protocol.AckDuplicate,
				AcknowledgedAt: now,
			}}
		}
		if err != nil {
			return Outcome{Err: persistError(protocol.IntentAction, act.Sequence, err)}
		}
		// Player actions resolve inline on the connection task, so the entry leaves the queue as soon as this intent
		// settles. Until then it blocks duplicate submissions of the same action id.
		defer p.queue.RemoveWhere(func(a pipeline.Action) bool { return a.ActionID == act.ActionID })
	}

	kind := protocol.NormalizeKind(act.Kind)
	payload, _ := json.Marshal(map[string]any{
		"actionId": act.ActionID,
		"kind":     kind,
		"target":   act.Target,
		"metadata": act.Metadata,
	})
	durability, err := p.durability.Persist(ctx, action.InsertParams{
		SessionID:      player.SessionID,
		UserID:         player.UserID,
		CharacterID:    player.CharacterID,
		SequenceNumber: act.Sequence,
		IntentType:     string(kind),
		Payload:        payload,
		AppliedAt:      now,
	})
	if err != nil {
		return Outcome{Err: persistError(protocol.IntentAction, act.Sequence, err)}
	}

	p.sequences.Acknowledge(player.SessionID, act.Sequence)
	player.LastSequence = act.Sequence

	var target any
	if act.Target != nil {
		target = act.Target
	}
	return Outcome{
		Ack: &protocol.IntentAck{
			IntentType:     protocol.IntentAction,
			Sequence:       act.Sequence,
			Status:         protocol.AckApplied,
			AcknowledgedAt: now,
			Durability:     &durability,
		},
		Delta: &protocol.StateDelta{
			Sequence: act.Sequence,
			IssuedAt: now,
			Effects: []protocol.Effect{{
				Type:     string(kind),
				ActionID: act.ActionID,
				Target:   target,
				Metadata: act.Metadata,
			}},
		},
	}
}

// characterState builds the client-visible snapshot from the player's profile copy.
func (p *Processor) characterState(player *Player) *protocol.CharacterState {
	var items []any
	if len(player.Profile.Inventory) > 0 {
		if err := json.Unmarshal(player.Profile.Inventory, &items); err != nil {
			items = nil
		}
	}
	if items == nil {
		items = []any{}
	}
	return &protocol.CharacterState{
		CharacterID: player.CharacterID,
		DisplayName: player.Profile.DisplayName,
		Position:    protocol.Position{X: int(player.Profile.PositionX), Y: int(player.Profile.PositionY)},
		Stats:       map[string]any{"health": player.Profile.Health},
		Inventory:   map[string]any{"items": items},
	}
}

// chatLimited reports whether the session's chat window is exhausted and how long until a slot frees up.
func (pl *Player) chatLimited(now time.Time) (time.Duration, bool) {
	cutoff := now.Add(-chatWindowDuration)
	live := pl.chatTimes[:0]
	for _, t := range pl.chatTimes {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	pl.chatTimes = live
	if len(pl.chatTimes) < chatWindowLimit {
		return 0, false
	}
	return pl.chatTimes[0].Add(chatWindowDuration).Sub(now), true
}

func (pl *Player) recordChat(now time.Time) {
	pl.chatTimes = append(pl.chatTimes, now)
}

func seqError(intentType protocol.IntentType, seq int64, code, message string) *protocol.ErrorEvent {
	return &protocol.ErrorEvent{
		IntentType: intentType,
		Sequence:   &seq,
		Code:       code,
		Category:   "CONSISTENCY",
		Retryable:  true,
		Message:    message,
	}
}

// persistError maps a durability or admission failure to its wire shape. Catalog errors carry their reason as the
// symbolic wire code (the catalog's numeric codes belong to the HTTP surface) and keep their own category and
// retryability; anything else surfaces as a generic retryable persistence failure.
func persistError(intentType protocol.IntentType, seq int64, err error) *protocol.ErrorEvent {
	if catErr, ok := catalog.AsError(err); ok {
		code := strings.ToUpper(catErr.Def.Reason)
		if catErr.Def.Category == catalog.CategoryInternal {
			// Internal reasons collapse to one wire code; which dependency failed travels in event.degraded.
			code = "INTERNAL_ERROR"
		}
		return &protocol.ErrorEvent{
			IntentType: intentType,
			Sequence:   &seq,
			Code:       code,
			Category:   string(catalog.WireCategoryFor(catErr.Def.Category)),
			Retryable:  catErr.Def.Retryable,
			Message:    catErr.Message(),
		}
	}
	return &protocol.ErrorEvent{
		IntentType: intentType,
		Sequence:   &seq,
		Code:       codePersistFailure,
		Category:   "SYSTEM",
		Retryable:  true,
		Message:    "failed to persist the action, try again",
	}
}
