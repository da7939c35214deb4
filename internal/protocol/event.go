package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates outbound event envelopes.
type EventType string

const (
	EventAck             EventType = "event.ack"
	EventStateDelta      EventType = "event.state_delta"
	EventError           EventType = "event.error"
	EventDegraded        EventType = "event.degraded"
	EventVersionMismatch EventType = "event.version_mismatch"
	EventDisconnect      EventType = "event.disconnect"
)

// AckStatus reports how an intent was handled.
type AckStatus string

const (
	AckApplied   AckStatus = "applied"
	AckDuplicate AckStatus = "duplicate"
	AckRejected  AckStatus = "rejected"
	AckQueued    AckStatus = "queued"
)

// EventEnvelope is the outer shape of every outbound message.
type EventEnvelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Position is a tile coordinate.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// CharacterState is the client-visible character snapshot carried in state deltas.
type CharacterState struct {
	CharacterID string         `json:"characterId"`
	DisplayName string         `json:"displayName"`
	Position    Position       `json:"position"`
	Stats       map[string]any `json:"stats"`
	Inventory   map[string]any `json:"inventory"`
}

// WorldState is the client-visible world snapshot.
type WorldState struct {
	Tiles []map[string]any `json:"tiles"`
}

// Durability is the persistence metadata attached to intent acks.
type Durability struct {
	Persisted     bool      `json:"persisted"`
	ActionEventID string    `json:"actionEventId,omitempty"`
	PersistedAt   time.Time `json:"persistedAt,omitzero"`
	Duplicate     bool      `json:"duplicate,omitempty"`
}

// ReconnectGrant carries a freshly issued reconnect token.
type ReconnectGrant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HandshakeAck is the event.ack payload sent once after a successful join.
type HandshakeAck struct {
	Reason             string    `json:"reason"`
	SessionID          string    `json:"sessionId"`
	Sequence           int64     `json:"sequence"`
	Version            string    `json:"version"`
	AcknowledgedIntent []int64   `json:"acknowledgedIntents"`
	AcknowledgedAt     time.Time `json:"acknowledgedAt,omitzero"`
}

// IntentAck is the event.ack payload for a processed intent.
type IntentAck struct {
	IntentType     IntentType  `json:"intentType"`
	Sequence       int64       `json:"sequence"`
	Status         AckStatus   `json:"status"`
	AcknowledgedAt time.Time   `json:"acknowledgedAt"`
	Durability     *Durability `json:"durability,omitempty"`
	LatencyMS      *int64      `json:"latencyMs,omitempty"`
	Message        string      `json:"message,omitempty"`
}

// Effect is a single state change carried in a delta.
type Effect struct {
	Type      string         `json:"type"`
	ActionID  string         `json:"actionId,omitempty"`
	Origin    *Position      `json:"origin,omitempty"`
	Target    any            `json:"target,omitempty"`
	Direction Direction      `json:"direction,omitempty"`
	Magnitude int            `json:"magnitude,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StateDelta is the event.state_delta payload.
type StateDelta struct {
	Sequence       int64           `json:"sequence"`
	IssuedAt       time.Time       `json:"issuedAt"`
	Character      *CharacterState `json:"character,omitempty"`
	World          *WorldState     `json:"world,omitempty"`
	Effects        []Effect        `json:"effects,omitempty"`
	ReconnectToken *ReconnectGrant `json:"reconnectToken,omitempty"`
}

// ErrorEvent is the event.error payload.
type ErrorEvent struct {
	IntentType IntentType `json:"intentType,omitempty"`
	Sequence   *int64     `json:"sequence,omitempty"`
	Code       string     `json:"code"`
	Category   string     `json:"category"`
	Retryable  bool       `json:"retryable"`
	Message    string     `json:"message"`
}

// DegradedEvent is the event.degraded payload.
type DegradedEvent struct {
	Dependency string    `json:"dependency"`
	Status     string    `json:"status"`
	ObservedAt time.Time `json:"observedAt"`
	Message    string    `json:"message,omitempty"`
}

// VersionMismatchEvent is the event.version_mismatch payload.
type VersionMismatchEvent struct {
	ExpectedVersion string     `json:"expectedVersion"`
	ReceivedVersion string     `json:"receivedVersion"`
	DisconnectAt    *time.Time `json:"disconnectAt,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// DisconnectEvent mirrors the close code sent before the socket is closed.
type DisconnectEvent struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Encode wraps a payload in an event envelope and serialises it.
func Encode(t EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(EventEnvelope{Type: t, Payload: raw})
}

// NewHandshakeAck builds the serialised handshake acknowledgement.
func NewHandshakeAck(sessionID string, lastSeq int64, version string, at time.Time) ([]byte, error) {
	return Encode(EventAck, HandshakeAck{
		Reason:             "handshake",
		SessionID:          sessionID,
		Sequence:           lastSeq,
		Version:            version,
		AcknowledgedIntent: []int64{},
		AcknowledgedAt:     at,
	})
}

// NewIntentAck builds a serialised intent acknowledgement.
func NewIntentAck(ack IntentAck) ([]byte, error) {
	return Encode(EventAck, ack)
}

// NewStateDelta builds a serialised state delta.
func NewStateDelta(delta StateDelta) ([]byte, error) {
	return Encode(EventStateDelta, delta)
}

// NewError builds a serialised error event.
func NewError(e ErrorEvent) ([]byte, error) {
	return Encode(EventError, e)
}

// NewDegraded builds a serialised degraded-dependency event.
func NewDegraded(e DegradedEvent) ([]byte, error) {
	return Encode(EventDegraded, e)
}

// NewVersionMismatch builds a serialised version mismatch event.
func NewVersionMismatch(expected, received, message string) ([]byte, error) {
	return Encode(EventVersionMismatch, VersionMismatchEvent{
		ExpectedVersion: expected,
		ReceivedVersion: received,
		Message:         message,
	})
}

// NewDisconnect builds a serialised disconnect notice.
func NewDisconnect(code int, reason string) ([]byte, error) {
	return Encode(EventDisconnect, DisconnectEvent{Code: code, Reason: reason})
}
