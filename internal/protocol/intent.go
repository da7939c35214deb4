// Package protocol defines the realtime wire contract: inbound intent envelopes, outbound event envelopes, and the
// WebSocket close codes the room uses. Envelopes are discriminated unions on a "type" field; unknown types are a
// protocol error on either side.
package protocol

import (
	"encoding/json"
	"fmt"
)

// IntentType discriminates inbound intent envelopes.
type IntentType string

const (
	IntentMove   IntentType = "intent.move"
	IntentChat   IntentType = "intent.chat"
	IntentAction IntentType = "intent.action"
)

// Direction is a cardinal movement direction.
type Direction string

const (
	DirectionNorth Direction = "north"
	DirectionSouth Direction = "south"
	DirectionEast  Direction = "east"
	DirectionWest  Direction = "west"
)

// Unit returns the unit vector for the direction. North is +y, east is +x.
func (d Direction) Unit() (dx, dy int) {
	switch d {
	case DirectionNorth:
		return 0, 1
	case DirectionSouth:
		return 0, -1
	case DirectionEast:
		return 1, 0
	case DirectionWest:
		return -1, 0
	}
	return 0, 0
}

func (d Direction) valid() bool {
	switch d {
	case DirectionNorth, DirectionSouth, DirectionEast, DirectionWest:
		return true
	}
	return false
}

// ActionKind classifies a generic action intent. It doubles as the durable action event type.
type ActionKind string

const (
	ActionKindMove    ActionKind = "move"
	ActionKindChat    ActionKind = "chat"
	ActionKindAbility ActionKind = "ability"
	ActionKindSystem  ActionKind = "system"
)

// NormalizeKind maps an arbitrary kind string to one of the four action kinds, defaulting to system.
func NormalizeKind(kind string) ActionKind {
	switch ActionKind(kind) {
	case ActionKindMove, ActionKindChat, ActionKindAbility:
		return ActionKind(kind)
	default:
		return ActionKindSystem
	}
}

// IntentEnvelope is the outer shape of every inbound message.
type IntentEnvelope struct {
	Type    IntentType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MovePayload is the body of intent.move.
type MovePayload struct {
	Sequence  int64          `json:"sequence"`
	Direction Direction      `json:"direction"`
	Magnitude float64        `json:"magnitude"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ChatPayload is the body of intent.chat.
type ChatPayload struct {
	Sequence int64  `json:"sequence"`
	Channel  string `json:"channel"`
	Message  string `json:"message"`
	Locale   string `json:"locale,omitempty"`
}

// ActionTarget identifies what a generic action acts on.
type ActionTarget struct {
	Type        string         `json:"type,omitempty"`
	Coordinates *Position      `json:"coordinates,omitempty"`
	ID          string         `json:"id,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ActionPayload is the body of intent.action.
type ActionPayload struct {
	Sequence int64          `json:"sequence"`
	ActionID string         `json:"actionId"`
	Kind     string         `json:"kind,omitempty"`
	Target   *ActionTarget  `json:"target,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ValidationError describes why an intent payload failed schema validation.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid intent payload: %s %s", e.Field, e.Detail)
}

// ErrUnknownType is returned for an unrecognized envelope type tag.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown envelope type %q", e.Type)
}

// DecodeIntent parses and validates a raw inbound message. It returns exactly one non-nil payload, matching the
// envelope's type tag.
func DecodeIntent(raw []byte) (IntentType, *MovePayload, *ChatPayload, *ActionPayload, error) {
	var env IntentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, nil, nil, &ValidationError{Field: "envelope", Detail: "is not valid JSON"}
	}

	switch env.Type {
	case IntentMove:
		var p MovePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return env.Type, nil, nil, nil, &ValidationError{Field: "payload", Detail: "does not match intent.move schema"}
		}
		if err := p.Validate(); err != nil {
			return env.Type, nil, nil, nil, err
		}
		return env.Type, &p, nil, nil, nil
	case IntentChat:
		var p ChatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return env.Type, nil, nil, nil, &ValidationError{Field: "payload", Detail: "does not match intent.chat schema"}
		}
		if err := p.Validate(); err != nil {
			return env.Type, nil, nil, nil, err
		}
		return env.Type, nil, &p, nil, nil
	case IntentAction:
		var p ActionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return env.Type, nil, nil, nil, &ValidationError{Field: "payload", Detail: "does not match intent.action schema"}
		}
		if err := p.Validate(); err != nil {
			return env.Type, nil, nil, nil, err
		}
		return env.Type, nil, nil, &p, nil
	default:
		return env.Type, nil, nil, nil, &ErrUnknownType{Type: string(env.Type)}
	}
}

// Validate enforces the intent.move bounds: a known direction and magnitude within [1..3].
func (p *MovePayload) Validate() error {
	if !p.Direction.valid() {
		return &ValidationError{Field: "direction", Detail: "must be one of north, south, east, west"}
	}
	if p.Magnitude < 1 || p.Magnitude > 3 {
		return &ValidationError{Field: "magnitude", Detail: "must be between 1 and 3"}
	}
	return nil
}

// Validate enforces the intent.chat bounds: channel 1..32 chars, message 1..280 chars, locale 2..8 when present.
func (p *ChatPayload) Validate() error {
	if l := len(p.Channel); l < 1 || l > 32 {
		return &ValidationError{Field: "channel", Detail: "must be 1 to 32 characters"}
	}
	if l := len([]rune(p.Message)); l < 1 || l > 280 {
		return &ValidationError{Field: "message", Detail: "must be 1 to 280 characters"}
	}
	if p.Locale != "" {
		if l := len(p.Locale); l < 2 || l > 8 {
			return &ValidationError{Field: "locale", Detail: "must be 2 to 8 characters"}
		}
	}
	return nil
}

// Validate enforces the intent.action bounds: a non-empty actionId.
func (p *ActionPayload) Validate() error {
	if p.ActionID == "" {
		return &ValidationError{Field: "actionId", Detail: "is required"}
	}
	return nil
}
