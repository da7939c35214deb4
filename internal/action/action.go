// Package action persists accepted intents as durable action events. The (session_id, sequence_number) pair is unique,
// so a replayed intent resolves to the original event instead of a second row.
package action

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the action package.
var (
	ErrNotFound  = errors.New("action event not found")
	ErrDuplicate = errors.New("action event already persisted for this sequence")
)

// Event is one durable action event row.
type Event struct {
	ActionEventID  string
	SessionID      string
	UserID         string
	CharacterID    string
	SequenceNumber int64
	IntentType     string
	Payload        []byte
	AppliedAt      time.Time
	PersistedAt    time.Time
}

// InsertParams groups the inputs for Insert. ActionEventID is generated by the repository.
type InsertParams struct {
	SessionID      string
	UserID         string
	CharacterID    string
	SequenceNumber int64
	IntentType     string
	Payload        []byte
	AppliedAt      time.Time
}

// Repository defines the data-access contract for action events.
type Repository interface {
	Insert(ctx context.Context, params InsertParams) (*Event, error)
	GetBySessionAndSequence(ctx context.Context, sessionID string, seq int64) (*Event, error)
	GetLatestForSession(ctx context.Context, sessionID string) (*Event, error)
	ListRecentForCharacter(ctx context.Context, characterID string, limit int) ([]Event, error)
}
