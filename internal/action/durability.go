package action

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/protocol"
	"github.com/tilemud/tilemud-server/internal/resilience"
)

// Durability persists action events behind the database outage guard. While the guard is tripped every persist fails
// fast with a retryable error instead of queueing writes against a dead pool.
type Durability struct {
	repo  Repository
	guard *resilience.OutageGuard
	log   zerolog.Logger
}

// NewDurability creates the durability service.
func NewDurability(repo Repository, guard *resilience.OutageGuard, logger zerolog.Logger) *Durability {
	return &Durability{
		repo:  repo,
		guard: guard,
		log:   logger.With().Str("component", "durability").Logger(),
	}
}

// Persist writes the action event and returns the durability metadata for the intent ack. A duplicate insert is a
// success: the original event's metadata is returned with the duplicate flag set.
func (d *Durability) Persist(ctx context.Context, params InsertParams) (protocol.Durability, error) {
	if err := d.guard.AssertAvailable(); err != nil {
		return protocol.Durability{}, err
	}

	e, err := d.repo.Insert(ctx, params)
	if errors.Is(err, ErrDuplicate) {
		d.guard.RecordSuccess()
		existing, getErr := d.repo.GetBySessionAndSequence(ctx, params.SessionID, params.SequenceNumber)
		if getErr != nil {
			d.log.Warn().Err(getErr).
				Str("session_id", params.SessionID).
				Int64("sequence", params.SequenceNumber).
				Msg("Duplicate insert but original event not readable")
			return protocol.Durability{Persisted: true, Duplicate: true}, nil
		}
		return protocol.Durability{
			Persisted:     true,
			Duplicate:     true,
			ActionEventID: existing.ActionEventID,
			PersistedAt:   existing.PersistedAt,
		}, nil
	}
	if err != nil {
		d.guard.RecordFailure(err)
		return protocol.Durability{}, catalog.NewError(catalog.ReasonDatabaseUnavailable).WithCause(err)
	}

	d.guard.RecordSuccess()
	return protocol.Durability{
		Persisted:     true,
		ActionEventID: e.ActionEventID,
		PersistedAt:   e.PersistedAt,
	}, nil
}

// Metadata returns the durability metadata of an already-persisted sequence, or nil when no event exists. Used when a
// duplicate intent needs the original event's metadata for its ack.
func (d *Durability) Metadata(ctx context.Context, sessionID string, seq int64) *protocol.Durability {
	e, err := d.repo.GetBySessionAndSequence(ctx, sessionID, seq)
	if err != nil {
		return nil
	}
	return &protocol.Durability{
		Persisted:     true,
		Duplicate:     true,
		ActionEventID: e.ActionEventID,
		PersistedAt:   e.PersistedAt,
	}
}

// LatestSequence returns the highest persisted sequence for the session, or zero when no events exist.
func (d *Durability) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	if err := d.guard.AssertAvailable(); err != nil {
		return 0, err
	}
	e, err := d.repo.GetLatestForSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		d.guard.RecordSuccess()
		return 0, nil
	}
	if err != nil {
		d.guard.RecordFailure(err)
		return 0, catalog.NewError(catalog.ReasonDatabaseUnavailable).WithCause(err)
	}
	d.guard.RecordSuccess()
	return e.SequenceNumber, nil
}

// History returns the character's recent events, newest first.
func (d *Durability) History(ctx context.Context, characterID string, limit int) ([]Event, error) {
	if err := d.guard.AssertAvailable(); err != nil {
		return nil, err
	}
	events, err := d.repo.ListRecentForCharacter(ctx, characterID, limit)
	if err != nil {
		d.guard.RecordFailure(err)
		return nil, catalog.NewError(catalog.ReasonDatabaseUnavailable).WithCause(err)
	}
	d.guard.RecordSuccess()
	return events, nil
}
