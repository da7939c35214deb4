package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce an *Event. Every method that scans into an Event
// must select these columns in this exact order.
const selectColumns = `action_event_id, session_id, user_id, character_id, sequence_number, intent_type, payload,
	applied_at, persisted_at`

// scanEvent scans a single row into an *Event. The row must contain the columns listed in selectColumns.
func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(
		&e.ActionEventID, &e.SessionID, &e.UserID, &e.CharacterID, &e.SequenceNumber,
		&e.IntentType, &e.Payload, &e.AppliedAt, &e.PersistedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan action event: %w", err)
	}
	return &e, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed action event repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Insert writes a new action event. A second insert for the same (session, sequence) returns ErrDuplicate.
func (r *PGRepository) Insert(ctx context.Context, params InsertParams) (*Event, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`INSERT INTO action_events (action_event_id, session_id, user_id, character_id, sequence_number, intent_type, payload, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+selectColumns,
		uuid.NewString(), params.SessionID, params.UserID, params.CharacterID, params.SequenceNumber,
		params.IntentType, params.Payload, params.AppliedAt,
	))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		if postgres.IsForeignKeyViolation(err) {
			return nil, fmt.Errorf("insert action event: character %s does not exist: %w", params.CharacterID, err)
		}
		return nil, fmt.Errorf("insert action event: %w", err)
	}
	return e, nil
}

// GetBySessionAndSequence returns the event for a specific sequence number within a session.
func (r *PGRepository) GetBySessionAndSequence(ctx context.Context, sessionID string, seq int64) (*Event, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM action_events WHERE session_id = $1 AND sequence_number = $2`,
		sessionID, seq,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query action event: %w", err)
	}
	return e, nil
}

// GetLatestForSession returns the highest-sequence event persisted for the session.
func (r *PGRepository) GetLatestForSession(ctx context.Context, sessionID string) (*Event, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM action_events
		 WHERE session_id = $1
		 ORDER BY sequence_number DESC
		 LIMIT 1`,
		sessionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query latest action event: %w", err)
	}
	return e, nil
}

// ListRecentForCharacter returns the character's most recent events, newest first.
func (r *PGRepository) ListRecentForCharacter(ctx context.Context, characterID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM action_events
		 WHERE character_id = $1
		 ORDER BY persisted_at DESC, sequence_number DESC
		 LIMIT $2`,
		characterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent action events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		err := rows.Scan(
			&e.ActionEventID, &e.SessionID, &e.UserID, &e.CharacterID, &e.SequenceNumber,
			&e.IntentType, &e.Payload, &e.AppliedAt, &e.PersistedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan action event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
