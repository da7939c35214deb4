package character

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *Profile. Every method that scans into a Profile
// must select these columns in this exact order.
const selectColumns = `character_id, user_id, display_name, position_x, position_y, health, inventory,
	created_at, updated_at`

// scanProfile scans a single row into a *Profile. The row must contain the columns listed in selectColumns.
func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(
		&p.CharacterID, &p.UserID, &p.DisplayName, &p.PositionX, &p.PositionY,
		&p.Health, &p.Inventory, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan character profile: %w", err)
	}
	return &p, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed character repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new character profile.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Profile, error) {
	inventory := params.Inventory
	if inventory == nil {
		inventory = []byte(`[]`)
	}
	p, err := scanProfile(r.db.QueryRow(ctx,
		`INSERT INTO character_profiles (character_id, user_id, display_name, position_x, position_y, health, inventory)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+selectColumns,
		params.CharacterID, params.UserID, params.DisplayName, params.PositionX, params.PositionY,
		params.Health, inventory,
	))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert character profile: %w", err)
	}
	return p, nil
}

// GetByID returns the profile matching the given character id.
func (r *PGRepository) GetByID(ctx context.Context, characterID string) (*Profile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM character_profiles WHERE character_id = $1`, characterID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query character by id: %w", err)
	}
	return p, nil
}

// GetByUserID returns the profile owned by the given user.
func (r *PGRepository) GetByUserID(ctx context.Context, userID string) (*Profile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM character_profiles WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query character by user id: %w", err)
	}
	return p, nil
}

// UpdatePosition writes a new position and returns the updated profile.
func (r *PGRepository) UpdatePosition(ctx context.Context, characterID string, x, y int64) (*Profile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx,
		`UPDATE character_profiles SET position_x = $1, position_y = $2, updated_at = NOW()
		 WHERE character_id = $3
		 RETURNING `+selectColumns,
		x, y, characterID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update character position: %w", err)
	}
	return p, nil
}

// UpdateHealth writes a new health value and returns the updated profile.
func (r *PGRepository) UpdateHealth(ctx context.Context, characterID string, health int) (*Profile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx,
		`UPDATE character_profiles SET health = $1, updated_at = NOW()
		 WHERE character_id = $2
		 RETURNING `+selectColumns,
		health, characterID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update character health: %w", err)
	}
	return p, nil
}
