// Package character manages durable character profiles. Each user owns exactly one character in the current shard; the
// character id is derived deterministically from the user id so repeated bootstraps converge on the same row.
package character

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the character package.
var (
	ErrNotFound      = errors.New("character profile not found")
	ErrAlreadyExists = errors.New("character profile already exists")
)

// characterNamespace is the UUIDv5 namespace for deriving character ids from user ids.
var characterNamespace = uuid.MustParse("7b9f4f52-1f0a-4c7e-9f7e-3d2b8a6c5e10")

// Profile is a durable character profile row.
type Profile struct {
	CharacterID string
	UserID      string
	DisplayName string
	PositionX   int64
	PositionY   int64
	Health      int
	Inventory   []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DefaultHealth is the starting health for newly created profiles.
const DefaultHealth = 100

// DeriveCharacterID maps a user id to its character id. The mapping is pure, so concurrent bootstraps for the same
// user race on the same row and the unique constraint resolves the winner.
func DeriveCharacterID(userID string) string {
	return uuid.NewSHA1(characterNamespace, []byte(userID)).String()
}

// CreateParams groups the inputs for creating a profile.
type CreateParams struct {
	CharacterID string
	UserID      string
	DisplayName string
	PositionX   int64
	PositionY   int64
	Health      int
	Inventory   []byte
}

// Repository defines the data-access contract for character profiles.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Profile, error)
	GetByID(ctx context.Context, characterID string) (*Profile, error)
	GetByUserID(ctx context.Context, userID string) (*Profile, error)
	UpdatePosition(ctx context.Context, characterID string, x, y int64) (*Profile, error)
	UpdateHealth(ctx context.Context, characterID string, health int) (*Profile, error)
}

// Service wraps the repository with the lazy-creation flow used during session bootstrap.
type Service struct {
	repo Repository
}

// NewService creates a character service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// EnsureProfile returns the user's profile, creating it with defaults on first contact. A concurrent creation by
// another bootstrap is resolved by re-reading the row.
func (s *Service) EnsureProfile(ctx context.Context, userID, displayName string) (*Profile, error) {
	characterID := DeriveCharacterID(userID)

	profile, err := s.repo.GetByID(ctx, characterID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if displayName == "" {
		displayName = "Adventurer"
	}
	profile, err = s.repo.Create(ctx, CreateParams{
		CharacterID: characterID,
		UserID:      userID,
		DisplayName: displayName,
		Health:      DefaultHealth,
		Inventory:   []byte(`[]`),
	})
	if errors.Is(err, ErrAlreadyExists) {
		return s.repo.GetByID(ctx, characterID)
	}
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// Get returns the profile for a character id.
func (s *Service) Get(ctx context.Context, characterID string) (*Profile, error) {
	return s.repo.GetByID(ctx, characterID)
}

// MoveTo persists a new position for the character.
func (s *Service) MoveTo(ctx context.Context, characterID string, x, y int64) (*Profile, error) {
	return s.repo.UpdatePosition(ctx, characterID, x, y)
}
