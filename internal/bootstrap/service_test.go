package bootstrap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/action"
	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/character"
	"github.com/tilemud/tilemud-server/internal/health"
	"github.com/tilemud/tilemud-server/internal/resilience"
	"github.com/tilemud/tilemud-server/internal/session"
	"github.com/tilemud/tilemud-server/internal/token"
	"github.com/tilemud/tilemud-server/internal/version"
)

type fakeCharacterRepo struct {
	mu       sync.Mutex
	profiles map[string]*character.Profile
}

func newFakeCharacterRepo() *fakeCharacterRepo {
	return &fakeCharacterRepo{profiles: make(map[string]*character.Profile)}
}

func (r *fakeCharacterRepo) Create(_ context.Context, p character.CreateParams) (*character.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.CharacterID]; ok {
		return nil, character.ErrAlreadyExists
	}
	prof := &character.Profile{
		CharacterID: p.CharacterID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		PositionX:   p.PositionX,
		PositionY:   p.PositionY,
		Health:      p.Health,
		Inventory:   p.Inventory,
	}
	r.profiles[p.CharacterID] = prof
	cp := *prof
	return &cp, nil
}

func (r *fakeCharacterRepo) GetByID(_ context.Context, id string) (*character.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, character.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakeCharacterRepo) GetByUserID(_ context.Context, userID string) (*character.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.profiles {
		if p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, character.ErrNotFound
}

func (r *fakeCharacterRepo) UpdatePosition(_ context.Context, id string, x, y int64) (*character.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, character.ErrNotFound
	}
	p.PositionX, p.PositionY = x, y
	cp := *p
	return &cp, nil
}

func (r *fakeCharacterRepo) UpdateHealth(_ context.Context, id string, health int) (*character.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, character.ErrNotFound
	}
	p.Health = health
	cp := *p
	return &cp, nil
}

type testEnv struct {
	svc      *Service
	sessions *session.Store
	tokens   *token.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sessions := session.NewStore()
	tokens := token.NewStore(rdb, 5*time.Minute)
	characters := character.NewService(newFakeCharacterRepo())
	versions, err := version.NewService("1.0.0", nil, "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(DevValidator{}, sessions, tokens, characters, versions, "global", zerolog.Nop())
	return &testEnv{svc: svc, sessions: sessions, tokens: tokens}
}

func TestBootstrapFreshSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	resp, err := env.svc.Bootstrap(context.Background(), Request{AuthorizationToken: "Bearer user-1"})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Session.UserID != "user-1" || resp.Session.Status != string(session.StatusActive) {
		t.Errorf("session = %+v", resp.Session)
	}
	if resp.Session.LastSequenceNumber != 0 {
		t.Errorf("fresh session sequence = %d, want 0", resp.Session.LastSequenceNumber)
	}
	if resp.Reconnect.Token == "" {
		t.Error("bootstrap did not issue a reconnect token")
	}
	if resp.State.Character.CharacterID != character.DeriveCharacterID("user-1") {
		t.Errorf("character id = %s", resp.State.Character.CharacterID)
	}
	if resp.Realtime.Room != "global" || resp.Realtime.Path != "/ws" {
		t.Errorf("realtime = %+v", resp.Realtime)
	}

	if _, err := env.sessions.Get(resp.Session.SessionID); err != nil {
		t.Error("bootstrapped session not registered in the store")
	}
}

func TestBootstrapRecordsClientVersion(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.svc.Bootstrap(ctx, Request{AuthorizationToken: "Bearer user-1", ClientVersion: "0.9.0"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("response version = %q, want the server version 1.0.0", resp.Version)
	}
	if resp.Session.ProtocolVersion != "0.9.0" {
		t.Errorf("session protocol version = %q, want the reported client version", resp.Session.ProtocolVersion)
	}
	stored, err := env.sessions.Get(resp.Session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ProtocolVersion != "0.9.0" {
		t.Errorf("stored protocol version = %q, want 0.9.0", stored.ProtocolVersion)
	}

	// Without a reported version the session falls back to the server's.
	resp, err = env.svc.Bootstrap(ctx, Request{AuthorizationToken: "Bearer user-2"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Session.ProtocolVersion != "1.0.0" {
		t.Errorf("default protocol version = %q, want 1.0.0", resp.Session.ProtocolVersion)
	}
}

func TestBootstrapAuthErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		header string
		reason string
	}{
		{name: "missing", header: "", reason: catalog.ReasonAuthorizationTokenMissing},
		{name: "bad scheme", header: "Basic abc", reason: catalog.ReasonAuthTokenInvalidFormat},
		{name: "no token", header: "Bearer", reason: catalog.ReasonAuthTokenInvalidFormat},
		{name: "empty token", header: "Bearer   ", reason: catalog.ReasonAuthorizationTokenEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := env.svc.Bootstrap(ctx, Request{AuthorizationToken: tt.header})
			if !errors.Is(err, catalog.NewError(tt.reason)) {
				t.Errorf("Bootstrap error = %v, want %s", err, tt.reason)
			}
		})
	}
}

func TestBootstrapWithReconnectTokenInheritsSequence(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	// A previous session left a token behind at sequence 17.
	stale := env.sessions.CreateOrUpdate(session.CreateParams{
		SessionID:          session.NewSessionID(),
		UserID:             "user-1",
		Status:             session.StatusGrace,
		LastSequenceNumber: 17,
		LastHeartbeatAt:    time.Now(),
	})
	issued, err := env.tokens.Issue(ctx, token.IssueParams{SessionID: stale.SessionID, LastSequenceNumber: 17})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := env.svc.Bootstrap(ctx, Request{AuthorizationToken: "Bearer user-1", ReconnectToken: issued.Token})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Session.LastSequenceNumber != 17 {
		t.Errorf("inherited sequence = %d, want 17", resp.Session.LastSequenceNumber)
	}
	if _, err := env.sessions.Get(stale.SessionID); !errors.Is(err, session.ErrNotFound) {
		t.Error("stale session should be removed")
	}
	// The token was consumed: a second bootstrap with it starts from zero.
	resp2, err := env.svc.Bootstrap(ctx, Request{AuthorizationToken: "Bearer user-1", ReconnectToken: issued.Token})
	if err != nil {
		t.Fatal(err)
	}
	if resp2.Session.LastSequenceNumber != 0 {
		t.Errorf("sequence after consumed token = %d, want 0", resp2.Session.LastSequenceNumber)
	}
}

func TestBootstrapSameUserSameCharacter(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.svc.Bootstrap(ctx, Request{AuthorizationToken: "Bearer user-1"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.svc.Bootstrap(ctx, Request{AuthorizationToken: "Bearer user-1"})
	if err != nil {
		t.Fatal(err)
	}
	if a.State.Character.CharacterID != b.State.Character.CharacterID {
		t.Error("repeat bootstrap bound a different character")
	}
	if a.Session.SessionID == b.Session.SessionID {
		t.Error("repeat bootstrap reused the session id")
	}
}

func TestJWTValidator(t *testing.T) {
	t.Parallel()

	v, err := NewJWTValidator("secret", "tilemud")
	if err != nil {
		t.Fatal(err)
	}

	sign := func(t *testing.T, secret, issuer, subject string) string {
		t.Helper()
		claims := jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}
		return signed
	}

	userID := uuid.NewString()
	identity, err := v.Validate(sign(t, "secret", "tilemud", userID))
	if err != nil {
		t.Fatal(err)
	}
	if identity.UserID != userID {
		t.Errorf("UserID = %s, want %s", identity.UserID, userID)
	}

	for name, tok := range map[string]string{
		"wrong secret":    sign(t, "other", "tilemud", userID),
		"wrong issuer":    sign(t, "secret", "other", userID),
		"missing subject": sign(t, "secret", "tilemud", ""),
	} {
		if _, err := v.Validate(tok); !errors.Is(err, catalog.NewError(catalog.ReasonAuthorizationTokenInvalid)) {
			t.Errorf("%s: Validate error = %v, want authorization_token_invalid", name, err)
		}
	}
}

// newTestDurability wires a durability service over an in-memory action log for reconnect tests.
func newTestDurability(t *testing.T, repo action.Repository) *action.Durability {
	t.Helper()
	guard := resilience.NewOutageGuard(health.DependencyPostgres, 3, 15*time.Second, nil, zerolog.Nop())
	return action.NewDurability(repo, guard, zerolog.Nop())
}
