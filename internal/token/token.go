// Package token issues and consumes single-use reconnect tokens. A token binds a session id to its last-acknowledged
// sequence number; the value is cryptographically random and the payload lives server-side in Redis under a TTL.
// Consumption is GETDEL, so a token can be redeemed at most once.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "reconnect:token:"

// Token is an issued reconnect token with its server-side payload.
type Token struct {
	Token              string    `json:"-"`
	SessionID          string    `json:"session_id"`
	LastSequenceNumber int64     `json:"last_sequence_number"`
	IssuedAt           time.Time `json:"issued_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Store issues and consumes reconnect tokens backed by Redis.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore creates a token store with the given default TTL.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// IssueParams are the inputs for Issue. TTL overrides the store default when positive.
type IssueParams struct {
	SessionID          string
	LastSequenceNumber int64
	IssuedAt           time.Time
	TTL                time.Duration
}

// Issue creates a fresh opaque token bound to the session and sequence. The previous token for the session, if any,
// remains valid until consumed or expired; callers that want strict one-live-token semantics consume before reissuing.
func (s *Store) Issue(ctx context.Context, p IssueParams) (Token, error) {
	if p.SessionID == "" {
		return Token{}, errors.New("issue reconnect token: session id is required")
	}
	ttl := s.ttl
	if p.TTL > 0 {
		ttl = p.TTL
	}
	issuedAt := p.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Token{}, fmt.Errorf("generate reconnect token: %w", err)
	}

	tok := Token{
		Token:              hex.EncodeToString(raw),
		SessionID:          p.SessionID,
		LastSequenceNumber: p.LastSequenceNumber,
		IssuedAt:           issuedAt,
		ExpiresAt:          issuedAt.Add(ttl),
	}

	payload, err := json.Marshal(tok)
	if err != nil {
		return Token{}, fmt.Errorf("marshal reconnect token: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+tok.Token, payload, ttl).Err(); err != nil {
		return Token{}, fmt.Errorf("store reconnect token: %w", err)
	}
	return tok, nil
}

// Consume atomically removes and returns the token payload. Unknown or expired tokens return (nil, nil).
func (s *Store) Consume(ctx context.Context, token string) (*Token, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := s.rdb.GetDel(ctx, keyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume reconnect token: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal reconnect token: %w", err)
	}
	tok.Token = token
	return &tok, nil
}
