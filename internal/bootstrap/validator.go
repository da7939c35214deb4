package bootstrap

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tilemud/tilemud-server/internal/catalog"
)

// Identity is the authenticated principal extracted from an authorization token.
type Identity struct {
	UserID      string
	DisplayName string
}

// TokenValidator turns an authorization header value into an identity. Implementations receive the bare token, after
// the Bearer scheme has been stripped and checked.
type TokenValidator interface {
	Validate(token string) (Identity, error)
}

// parseBearer checks the header shape shared by all validators. The scheme must be Bearer and the token non-empty.
func parseBearer(authorization string) (string, error) {
	if authorization == "" {
		return "", catalog.NewError(catalog.ReasonAuthorizationTokenMissing)
	}
	scheme, rest, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", catalog.NewError(catalog.ReasonAuthTokenInvalidFormat)
	}
	tok := strings.TrimSpace(rest)
	if tok == "" {
		return "", catalog.NewError(catalog.ReasonAuthorizationTokenEmpty)
	}
	return tok, nil
}

// DevValidator accepts any bearer token and treats it as the user id directly. Development and test environments only.
type DevValidator struct{}

// Validate returns the token itself as the user id.
func (DevValidator) Validate(token string) (Identity, error) {
	return Identity{UserID: token}, nil
}

// JWTValidator validates HS256-signed tokens whose subject claim carries the user id.
type JWTValidator struct {
	secret string
	issuer string
}

// NewJWTValidator creates a JWT validator.
func NewJWTValidator(secret, issuer string) (*JWTValidator, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret must not be empty")
	}
	if issuer == "" {
		return nil, fmt.Errorf("JWT issuer must not be empty")
	}
	return &JWTValidator{secret: secret, issuer: issuer}, nil
}

type sessionClaims struct {
	DisplayName string `json:"displayName,omitempty"`
	jwt.RegisteredClaims
}

// Validate parses and validates the token, enforcing the HMAC signing method and issuer claim.
func (v *JWTValidator) Validate(token string) (Identity, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.secret), nil
	}, jwt.WithIssuer(v.issuer))
	if err != nil {
		return Identity{}, catalog.NewError(catalog.ReasonAuthorizationTokenInvalid).WithCause(err)
	}
	if claims.Subject == "" {
		return Identity{}, catalog.NewError(catalog.ReasonAuthorizationTokenInvalid).WithDetail("subject claim missing")
	}
	return Identity{UserID: claims.Subject, DisplayName: claims.DisplayName}, nil
}
