// Package identity verifies staff bearer tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

// DefaultRole is assumed for tokens that carry no role claim.
const DefaultRole = "doctor"

var (
	ErrMissingToken = fmt.Errorf("%w: missing bearer token", types.ErrUnauthorized)
	ErrInvalidToken = fmt.Errorf("%w: invalid bearer token", types.ErrUnauthorized)
)

// Claims is the staff token payload. The subject is the staff user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ interfaces.IdentityVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier. An empty issuer accepts any issuer.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify parses token and returns its subject. Every failure wraps
// types.ErrUnauthorized; the underlying reason is not exposed to callers.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*interfaces.Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	role := claims.Role
	if role == "" {
		role = DefaultRole
	}
	return &interfaces.Identity{UserID: claims.Subject, Role: role}, nil
}

// Issue signs a token for userID. It is used by tooling and tests.
func (v *JWTVerifier) Issue(userID, role string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
