// Package auth provides bearer-token authentication for the RFQ API.
//
// Authentication model:
//   - Public endpoints (open requests, payment callbacks): no auth required
//   - Protocol actions: require a signed JWT carrying the user ID and role
//   - Admin endpoints: require the admin role
//
// Login and signup live in the account service; this package only verifies
// the tokens it issues.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/agrolink/rfq/internal/market"
	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims is the token payload.
type Claims struct {
	UserID string      `json:"user_id"`
	Role   market.Role `json:"role"`
	Email  string      `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Actor converts the claims into a protocol caller.
func (c *Claims) Actor() market.Actor {
	return market.Actor{ID: c.UserID, Role: c.Role, Email: c.Email}
}

// Tokens signs and verifies HS256 tokens.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token verifier with the given HMAC secret.
func NewTokens(secret string) *Tokens {
	return &Tokens{
		secret: []byte(secret),
		issuer: "agrolink",
		ttl:    24 * time.Hour,
		now:    time.Now,
	}
}

// Issue signs a token for actor.
func (t *Tokens) Issue(actor market.Actor) (string, error) {
	if actor.ID == "" {
		return "", fmt.Errorf("auth: empty user id")
	}
	switch actor.Role {
	case market.RoleBuyer, market.RoleSeller, market.RoleAdmin:
	default:
		return "", fmt.Errorf("auth: unknown role %q", actor.Role)
	}
	now := t.now()
	claims := Claims{
		UserID: actor.ID,
		Role:   actor.Role,
		Email:  actor.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse validates raw and returns its claims.
func (t *Tokens) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
