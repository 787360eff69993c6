// Package auth verifies bearer tokens and turns them into engine actors.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tradeescrow/escrow"
)

var (
	// ErrInvalidToken signals a token that failed signature, expiry or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingSecret signals a service constructed without a signing key.
	ErrMissingSecret = errors.New("auth: signing secret is required")
)

const defaultTTL = 24 * time.Hour

// Service issues and verifies HS256 tokens carrying the party id in "sub" and the role in "role".
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewService(jwtSecret string) (*Service, error) {
	if jwtSecret == "" {
		return nil, ErrMissingSecret
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       defaultTTL,
		now:       time.Now,
	}, nil
}

func (s *Service) WithTTL(ttl time.Duration) *Service {
	s.ttl = ttl
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue mints a token for actor. Used by tooling and tests; the API itself never issues tokens.
func (s *Service) Issue(actor escrow.Actor) (string, error) {
	if actor.PartyID == "" || !escrow.ValidRole(actor.Role) {
		return "", fmt.Errorf("auth: cannot issue token for %q as %q", actor.PartyID, actor.Role)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  actor.PartyID,
		"role": string(actor.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(s.ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// Verify validates tokenString and returns the actor it names.
func (s *Service) Verify(tokenString string) (escrow.Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return escrow.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return escrow.Actor{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return escrow.Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return escrow.Actor{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := escrow.Role(roleStr)
	if !escrow.ValidRole(role) {
		return escrow.Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, roleStr)
	}
	return escrow.Actor{PartyID: sub, Role: role}, nil
}
