// Package auth issues and verifies the bearer tokens that identify callers of
// the arbitration API. Account identities come from the external verification
// pipeline; a token only binds an account to a role.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleParticipant  Role = "participant"
	RoleDisputeAdmin Role = "dispute_admin"
)

var (
	// ErrInvalidToken signals a token that fails signature, expiry or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidRole signals an unknown role.
	ErrInvalidRole = errors.New("auth: invalid role")
)

// Claims are the verified contents of a token.
type Claims struct {
	Account   string
	Role      Role
	ExpiresAt time.Time
}

// Admin reports whether the claims carry dispute-admin capability.
func (c Claims) Admin() bool {
	return c.Role == RoleDisputeAdmin
}

// Service signs and verifies HS256 tokens.
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a token service. A non-positive ttl defaults to 24 hours.
func NewService(jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueToken creates a token for account with role.
func (s *Service) IssueToken(account string, role Role) (string, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return "", fmt.Errorf("auth: account is required")
	}
	if !isValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := s.now()
	claims := jwt.MapClaims{
		"sub":  account,
		"role": string(role),
		"exp":  now.Add(s.ttl).Unix(),
		"iat":  now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	account, err := claims.GetSubject()
	if err != nil || account == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok || !isValidRole(Role(roleStr)) {
		return Claims{}, fmt.Errorf("%w: bad role claim", ErrInvalidToken)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Claims{}, fmt.Errorf("%w: bad expiry", ErrInvalidToken)
	}
	return Claims{Account: account, Role: Role(roleStr), ExpiresAt: exp.Time}, nil
}

// ParseRole maps a role name to a Role.
func ParseRole(s string) (Role, error) {
	role := Role(strings.TrimSpace(s))
	if !isValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return role, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleParticipant, RoleDisputeAdmin:
		return true
	default:
		return false
	}
}
