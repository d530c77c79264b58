// Package auth resolves connection tokens to verified user identities. The
// surrounding membership platform issues the tokens; this service only
// verifies them and extracts the identity and role used for authorization.
package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/classcast/livechat/internal/errs"
)

// Role is the participant's role within a session.
type Role string

const (
	RoleInstructor  Role = "instructor"
	RoleParticipant Role = "participant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleInstructor || r == RoleParticipant
}

// Identity is a verified user identity attached to a connection.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// IsInstructor reports whether the identity carries the instructor role.
func (id Identity) IsInstructor() bool { return id.Role == RoleInstructor }

// TokenVerifier validates a caller-supplied token and yields the identity it
// encodes. Implementations must be safe for concurrent use.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// claims is the JWT claim set issued by the platform's auth service.
type claims struct {
	DisplayName string `json:"name"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-signed tokens issued by the platform auth service.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for HS256 tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, errs.Unauthenticated("missing token")
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, errs.Wrap(errs.CodeUnauthenticated, "invalid token", err)
	}

	if c.Subject == "" {
		return Identity{}, errs.Unauthenticated("token missing subject")
	}
	role := Role(c.Role)
	if !role.Valid() {
		return Identity{}, errs.Unauthenticated("token carries unknown role")
	}

	name := c.DisplayName
	if name == "" {
		name = c.Subject
	}

	return Identity{UserID: c.Subject, DisplayName: name, Role: role}, nil
}

// IssueToken mints an HS256 token for the given identity. Used by tests and
// local development; production tokens come from the platform auth service.
func (v *JWTVerifier) IssueToken(id Identity) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		DisplayName: id.DisplayName,
		Role:        string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: id.UserID,
		},
	})
	signed, err := t.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// StaticVerifier maps opaque tokens to identities. Used as a test double and
// for local development without a JWT issuer.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewStaticVerifier creates an empty static verifier.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]Identity)}
}

// Add registers a token for the given identity.
func (v *StaticVerifier) Add(token string, id Identity) {
	v.mu.Lock()
	v.tokens[token] = id
	v.mu.Unlock()
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	v.mu.RLock()
	id, ok := v.tokens[token]
	v.mu.RUnlock()
	if !ok {
		return Identity{}, errs.Unauthenticated("unknown token")
	}
	return id, nil
}
