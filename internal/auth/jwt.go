package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownRole  = errors.New("unknown role")
)

// Claims issued by the account service. Older tokens carry the role in
// "type" instead of "role".
type Claims struct {
	ID    int64  `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	Type  string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// Identity is what a verified token resolves to.
type Identity struct {
	ID   int64
	Role models.Role
}

type Validator struct {
	secret []byte
}

func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Parse verifies an HS256 token and maps its role claim.
func (v *Validator) Parse(tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	roleName := claims.Role
	if roleName == "" {
		roleName = claims.Type
	}
	role, ok := models.ParseRole(roleName)
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknownRole, roleName)
	}
	return Identity{ID: claims.ID, Role: role}, nil
}

// Issue signs a token for id and role. Used by tooling and tests.
func (v *Validator) Issue(id int64, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ID:   id,
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
