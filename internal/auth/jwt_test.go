package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestValidator_IssueAndParse(t *testing.T) {
	v := NewValidator("secret")
	tok, err := v.Issue(7, models.RoleObserver, time.Hour)
	require.NoError(t, err)

	id, err := v.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: 7, Role: models.RoleObserver}, id)
}

func TestValidator_LegacyTypeClaim(t *testing.T) {
	v := NewValidator("secret")
	tok := sign(t, "secret", Claims{
		ID:   3,
		Type: "cuidador",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	id, err := v.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, models.RoleObserver, id.Role)
	assert.Equal(t, int64(3), id.ID)
}

func TestValidator_Rejects(t *testing.T) {
	v := NewValidator("secret")

	_, err := v.Parse("  ")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = v.Parse(sign(t, "other", Claims{ID: 1, Role: "admin"}))
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := sign(t, "secret", Claims{
		ID:   1,
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	_, err = v.Parse(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = v.Parse(sign(t, "secret", Claims{ID: 1, Role: "janitor"}))
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Bearer abc.def")
	assert.Equal(t, "abc.def", BearerToken(r))

	r.Header.Set("Authorization", "Basic xyz")
	assert.Empty(t, BearerToken(r))
}
