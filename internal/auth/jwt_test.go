package auth

import (
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-with-at-least-32-chars"

func TestVerifyToken_ValidToken(t *testing.T) {
	token, err := GenerateAccessToken("user-1", "Ada", "ada@example.com", testSecret, time.Hour)
	require.NoError(t, err)

	claims, err := VerifyToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, "ada@example.com", claims.Email)
}

func TestVerifyToken_Expired(t *testing.T) {
	token, err := GenerateAccessToken("user-1", "", "", testSecret, -time.Minute)
	require.NoError(t, err)

	_, err = VerifyToken(token, testSecret)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	token, err := GenerateAccessToken("user-1", "", "", testSecret, time.Hour)
	require.NoError(t, err)

	_, err = VerifyToken(token, "another-secret-key-with-32-characters!")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyToken_ShortSecret(t *testing.T) {
	_, err := VerifyToken("whatever", "short")
	assert.ErrorIs(t, err, ErrShortSecret)

	_, err = GenerateAccessToken("user-1", "", "", "short", time.Hour)
	assert.ErrorIs(t, err, ErrShortSecret)
}

var anonPattern = regexp.MustCompile(`^anon-\d+$`)

func TestIdentityFromRequest_ValidToken(t *testing.T) {
	token, err := GenerateAccessToken("user-1", "Ada", "", testSecret, time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws/doc1?token="+token, nil)
	identity := IdentityFromRequest(r, testSecret)
	assert.Equal(t, "user-1", identity.UserID)
	assert.False(t, identity.Anonymous)
	assert.NotEmpty(t, identity.Color)
}

func TestIdentityFromRequest_BearerHeader(t *testing.T) {
	token, err := GenerateAccessToken("user-2", "", "", testSecret, time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws/doc1", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	identity := IdentityFromRequest(r, testSecret)
	assert.Equal(t, "user-2", identity.UserID)
}

func TestIdentityFromRequest_InvalidTokenDowngradesToAnonymous(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/doc1?token=garbage", nil)
	identity := IdentityFromRequest(r, testSecret)

	assert.True(t, identity.Anonymous)
	assert.Regexp(t, anonPattern, identity.UserID)
	assert.NotEmpty(t, identity.Color)
}

func TestIdentityFromRequest_MissingTokenDowngradesToAnonymous(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/doc1", nil)
	identity := IdentityFromRequest(r, testSecret)

	assert.True(t, identity.Anonymous)
	assert.Regexp(t, anonPattern, identity.UserID)
}
