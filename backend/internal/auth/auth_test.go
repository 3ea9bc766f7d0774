package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/spotexchange/backend/internal/apperr"
)

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	id := uuid.New()

	tok, err := tokens.GenerateJWT(id, "alice")
	require.NoError(t, err)

	claims, err := tokens.ValidateJWT(tok)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestValidateRejects(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	id := uuid.New()

	other, err := NewTokens("other", time.Hour).GenerateJWT(id, "alice")
	require.NoError(t, err)
	_, err = tokens.ValidateJWT(other)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	expired := NewTokens("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.GenerateJWT(id, "alice")
	require.NoError(t, err)
	_, err = tokens.ValidateJWT(old)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: id})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tokens.ValidateJWT(unsigned)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = tokens.ValidateJWT("not.a.token")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.True(t, CheckPasswordHash("hunter2", hash))
	assert.False(t, CheckPasswordHash("hunter3", hash))
}
