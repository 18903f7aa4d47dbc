package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewatch/internal/config"
)

func TestAuthenticate(t *testing.T) {
	a, err := NewAuthenticator(config.AuthConfig{Enabled: true, Username: "instructor", Password: "pa55", JWTSecret: "s3cret"})
	require.NoError(t, err)

	token, exp, err := a.Authenticate("instructor", "pa55")
	require.NoError(t, err)
	assert.Greater(t, exp, time.Now().Unix())

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "instructor", claims.Username)
	assert.Equal(t, "gatewatch", claims.Issuer)

	_, _, err = a.Authenticate("instructor", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Authenticate("someone", "pa55")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateWithHashedPassword(t *testing.T) {
	hash, err := HashPassword("pa55")
	require.NoError(t, err)

	a, err := NewAuthenticator(config.AuthConfig{Enabled: true, Password: hash})
	require.NoError(t, err)

	_, _, err = a.Authenticate("admin", "pa55")
	assert.NoError(t, err)
}

func TestAuthDisabled(t *testing.T) {
	a, err := NewAuthenticator(config.AuthConfig{})
	require.NoError(t, err)
	assert.False(t, a.IsEnabled())

	_, _, err = a.Authenticate("admin", "")
	assert.ErrorIs(t, err, ErrAuthDisabled)
}

func TestEnabledWithoutPassword(t *testing.T) {
	_, err := NewAuthenticator(config.AuthConfig{Enabled: true})
	assert.Error(t, err)
}

func TestTokenValidation(t *testing.T) {
	m := NewJWTManager("one", time.Minute)
	token, _, err := m.GenerateToken("admin")
	require.NoError(t, err)

	_, err = NewJWTManager("two", time.Minute).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
