package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fixgate/common/errors"
)

func signedToken(t *testing.T, secret string, expiry time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "firm-55",
		"exp": expiry.Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAcceptAll(t *testing.T) {
	var s Strategy = AcceptAll{}
	assert.NoError(t, s.AuthenticateLogon("INIT", "ACC", "", ""))
	assert.NoError(t, s.AuthenticateNegotiate(1, 55, nil))
	assert.NoError(t, s.AuthenticateEstablish(1, nil))
}

func TestJWTAcceptsValidToken(t *testing.T) {
	s := NewJWT("shhh")
	token := signedToken(t, "shhh", time.Now().Add(time.Hour))

	assert.NoError(t, s.AuthenticateLogon("INIT", "ACC", "trader1", token))
	assert.NoError(t, s.AuthenticateNegotiate(1, 55, []byte(token)))
	assert.NoError(t, s.AuthenticateEstablish(1, []byte(token)))
}

func TestJWTRejectsBadSignature(t *testing.T) {
	s := NewJWT("shhh")
	token := signedToken(t, "wrong-secret", time.Now().Add(time.Hour))

	err := s.AuthenticateNegotiate(1, 55, []byte(token))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthentication)
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	s := NewJWT("shhh")
	token := signedToken(t, "shhh", time.Now().Add(-time.Hour))

	err := s.AuthenticateEstablish(1, []byte(token))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthentication)
}
