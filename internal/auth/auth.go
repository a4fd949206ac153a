// Package auth provides the pluggable credential checks invoked during FIX
// logon and FIXP negotiate/establish.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Aidin1998/fixgate/common/errors"
)

// Strategy validates counterparty credentials. Implementations must be fast
// and non-blocking; they run on the framer thread.
type Strategy interface {
	AuthenticateLogon(senderCompID, targetCompID, username, password string) error
	AuthenticateNegotiate(sessionID uint64, enteringFirm uint32, credentials []byte) error
	AuthenticateEstablish(sessionID uint64, credentials []byte) error
}

// AcceptAll admits every counterparty. The default strategy.
type AcceptAll struct{}

func (AcceptAll) AuthenticateLogon(string, string, string, string) error      { return nil }
func (AcceptAll) AuthenticateNegotiate(uint64, uint32, []byte) error          { return nil }
func (AcceptAll) AuthenticateEstablish(uint64, []byte) error                  { return nil }

// JWT validates credentials as HMAC-signed tokens (HS256, HS384 or HS512)
// using a shared secret. The
// FIX password field and the FIXP credentials blob both carry the compact
// token form.
type JWT struct {
	secret []byte
}

// NewJWT builds the JWT strategy.
func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

func (j *JWT) verify(token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrAuthentication, err)
	}
	if !parsed.Valid {
		return errors.ErrAuthentication
	}
	return nil
}

func (j *JWT) AuthenticateLogon(_, _, _, password string) error {
	return j.verify(password)
}

func (j *JWT) AuthenticateNegotiate(_ uint64, _ uint32, credentials []byte) error {
	return j.verify(string(credentials))
}

func (j *JWT) AuthenticateEstablish(_ uint64, credentials []byte) error {
	return j.verify(string(credentials))
}
