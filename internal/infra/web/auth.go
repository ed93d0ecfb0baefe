// File: internal/infra/web/auth.go
package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionCookie = "triage_admin_session"

// SessionManager mints and verifies the short-lived admin session issued in
// exchange for the service API key. Tokens ride either the session cookie or
// the Authorization bearer header, so browser consoles and scripts share one
// scheme.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	secure bool
}

func NewSessionManager(secret string, ttl time.Duration, secureCookies bool) *SessionManager {
	return &SessionManager{secret: []byte(secret), ttl: ttl, secure: secureCookies}
}

// Issue signs a session token and sets it as the session cookie. The token is
// also returned so API clients can carry it as a bearer header instead.
func (m *SessionManager) Issue(w http.ResponseWriter) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", err
	}
	m.setCookie(w, signed, int(m.ttl.Seconds()))
	return signed, nil
}

// Clear expires the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) { m.setCookie(w, "", -1) }

func (m *SessionManager) setCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Verify accepts the token from the bearer header or the session cookie.
func (m *SessionManager) Verify(r *http.Request) error {
	tok := bearerToken(r)
	if tok == "" {
		c, err := r.Cookie(sessionCookie)
		if err != nil {
			return errors.New("no session token")
		}
		tok = c.Value
	}
	return m.verifyToken(tok)
}

func (m *SessionManager) verifyToken(tok string) error {
	parsed, err := jwt.ParseWithClaims(tok, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return errors.New("invalid session token")
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != "admin" {
		return errors.New("invalid session subject")
	}
	return nil
}
