// Package auth implements the single shared-password gate: a bcrypt hash
// configured at startup, an in-memory session store, and request credential
// extraction (session cookie or HTTP Basic password).
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// CookieName carries the session token in browsers.
const CookieName = "sharedrop_session"

// SessionTTL bounds how long a login stays valid.
const SessionTTL = 12 * time.Hour

// HashPassword produces the bcrypt hash stored in config.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Gate validates credentials against the configured password hash.
// A Gate with an empty hash allows everything.
type Gate struct {
	hash []byte

	mu       sync.Mutex
	sessions map[string]time.Time
}

func NewGate(passwordBcrypt string) *Gate {
	return &Gate{
		hash:     []byte(passwordBcrypt),
		sessions: map[string]time.Time{},
	}
}

// Enabled reports whether a password is configured.
func (g *Gate) Enabled() bool {
	return len(g.hash) > 0
}

// CheckPassword compares a submitted password against the configured hash.
// bcrypt's comparison is constant time over the hash.
func (g *Gate) CheckPassword(password string) bool {
	if !g.Enabled() {
		return true
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(password)) == nil
}

// NewSession mints a random session token after a successful login.
func (g *Gate) NewSession() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	tok := hex.EncodeToString(b[:])
	g.mu.Lock()
	g.sessions[tok] = time.Now().Add(SessionTTL)
	g.mu.Unlock()
	return tok, nil
}

// ValidSession reports whether a token is live, expiring stale ones.
func (g *Gate) ValidSession(tok string) bool {
	if tok == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	exp, ok := g.sessions[tok]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(g.sessions, tok)
		return false
	}
	return true
}

// Drop invalidates a session token (logout).
func (g *Gate) Drop(tok string) {
	g.mu.Lock()
	delete(g.sessions, tok)
	g.mu.Unlock()
}

// Authenticated reports whether the request carries a valid credential:
// either a live session cookie or the shared password via HTTP Basic
// (any username).
func (g *Gate) Authenticated(r *http.Request) bool {
	if !g.Enabled() {
		return true
	}
	if c, err := r.Cookie(CookieName); err == nil && g.ValidSession(c.Value) {
		return true
	}
	if _, pass, ok := parseBasicAuth(r.Header.Get("Authorization")); ok {
		return g.CheckPassword(pass)
	}
	// constant-ish work for the empty-credential path
	_ = subtle.ConstantTimeByteEq(1, 1)
	return false
}

// Require wraps next with the gate; denied requests are handed to deny,
// which owns the 401 response (login page or Basic challenge).
func (g *Gate) Require(next http.Handler, deny http.Handler) http.Handler {
	if !g.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Authenticated(r) {
			next.ServeHTTP(w, r)
			return
		}
		deny.ServeHTTP(w, r)
	})
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
