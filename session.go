package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/rs/zerolog"
)

// Session is an authenticated identity.
type Session struct {
	Token     string    `json:"-"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token's expiry has passed. Tokens without a readable
// expiry never expire client-side.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type tokenClaims struct {
	jwt.StandardClaims
	Username string `json:"username,omitempty"`
}

// readToken extracts expiry and subject from a JWT without verifying its signature;
// the server remains the authority. Opaque tokens yield zero values.
func readToken(token string) (expires time.Time, subject string) {
	var claims tokenClaims
	if _, _, err := new(jwt.Parser).ParseUnverified(token, &claims); err != nil {
		return time.Time{}, ""
	}
	if claims.ExpiresAt > 0 {
		expires = time.Unix(claims.ExpiresAt, 0)
	}
	subject = claims.Subject
	if subject == "" {
		subject = claims.Username
	}
	return expires, subject
}

// SessionManager owns the token: it logs in, persists the session and restores it on
// the next run.
type SessionManager struct {
	client *Client
	kv     KeyValueStore
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	current *Session
}

// NewSessionManager creates a manager persisting to kv.
func NewSessionManager(client *Client, kv KeyValueStore, log zerolog.Logger) *SessionManager {
	return &SessionManager{client: client, kv: kv, log: log, now: time.Now}
}

// Current returns the active session, or nil.
func (m *SessionManager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	s := *m.current
	return &s
}

// Token returns the active token, or "".
func (m *SessionManager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.Token
}

// Login authenticates and persists the new session.
func (m *SessionManager) Login(ctx context.Context, username, password string) (*Session, error) {
	res, err := m.client.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	expires, _ := readToken(res.AccessToken)
	s := &Session{Token: res.AccessToken, Username: username, ExpiresAt: expires}
	if err := m.adopt(ctx, s); err != nil {
		return nil, err
	}
	m.log.Info().Str("username", username).Time("expires_at", expires).Msg("logged in")
	return m.Current(), nil
}

// Register creates the account and then logs in with the same credentials.
func (m *SessionManager) Register(ctx context.Context, reg *Registration) (*Session, error) {
	if _, err := m.client.Register(ctx, reg); err != nil {
		return nil, fmt.Errorf("register %s: %w", reg.Username, err)
	}
	m.log.Info().Str("username", reg.Username).Msg("registered")
	return m.Login(ctx, reg.Username, reg.Password)
}

// Restore reloads a persisted session. It reports false when none is stored or the
// stored token has expired; an expired token is removed.
func (m *SessionManager) Restore(ctx context.Context) (*Session, bool, error) {
	token, ok, err := m.kv.Get(ctx, StoreKeyToken)
	if err != nil {
		return nil, false, err
	}
	if !ok || token == "" {
		return nil, false, nil
	}
	username, _, err := m.kv.Get(ctx, StoreKeyUsername)
	if err != nil {
		return nil, false, err
	}
	expires, subject := readToken(token)
	if username == "" {
		username = subject
	}
	s := &Session{Token: token, Username: username, ExpiresAt: expires}
	if s.Expired(m.now()) {
		m.log.Info().Str("username", username).Msg("stored token expired")
		return nil, false, m.Clear(ctx)
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.client.SetToken(token)
	m.log.Debug().Str("username", username).Msg("session restored")
	return m.Current(), true, nil
}

// Clear forgets the session in memory and in storage.
func (m *SessionManager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.client.SetToken("")

	var firstErr error
	for _, k := range []string{StoreKeyToken, StoreKeyUsername} {
		if err := m.kv.Delete(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *SessionManager) adopt(ctx context.Context, s *Session) error {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.client.SetToken(s.Token)

	if err := m.kv.Set(ctx, StoreKeyToken, s.Token); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	if err := m.kv.Set(ctx, StoreKeyUsername, s.Username); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}
