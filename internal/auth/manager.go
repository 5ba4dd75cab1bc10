package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Token is a bearer token known to the Manager.
type Token struct {
	Value     string    `json:"-"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Manager is an in-memory bearer token store. It binds each session to the
// subject that first authenticated on it, so a reconnect with another
// subject's token is refused.
type Manager struct {
	mu        sync.RWMutex
	tokens    map[string]*Token // token value -> token
	bySession map[string]string // sessionID -> subject

	allowAnonymous bool
	now            func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithAnonymous allows callers without a token.
func WithAnonymous(allow bool) Option {
	return func(m *Manager) { m.allowAnonymous = allow }
}

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a token manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		tokens:    make(map[string]*Token),
		bySession: make(map[string]string),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue mints a new random token for subject. A zero ttl never expires.
func (m *Manager) Issue(subject string, ttl time.Duration) (*Token, error) {
	value, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	return m.Grant(value, subject, expires), nil
}

// Grant registers a known token value, replacing any previous entry.
func (m *Manager) Grant(value, subject string, expiresAt time.Time) *Token {
	tok := &Token{
		Value:     value,
		Subject:   subject,
		CreatedAt: m.now(),
		ExpiresAt: expiresAt,
	}
	m.mu.Lock()
	m.tokens[value] = tok
	m.mu.Unlock()
	return tok
}

// Revoke removes a token.
func (m *Manager) Revoke(value string) {
	m.mu.Lock()
	delete(m.tokens, value)
	m.mu.Unlock()
}

// Lookup returns the token for value if it exists and has not expired.
func (m *Manager) Lookup(value string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tok, ok := m.tokens[value]
	if !ok {
		return nil, ErrUnknownToken
	}
	if !tok.ExpiresAt.IsZero() && m.now().After(tok.ExpiresAt) {
		return nil, ErrExpired
	}
	return tok, nil
}

// Refresh implements Authenticator.
func (m *Manager) Refresh(_ context.Context, sessionID string, creds Credentials) (*Context, error) {
	subject, expires, err := m.resolve(creds)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if bound, ok := m.bySession[sessionID]; ok && bound != subject {
		return nil, fmt.Errorf("%w: session %s", ErrSubjectMismatch, sessionID)
	}
	m.bySession[sessionID] = subject

	return &Context{
		Subject:   subject,
		Token:     creds.Token,
		IssuedAt:  m.now(),
		ExpiresAt: expires,
	}, nil
}

// Verify implements Authenticator.
func (m *Manager) Verify(_ context.Context, sessionID string, current *Context, creds Credentials) error {
	subject, _, err := m.resolve(creds)
	if err != nil {
		return err
	}
	if current != nil && current.Subject != subject {
		return fmt.Errorf("%w: session %s", ErrSubjectMismatch, sessionID)
	}
	return nil
}

// Forget drops the subject binding of a terminated session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.bySession, sessionID)
	m.mu.Unlock()
}

func (m *Manager) resolve(creds Credentials) (string, time.Time, error) {
	if creds.Token == "" {
		if m.allowAnonymous {
			return AnonymousSubject, time.Time{}, nil
		}
		return "", time.Time{}, ErrMissingToken
	}
	tok, err := m.Lookup(creds.Token)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok.Subject, tok.ExpiresAt, nil
}

// List returns all known tokens.
func (m *Manager) List() []*Token {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Token, 0, len(m.tokens))
	for _, tok := range m.tokens {
		out = append(out, tok)
	}
	return out
}

// CleanExpired removes expired tokens and returns how many were removed.
func (m *Manager) CleanExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for value, tok := range m.tokens {
		if !tok.ExpiresAt.IsZero() && now.After(tok.ExpiresAt) {
			delete(m.tokens, value)
			count++
		}
	}
	return count
}

// generateToken generates a secure random token.
func generateToken() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
