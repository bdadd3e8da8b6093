// Package session maps bearer tokens to tenants. A session carries the
// opaque owner identity and the admin flag; verifying who the caller is
// happens upstream, this layer only remembers the result.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/vedfolnir/pkg/model"
)

// DefaultTTL is the session lifetime when the manager is not told
// otherwise.
const DefaultTTL = 24 * time.Hour

// Session is one minted bearer token. The ID doubles as the token.
type Session struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Admin     bool      `json:"admin"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the session is past its expiry.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Requester converts the session into the identity the scheduler
// authorizes against.
func (s *Session) Requester() model.Requester {
	return model.Requester{Subject: s.Subject, Admin: s.Admin}
}

// Store persists sessions. A missing session is (nil, nil), not an
// error; errors are reserved for the backend misbehaving.
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context) (int, error)
}

// Manager mints, resolves and destroys sessions on top of a Store.
type Manager struct {
	store  Store
	admins *AdminConfig
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the session lifetime.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// NewManager creates a session manager. admins may be nil, in which
// case no subject is ever an admin.
func NewManager(store Store, admins *AdminConfig, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		admins: admins,
		ttl:    DefaultTTL,
		logger: logger.With("component", "session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create mints a session for the subject. The admin flag is decided
// here, at creation time, from the admin configuration.
func (m *Manager) Create(ctx context.Context, subject string) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        id,
		Subject:   subject,
		Admin:     m.admins != nil && m.admins.IsAdmin(subject),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	m.logger.Info("session created", "subject", subject, "admin", sess.Admin)
	return sess, nil
}

// Resolve looks up a bearer token. Unknown and expired tokens both
// resolve to (nil, nil); expired ones are deleted on the way out.
func (m *Manager) Resolve(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}
	sess, err := m.store.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}
	if sess.IsExpired() {
		_ = m.store.Delete(ctx, token)
		return nil, nil
	}
	return sess, nil
}

// Destroy removes a session. Destroying an unknown token is not an
// error.
func (m *Manager) Destroy(ctx context.Context, token string) error {
	return m.store.Delete(ctx, token)
}

// Sweep deletes expired sessions and returns how many went.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("expired sessions removed", "count", n)
	}
	return n, nil
}

// generateSessionID returns a cryptographically random token.
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sess_" + hex.EncodeToString(b), nil
}
