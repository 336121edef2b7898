// Package session owns the process-wide authentication state: the bearer
// token, its durable copy, and the authenticated/unauthenticated flag.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/types"
	"github.com/xhad/docchat/pkg/client"
)

const minPasswordLength = 6

var (
	ErrNoSession    = errors.New("no stored session")
	ErrTokenExpired = errors.New("stored token has expired")
)

type ManagerConfig struct {
	API   types.AuthAPI
	Store types.TokenStore
	Now   func() time.Time
}

// Manager is the only writer of the token store. One Manager exists per
// process; every other component reads the token through it.
type Manager struct {
	api   types.AuthAPI
	store types.TokenStore
	now   func() time.Time

	// writeMu orders store writes with the state they produce.
	writeMu sync.Mutex

	mu            sync.RWMutex
	token         string
	user          *models.User
	authenticated bool
	listeners     []func(authenticated bool)
}

var _ types.Credentials = (*Manager)(nil)

func NewWithConfig(config ManagerConfig) (*Manager, error) {
	if config.API == nil {
		return nil, fmt.Errorf("session manager requires an auth API")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("session manager requires a token store")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Manager{
		api:   config.API,
		store: config.Store,
		now:   config.Now,
	}, nil
}

// OnChange registers fn to run after every authenticated/unauthenticated
// transition and whenever a new token replaces the current one. Listeners
// must not call Login, Logout or Invalidate.
func (m *Manager) OnChange(fn func(authenticated bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authenticated
}

func (m *Manager) User() (models.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return models.User{}, false
	}
	return *m.user, true
}

// ExpiresAt reports the exp claim of the current token when it is a JWT.
func (m *Manager) ExpiresAt() (time.Time, bool) {
	return tokenExpiry(m.Token())
}

func (m *Manager) Login(ctx context.Context, username, password string) error {
	if err := requireCredentials(username, password); err != nil {
		return err
	}

	token, err := m.api.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	if token.AccessToken == "" {
		return &client.AuthError{Message: "service returned an empty token"}
	}
	if token.TokenType != "" && !strings.EqualFold(token.TokenType, "bearer") {
		return &client.AuthError{Message: fmt.Sprintf("unsupported token type %q", token.TokenType)}
	}
	m.writeMu.Lock()
	if err := m.store.Save(ctx, token.AccessToken); err != nil {
		m.writeMu.Unlock()
		return fmt.Errorf("failed to store token: %w", err)
	}
	m.setState(token.AccessToken, &models.User{Username: username}, true)
	m.writeMu.Unlock()

	log.Info("Logged in", "user", username)
	return nil
}

// Signup creates an account. It does not log the new user in.
func (m *Manager) Signup(ctx context.Context, username, password string) (models.User, error) {
	if err := requireCredentials(username, password); err != nil {
		return models.User{}, err
	}
	if len(password) < minPasswordLength {
		return models.User{}, &client.ValidationError{
			Field:   "password",
			Message: fmt.Sprintf("password must be at least %d characters", minPasswordLength),
		}
	}

	user, err := m.api.Signup(ctx, username, password)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to sign up: %w", err)
	}
	log.Info("Account created", "user", user.Username)
	return user, nil
}

// Restore revives the stored session. Any failure discards the stored token
// and leaves the session unauthenticated.
func (m *Manager) Restore(ctx context.Context) error {
	token, err := m.store.Load(ctx)
	if err != nil {
		m.discard()
		return fmt.Errorf("failed to read stored token: %w", err)
	}
	if token == "" {
		m.setState("", nil, false)
		return ErrNoSession
	}
	if exp, ok := tokenExpiry(token); ok && !exp.After(m.now()) {
		m.discard()
		return ErrTokenExpired
	}

	m.mu.Lock()
	m.token = token
	m.mu.Unlock()

	user, err := m.api.Me(ctx)
	if err != nil {
		m.discard()
		return fmt.Errorf("failed to validate stored token: %w", err)
	}
	m.setState(token, &user, true)
	log.Debug("Session restored", "user", user.Username)
	return nil
}

// Logout discards the token. It takes effect before it returns.
func (m *Manager) Logout() {
	m.discard()
	log.Info("Logged out")
}

// Invalidate is called when the service rejects token. A rejection of a
// token that has since been replaced is ignored.
func (m *Manager) Invalidate(token string) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if token == "" || m.Token() != token {
		return
	}
	log.Warn("Session rejected by the service, logging out")
	m.discardLocked()
}

func (m *Manager) discard() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.discardLocked()
}

func (m *Manager) discardLocked() {
	if err := m.store.Clear(context.Background()); err != nil {
		log.Error("Failed to clear stored token", "err", err)
	}
	m.setState("", nil, false)
}

func (m *Manager) setState(token string, user *models.User, authenticated bool) {
	m.mu.Lock()
	changed := m.authenticated != authenticated || (authenticated && m.token != token)
	m.token = token
	m.user = user
	m.authenticated = authenticated
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(authenticated)
		}
	}
}

func requireCredentials(username, password string) error {
	if strings.TrimSpace(username) == "" {
		return &client.ValidationError{Field: "username", Message: "username is required"}
	}
	if password == "" {
		return &client.ValidationError{Field: "password", Message: "password is required"}
	}
	return nil
}

// tokenExpiry decodes the exp claim without verifying the signature; the
// service remains the authority on validity.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
