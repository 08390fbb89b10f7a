package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codedrop/codedrop/internal/clock"
	"github.com/codedrop/codedrop/internal/share"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Manager registers accounts, issues tokens and answers username queries.
// Accounts always live in the UserStore; username lookups go to the
// directory, which is the store itself unless LDAP is configured.
type Manager struct {
	users     UserStore
	directory UsernameDirectory
	tokens    *TokenIssuer
	limiter   *LoginRateLimiter
	clock     clock.Clock
}

// NewManager creates an identity manager
func NewManager(users UserStore, directory UsernameDirectory, tokens *TokenIssuer) *Manager {
	if directory == nil {
		if d, ok := users.(UsernameDirectory); ok {
			directory = d
		}
	}
	return &Manager{
		users:     users,
		directory: directory,
		tokens:    tokens,
		clock:     clock.Real{},
	}
}

// SetClock replaces the time source used for account timestamps
func (m *Manager) SetClock(c clock.Clock) {
	m.clock = c
}

// SetLoginRateLimiter enables brute-force protection on Login
func (m *Manager) SetLoginRateLimiter(l *LoginRateLimiter) {
	m.limiter = l
}

// Register creates an account and returns it
func (m *Manager) Register(ctx context.Context, username, password string) (*User, error) {
	username = NormalizeUsername(username)
	if !ValidUsername(username) {
		return nil, ErrInvalidUsername
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    m.clock.Now().UTC(),
	}
	if err := m.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
	}).Info("User registered")
	return user, nil
}

// Login checks credentials and returns a bearer token. key identifies the
// client for rate limiting, usually its IP.
func (m *Manager) Login(ctx context.Context, username, password, key string) (string, *User, error) {
	username = NormalizeUsername(username)
	limitKey := key + "|" + username

	if m.limiter != nil && !m.limiter.AllowLogin(limitKey) {
		return "", nil, ErrTooManyAttempts
	}

	user, err := m.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			m.recordFailure(limitKey)
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}

	if !VerifyPassword(password, user.PasswordHash) {
		m.recordFailure(limitKey)
		logrus.WithField("username", username).Warn("Failed login attempt")
		return "", nil, ErrInvalidCredentials
	}

	if m.limiter != nil {
		m.limiter.ResetKey(limitKey)
	}

	token, _, err := m.tokens.Issue(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Authenticate resolves a bearer token to the requester identity
func (m *Manager) Authenticate(ctx context.Context, token string) (*share.Identity, error) {
	claims, err := m.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	return &share.Identity{ID: claims.Subject, Username: claims.Username}, nil
}

// UserExists reports whether username is known to the directory
func (m *Manager) UserExists(ctx context.Context, username string) (bool, error) {
	return m.directory.UserExists(ctx, NormalizeUsername(username))
}

// IsAvailable reports whether username can still be registered
func (m *Manager) IsAvailable(ctx context.Context, username string) (bool, error) {
	username = NormalizeUsername(username)
	if !ValidUsername(username) {
		return false, ErrInvalidUsername
	}
	_, err := m.users.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// ResolveUsername returns up to MaxSearchResults usernames starting with prefix
func (m *Manager) ResolveUsername(ctx context.Context, prefix string) ([]string, error) {
	prefix = NormalizeUsername(prefix)
	if prefix == "" {
		return []string{}, nil
	}
	names, err := m.directory.SearchUsernames(ctx, prefix, MaxSearchResults)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// Suggestions proposes available alternatives to a taken username
func (m *Manager) Suggestions(ctx context.Context, username string) ([]string, error) {
	base := NormalizeUsername(username)
	if len(base) > MaxUsernameLength-5 {
		base = base[:MaxUsernameLength-5]
	}
	base = strings.Trim(base, "_.-")
	if base == "" {
		return nil, ErrInvalidUsername
	}

	year := m.clock.Now().Year()
	candidates := []string{
		base + "1",
		fmt.Sprintf("%s_%d", base, year),
		base + ".dev",
		base + "_x",
		base + "2",
	}

	var out []string
	for _, candidate := range candidates {
		if !ValidUsername(candidate) {
			continue
		}
		ok, err := m.IsAvailable(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, candidate)
		}
		if len(out) == 3 {
			break
		}
	}
	return out, nil
}

func (m *Manager) recordFailure(key string) {
	if m.limiter != nil {
		m.limiter.RecordFailedAttempt(key)
	}
}
