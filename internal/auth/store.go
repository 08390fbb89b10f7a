package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codedrop/codedrop/internal/db"
)

// UserStore persists accounts
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// UsernameDirectory answers username queries for grantee entry
type UsernameDirectory interface {
	UserExists(ctx context.Context, username string) (bool, error)
	SearchUsernames(ctx context.Context, prefix string, limit int) ([]string, error)
}

// SQLStore implements UserStore and UsernameDirectory on the metadata database
type SQLStore struct {
	db      *sql.DB
	dialect db.Dialect
}

// NewSQLStore creates a user store on a migrated database
func NewSQLStore(conn *sql.DB, dialect db.Dialect) *SQLStore {
	return &SQLStore{db: conn, dialect: dialect}
}

// CreateUser inserts a user; ErrUserExists if the username is taken
func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`INSERT INTO users (id, username, password_hash, avatar_url, created_at) VALUES (?, ?, ?, ?, ?)`),
		user.ID, user.Username, user.PasswordHash, nullString(user.AvatarURL), user.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID
func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, password_hash, avatar_url, created_at FROM users WHERE id = ?`, id)
}

// GetUserByUsername retrieves a user by username, case-insensitively
func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, password_hash, avatar_url, created_at FROM users WHERE username = ?`,
		NormalizeUsername(username))
}

// UserExists reports whether username is registered
func (s *SQLStore) UserExists(ctx context.Context, username string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT COUNT(*) FROM users WHERE username = ?`),
		NormalizeUsername(username)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return n > 0, nil
}

// SearchUsernames returns usernames starting with prefix, alphabetically
func (s *SQLStore) SearchUsernames(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}

	pattern := escapeLike(NormalizeUsername(prefix)) + "%"
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(`SELECT username FROM users WHERE username LIKE ? ESCAPE '!' ORDER BY username LIMIT `+fmt.Sprint(limit)),
		pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLStore) getUser(ctx context.Context, query string, arg string) (*User, error) {
	var user User
	var avatar sql.NullString
	var createdAt int64

	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), arg).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &avatar, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.AvatarURL = avatar.String
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &user, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// escapeLike escapes LIKE wildcards with '!'
func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}
