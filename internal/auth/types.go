package auth

import (
	"errors"
	"time"
)

// Common identity errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidUsername    = errors.New("username must be 3 to 32 characters of letters, digits, '_', '.' or '-'")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrTooManyAttempts    = errors.New("too many failed login attempts")
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 32
	MinPasswordLength = 6

	// MaxSearchResults caps username directory searches
	MaxSearchResults = 10
)

// User is a registered account. Usernames are stored lower-cased.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
