package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/codedrop/codedrop/internal/clock"
	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "codedrop"

// Claims carried by bearer tokens; Subject is the user id
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
	clock  clock.Clock
}

// NewTokenIssuer creates an issuer for the given secret
func NewTokenIssuer(secret string, expiry time.Duration, c clock.Clock) *TokenIssuer {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	if c == nil {
		c = clock.Real{}
	}
	return &TokenIssuer{secret: []byte(secret), expiry: expiry, clock: c}
}

// Issue creates a signed token for user
func (t *TokenIssuer) Issue(user *User) (string, time.Time, error) {
	now := t.clock.Now()
	expiresAt := now.Add(t.expiry)

	claims := Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies a token and returns its claims
func (t *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.clock.Now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
