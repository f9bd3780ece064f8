package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tonieflash/flash-console/internal/config"
	"github.com/tonieflash/flash-console/pkg/crypto"
)

const issuer = "flash-console"

// ErrInvalidCredentials is returned for an unknown user or wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// JWTManager issues and validates console bearer tokens
type JWTManager struct {
	config *config.JWTConfig
	auth   *config.AuthConfig
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig, auth *config.AuthConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
		auth:   auth,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Login checks the operator credentials and issues an access token
func (m *JWTManager) Login(username, password string) (string, time.Time, error) {
	if username != m.auth.AdminUsername || !crypto.VerifyPassword(password, m.auth.AdminPassword) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return m.GenerateToken(username)
}

// GenerateToken generates an access token for username
func (m *JWTManager) GenerateToken(username string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(m.config.AccessTokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}

	return signed, expires, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
