package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/tonieflash/flash-console/internal/config"
	"github.com/tonieflash/flash-console/pkg/crypto"
)

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	hash, err := crypto.HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	return NewJWTManager(
		&config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Hour},
		&config.AuthConfig{Enabled: true, AdminUsername: "admin", AdminPassword: hash},
	)
}

func TestLogin(t *testing.T) {
	m := newManager(t)

	token, expires, err := m.Login("admin", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if time.Until(expires) < 59*time.Minute {
		t.Errorf("expires too early: %v", expires)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Username != "admin" || claims.Subject != "admin" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestLoginRejected(t *testing.T) {
	m := newManager(t)

	for _, c := range [][2]string{{"admin", "wrong"}, {"root", "s3cret"}, {"", ""}} {
		if _, _, err := m.Login(c[0], c[1]); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Login(%q, %q) = %v", c[0], c[1], err)
		}
	}
}

func TestValidateTokenRejects(t *testing.T) {
	m := newManager(t)
	token, _, err := m.GenerateToken("admin")
	if err != nil {
		t.Fatal(err)
	}

	other := NewJWTManager(&config.JWTConfig{Secret: "other", AccessTokenTTL: time.Hour}, &config.AuthConfig{})
	if _, err := other.ValidateToken(token); err == nil {
		t.Error("token signed with another secret accepted")
	}

	expired := NewJWTManager(&config.JWTConfig{Secret: "test-secret", AccessTokenTTL: -time.Minute}, &config.AuthConfig{})
	old, _, err := expired.GenerateToken("admin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ValidateToken(old); err == nil {
		t.Error("expired token accepted")
	}

	if _, err := m.ValidateToken("not.a.token"); err == nil {
		t.Error("garbage accepted")
	}
}
