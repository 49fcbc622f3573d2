package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrNoCredential       = errors.New("no administrator credential configured")
)

// DefaultSessionTTL is the lifetime of an administrator session token.
const DefaultSessionTTL = 12 * time.Hour

const adminSubject = "admin"

// Credential verifies the administrator secret.
type Credential interface {
	Verify(secret string) bool
}

// BcryptCredential checks secrets against a bcrypt hash.
type BcryptCredential struct {
	hash []byte
}

// NewBcryptCredential validates hash and wraps it.
func NewBcryptCredential(hash string) (*BcryptCredential, error) {
	if hash == "" {
		return nil, ErrNoCredential
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid bcrypt hash: %w", err)
	}
	return &BcryptCredential{hash: []byte(hash)}, nil
}

func (c *BcryptCredential) Verify(secret string) bool {
	return bcrypt.CompareHashAndPassword(c.hash, []byte(secret)) == nil
}

// HashSecret returns the bcrypt hash of secret for use in configuration.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// JWTPrincipal is the identity carried by a valid session token.
type JWTPrincipal struct {
	Subject   string
	SessionID string
	ExpiresAt time.Time
}

// AuthService authenticates the administrator and manages session tokens.
type AuthService struct {
	cred      Credential
	jwtSecret []byte

	mu      sync.Mutex
	revoked map[string]time.Time // session id -> token expiry
}

// NewAuthService creates the service. An empty jwtSecret is replaced by a
// random one, which invalidates sessions on restart.
func NewAuthService(cred Credential, jwtSecret string) *AuthService {
	secret := []byte(jwtSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("generate jwt secret: %v", err))
		}
	}
	return &AuthService{
		cred:      cred,
		jwtSecret: secret,
		revoked:   make(map[string]time.Time),
	}
}

// AuthenticateAdmin reports whether secret is the administrator secret.
// It is false when no credential is configured.
func (s *AuthService) AuthenticateAdmin(secret string) bool {
	if s.cred == nil || secret == "" {
		return false
	}
	return s.cred.Verify(secret)
}

// Login exchanges the administrator secret for a session token.
func (s *AuthService) Login(ctx context.Context, secret string, ttl time.Duration) (string, error) {
	if s.cred == nil {
		return "", ErrNoCredential
	}
	if !s.AuthenticateAdmin(secret) {
		return "", ErrInvalidCredentials
	}
	return s.IssueJWT(ctx, adminSubject, ttl)
}

// IssueJWT creates a signed session token for subject.
func (s *AuthService) IssueJWT(ctx context.Context, subject string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    "devicegate",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateJWT verifies a session token.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*JWTPrincipal, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer("devicegate"), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	s.mu.Lock()
	_, revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		return nil, ErrTokenRevoked
	}

	return &JWTPrincipal{
		Subject:   claims.Subject,
		SessionID: claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke ends the session of a valid token. Revocations are kept in memory
// until the token would have expired anyway.
func (s *AuthService) Revoke(ctx context.Context, tokenStr string) error {
	p, err := s.ValidateJWT(ctx, tokenStr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, exp := range s.revoked {
		if exp.Before(now) {
			delete(s.revoked, id)
		}
	}
	s.revoked[p.SessionID] = p.ExpiresAt
	return nil
}

// RandomSecret returns n random bytes hex encoded.
func RandomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
