package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pjmoura/bancoledger/internal/ledger"
	"github.com/pjmoura/bancoledger/internal/store"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Identity is the verified caller passed to protected handlers.
type Identity struct {
	Username string
}

// Verifier is the injected capability the API boundary calls before any
// mutating engine operation: credential in, identity or failure out.
type Verifier func(ctx context.Context, token string) (*Identity, error)

// user is the stored registry entry.
type user struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Service implements registration and login over the record store, issuing
// HS256 JWTs.
type Service struct {
	store    store.Store
	secret   []byte
	tokenTTL time.Duration
}

func NewService(s store.Store, secret string, tokenTTL time.Duration) *Service {
	return &Service{store: s, secret: []byte(secret), tokenTTL: tokenTTL}
}

// Register creates a user with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password required", ErrInvalidCredentials)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	u := user{Username: username, PasswordHash: string(hash), CreatedAt: time.Now().UTC()}
	if err := s.store.PutIfAbsent(ctx, ledger.UserKey(username), u); err != nil {
		if errors.Is(err, store.ErrKeyExists) {
			return ErrUserExists
		}
		return err
	}
	return nil
}

// Login checks the password and returns a signed bearer token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	rec, err := s.store.Get(ctx, ledger.UserKey(username))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	var u user
	if err := store.Decode(rec, &u); err != nil {
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return s.issue(username)
}

func (s *Service) issue(username string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify is the Verifier implementation for JWT bearer credentials.
func (s *Service) Verify(_ context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{Username: claims.Subject}, nil
}
