// Package auth implements registration, login and session binding. A
// session is an opaque 128-bit token stored in the routing store as
// token -> email with a 24h TTL; the durable store holds the account row.
package auth

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/store"
)

// SessionTTL is how long an issued token stays valid.
const SessionTTL = 24 * time.Hour

const saltLength = 16

// Public error ids. Every auth failure surfaced over HTTP is one of these.
const (
	IDBadRequest     = "BAD_REQUEST"
	IDUsernameExists = "USERNAME_EXISTS"
	IDEmailExists    = "EMAIL_EXISTS"
	IDLoginFailed    = "LOGIN_FAILED"
)

// APIError is an auth failure with a stable public id.
type APIError struct {
	ID      string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.ID, e.Message)
}

var (
	ErrUsernameExists = &APIError{ID: IDUsernameExists, Message: "username already exists"}
	ErrEmailExists    = &APIError{ID: IDEmailExists, Message: "email already exists"}
	// Credential failures deliberately share one message so the response
	// does not reveal whether the email is registered.
	ErrCredentials = &APIError{ID: IDBadRequest, Message: "email password no match"}
)

// ErrSessionExpired is returned when a token is unknown or past its TTL.
var ErrSessionExpired = errors.New("session expired")

// Service binds the routing store (sessions) and the durable store
// (accounts).
type Service struct {
	redis *store.Redis
	db    *store.DB
}

// NewService wires the auth service.
func NewService(redis *store.Redis, db *store.DB) *Service {
	return &Service{redis: redis, db: db}
}

// Register creates an account and issues a session token. The password is
// stored as MD5(password || salt) with a fresh 16-char salt. MD5 is kept
// for compatibility with the existing user corpus.
func (s *Service) Register(ctx context.Context, username, email, password string) (string, error) {
	if username == "" || email == "" || password == "" {
		return "", &APIError{ID: IDBadRequest, Message: "username, email and password are required"}
	}

	if _, err := s.db.GetUserByUsername(ctx, username); err == nil {
		return "", ErrUsernameExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("register: %w", err)
	}
	if _, err := s.db.GetUserByEmail(ctx, email); err == nil {
		return "", ErrEmailExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("register: %w", err)
	}

	salt, err := randomSalt()
	if err != nil {
		return "", fmt.Errorf("register: %w", err)
	}

	user := &store.User{
		Username:     username,
		Email:        email,
		PasswordHash: hashPassword(password, salt),
		Salt:         salt,
		Avatar:       "/img/default.png",
	}
	if err := s.db.CreateUser(ctx, user); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}

	logging.Info(ctx, "user registered",
		zap.String("username", username),
		zap.String("email", logging.RedactEmail(email)))

	return s.IssueToken(ctx, email)
}

// Login verifies credentials and issues a session token. The digest
// comparison is constant-time.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	if email == "" || password == "" {
		return "", &APIError{ID: IDBadRequest, Message: "email or password no fill"}
	}

	user, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrCredentials
		}
		return "", fmt.Errorf("login: %w", err)
	}

	computed := hashPassword(password, user.Salt)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(user.PasswordHash)) != 1 {
		return "", ErrCredentials
	}

	return s.IssueToken(ctx, email)
}

// IssueToken mints an opaque 128-bit session token bound to email.
func (s *Service) IssueToken(ctx context.Context, email string) (string, error) {
	token := uuid.NewString()
	if err := s.redis.PutSession(ctx, token, email, SessionTTL); err != nil {
		return "", &APIError{ID: IDLoginFailed, Message: "set cookie failed"}
	}
	return token, nil
}

// ResolveToken maps a session token back to its account. Expired or unknown
// tokens yield ErrSessionExpired.
func (s *Service) ResolveToken(ctx context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, ErrSessionExpired
	}
	email, err := s.redis.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	user, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	return user, nil
}

func hashPassword(password, salt string) string {
	sum := md5.Sum([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// randomSalt draws 16 lower-case letters from crypto/rand.
func randomSalt() (string, error) {
	buf := make([]byte, saltLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = 'a' + b%26
	}
	return string(buf), nil
}
