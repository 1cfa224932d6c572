package auth

import (
	"context"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core/user"
)

var (
	// errors
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAccountDeactivated   = errors.New("account deactivated")
	ErrSessionNotFound      = errors.New("session not found or expired")
	ErrRefreshExpired       = errors.New("refresh has expired")
	ErrInvalidToken         = errors.New("invalid token")
)

const audience = "Academia"

// Session binds an authenticated user to a client until it expires or is signed out.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"` // UTC
	ExpiresAt time.Time `json:"expires_at"` // UTC
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// SessionStore persists live sessions. Implementations must drop sessions once expired.
type SessionStore interface {
	SaveSession(ctx context.Context, s Session) error
	// GetSession returns ErrSessionNotFound for unknown or expired sessions.
	GetSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteUserSessions(ctx context.Context, userID string) error
}

// Claims represents the authorization claims transmitted via a JWT.
// StandardClaims.Id holds the Session ID, StandardClaims.Subject the User ID.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64  `json:"oriat,omitempty"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
}

// SessionToken is what a client gets back after signing up, in or refreshing.
type SessionToken struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Metrics records authentication outcomes.
type Metrics interface {
	RecordSignUp(outcome string)
	RecordSignIn(outcome string)
	RecordSignOut()
	RecordTokenRefresh(outcome string)
}

// metric outcomes
const (
	OutcomeSuccess  = "success"
	OutcomeInvalid  = "invalid"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// SignUpResult is returned by Service.SignUp.
type SignUpResult struct {
	User    user.User    `json:"user"`
	Session SessionToken `json:"session"`
}
