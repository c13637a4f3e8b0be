package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session is the authenticated user behind a request. It is created from a
// verified token and passed explicitly (or through the request context) to
// every component that needs to know who is acting. A nil *Session means
// anonymous.
type Session struct {
	UserID      uuid.UUID `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	TokenID     string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SessionFromClaims builds the session a verified token represents.
func SessionFromClaims(c *Claims) *Session {
	s := &Session{
		UserID:      c.UserID,
		Email:       c.Email,
		DisplayName: c.DisplayName,
		TokenID:     c.ID,
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s
}

type sessionKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session in ctx, or nil if anonymous.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}
