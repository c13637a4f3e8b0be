package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/partyhub/internal/auth"
)

// ContextKeySession is the gin.Context key holding the *auth.Session.
const ContextKeySession = "session"

// AuthMiddleware resolves the caller's session from the bearer token.
//
// Listing events and communities works without an account, so a request
// with no Authorization header continues anonymously. A header that is
// present but invalid, expired, revoked or idle is rejected with 401 so the
// client knows to sign in again.
//
// The session is stored both in gin.Context (for handlers) and in the
// request's context.Context (for the participation engine and gateway).
func AuthMiddleware(secret string, idle *auth.IdleTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.Next()
			return
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization format, expected: Bearer <token>",
			})
			return
		}

		claims, err := auth.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		if idle != nil && !idle.Touch(claims.ID) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "session ended, sign in again",
			})
			return
		}

		session := auth.SessionFromClaims(claims)
		c.Set(ContextKeySession, session)
		c.Request = c.Request.WithContext(auth.WithSession(c.Request.Context(), session))

		c.Next()
	}
}

// bearerToken returns ok=false when no credentials were sent at all. A
// websocket upgrade cannot set headers from the browser, so the token may
// also come in the access_token query parameter.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if q := c.Query("access_token"); q != "" {
			return q, true
		}
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", true
	}
	return strings.TrimSpace(parts[1]), true
}

// RequireSession aborts anonymous requests with 401.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetSession(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "sign in required",
			})
			return
		}
		c.Next()
	}
}

// GetSession returns the caller's session, or nil if anonymous.
func GetSession(c *gin.Context) *auth.Session {
	val, exists := c.Get(ContextKeySession)
	if !exists {
		return nil
	}
	s, ok := val.(*auth.Session)
	if !ok {
		return nil
	}
	return s
}

// GetUserID returns uuid.Nil for anonymous callers, which fails any
// ownership or membership check.
func GetUserID(c *gin.Context) uuid.UUID {
	if s := GetSession(c); s != nil {
		return s.UserID
	}
	return uuid.Nil
}
