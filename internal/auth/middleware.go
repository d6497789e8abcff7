package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type contextKey string

const sessionKey contextKey = "authSession"

// SessionCookie is the cookie carrying the session token for browser clients.
const SessionCookie = "session"

// GetSession retrieves the verified session from context.
func GetSession(ctx context.Context) (*Session, bool) {
	if ctx == nil {
		return nil, false
	}
	session, ok := ctx.Value(sessionKey).(*Session)
	return session, ok && session != nil
}

// GetIdentity retrieves the authenticated identity from context.
func GetIdentity(ctx context.Context) (Identity, bool) {
	session, ok := GetSession(ctx)
	if !ok {
		return Identity{}, false
	}
	return session.Identity, true
}

// Verifier validates session tokens.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Session, error)
}

// Middleware rejects requests without a valid session before any later
// handler runs, and stores the session in the request context otherwise.
func Middleware(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := ExtractToken(c.Request)
		if err != nil {
			unauthorized(c)
			return
		}

		session, err := verifier.Verify(c.Request.Context(), token)
		if errors.Is(err, ErrSessionStore) {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": ErrSessionStore.Error()})
			return
		}
		if err != nil {
			_ = c.Error(err)
			unauthorized(c)
			return
		}

		ctx := context.WithValue(c.Request.Context(), sessionKey, session)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ExtractToken reads a bearer token from the Authorization header, falling
// back to the session cookie.
func ExtractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return extractBearerToken(header)
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return strings.TrimSpace(cookie.Value), nil
	}
	return "", ErrAuthRequired
}

func extractBearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrAuthRequired.Error()})
}
