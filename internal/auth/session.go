package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/retinascan/internal/cache"
)

const revokedKeyPrefix = "session:revoked:"

var (
	// ErrAuthRequired is returned when a request carries no valid session.
	ErrAuthRequired = errors.New("authentication required")
	// ErrSessionStore is returned when the revocation state cannot be read.
	ErrSessionStore = errors.New("session store unavailable")
)

// Identity is the user a session is bound to.
type Identity struct {
	UserID   uint
	Username string
}

// Session is a verified session token.
type Session struct {
	Identity
	TokenID   string
	ExpiresAt time.Time
}

type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// SessionAuthority issues, verifies and revokes HS256 session tokens.
// Revoked token ids are kept in the cache until the token would expire.
type SessionAuthority struct {
	secret   []byte
	audience string
	ttl      time.Duration
	revoked  cache.Cache
	now      func() time.Time
}

// NewSessionAuthority validates its inputs and returns an authority.
func NewSessionAuthority(secret, audience string, ttl time.Duration, revoked cache.Cache) (*SessionAuthority, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("missing session secret")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	return &SessionAuthority{
		secret:   []byte(secret),
		audience: strings.TrimSpace(audience),
		ttl:      ttl,
		revoked:  revoked,
		now:      time.Now,
	}, nil
}

// Issue signs a new session token for id.
func (a *SessionAuthority) Issue(id Identity) (string, *Session, error) {
	now := a.now()
	session := &Session{
		Identity:  id,
		TokenID:   uuid.NewString(),
		ExpiresAt: now.Add(a.ttl),
	}

	claims := sessionClaims{
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.TokenID,
			Subject:   strconv.FormatUint(uint64(id.UserID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign session token: %w", err)
	}
	return signed, session, nil
}

// Verify checks the token signature, expiry, audience and revocation state.
// Rejected tokens wrap ErrAuthRequired. A failed revocation lookup wraps
// ErrSessionStore and never yields a session.
func (a *SessionAuthority) Verify(ctx context.Context, token string) (*Session, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrAuthRequired)
	}

	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || userID == 0 {
		return nil, fmt.Errorf("%w: invalid subject", ErrAuthRequired)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing token id", ErrAuthRequired)
	}

	if _, err := a.revoked.Get(ctx, revokedKeyPrefix+claims.ID); err == nil {
		return nil, fmt.Errorf("%w: session revoked", ErrAuthRequired)
	} else if !errors.Is(err, cache.ErrMiss) {
		return nil, fmt.Errorf("%w: revocation check failed: %w", ErrSessionStore, err)
	}

	return &Session{
		Identity:  Identity{UserID: uint(userID), Username: claims.Username},
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke invalidates session for the rest of its lifetime.
func (a *SessionAuthority) Revoke(ctx context.Context, session *Session) error {
	ttl := session.ExpiresAt.Sub(a.now())
	if ttl <= 0 {
		return nil
	}
	return a.revoked.Set(ctx, revokedKeyPrefix+session.TokenID, "1", ttl)
}

// TTL returns the lifetime of issued sessions.
func (a *SessionAuthority) TTL() time.Duration { return a.ttl }
