package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidToken is returned for a missing, malformed or expired token.
var ErrInvalidToken = errors.New("invalid token")

// Session identifies the caller of a single request. It is derived from a
// verified token for every request and never cached.
type Session struct {
	UID     string `json:"uid"`
	IsAdmin bool   `json:"is_admin"`
}

// Verifier turns a raw token into a Session.
type Verifier interface {
	Verify(ctx context.Context, token string) (Session, error)
}

// Directory answers admin lookups. Unknown users are not admins.
type Directory interface {
	IsAdmin(ctx context.Context, uid string) (bool, error)
}

type sessionContextKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// SessionFromContext returns the session stored by RequireAuth.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(Session)
	return s, ok && s.UID != ""
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// TokenFromRequest returns the bearer token of r, or its session cookie.
func TokenFromRequest(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// resolveAdmin combines a token's admin claim with a fresh directory lookup.
func resolveAdmin(ctx context.Context, dir Directory, uid string, claimed bool) (bool, error) {
	if claimed || dir == nil {
		return claimed, nil
	}
	isAdmin, err := dir.IsAdmin(ctx, uid)
	if err != nil {
		return false, fmt.Errorf("admin lookup for %s: %w", uid, err)
	}
	return isAdmin, nil
}

// MultiVerifier accepts a token if any of its verifiers does, trying them in order.
type MultiVerifier []Verifier

// Verify implements Verifier.
func (m MultiVerifier) Verify(ctx context.Context, token string) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, fmt.Errorf("%w: token is required", ErrInvalidToken)
	}
	var errs []error
	for _, v := range m {
		s, err := v.Verify(ctx, token)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrInvalidToken) {
			return Session{}, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Session{}, fmt.Errorf("%w: no verifier configured", ErrInvalidToken)
	}
	return Session{}, errors.Join(errs...)
}
