package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the claims of a service-issued token.
type TokenClaims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin,omitempty"`
}

// JWTVerifier verifies and issues HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret    []byte
	issuer    string
	directory Directory
	now       func() time.Time
}

// NewJWTVerifier creates a JWTVerifier. The secret must not be empty.
func NewJWTVerifier(secret, issuer string, directory Directory) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, directory: directory, now: time.Now}, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, fmt.Errorf("%w: token is required", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims TokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}

	isAdmin, err := resolveAdmin(ctx, v.directory, claims.Subject, claims.Admin)
	if err != nil {
		return Session{}, err
	}
	return Session{UID: claims.Subject, IsAdmin: isAdmin}, nil
}

// Issue signs a token for uid valid for ttl.
func (v *JWTVerifier) Issue(uid string, admin bool, ttl time.Duration) (string, error) {
	now := v.now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Admin: admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
