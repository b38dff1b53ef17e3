package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc"
)

// OIDCVerifier verifies tokens issued by an OpenID Connect provider. The
// token subject becomes the session uid.
type OIDCVerifier struct {
	verifier  *oidc.IDTokenVerifier
	directory Directory
}

// NewOIDCVerifier wraps a go-oidc verifier.
func NewOIDCVerifier(verifier *oidc.IDTokenVerifier, directory Directory) *OIDCVerifier {
	return &OIDCVerifier{verifier: verifier, directory: directory}
}

// Verify implements Verifier.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, fmt.Errorf("%w: token is required", ErrInvalidToken)
	}
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims struct {
		Admin bool `json:"admin"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if idToken.Subject == "" {
		return Session{}, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}

	isAdmin, err := resolveAdmin(ctx, v.directory, idToken.Subject, claims.Admin)
	if err != nil {
		return Session{}, err
	}
	return Session{UID: idToken.Subject, IsAdmin: isAdmin}, nil
}
