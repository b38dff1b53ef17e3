package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"doodle-forge/backend/internal/config"
	"doodle-forge/backend/pkg/models"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"
)

const (
	stateCookie   = "oauthstate"
	sessionCookie = "id_token"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Auth verifies callers and runs the OpenID Connect browser login.
// It implements Verifier over every token source that is configured.
type Auth struct {
	oauth2Config   *oauth2.Config
	cookieVerifier Verifier
	verifier       Verifier
	logger         Logger
	devMode        bool
	authBypass     bool
}

// New creates a new Auth object using values from the application
// configuration. With an OIDC issuer it connects to the provider; with a
// JWT secret it accepts service-issued tokens. In DEV with dev_mode_bypass
// every request runs as auth.dev_uid.
func New(ctx context.Context, cfg *config.Config, dir Directory, logger Logger) (*Auth, error) {
	isDev := cfg.IsDev()
	shouldBypass := isDev && cfg.DevModeBypass

	a := &Auth{logger: logger, devMode: isDev, authBypass: shouldBypass}
	if shouldBypass {
		static := NewStaticVerifier(cfg.Auth.DevUID, dir)
		a.verifier = static
		a.cookieVerifier = static
		return a, nil
	}

	var verifiers MultiVerifier
	if cfg.Auth.Issuer != "" {
		if cfg.Auth.ClientID == "" || cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
		if err != nil {
			return nil, err
		}

		a.oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       LoginScopes,
		}
		a.cookieVerifier = NewOIDCVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID}), dir)

		// Access tokens often carry a different audience (e.g. "api://default").
		verifiers = append(verifiers, NewOIDCVerifier(provider.Verifier(&oidc.Config{SkipClientIDCheck: true}), dir))
	}
	if cfg.Auth.JWTSecret != "" {
		jv, err := NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, dir)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, jv)
	}
	if len(verifiers) == 0 {
		return nil, errors.New("auth configuration is incomplete: set auth.issuer or auth.jwt_secret")
	}
	a.verifier = verifiers
	return a, nil
}

// Verify implements Verifier for bearer tokens.
func (a *Auth) Verify(ctx context.Context, token string) (Session, error) {
	return a.verifier.Verify(ctx, token)
}

// Bypass reports whether requests run without real authentication.
func (a *Auth) Bypass() bool {
	return a.authBypass
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the provider's authorization endpoint. A random state value is
// stored in a cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass || a.oauth2Config == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from the provider. It verifies
// the state parameter, exchanges the code for tokens, validates the ID token,
// and sets a session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass || a.oauth2Config == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	session, err := a.cookieVerifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}
	if a.logger != nil {
		a.logger.Info("user logged in", "uid", session.UID)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// Authenticate resolves the session of r from its bearer token or, failing
// that, its session cookie.
func (a *Auth) Authenticate(r *http.Request) (Session, error) {
	if token := BearerToken(r); token != "" {
		return a.verifier.Verify(r.Context(), token)
	}
	if a.authBypass {
		return a.verifier.Verify(r.Context(), "")
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || a.cookieVerifier == nil {
		return Session{}, ErrInvalidToken
	}
	return a.cookieVerifier.Verify(r.Context(), cookie.Value)
}

// RequireAuth is middleware that rejects requests without a valid token
// and stores the caller's Session in the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := a.Authenticate(r)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
				return
			}
			if a.logger != nil {
				a.logger.Error("session lookup failed", "error", err)
			}
			writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "session lookup failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
	})
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: strings.TrimSpace(detail),
	})
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
