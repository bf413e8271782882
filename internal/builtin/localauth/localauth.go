// Package localauth is the built-in authentication extension: a local
// username/password login that issues signed JWTs, and a request strategy
// that accepts them as bearer tokens.
//
// It exists so the host is never without authentication; deployments that
// bring their own identity provider register a different strategy and this
// one is simply not loaded.
package localauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/convobuild/extensions/internal/extension"
	"github.com/convobuild/extensions/internal/web"
)

// DefaultTokenTTL bounds token lifetime when the config does not.
const DefaultTokenTTL = 12 * time.Hour

// Config configures the local auth extension.
type Config struct {
	// Secret signs issued tokens. Required.
	Secret []byte
	// Users maps username to password for the login route.
	Users map[string]string
	// TokenTTL is how long issued tokens stay valid.
	TokenTTL time.Duration
}

// Extension is the native extension entry point.
type Extension struct {
	cfg Config
	log *zap.Logger
}

// New creates the extension. A nil logger is replaced with a no-op.
func New(cfg Config, log *zap.Logger) *Extension {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Extension{cfg: cfg, log: log}
}

// Initialize registers the bearer-token strategy and the login route.
func (e *Extension) Initialize(r *extension.Registration) error {
	if len(e.cfg.Secret) == 0 {
		return fmt.Errorf("localauth: signing secret is required")
	}

	r.UseAuthStrategy(&Strategy{secret: e.cfg.Secret})
	if err := r.AddWebRoute(http.MethodPost, web.LoginURL, e.handleLogin); err != nil {
		return err
	}
	return nil
}

// IssueToken signs a token for the given username.
func (e *Extension) IssueToken(username string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(e.cfg.TokenTTL)),
	})
	return token.SignedString(e.cfg.Secret)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (e *Extension) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		web.WriteError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	password, ok := e.cfg.Users[req.Username]
	if !ok || password != req.Password {
		e.log.Info("login rejected", zap.String("username", req.Username))
		web.WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := e.IssueToken(req.Username)
	if err != nil {
		e.log.Error("token signing failed", zap.Error(err))
		web.WriteError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Strategy authenticates requests by their bearer token.
type Strategy struct {
	secret []byte
}

// Authenticate extracts and verifies the token, returning the user it names.
func (s *Strategy) Authenticate(r *http.Request) (any, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, fmt.Errorf("no bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return map[string]any{"name": subject}, nil
}

// bearerToken reads the token from the Authorization header, falling back
// to a token query parameter for links that cannot carry headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
