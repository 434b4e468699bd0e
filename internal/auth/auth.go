// Package auth authenticates API callers by JWT bearer token or admin key
// and carries the resulting principal on the request context.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	serverError "github.com/ByeonDoHyeon06/vibehost/internal/error"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

const (
	AdminKeyHeader    = "X-Admin-Key"
	ImpersonateHeader = "X-Impersonate-User"
	adminRole         = "admin"
)

// Users resolves the local user behind a principal.
type Users interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	EnsureExternalUser(ctx context.Context, externalAuthID, email, phone string) (*store.User, error)
}

// Config selects the accepted credentials. An empty JWTSecret disables
// bearer tokens and an empty AdminKey disables the admin key.
type Config struct {
	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	JWTAlgorithm string
	AdminKey     string
}

// Principal is the authenticated caller. User is nil for an admin key
// request that impersonates nobody.
type Principal struct {
	User  *store.User
	Admin bool
}

// UserID returns the caller's user id, or "" when there is none.
func (p *Principal) UserID() string {
	if p == nil || p.User == nil {
		return ""
	}
	return p.User.ID
}

// Claims is the accepted bearer token payload.
type Claims struct {
	jwt.RegisteredClaims
	Email             string   `json:"email,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	PhoneNumber       string   `json:"phone_number,omitempty"`
	Role              string   `json:"role,omitempty"`
	Roles             []string `json:"roles,omitempty"`
}

func (c *Claims) admin() bool {
	return c.Role == adminRole || slices.Contains(c.Roles, adminRole)
}

// ExternalID identifies the token subject across issuers.
func (c *Claims) ExternalID() string {
	return c.Issuer + ":" + c.Subject
}

var errUnauthenticated = errors.New("authentication required")

// Authenticator validates credentials and resolves principals.
type Authenticator struct {
	cfg      Config
	users    Users
	logger   *slog.Logger
	parser   *jwt.Parser
	adminSum [sha256.Size]byte
}

// New builds an Authenticator. Only the HMAC signing family is accepted.
func New(cfg Config, users Users, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JWTAlgorithm == "" {
		cfg.JWTAlgorithm = jwt.SigningMethodHS256.Alg()
	}
	switch cfg.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return nil, fmt.Errorf("unsupported JWT algorithm %q", cfg.JWTAlgorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{cfg.JWTAlgorithm}),
		jwt.WithExpirationRequired(),
	}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(cfg.JWTAudience))
	}
	a := &Authenticator{
		cfg:    cfg,
		users:  users,
		logger: logger.With("component", "auth"),
		parser: jwt.NewParser(opts...),
	}
	if cfg.AdminKey != "" {
		a.adminSum = sha256.Sum256([]byte(cfg.AdminKey))
	}
	return a, nil
}

// ParseToken validates a bearer token and returns its claims.
func (a *Authenticator) ParseToken(raw string) (*Claims, error) {
	if a.cfg.JWTSecret == "" {
		return nil, errors.New("bearer tokens are not enabled")
	}
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("invalid token: missing subject")
	}
	return claims, nil
}

func (a *Authenticator) adminKeyMatches(key string) bool {
	if a.cfg.AdminKey == "" || key == "" {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	return subtle.ConstantTimeCompare(sum[:], a.adminSum[:]) == 1
}

// Authenticate resolves the principal for r.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	ctx := r.Context()

	if key := r.Header.Get(AdminKeyHeader); key != "" {
		if !a.adminKeyMatches(key) {
			return nil, errors.New("invalid admin key")
		}
		p := &Principal{Admin: true}
		return a.impersonate(ctx, r, p)
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, errUnauthenticated
	}
	claims, err := a.ParseToken(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	email := claims.Email
	if email == "" {
		email = claims.PreferredUsername
	}
	user, err := a.users.EnsureExternalUser(ctx, claims.ExternalID(), email, claims.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("resolve token user: %w", err)
	}
	p := &Principal{User: user, Admin: claims.admin()}
	if p.Admin {
		return a.impersonate(ctx, r, p)
	}
	return p, nil
}

// impersonate switches an admin principal to the user named by the
// impersonation header, keeping admin rights.
func (a *Authenticator) impersonate(ctx context.Context, r *http.Request, p *Principal) (*Principal, error) {
	id := strings.TrimSpace(r.Header.Get(ImpersonateHeader))
	if id == "" {
		return p, nil
	}
	u, err := a.users.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("impersonated user %q: %w", id, err)
	}
	a.logger.Info("admin impersonation", "user_id", u.ID, "path", r.URL.Path)
	return &Principal{User: u, Admin: true}, nil
}

// RequireAuth rejects unauthenticated requests and stores the principal
// on the request context.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			serverError.RespondError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin must run after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p == nil || !p.Admin {
			serverError.RespondError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// UserFromContext returns the acting user, or nil.
func UserFromContext(ctx context.Context) *store.User {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.User
	}
	return nil
}
