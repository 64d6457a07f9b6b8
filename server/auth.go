package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes gate the mutating API surface. Read access needs a valid token with
// any scope set; writes need the matching scope.
const (
	ScopeDealsWrite = "deals:write"
	ScopeOpsRecover = "ops:recover"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal is the authenticated API caller.
type Principal struct {
	Subject string
	Scopes  map[string]struct{}
}

// HasScope reports whether the principal carries the scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Scopes[scope]
	return ok
}

// AuthConfig parameterizes bearer token verification.
type AuthConfig struct {
	// Secret signs and verifies HS256 tokens.
	Secret []byte
	Issuer string
	// Audience must appear in the token's aud claim.
	Audience string
	// MaxSkew is the accepted clock drift for exp/nbf checks.
	MaxSkew time.Duration
}

// Authenticator verifies HS256 bearer tokens and attaches the caller to the
// request context.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewAuthenticator validates the configuration and builds the verifier.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("server: auth secret must be at least 32 bytes")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("server: auth issuer required")
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errors.New("server: auth audience required")
	}
	leeway := cfg.MaxSkew
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &Authenticator{
		secret:   cfg.Secret,
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		now:      time.Now,
	}, nil
}

// Verify parses and validates a compact token and extracts the principal.
func (a *Authenticator) Verify(token string) (*Principal, error) {
	if a == nil {
		return nil, errors.New("server: authenticator not configured")
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}
	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("token subject missing")
	}
	scopes, err := extractScopes(claims)
	if err != nil {
		return nil, err
	}
	return &Principal{Subject: subject, Scopes: scopes}, nil
}

// extractScopes accepts either an OAuth-style space-delimited "scope" string
// or a "scopes" array.
func extractScopes(claims jwt.MapClaims) (map[string]struct{}, error) {
	scopes := make(map[string]struct{})
	switch value := claims["scope"].(type) {
	case string:
		for _, scope := range strings.Fields(value) {
			scopes[scope] = struct{}{}
		}
	case nil:
	default:
		return nil, fmt.Errorf("malformed scope claim")
	}
	if list, ok := claims["scopes"].([]interface{}); ok {
		for _, entry := range list {
			if scope, ok := entry.(string); ok {
				if trimmed := strings.TrimSpace(scope); trimmed != "" {
					scopes[trimmed] = struct{}{}
				}
			}
		}
	}
	if len(scopes) == 0 {
		return nil, errors.New("token carries no scopes")
	}
	return scopes, nil
}

// Middleware enforces bearer authentication on every request it wraps.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		principal, err := a.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFromContext extracts the caller attached by Middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if principal, ok := ctx.Value(principalContextKey).(*Principal); ok && principal != nil {
		return principal, nil
	}
	return nil, errors.New("missing principal in context")
}

// RequireScope rejects requests whose principal lacks the scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := PrincipalFromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if !principal.HasScope(scope) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IssueToken mints a token for the subject with the given scopes and TTL.
// brokerctl and tests use it; the daemon only verifies.
func (a *Authenticator) IssueToken(subject string, scopes []string, ttl time.Duration) (string, error) {
	if a == nil {
		return "", errors.New("server: authenticator not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := a.now()
	claims := jwt.MapClaims{
		"sub":   strings.TrimSpace(subject),
		"iss":   a.issuer,
		"aud":   a.audience,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(ttl)),
		"scope": strings.Join(scopes, " "),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
