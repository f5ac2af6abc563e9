package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type Claims struct {
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Role   string   `json:"role"`
	Groups []string `json:"groups"`
	jwt.RegisteredClaims
}

// Identity is the name the user registers under on the signaling channel
func (c *Claims) Identity() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.Email
}

type contextKey string

const UserContextKey contextKey = "user"

var (
	ErrMissingToken = errors.New("missing token")
	ErrTokenExpired = errors.New("token expired")
)

// Options configures an Authenticator
type Options struct {
	// SkipAuth injects a development user for every request
	SkipAuth bool
	// VerifySignature checks tokens against the issuer's JWKS
	VerifySignature bool
	OIDCIssuer      string
	// PublicPaths bypass authentication
	PublicPaths []string
}

// Authenticator validates JWT tokens from the OIDC provider
type Authenticator struct {
	opts   Options
	logger zerolog.Logger

	mu         sync.RWMutex
	keyfunc    jwt.Keyfunc
	lastUpdate time.Time
}

// New creates an Authenticator. JWKS are fetched lazily on the first
// verified token.
func New(opts Options, logger zerolog.Logger) *Authenticator {
	if opts.PublicPaths == nil {
		opts.PublicPaths = []string{"/health"}
	}
	return &Authenticator{
		opts:   opts,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// InitJWKS fetches the signing keys now instead of on the first request
func (a *Authenticator) InitJWKS() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshLocked()
}

// refreshLocked fetches the JWKS from the OIDC provider
func (a *Authenticator) refreshLocked() error {
	if a.opts.OIDCIssuer == "" {
		return fmt.Errorf("OIDC_ISSUER not configured for JWT verification")
	}

	// Keycloak certs endpoint
	jwksURL := strings.TrimSuffix(a.opts.OIDCIssuer, "/") + "/protocol/openid-connect/certs"
	a.logger.Info().Str("url", jwksURL).Msg("fetching JWKS")

	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return fmt.Errorf("failed to create keyfunc: %w", err)
	}

	a.keyfunc = k.Keyfunc
	a.lastUpdate = time.Now()
	a.logger.Info().Msg("JWKS loaded")
	return nil
}

func (a *Authenticator) getKeyfunc() (jwt.Keyfunc, error) {
	a.mu.RLock()
	kf := a.keyfunc
	a.mu.RUnlock()
	if kf != nil {
		return kf, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keyfunc == nil {
		if err := a.refreshLocked(); err != nil {
			return nil, fmt.Errorf("failed to initialize JWKS: %w", err)
		}
	}
	return a.keyfunc, nil
}

// Middleware rejects requests without a valid token and stores the claims in the context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range a.opts.PublicPaths {
			if r.URL.Path == p {
				next.ServeHTTP(w, r)
				return
			}
		}

		if a.opts.SkipAuth {
			ctx := context.WithValue(r.Context(), UserContextKey, devUser(r))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			a.logger.Debug().Str("path", r.URL.Path).Msg("missing authorization token")
			http.Error(w, "Unauthorized: "+ErrMissingToken.Error(), http.StatusUnauthorized)
			return
		}

		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			a.logger.Info().Err(err).Str("path", r.URL.Path).Msg("token validation failed")
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		a.logger.Debug().Str("identity", claims.Identity()).Str("role", claims.Role).Msg("user authenticated")

		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// devUser builds the development identity. Clients may name themselves
// with the identity query parameter.
func devUser(r *http.Request) *Claims {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		identity = "dev"
	}
	return &Claims{
		Email:            identity + "@callcore.local",
		Name:             identity,
		Role:             "admin",
		Groups:           []string{"developers"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: identity},
	}
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	// Browsers cannot set headers on websocket upgrades
	return r.URL.Query().Get("token")
}

// ValidateToken parses a token, verifying its signature when configured
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	var token *jwt.Token
	var err error

	if a.opts.VerifySignature {
		kf, kerr := a.getKeyfunc()
		if kerr != nil {
			return nil, kerr
		}
		token, err = jwt.Parse(tokenString, kf, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "HS256"}))
		if err != nil {
			return nil, fmt.Errorf("token verification failed: %w", err)
		}
		if !token.Valid {
			return nil, fmt.Errorf("invalid token")
		}
	} else {
		token, _, err = new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	} else if preferredUsername, ok := mapClaims["preferred_username"].(string); ok {
		claims.Name = preferredUsername
	}
	claims.Role = extractRole(mapClaims)
	claims.Groups = extractGroups(mapClaims)
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}

	// Verified tokens have their expiry checked by the parser
	if !a.opts.VerifySignature {
		if exp, ok := mapClaims["exp"].(float64); ok {
			expTime := time.Unix(int64(exp), 0)
			claims.ExpiresAt = jwt.NewNumericDate(expTime)
			if expTime.Before(time.Now()) {
				return nil, ErrTokenExpired
			}
		}
	}

	return claims, nil
}

// Role priority when a token carries several
var rolePriority = []string{"admin", "supervisor", "agent", "crm_system", "customer"}

// extractRole extracts role from various possible token claim locations
func extractRole(mapClaims jwt.MapClaims) string {
	// Keycloak
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := realmAccess["roles"].([]interface{}); ok {
			for _, priority := range rolePriority {
				for _, role := range roles {
					if roleStr, ok := role.(string); ok && roleStr == priority {
						return roleStr
					}
				}
			}
		}
	}

	// AWS Cognito and custom group claims
	for _, key := range []string{"cognito:groups", "custom:groups"} {
		groups, ok := mapClaims[key].([]interface{})
		if !ok {
			continue
		}
		for _, priority := range rolePriority {
			for _, group := range groups {
				if groupStr, ok := group.(string); ok && strings.Contains(groupStr, priority) {
					return priority
				}
			}
		}
	}

	return "customer"
}

// extractGroups extracts groups from token claims
func extractGroups(mapClaims jwt.MapClaims) []string {
	var groups []string
	for _, key := range []string{"groups", "cognito:groups"} {
		if claim, ok := mapClaims[key].([]interface{}); ok {
			for _, group := range claim {
				if groupStr, ok := group.(string); ok {
					groups = append(groups, groupStr)
				}
			}
		}
	}
	return groups
}

// GetUserFromContext retrieves user claims from request context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// HasRole checks if user has specific role
func HasRole(claims *Claims, role string) bool {
	return claims.Role == role
}

// RequireRole allows only the given roles through
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if ok {
				for _, role := range roles {
					if HasRole(claims, role) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}
