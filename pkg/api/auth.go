package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Guard authenticates callers with a shared API key, a signed bearer token,
// or either. A Guard with neither configured lets every request through.
type Guard struct {
	apiKey    []byte
	jwtSecret []byte
	issuer    string
}

// NewGuard builds a guard. An empty apiKey disables key checks; an empty
// jwtSecret disables token checks.
func NewGuard(apiKey, jwtSecret, issuer string) *Guard {
	g := &Guard{issuer: issuer}
	if apiKey != "" {
		g.apiKey = []byte(apiKey)
	}
	if jwtSecret != "" {
		g.jwtSecret = []byte(jwtSecret)
	}
	return g
}

// Enabled reports whether any credential is required.
func (g *Guard) Enabled() bool { return g != nil && (g.apiKey != nil || g.jwtSecret != nil) }

// Claims are the token claims accepted by the guard.
type Claims struct {
	jwt.RegisteredClaims
}

// ValidateToken parses and verifies an HS256 bearer token.
func (g *Guard) ValidateToken(token string) (*Claims, error) {
	if g.jwtSecret == nil {
		return nil, errors.New("token auth not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return g.jwtSecret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	return claims, nil
}

// IssueToken signs claims with the guard secret, defaulting the issuer.
func (g *Guard) IssueToken(claims Claims) (string, error) {
	if g.jwtSecret == nil {
		return "", errors.New("token auth not configured")
	}
	if claims.Issuer == "" {
		claims.Issuer = g.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.jwtSecret)
}

func (g *Guard) allowed(r *http.Request) bool {
	if g.apiKey != nil {
		if k := r.Header.Get("X-API-Key"); k != "" && subtle.ConstantTimeCompare([]byte(k), g.apiKey) == 1 {
			return true
		}
	}
	if g.jwtSecret != nil {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if _, err := g.ValidateToken(strings.TrimSpace(token)); err == nil {
				return true
			}
		}
	}
	return false
}

// Middleware rejects unauthenticated requests with 401.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Enabled() && !g.allowed(r) {
			WriteUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
