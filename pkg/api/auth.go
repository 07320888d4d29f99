package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OrganizationHeader binds requests to an organization when no JWT secret is
// configured (lite and development deployments).
const OrganizationHeader = "X-Organization-ID"

// Claims are the JWT claims expected on API requests.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"org_id"`
}

type orgKey struct{}

// WithOrganization returns ctx bound to orgID.
func WithOrganization(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgKey{}, orgID)
}

// OrganizationFrom returns the organization bound by the auth middleware.
func OrganizationFrom(ctx context.Context) string {
	org, _ := ctx.Value(orgKey{}).(string)
	return org
}

var publicPaths = map[string]bool{
	"/health": true,
}

// IssueToken mints an HS256 token binding subject to orgID.
func IssueToken(secret []byte, orgID, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	if orgID == "" {
		return "", errors.New("organization id is required")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrganizationID: orgID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(secret []byte, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// NewAuthMiddleware binds each request to an organization. With a secret it
// requires a Bearer JWT carrying org_id; without one it trusts the
// X-Organization-ID header.
func NewAuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			var org string
			if len(secret) == 0 {
				org = strings.TrimSpace(r.Header.Get(OrganizationHeader))
				if org == "" {
					WriteUnauthorized(w, "Missing "+OrganizationHeader+" header")
					return
				}
			} else {
				authHeader := r.Header.Get("Authorization")
				tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
				if !ok || tokenStr == "" {
					WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
					return
				}
				claims, err := ParseToken(secret, tokenStr)
				if err != nil {
					WriteUnauthorized(w, "Invalid or expired token")
					return
				}
				if claims.OrganizationID == "" {
					WriteUnauthorized(w, "Token organization binding is required")
					return
				}
				org = claims.OrganizationID
			}

			next.ServeHTTP(w, r.WithContext(WithOrganization(r.Context(), org)))
		})
	}
}
