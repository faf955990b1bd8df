package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type actorKey struct{}

// ActorFrom returns the authenticated actor id, or "" when the request
// was not authenticated (auth disabled).
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Authenticator accepts either a shared service key ("ApiKey <key>") or
// a Bearer JWT signed with the configured HMAC secret. Either credential
// being empty disables that scheme; both empty disables auth entirely,
// which is only sensible behind a trusted proxy.
type Authenticator struct {
	serviceKey string
	jwtSecret  []byte
}

// NewAuthenticator builds the authenticator from the configured
// credentials.
func NewAuthenticator(serviceKey, jwtSecret string) *Authenticator {
	return &Authenticator{serviceKey: serviceKey, jwtSecret: []byte(jwtSecret)}
}

func (a *Authenticator) enabled() bool {
	return a.serviceKey != "" || len(a.jwtSecret) > 0
}

// validateJWT checks the signature and expiry and returns the subject.
func (a *Authenticator) validateJWT(tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token subject is required")
	}
	return claims.Subject, nil
}

// isPublicPath checks if the path should be accessible without auth.
func isPublicPath(path string) bool {
	return path == "/health" || path == "/readiness"
}

// Middleware authenticates every non-public request and injects the
// actor into the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || !a.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 {
			WriteUnauthorized(w, "Invalid Authorization header format")
			return
		}

		switch parts[0] {
		case "ApiKey":
			if a.serviceKey == "" || subtle.ConstantTimeCompare([]byte(parts[1]), []byte(a.serviceKey)) != 1 {
				WriteUnauthorized(w, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), "service")))
		case "Bearer":
			if len(a.jwtSecret) == 0 {
				WriteUnauthorized(w, "Bearer authentication not configured")
				return
			}
			subject, err := a.validateJWT(parts[1])
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), subject)))
		default:
			WriteUnauthorized(w, "Unsupported Authorization scheme (expected 'ApiKey' or 'Bearer')")
		}
	})
}
