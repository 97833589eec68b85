package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified identity supplied by the (external) auth service.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type contextKey string

const claimsContextKey contextKey = "claims"

// Auth verifies bearer tokens and enforces roles. Token issuance happens
// elsewhere; this only checks signatures.
type Auth struct {
	secret []byte
	logger *slog.Logger
}

func NewAuth(secret string, logger *slog.Logger) *Auth {
	return &Auth{
		secret: []byte(secret),
		logger: logger.With("component", "auth"),
	}
}

// Authenticate rejects requests without a valid bearer token and stores the
// claims on the request context.
func (a *Auth) Authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			respondError(w, http.StatusUnauthorized, "no token, authorization denied")
			return
		}

		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.secret, nil
		})
		if err != nil || !parsed.Valid {
			a.logger.DebugContext(r.Context(), "token rejected", "error", err)
			respondError(w, http.StatusUnauthorized, "token is not valid")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// RequireRole rejects authenticated callers that do not hold the role.
func (a *Auth) RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if claims.Role != role {
			respondError(w, http.StatusForbidden, "access denied, insufficient permissions")
			return
		}
		next(w, r)
	}
}

// ClaimsFromContext returns the verified claims, or nil outside an
// authenticated request.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}
