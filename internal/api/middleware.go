package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/casafin/casafin/internal/domain"
)

type contextKey string

const principalKey contextKey = "principal"

// Claims is the token payload the external identity provider issues. The
// household id doubles as the tenancy scope for idempotency keys.
type Claims struct {
	UserID      string `json:"user_id"`
	HouseholdID string `json:"household_id"`
	jwt.RegisteredClaims
}

// Authenticate verifies the bearer token and stashes the resolved principal
// in the request context. Requests without a valid token never reach the
// handlers.
func Authenticate(secret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				respondWithError(w, http.StatusUnauthorized, "Missing bearer token")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				respondWithError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			userID, err := uuid.Parse(claims.UserID)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "Invalid token subject")
				return
			}
			householdID, err := uuid.Parse(claims.HouseholdID)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "Invalid token household")
				return
			}

			principal := domain.Principal{UserID: userID, HouseholdID: householdID}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
		})
	}
}

func principalFrom(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey).(domain.Principal)
	return p, ok
}
