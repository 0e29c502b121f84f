package middleware

import (
	"net/http"
	"strings"

	"github.com/portalchat/internal/auth"
	"github.com/portalchat/internal/logger"
)

// Identity verifies the bearer token from the Authorization header (or a
// "token" query parameter for WebSocket upgrades, where browsers cannot set
// headers) and stores the resolved identity in the request context.
// Requests without a resolvable identity fail closed with 401.
func Identity(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ""
			if h := r.Header.Get("Authorization"); h != "" {
				parts := strings.SplitN(h, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
					http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
					return
				}
				tokenString = parts[1]
			} else {
				tokenString = r.URL.Query().Get("token")
			}
			if tokenString == "" {
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}

			id, err := auth.ParseToken(tokenString, jwtSecret)
			if err != nil {
				logger.Errorf("identity: %v", err)
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
