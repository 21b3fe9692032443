package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"image-generation-gateway/internal/models"
)

// bearerAuth requires "Authorization: Bearer <key>". An empty key disables it.
func bearerAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") ||
				subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(key)) != 1 {
				writeError(w, models.NewError(models.CodeUnauthorized, "Invalid or missing API key", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
