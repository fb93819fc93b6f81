package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/coursesync/server/internal/models"
)

// APIKeyAuth creates middleware for API key authentication. When keyHash is
// set the key is checked against the bcrypt hash, otherwise it is compared
// with apiKey. With neither configured every request passes.
func APIKeyAuth(apiKey, keyHash, headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = "X-API-Key"
	}
	return func(next http.Handler) http.Handler {
		if apiKey == "" && keyHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for health endpoints
			path := r.URL.Path
			if path == "/health" || path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			// Only authenticate API and socket routes
			if !strings.HasPrefix(path, "/api") && !strings.HasPrefix(path, "/ws") {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get(headerName)
			if providedKey == "" {
				// Browsers cannot set headers on a websocket handshake
				providedKey = r.URL.Query().Get("apiKey")
			}
			if providedKey == "" {
				writeUnauthorized(w, "API key is required.")
				return
			}

			if !validKey(apiKey, keyHash, providedKey) {
				writeUnauthorized(w, "Invalid API key.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func validKey(apiKey, keyHash, provided string) bool {
	if keyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(provided)) == nil
	}
	return constantTimeEquals(apiKey, provided)
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: msg})
}

// constantTimeEquals compares two strings in constant time
func constantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
