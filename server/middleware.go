// Package server middleware for admin endpoint authentication.
package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// authConfig holds authentication configuration loaded from environment.
type authConfig struct {
	adminToken string
	enabled    bool
}

// loadAuthConfig reads auth configuration from environment variables.
func loadAuthConfig() *authConfig {
	token := os.Getenv("ADMIN_TOKEN")
	if token == "" {
		slog.Warn("Admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_TOKEN for production")
	}
	return &authConfig{adminToken: token, enabled: token != ""}
}

// adminAuth protects admin endpoints with bearer-token auth.
func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.adminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
