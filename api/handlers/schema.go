package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/workflow"
	"github.com/H-JUYEONG/Text2SQL/api/config"
)

var schemaSource workflow.SchemaFetcher

// SetSchemaSource wires the schema fetcher used by the admin schema endpoint.
func SetSchemaSource(f workflow.SchemaFetcher) {
	schemaSource = f
}

// ipFromRequest extracts the client IP, trusting proxy headers first.
func ipFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RequireAdmin gates a route behind the X-Admin-Key header and the optional
// admin IP allowlist. With no key configured the route is unavailable.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminKey := config.Get().AdminAPIKey
		if adminKey == "" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		key := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if allowlist := config.Get().AdminIPAllowlist; len(allowlist) > 0 {
			ip := ipFromRequest(r)
			allowed := false
			for _, a := range allowlist {
				if a == ip {
					allowed = true
					break
				}
			}
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// SchemaResponse is the database schema as seen by query generation.
type SchemaResponse struct {
	Tables []workflow.Table `json:"tables"`
	Error  string           `json:"error,omitempty"`
}

// GetSchema returns the operational schema. Admin-only: it exposes table and
// column names for the whole query surface.
func GetSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if schemaSource == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(SchemaResponse{Error: "Schema source is not configured"})
		return
	}

	schema, err := schemaSource.FetchSchema(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(SchemaResponse{Error: internalError("Failed to fetch schema", err)})
		return
	}

	_ = json.NewEncoder(w).Encode(SchemaResponse{Tables: schema.Tables})
}
