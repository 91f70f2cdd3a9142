package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/H-JUYEONG/Text2SQL/api/config"
)

var (
	// BuildVersion, BuildCommit, BuildDate are set from main via SetBuildInfo.
	BuildVersion = "dev"
	BuildCommit  = "none"
	BuildDate    = "unknown"
)

// SetBuildInfo sets the build info from ldflags values in main.
func SetBuildInfo(version, commit, date string) {
	BuildVersion = version
	BuildCommit = commit
	BuildDate = date
}

// StatusResponse reports service health and build info.
type StatusResponse struct {
	Status    string `json:"status"` // "healthy" or "degraded"
	Timestamp string `json:"timestamp"`

	Database    bool   `json:"database"`
	DatabaseMsg string `json:"database_msg,omitempty"`

	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// GetStatus reports overall service health: database connectivity plus build
// identification.
func GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Database:  true,
		Version:   BuildVersion,
		Commit:    BuildCommit,
		Date:      BuildDate,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := config.PgPool.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = false
		resp.DatabaseMsg = SanitizeError(err)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
