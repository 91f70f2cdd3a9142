package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/H-JUYEONG/Text2SQL/api/config"
)

// SessionMessage is one entry in a session's stored conversation history.
type SessionMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// appendSessionMessages appends messages to a session's history, creating the
// session row on first contact.
func appendSessionMessages(ctx context.Context, sessionID string, messages ...SessionMessage) error {
	now := time.Now().UTC()
	for i := range messages {
		messages[i].CreatedAt = now
	}
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal session messages: %w", err)
	}

	_, err = config.PgPool.Exec(ctx, `
		INSERT INTO sessions (session_id, messages, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET messages = sessions.messages || EXCLUDED.messages, updated_at = NOW()
	`, sessionID, payload)
	if err != nil {
		return fmt.Errorf("failed to append session messages: %w", err)
	}
	return nil
}

// SessionMessagesResponse is the stored history for one session.
type SessionMessagesResponse struct {
	SessionID string           `json:"sessionId"`
	Messages  []SessionMessage `json:"messages"`
	Error     string           `json:"error,omitempty"`
}

// GetSessionMessages returns the conversation history for a session.
func GetSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return
	}

	var raw json.RawMessage
	err := config.PgPool.QueryRow(r.Context(), `
		SELECT messages FROM sessions WHERE session_id = $1
	`, sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(SessionMessagesResponse{
			SessionID: sessionID,
			Error:     internalError("Failed to fetch session", err),
		})
		return
	}

	messages := []SessionMessage{}
	if err := json.Unmarshal(raw, &messages); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(SessionMessagesResponse{
			SessionID: sessionID,
			Error:     internalError("Failed to decode session history", err),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SessionMessagesResponse{
		SessionID: sessionID,
		Messages:  messages,
	})
}
