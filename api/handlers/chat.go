package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/workflow"
	"github.com/H-JUYEONG/Text2SQL/api/metrics"
)

// ChatEngine is the part of workflow.Engine the chat handler needs.
type ChatEngine interface {
	HandleMessage(ctx context.Context, sessionID, message string) (*workflow.Reply, error)
}

var chatEngine ChatEngine

// SetEngine wires the workflow engine into the chat handler. Called once from
// main before the server starts serving requests.
func SetEngine(e ChatEngine) {
	chatEngine = e
}

// ChatRequest is the incoming chat message.
type ChatRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

// ChatResponse is the reply for one conversational turn. NeedsUserResponse
// means the turn suspended and the next message for this session resumes it;
// ApprovalRequested additionally means the pending input is a query approval.
type ChatResponse struct {
	SessionID         string `json:"sessionId"`
	Text              string `json:"text"`
	NeedsUserResponse bool   `json:"needsUserResponse"`
	ApprovalRequested bool   `json:"approvalRequested"`
	Error             string `json:"error,omitempty"`
}

func Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	if chatEngine == nil {
		slog.Error("chat engine is not configured")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(ChatResponse{Error: "AI service is not configured. Please contact the administrator."})
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	start := time.Now()
	reply, err := chatEngine.HandleMessage(r.Context(), sessionID, req.Message)
	if err != nil {
		writeChatError(w, sessionID, start, err)
		return
	}

	outcome := "completed"
	switch {
	case reply.ApprovalRequested:
		outcome = "suspended_approval"
	case reply.NeedsUserResponse:
		outcome = "suspended_input"
	}
	metrics.RecordChatTurn(outcome, time.Since(start))

	if err := appendSessionMessages(r.Context(), sessionID,
		SessionMessage{Role: "user", Content: req.Message},
		SessionMessage{Role: "assistant", Content: reply.Text},
	); err != nil {
		// History is best-effort; the turn itself is already checkpointed.
		slog.Error("failed to persist session history", "session_id", sessionID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ChatResponse{
		SessionID:         sessionID,
		Text:              reply.Text,
		NeedsUserResponse: reply.NeedsUserResponse,
		ApprovalRequested: reply.ApprovalRequested,
	})
}

func writeChatError(w http.ResponseWriter, sessionID string, start time.Time, err error) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case errors.Is(err, workflow.ErrTurnInProgress):
		metrics.RecordChatTurn("turn_in_progress", time.Since(start))
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ChatResponse{
			SessionID: sessionID,
			Error:     "이전 메시지를 아직 처리하는 중입니다. 잠시 후 다시 시도해주세요.",
		})
	case errors.Is(err, workflow.ErrCheckpointConflict):
		metrics.RecordCheckpointConflict()
		metrics.RecordChatTurn("conflict", time.Since(start))
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ChatResponse{
			SessionID: sessionID,
			Error:     "다른 요청과 충돌이 발생했습니다. 메시지를 다시 보내주세요.",
		})
	default:
		metrics.RecordChatTurn("error", time.Since(start))
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ChatResponse{
			SessionID: sessionID,
			Error:     internalError("Failed to process message", err),
		})
	}
}
