package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/workflow"
	"github.com/H-JUYEONG/Text2SQL/api/handlers"
	apitesting "github.com/H-JUYEONG/Text2SQL/api/testing"
)

func TestGetSessionMessages_NotFound(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/no-such-session/messages", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSessionMessages_AccumulatesTurns(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)

	useEngine(t, &fakeEngine{reply: &workflow.Reply{Text: "답변"}})
	r := newTestRouter()

	_, first := postChat(t, r, handlers.ChatRequest{Message: "질문 하나"})
	require.NotEmpty(t, first.SessionID)
	_, second := postChat(t, r, handlers.ChatRequest{SessionID: first.SessionID, Message: "질문 둘"})
	require.Equal(t, first.SessionID, second.SessionID)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+first.SessionID+"/messages", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var hist handlers.SessionMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Messages, 4)
	assert.Equal(t, "질문 하나", hist.Messages[0].Content)
	assert.Equal(t, "질문 둘", hist.Messages[2].Content)
	for _, m := range hist.Messages {
		assert.False(t, m.CreatedAt.IsZero())
	}
}
