package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/H-JUYEONG/Text2SQL/api/handlers"
	apitesting "github.com/H-JUYEONG/Text2SQL/api/testing"
)

func TestGetStatus_Healthy(t *testing.T) {
	apitesting.SetupTestPostgres(t, testPgDB)

	handlers.SetBuildInfo("1.2.3", "abc1234", "2026-08-30")
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.True(t, resp.Database)
	assert.Empty(t, resp.DatabaseMsg)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.NotEmpty(t, resp.Timestamp)
}
