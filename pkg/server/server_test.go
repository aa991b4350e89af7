package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/raterudder/solarsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestSetupHandler(t *testing.T) {
	mo := &mockOrchestrator{}
	mo.On("SyncAll", mock.Anything).Return(types.BatchResult{Results: []types.BatchEntry{}}, nil)
	srv := &Server{orchestrator: mo, syncSharedSecret: "s3cret", serverName: "solarsync"}
	h := srv.setupHandler()

	t.Run("Healthz", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", w.Body.String())
		assert.Equal(t, "solarsync", w.Header().Get("Server"))
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	})

	t.Run("Metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("API Requires Auth", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/integrations", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("SyncAll Uses Shared Secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/syncAll", nil)
		req.Header.Set(syncSecretHeader, "s3cret")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		mo.AssertExpectations(t)
	})
}
