package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raterudder/solarsync/pkg/orchestrator"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/provider"
	"github.com/raterudder/solarsync/pkg/storage"
	"github.com/raterudder/solarsync/pkg/storage/storagemock"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHandleConnect(t *testing.T) {
	post := func(srv *Server, body string) *httptest.ResponseRecorder {
		req := withTenant(httptest.NewRequest(http.MethodPost, "/api/connect", strings.NewReader(body)), "t1")
		w := httptest.NewRecorder()
		srv.handleConnect(w, req)
		return w
	}

	t.Run("Success", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("Connect", mock.Anything, "t1", types.ConnectRequest{
			Provider:    "solis",
			Credentials: types.Credentials{"keyId": "1", "keySecret": "s"},
		}).Return(types.ConnectResult{Success: true, IntegrationID: "int-1", Status: types.StatusConnected}, nil)

		w := post(&Server{orchestrator: mo}, `{"provider":"solis","credentials":{"keyId":"1","keySecret":"s"}}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"success":true,"integration_id":"int-1","status":"connected"}`, w.Body.String())
		mo.AssertExpectations(t)
	})

	t.Run("Rejected", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("Connect", mock.Anything, "t1", mock.Anything).Return(types.ConnectResult{Error: "wrong sign", Category: perr.CategoryAuth}, nil)

		w := post(&Server{orchestrator: mo}, `{"provider":"solis","credentials":{}}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"success":false,"error":"wrong sign","category":"AUTH"}`, w.Body.String())
	})

	t.Run("Provider Down", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("Connect", mock.Anything, "t1", mock.Anything).Return(types.ConnectResult{Error: "bad gateway", Category: perr.CategoryProviderDown}, nil)

		w := post(&Server{orchestrator: mo}, `{"provider":"solis"}`)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("Missing Credential", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("Connect", mock.Anything, "t1", mock.Anything).Return(types.ConnectResult{}, fmt.Errorf("solis: %w: keyId", provider.ErrMissingCredential))

		w := post(&Server{orchestrator: mo}, `{"provider":"solis"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "keyId")
	})

	t.Run("Unsupported", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("Connect", mock.Anything, "t1", mock.Anything).Return(types.ConnectResult{}, fmt.Errorf("%w: nope", orchestrator.ErrUnsupportedProvider))

		w := post(&Server{orchestrator: mo}, `{"provider":"nope"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Bad Body", func(t *testing.T) {
		w := post(&Server{orchestrator: &mockOrchestrator{}}, `{`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w = post(&Server{orchestrator: &mockOrchestrator{}}, `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleSync(t *testing.T) {
	post := func(srv *Server, body string) *httptest.ResponseRecorder {
		req := withTenant(httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(body)), "t1")
		w := httptest.NewRecorder()
		srv.handleSync(w, req)
		return w
	}

	t.Run("OK With Errors", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("Sync", mock.Anything, "t1", types.SyncRequest{Provider: "solis", Mode: types.SyncModeFull}).Return(types.SyncResult{
			Provider:        "solis",
			Mode:            types.SyncModeFull,
			Status:          types.StatusError,
			MetricsUpserted: 1,
			Errors:          []string{"metrics A: service unavailable"},
			ErrorCategories: []perr.Category{perr.CategoryProviderDown},
		}, nil)

		w := post(&Server{orchestrator: mo}, `{"provider":"solis"}`)
		assert.Equal(t, http.StatusOK, w.Code)
		var res types.SyncResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, 1, res.MetricsUpserted)
		assert.Equal(t, []string{"metrics A: service unavailable"}, res.Errors)
		mo.AssertExpectations(t)
	})

	t.Run("Stale Token", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("Sync", mock.Anything, "t1", mock.Anything).Return(types.SyncResult{
			Status:          types.StatusReconnectRequired,
			StaleToken:      true,
			Errors:          []string{"token: expired"},
			ErrorCategories: []perr.Category{perr.CategoryAuth},
		}, nil)

		w := post(&Server{orchestrator: mo}, `{"provider":"solarman","mode":"metrics"}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), `"errorCategories":["AUTH"]`)
	})

	t.Run("Blocked", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("Sync", mock.Anything, "t1", mock.Anything).Return(types.SyncResult{Status: types.StatusBlocked}, nil)

		w := post(&Server{orchestrator: mo}, `{"provider":"solaredge"}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Passes Selection", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("Sync", mock.Anything, "t1", types.SyncRequest{
			Provider:         "solis",
			Mode:             types.SyncModeDiscover,
			SelectedPlantIDs: []string{"A"},
		}).Return(types.SyncResult{Status: types.StatusConnected}, nil)

		w := post(&Server{orchestrator: mo}, `{"provider":"solis","mode":"discover","selected_plant_ids":["A"]}`)
		assert.Equal(t, http.StatusOK, w.Code)
		mo.AssertExpectations(t)
	})

	t.Run("Not Connected", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("Sync", mock.Anything, "t1", mock.Anything).Return(types.SyncResult{}, fmt.Errorf("failed to get integration: %w", storage.ErrIntegrationNotFound))

		w := post(&Server{orchestrator: mo}, `{"provider":"solis"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Internal Error", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("Sync", mock.Anything, "t1", mock.Anything).Return(types.SyncResult{}, errors.New("db down"))

		w := post(&Server{orchestrator: mo}, `{"provider":"solis"}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("Bad Mode", func(t *testing.T) {
		w := post(&Server{orchestrator: &mockOrchestrator{}}, `{"provider":"solis","mode":"everything"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleSyncAll(t *testing.T) {
	call := func(srv *Server, secret string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/syncAll", nil)
		if secret != "" {
			req.Header.Set(syncSecretHeader, secret)
		}
		w := httptest.NewRecorder()
		srv.handleSyncAll(w, req)
		return w
	}

	t.Run("Disabled", func(t *testing.T) {
		w := call(&Server{orchestrator: &mockOrchestrator{}}, "anything")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Wrong Secret", func(t *testing.T) {
		srv := &Server{orchestrator: &mockOrchestrator{}, syncSharedSecret: "s3cret"}
		assert.Equal(t, http.StatusUnauthorized, call(srv, "wrong").Code)
		assert.Equal(t, http.StatusUnauthorized, call(srv, "").Code)
	})

	t.Run("Runs", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("SyncAll", mock.Anything).Return(types.BatchResult{
			Processed: 1,
			Results:   []types.BatchEntry{{TenantID: "t1", Provider: "solis", Status: types.StatusConnected, Errors: []string{}}},
		}, nil)

		w := call(&Server{orchestrator: mo, syncSharedSecret: "s3cret"}, "s3cret")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"processed":1,"results":[{"tenant":"t1","provider":"solis","status":"connected","errors":[]}]}`, w.Body.String())
		mo.AssertExpectations(t)
	})

	t.Run("Fails", func(t *testing.T) {
		mo := &mockOrchestrator{}
		mo.On("SyncAll", mock.Anything).Return(types.BatchResult{}, errors.New("db down"))
		w := call(&Server{orchestrator: mo, syncSharedSecret: "s3cret"}, "s3cret")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHandleListIntegrations(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	last := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, mem.UpsertIntegration(ctx, types.Integration{
		ID:                   "int-1",
		TenantID:             "t1",
		Provider:             "solis",
		Status:               types.StatusError,
		SyncError:            "metrics A: timeout",
		LastSyncAt:           last,
		EncryptedCredentials: []byte("sealed"),
	}))
	require.NoError(t, mem.UpsertIntegration(ctx, types.Integration{ID: "int-2", TenantID: "t2", Provider: "solis"}))

	req := withTenant(httptest.NewRequest(http.MethodGet, "/api/integrations", nil), "t1")
	w := httptest.NewRecorder()
	(&Server{storage: mem}).handleListIntegrations(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "ncrypted")
	var got []integrationView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "int-1", got[0].ID)
	assert.Equal(t, types.StatusError, got[0].Status)
	require.NotNil(t, got[0].LastSyncAt)
	assert.True(t, got[0].LastSyncAt.Equal(last))

	t.Run("Storage Error", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("ListTenantIntegrations", mock.Anything, "t1").Return([]types.Integration(nil), errors.New("down"))
		w := httptest.NewRecorder()
		(&Server{storage: db}).handleListIntegrations(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHandleGetMetrics(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	require.NoError(t, mem.UpsertDailyMetrics(ctx, types.MetricsRecord{
		TenantID:        "t1",
		Provider:        "solis",
		PlantExternalID: "1001",
		Date:            "2026-03-14",
		Metrics:         types.DailyMetrics{EnergyKWh: types.Float(14.2)},
	}))
	mo := &mockOrchestrator{}
	mo.On("Location").Return(time.UTC)
	srv := &Server{orchestrator: mo, storage: mem, now: func() time.Time { return time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC) }}

	get := func(srv *Server, query string) *httptest.ResponseRecorder {
		req := withTenant(httptest.NewRequest(http.MethodGet, "/api/metrics?"+query, nil), "t1")
		w := httptest.NewRecorder()
		srv.handleGetMetrics(w, req)
		return w
	}

	w := get(srv, "provider=solis&plant=1001&date=2026-03-14")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"energy_kwh":14.2`)

	assert.Equal(t, http.StatusOK, get(srv, "provider=solis&plant=1001").Code, "defaults to today")
	assert.Equal(t, http.StatusNotFound, get(srv, "provider=solis&plant=1001&date=2026-03-13").Code)
	assert.Equal(t, http.StatusBadRequest, get(srv, "provider=solis").Code)
	assert.Equal(t, http.StatusBadRequest, get(srv, "provider=solis&plant=1001&date=14/03/2026").Code)

	t.Run("Default Date Uses Metrics Zone", func(t *testing.T) {
		// 23:30 UTC on the 13th is already the 14th in Berlin
		berlin := time.FixedZone("CET", 3600)
		mo := &mockOrchestrator{}
		mo.On("Location").Return(berlin)
		srv := &Server{orchestrator: mo, storage: mem, now: func() time.Time { return time.Date(2026, 3, 13, 23, 30, 0, 0, time.UTC) }}

		w := get(srv, "provider=solis&plant=1001")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"date":"2026-03-14"`)
		mo.AssertExpectations(t)
	})
}

func TestHandleListProviders(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(provider.SolisID, func() provider.Adapter { return provider.NewSolis(provider.Config{}, time.Second) })
	reg.RegisterLegacy(provider.HuaweiID, provider.NewHuaweiLegacy(provider.Config{}))

	req := httptest.NewRequest(http.MethodGet, "/api/list/providers", nil)
	w := httptest.NewRecorder()
	(&Server{registry: reg}).handleListProviders(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var got []types.ProviderInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, provider.HuaweiID, got[0].ID)
	assert.True(t, got[0].Legacy)
	assert.Equal(t, provider.SolisID, got[1].ID)
	assert.True(t, got[1].Sessionless)
}
