package server

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/orchestrator"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/provider"
	"github.com/raterudder/solarsync/pkg/storage"
	"github.com/raterudder/solarsync/pkg/types"
)

const syncSecretHeader = "X-Sync-Secret"

// connectFailureStatus maps a rejected connect to an HTTP status.
func connectFailureStatus(c perr.Category) int {
	switch c {
	case perr.CategoryAuth:
		return http.StatusUnauthorized
	case perr.CategoryPermission:
		return http.StatusForbidden
	case perr.CategoryRateLimit:
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req types.ConnectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Provider == "" {
		writeJSONError(w, "provider required", http.StatusBadRequest)
		return
	}

	res, err := s.orchestrator.Connect(ctx, s.getTenantID(r), req)
	switch {
	case errors.Is(err, orchestrator.ErrUnsupportedProvider):
		writeJSONError(w, "unsupported provider", http.StatusBadRequest)
		return
	case errors.Is(err, provider.ErrMissingCredential):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Ctx(ctx).ErrorContext(ctx, "failed to connect integration", slog.Any("error", err))
		writeJSONError(w, "failed to connect", http.StatusInternalServerError)
		return
	}
	if !res.Success {
		writeJSON(w, connectFailureStatus(res.Category), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body struct {
		Provider         string   `json:"provider"`
		Mode             string   `json:"mode"`
		SelectedPlantIDs []string `json:"selected_plant_ids"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if body.Provider == "" {
		writeJSONError(w, "provider required", http.StatusBadRequest)
		return
	}
	mode, err := types.ParseSyncMode(body.Mode)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.orchestrator.Sync(ctx, s.getTenantID(r), types.SyncRequest{
		Provider:         body.Provider,
		Mode:             mode,
		SelectedPlantIDs: body.SelectedPlantIDs,
	})
	switch {
	case errors.Is(err, orchestrator.ErrUnsupportedProvider):
		writeJSONError(w, "unsupported provider", http.StatusBadRequest)
		return
	case errors.Is(err, storage.ErrIntegrationNotFound):
		writeJSONError(w, "integration not connected", http.StatusNotFound)
		return
	case err != nil:
		log.Ctx(ctx).ErrorContext(ctx, "failed to sync integration", slog.Any("error", err))
		writeJSONError(w, "failed to sync", http.StatusInternalServerError)
		return
	}

	code := http.StatusOK
	switch {
	case res.StaleToken:
		code = http.StatusUnauthorized
	case res.Status == types.StatusBlocked:
		code = http.StatusForbidden
	}
	writeJSON(w, code, res)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.syncSharedSecret == "" {
		http.NotFound(w, r)
		return
	}
	got := r.Header.Get(syncSecretHeader)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.syncSharedSecret)) != 1 {
		log.Ctx(ctx).WarnContext(ctx, "invalid sync secret")
		writeJSONError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	res, err := s.orchestrator.SyncAll(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "batch sync failed", slog.Any("error", err))
		writeJSONError(w, "failed to sync integrations", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "batch sync finished", slog.Int("processed", res.Processed))
	writeJSON(w, http.StatusOK, res)
}

// integrationView is an integration without its sealed secrets.
type integrationView struct {
	ID               string                  `json:"id"`
	Provider         string                  `json:"provider"`
	Status           types.IntegrationStatus `json:"status"`
	SyncError        string                  `json:"sync_error,omitempty"`
	LastSyncAt       *time.Time              `json:"last_sync_at,omitempty"`
	SelectedPlantIDs []string                `json:"selected_plant_ids,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := s.storage.ListTenantIntegrations(ctx, s.getTenantID(r))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list integrations", slog.Any("error", err))
		writeJSONError(w, "failed to list integrations", http.StatusInternalServerError)
		return
	}
	out := make([]integrationView, 0, len(list))
	for _, in := range list {
		v := integrationView{
			ID:               in.ID,
			Provider:         in.Provider,
			Status:           in.Status,
			SyncError:        in.SyncError,
			SelectedPlantIDs: in.SelectedPlantIDs,
			CreatedAt:        in.CreatedAt,
		}
		if !in.LastSyncAt.IsZero() {
			last := in.LastSyncAt
			v.LastSyncAt = &last
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	providerID, plantID := q.Get("provider"), q.Get("plant")
	if providerID == "" || plantID == "" {
		writeJSONError(w, "provider and plant required", http.StatusBadRequest)
		return
	}
	date := q.Get("date")
	if date == "" {
		date = s.now().In(s.orchestrator.Location()).Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, date); err != nil {
		writeJSONError(w, "invalid date", http.StatusBadRequest)
		return
	}

	rec, err := s.storage.GetDailyMetrics(ctx, s.getTenantID(r), providerID, plantID, date)
	switch {
	case errors.Is(err, storage.ErrMetricsNotFound):
		writeJSONError(w, "metrics not found", http.StatusNotFound)
		return
	case err != nil:
		log.Ctx(ctx).ErrorContext(ctx, "failed to get metrics", slog.Any("error", err))
		writeJSONError(w, "failed to get metrics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List(s.showHidden))
}
