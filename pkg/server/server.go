package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/metrics"
	"github.com/raterudder/solarsync/pkg/provider"
	"github.com/raterudder/solarsync/pkg/storage"
	"github.com/raterudder/solarsync/pkg/types"
)

const maxBodyBytes = 1 << 20

type contextKey string

const tenantContextKey contextKey = "tenantID"

// Orchestrator is the part of the sync orchestrator the API drives.
type Orchestrator interface {
	Connect(ctx context.Context, tenantID string, req types.ConnectRequest) (types.ConnectResult, error)
	Sync(ctx context.Context, tenantID string, req types.SyncRequest) (types.SyncResult, error)
	SyncAll(ctx context.Context) (types.BatchResult, error)
	// Location is the zone metrics dates are written in.
	Location() *time.Location
}

// tokenVerifier validates an ID token and returns the tenant it belongs to.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, error)

// Server exposes connect, sync and read-back endpoints for tenants plus the
// batch trigger for the scheduler.
type Server struct {
	orchestrator Orchestrator
	registry     *provider.Registry
	storage      storage.Database

	listenAddr string
	httpServer *http.Server

	oidcVerifiers    map[string]tokenVerifier
	bypassAuth       bool
	syncSharedSecret string
	showHidden       bool
	serverName       string
	now              func() time.Time
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(o Orchestrator, reg *provider.Registry, db storage.Database) *Server {
	srv := &Server{
		orchestrator: o,
		registry:     reg,
		storage:      db,
		serverName:   "solarsync",
		now:          time.Now,
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcIssuers := map[string]string{}
	lflag.JSON(&oidcIssuers, "oidc-issuers", oidcIssuers, "JSON map of OIDC issuer URL to the audience/client ID expected in tenant tokens")
	bypassAuth := lflag.Bool("bypass-auth", false, "Skip token validation and read the tenant from the X-Tenant-ID header (local development only)")
	syncSharedSecret := lflag.String("sync-shared-secret", "", "Secret expected in the X-Sync-Secret header of /api/syncAll. Empty disables the endpoint")
	showHidden := lflag.Bool("show-hidden", false, "Expose hidden providers in lists via the API")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.bypassAuth = *bypassAuth
		srv.syncSharedSecret = *syncSharedSecret
		srv.showHidden = *showHidden

		srv.oidcVerifiers = make(map[string]tokenVerifier, len(oidcIssuers))
		for issuer, audience := range oidcIssuers {
			p, err := oidc.NewProvider(context.Background(), issuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", issuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifiers[issuer] = oidcVerifier(p.Verifier(&oidc.Config{ClientID: audience}))
		}
		if len(srv.oidcVerifiers) == 0 && !srv.bypassAuth {
			log.Ctx(context.Background()).Warn("no oidc issuers configured, tenant API requests will be rejected")
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/connect", s.handleConnect)
	apiMux.HandleFunc("POST /api/sync", s.handleSync)
	apiMux.HandleFunc("GET /api/integrations", s.handleListIntegrations)
	apiMux.HandleFunc("GET /api/metrics", s.handleGetMetrics)
	apiMux.HandleFunc("GET /api/list/providers", s.handleListProviders)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	// the scheduler authenticates with the shared secret instead of a tenant token
	mux.HandleFunc("POST /api/syncAll", s.handleSyncAll)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

func (s *Server) getTenantID(r *http.Request) string {
	if tenantID, ok := r.Context().Value(tenantContextKey).(string); ok && tenantID != "" {
		return tenantID
	}
	// we want to have a stack trace when this happens
	panic("no tenantID in context")
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.listenAddr,
		Handler:     s.setupHandler(),
		ReadTimeout: 15 * time.Second,
		// syncs walk every plant of an account sequentially
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// decodeJSON reads at most maxBodyBytes of JSON into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		// responses carry tenant data
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
