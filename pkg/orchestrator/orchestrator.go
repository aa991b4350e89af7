// Package orchestrator connects tenants to vendor accounts and keeps the
// store in sync with them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/raterudder/solarsync/pkg/archive"
	"github.com/raterudder/solarsync/pkg/audit"
	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/metrics"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/provider"
	"github.com/raterudder/solarsync/pkg/secrets"
	"github.com/raterudder/solarsync/pkg/storage"
	"github.com/raterudder/solarsync/pkg/types"
)

// ErrUnsupportedProvider is returned when neither a canonical adapter nor a
// legacy implementation exists for a provider.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Orchestrator runs connects and syncs. Syncs of one integration are
// sequential; SyncAll handles integrations one at a time.
type Orchestrator struct {
	db         storage.Database
	box        *secrets.Box
	trail      archive.Trail
	audit      audit.Sink
	strategies []strategy
	now        func() time.Time
	location   *time.Location
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLocation sets the zone that decides the date of daily metrics.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) { o.location = loc }
}

// New returns an Orchestrator. Canonical adapters are preferred over legacy
// implementations.
func New(registry *provider.Registry, db storage.Database, box *secrets.Box, trail archive.Trail, sink audit.Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		db:    db,
		box:   box,
		trail: trail,
		audit: sink,
		strategies: []strategy{
			canonicalStrategy{registry: registry},
			legacyStrategy{registry: registry},
		},
		now:      time.Now,
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Location returns the zone that decides the date of daily metrics.
func (o *Orchestrator) Location() *time.Location {
	return o.location
}

func (o *Orchestrator) resolve(id string) (runner, error) {
	for _, s := range o.strategies {
		if r, ok := s.resolve(id); ok {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, id)
}

func withLogger(ctx context.Context, tenantID, provider string) context.Context {
	return log.With(ctx, log.Ctx(ctx).With(slog.String("tenantID", tenantID), slog.String("provider", provider)))
}

// Connect authenticates new credentials, probes the account and stores the
// sanitized result. Vendor rejections are reported in the result; the error
// is only set for invalid input or infrastructure failures.
func (o *Orchestrator) Connect(ctx context.Context, tenantID string, req types.ConnectRequest) (types.ConnectResult, error) {
	run, err := o.resolve(req.Provider)
	if err != nil {
		return types.ConnectResult{}, err
	}
	ctx = withLogger(ctx, tenantID, req.Provider)
	now := o.now()

	event := types.AuditEvent{
		TenantID: tenantID,
		Provider: req.Provider,
		Action:   types.AuditConnect,
		At:       now,
	}

	auth, health, err := run.connect(ctx, req.Credentials)
	if err != nil {
		if errors.Is(err, provider.ErrMissingCredential) {
			return types.ConnectResult{}, err
		}
		pe := perr.Normalize(err, req.Provider)
		log.Ctx(ctx).WarnContext(ctx, "connect rejected", slog.String("category", string(pe.Category)), slog.String("error", pe.Message))
		event.ErrorCount = 1
		event.ErrorCategories = []perr.Category{pe.Category}
		event.Message = pe.Message
		o.record(ctx, event)
		return types.ConnectResult{Error: pe.Message, Category: pe.Category}, nil
	}

	status := types.StatusConnected
	var syncErr string
	if health != nil {
		switch health.Status {
		case types.HealthFail:
			event.ErrorCount = 1
			event.ErrorCategories = []perr.Category{perr.CategoryAuth}
			event.Message = health.Error
			o.record(ctx, event)
			return types.ConnectResult{Health: health, Error: health.Error, Category: perr.CategoryAuth}, nil
		case types.HealthDegraded:
			status = types.StatusError
			syncErr = health.Error
		}
	}

	integration, err := o.db.GetIntegration(ctx, tenantID, req.Provider)
	switch {
	case errors.Is(err, storage.ErrIntegrationNotFound):
		integration = types.Integration{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Provider:  req.Provider,
			CreatedAt: now,
		}
	case err != nil:
		return types.ConnectResult{}, fmt.Errorf("failed to get integration: %w", err)
	}

	if err := o.storeAuth(ctx, &integration, run.info(), auth); err != nil {
		return types.ConnectResult{}, err
	}
	integration.Status = status
	integration.SyncError = syncErr
	integration.UpdatedAt = now
	if req.SelectedPlantIDs != nil {
		integration.SelectedPlantIDs = req.SelectedPlantIDs
	}
	if err := o.db.UpsertIntegration(ctx, integration); err != nil {
		return types.ConnectResult{}, fmt.Errorf("failed to save integration: %w", err)
	}

	event.Status = status
	if syncErr != "" {
		event.ErrorCount = 1
		event.Message = syncErr
	}
	o.record(ctx, event)
	log.Ctx(ctx).InfoContext(ctx, "integration connected", slog.String("status", string(status)))

	return types.ConnectResult{
		Success:       true,
		IntegrationID: integration.ID,
		Status:        status,
		Health:        health,
	}, nil
}

// Sync runs one sync of a stored integration. Per-entity failures end up in
// the result and the derived status; the error is only set when the
// integration cannot be loaded or saved.
func (o *Orchestrator) Sync(ctx context.Context, tenantID string, req types.SyncRequest) (types.SyncResult, error) {
	start := time.Now()
	mode := req.Mode
	if mode == "" {
		mode = types.SyncModeFull
	}
	run, err := o.resolve(req.Provider)
	if err != nil {
		return types.SyncResult{}, err
	}
	ctx = withLogger(ctx, tenantID, req.Provider)

	integration, err := o.db.GetIntegration(ctx, tenantID, req.Provider)
	if err != nil {
		return types.SyncResult{}, fmt.Errorf("failed to get integration: %w", err)
	}
	auth, err := o.open(ctx, integration)
	if err != nil {
		return types.SyncResult{}, err
	}

	info := run.info()
	now := o.now()
	result := types.SyncResult{Provider: req.Provider, Mode: mode}
	is := &issues{provider: req.Provider}

	if auth.Tokens.Expired(now) {
		refreshed, err := run.refresh(ctx, auth)
		if err != nil {
			msg := "stored session expired and could not be refreshed"
			if !errors.Is(err, errNoRefresh) {
				log.Ctx(ctx).WarnContext(ctx, "token refresh failed", slog.Any("error", err))
				msg += ": " + perr.Normalize(err, req.Provider).Message
			}
			is.list = append(is.list, types.SyncIssue{Entity: "token", Category: perr.CategoryAuth, Message: msg})
			result.StaleToken = true
			return o.finish(ctx, integration, &result, is, types.StatusReconnectRequired, start, true)
		}
		auth = refreshed
		if err := o.storeAuth(ctx, &integration, info, auth); err != nil {
			return result, err
		}
		integration.UpdatedAt = now
		if err := o.db.UpsertIntegration(ctx, integration); err != nil {
			return result, fmt.Errorf("failed to save refreshed tokens: %w", err)
		}
		log.Ctx(ctx).DebugContext(ctx, "refreshed expired tokens")
	}

	if mode == types.SyncModeDiscover {
		plants, err := run.discover(ctx, auth)
		if err != nil {
			is.add("plants", "", err)
		}
		result.DiscoveredPlants = plants
		return o.finish(ctx, integration, &result, is, ReduceStatus(is.categories(), info.Sessionless), start, false)
	}

	if len(req.SelectedPlantIDs) > 0 {
		integration.SelectedPlantIDs = req.SelectedPlantIDs
	}
	sr := &syncRun{
		o:        o,
		tenantID: tenantID,
		provider: req.Provider,
		mode:     mode,
		auth:     auth,
		selected: integration.SelectedPlantIDs,
		now:      now,
		date:     now.In(o.location).Format(time.DateOnly),
		issues:   is,
		result:   &result,
	}
	if err := run.sync(ctx, sr); err != nil {
		is.add("sync", "", err)
	}

	if tokens, ok := run.renewed(); ok {
		renewed := types.AuthResult{Credentials: auth.Credentials, Tokens: tokens}
		if err := o.storeAuth(ctx, &integration, info, renewed); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seal renewed tokens", slog.Any("error", err))
		}
	}

	return o.finish(ctx, integration, &result, is, ReduceStatus(is.categories(), info.Sessionless), start, true)
}

func (o *Orchestrator) finish(
	ctx context.Context,
	integration types.Integration,
	result *types.SyncResult,
	is *issues,
	status types.IntegrationStatus,
	start time.Time,
	persist bool,
) (types.SyncResult, error) {
	result.Status = status
	result.Errors = is.messages()
	result.ErrorCategories = is.categories()

	if persist {
		now := o.now()
		integration.Status = status
		integration.SyncError = syncError(result.Errors)
		integration.LastSyncAt = now
		integration.UpdatedAt = now
		if err := o.db.UpsertIntegration(ctx, integration); err != nil {
			return *result, fmt.Errorf("failed to save integration: %w", err)
		}
	}

	metrics.Sync(result.Provider, string(result.Mode), string(status), time.Since(start))
	metrics.Upserted(result.Provider, "plant", result.PlantsUpserted)
	metrics.Upserted(result.Provider, "metrics", result.MetricsUpserted)
	metrics.Upserted(result.Provider, "device", result.DevicesUpserted)
	metrics.Upserted(result.Provider, "alarm", result.AlarmsUpserted)

	o.record(ctx, types.AuditEvent{
		TenantID:        integration.TenantID,
		Provider:        result.Provider,
		Action:          types.AuditSync,
		Mode:            result.Mode,
		Status:          status,
		ErrorCount:      len(result.Errors),
		ErrorCategories: result.ErrorCategories,
		Message:         syncError(result.Errors),
		At:              o.now(),
	})

	log.Ctx(ctx).InfoContext(
		ctx,
		"sync finished",
		slog.String("mode", string(result.Mode)),
		slog.String("status", string(status)),
		slog.Int("plants", result.PlantsUpserted),
		slog.Int("metrics", result.MetricsUpserted),
		slog.Int("devices", result.DevicesUpserted),
		slog.Int("alarms", result.AlarmsUpserted),
		slog.Int("errors", len(result.Errors)),
	)
	return *result, nil
}

// SyncAll runs a full sync for every connected or failing integration, one
// after another.
func (o *Orchestrator) SyncAll(ctx context.Context) (types.BatchResult, error) {
	integrations, err := o.db.ListIntegrations(ctx, types.StatusConnected, types.StatusError)
	if err != nil {
		return types.BatchResult{}, fmt.Errorf("failed to list integrations: %w", err)
	}
	out := types.BatchResult{Results: make([]types.BatchEntry, 0, len(integrations))}
	for _, in := range integrations {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := o.Sync(ctx, in.TenantID, types.SyncRequest{Provider: in.Provider, Mode: types.SyncModeFull})
		entry := types.BatchEntry{
			TenantID: in.TenantID,
			Provider: in.Provider,
			Status:   res.Status,
			Errors:   res.Errors,
		}
		if err != nil {
			log.Ctx(ctx).ErrorContext(
				ctx,
				"batch sync failed",
				slog.String("tenantID", in.TenantID),
				slog.String("provider", in.Provider),
				slog.Any("error", err),
			)
			entry.Status = in.Status
			entry.Errors = []string{err.Error()}
		}
		out.Results = append(out.Results, entry)
		out.Processed++
	}
	return out, nil
}

// storeAuth seals the sanitized auth result onto the integration.
func (o *Orchestrator) storeAuth(ctx context.Context, integration *types.Integration, info types.ProviderInfo, auth types.AuthResult) error {
	clean := sanitize(info, auth)
	creds, err := o.box.Seal(ctx, clean.Credentials)
	if err != nil {
		return fmt.Errorf("failed to seal credentials: %w", err)
	}
	tokens, err := o.box.Seal(ctx, clean.Tokens)
	if err != nil {
		return fmt.Errorf("failed to seal tokens: %w", err)
	}
	integration.EncryptedCredentials = creds
	integration.EncryptedTokens = tokens
	return nil
}

func (o *Orchestrator) open(ctx context.Context, integration types.Integration) (types.AuthResult, error) {
	creds, err := o.box.Open(ctx, integration.EncryptedCredentials)
	if err != nil {
		return types.AuthResult{}, fmt.Errorf("failed to open credentials: %w", err)
	}
	tokens, err := o.box.Open(ctx, integration.EncryptedTokens)
	if err != nil {
		return types.AuthResult{}, fmt.Errorf("failed to open tokens: %w", err)
	}
	return types.AuthResult{Credentials: creds, Tokens: tokens}, nil
}

func (o *Orchestrator) record(ctx context.Context, event types.AuditEvent) {
	if err := o.audit.Record(ctx, event); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to record audit event", slog.Any("error", err))
	}
}
