package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/provider"
	"github.com/raterudder/solarsync/pkg/types"
)

var errNoRefresh = errors.New("provider does not support token refresh")

// runner drives one provider for the length of a connect or a sync.
type runner interface {
	info() types.ProviderInfo
	connect(ctx context.Context, creds types.Credentials) (types.AuthResult, *types.HealthCheckResult, error)
	refresh(ctx context.Context, auth types.AuthResult) (types.AuthResult, error)
	discover(ctx context.Context, auth types.AuthResult) ([]types.NormalizedPlant, error)
	sync(ctx context.Context, run *syncRun) error
	// renewed returns tokens from a silent re-login during the run.
	renewed() (types.Tokens, bool)
}

// strategy resolves a provider id to a runner.
type strategy interface {
	resolve(id string) (runner, bool)
}

type canonicalStrategy struct{ registry *provider.Registry }

func (s canonicalStrategy) resolve(id string) (runner, bool) {
	a, ok := s.registry.Get(id)
	if !ok {
		return nil, false
	}
	return &canonicalRunner{adapter: a, desc: a.Info()}, true
}

type legacyStrategy struct{ registry *provider.Registry }

func (s legacyStrategy) resolve(id string) (runner, bool) {
	l, ok := s.registry.Legacy(id)
	if !ok {
		return nil, false
	}
	return legacyRunner{legacy: l}, true
}

type canonicalRunner struct {
	adapter provider.Adapter
	desc    types.ProviderInfo
}

func (c *canonicalRunner) info() types.ProviderInfo { return c.desc }

func (c *canonicalRunner) connect(ctx context.Context, creds types.Credentials) (types.AuthResult, *types.HealthCheckResult, error) {
	if err := c.adapter.ValidateCredentials(creds); err != nil {
		return types.AuthResult{}, nil, err
	}
	auth, err := c.adapter.Authenticate(ctx, creds)
	if err != nil {
		return types.AuthResult{}, nil, err
	}
	health := provider.RunHealthCheck(ctx, c.adapter, auth)
	return auth, &health, nil
}

func (c *canonicalRunner) refresh(ctx context.Context, auth types.AuthResult) (types.AuthResult, error) {
	r, ok := c.adapter.(provider.TokenRefresher)
	if !ok {
		return types.AuthResult{}, errNoRefresh
	}
	return r.RefreshToken(ctx, auth.Tokens, auth.Credentials)
}

func (c *canonicalRunner) discover(ctx context.Context, auth types.AuthResult) ([]types.NormalizedPlant, error) {
	return c.adapter.FetchPlants(ctx, auth)
}

func (c *canonicalRunner) renewed() (types.Tokens, bool) {
	if r, ok := c.adapter.(provider.SessionRenewer); ok {
		return r.RenewedTokens()
	}
	return nil, false
}

func (c *canonicalRunner) sync(ctx context.Context, run *syncRun) error {
	var listed []types.NormalizedPlant
	if run.mode == types.SyncModePlants || run.mode == types.SyncModeFull {
		plants, err := c.adapter.FetchPlants(ctx, run.auth)
		if err != nil {
			return fmt.Errorf("listing plants: %w", err)
		}
		listed = run.upsertPlants(ctx, plants)
	}

	if run.mode == types.SyncModeMetrics || run.mode == types.SyncModeFull {
		known, err := run.knownPlants(ctx)
		if err != nil {
			return err
		}
		for _, id := range known {
			m, err := c.adapter.FetchMetrics(ctx, run.auth, id)
			if err != nil {
				run.issues.add("metrics", id, err)
				continue
			}
			run.upsertMetrics(ctx, id, m)
		}
	}

	if run.mode != types.SyncModeFull {
		return nil
	}

	if df, ok := c.adapter.(provider.DeviceFetcher); ok {
		groups, err := df.FetchDevices(ctx, run.auth)
		if err != nil {
			run.issues.add("devices", "", err)
		} else {
			run.upsertDevices(ctx, groups, listed)
		}
	}
	if af, ok := c.adapter.(provider.AlarmFetcher); ok {
		alarms, err := af.FetchAlarms(ctx, run.auth)
		if err != nil {
			run.issues.add("alarms", "", err)
		} else {
			run.upsertAlarms(ctx, alarms)
		}
	}
	return nil
}

type legacyRunner struct {
	legacy provider.Legacy
}

func (l legacyRunner) info() types.ProviderInfo { return l.legacy.Info }

func (l legacyRunner) connect(ctx context.Context, creds types.Credentials) (types.AuthResult, *types.HealthCheckResult, error) {
	auth, err := l.legacy.Connect(ctx, creds)
	return auth, nil, err
}

func (l legacyRunner) refresh(context.Context, types.AuthResult) (types.AuthResult, error) {
	return types.AuthResult{}, errNoRefresh
}

func (l legacyRunner) renewed() (types.Tokens, bool) { return nil, false }

func (l legacyRunner) discover(ctx context.Context, auth types.AuthResult) ([]types.NormalizedPlant, error) {
	batch, err := l.legacy.Sync(ctx, auth, types.SyncModeDiscover, nil)
	return batch.Plants, err
}

// sync runs a full legacy sync as a plants pass followed by a metrics pass so
// that plants listed for the first time get metrics in the same run.
func (l legacyRunner) sync(ctx context.Context, run *syncRun) error {
	if run.mode == types.SyncModePlants || run.mode == types.SyncModeFull {
		batch, err := l.legacy.Sync(ctx, run.auth, types.SyncModePlants, nil)
		if err != nil {
			return fmt.Errorf("listing plants: %w", err)
		}
		run.upsertPlants(ctx, batch.Plants)
	}
	if run.mode != types.SyncModeMetrics && run.mode != types.SyncModeFull {
		return nil
	}

	known, err := run.knownPlants(ctx)
	if err != nil {
		return err
	}
	if len(known) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no known plants for legacy metrics")
		return nil
	}
	batch, err := l.legacy.Sync(ctx, run.auth, types.SyncModeMetrics, known)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "legacy metrics sync failed", slog.Any("error", err))
		run.issues.add("metrics", "", err)
		return nil
	}
	for _, id := range known {
		if err, ok := batch.Errors[id]; ok {
			run.issues.add("metrics", id, err)
			continue
		}
		if m, ok := batch.Metrics[id]; ok {
			run.upsertMetrics(ctx, id, m)
		}
	}
	return nil
}
