package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarsync/pkg/httpclient"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/types"
)

// Factory builds a fresh adapter. Every sync gets its own instance.
type Factory func() Adapter

// Registry maps provider ids to canonical adapter factories and, in a
// separate table, to legacy implementations.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	legacy    map[string]Legacy
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		legacy:    make(map[string]Legacy),
	}
}

// Configured registers flags for every vendor and fills the registry once
// flags are parsed.
func Configured() *Registry {
	r := NewRegistry()

	timeout := lflag.Duration("vendor-request-timeout", httpclient.DefaultTimeout, "Per-attempt timeout for vendor API requests")
	maxRetries := httpclient.DefaultMaxRetries
	lflag.JSON(&maxRetries, "vendor-max-retries", maxRetries, "Extra attempts for retryable vendor API failures")
	solarmanURL := lflag.String("solarman-base-url", solarmanDefaultURL, "Solarman OpenAPI base URL")
	solisURL := lflag.String("solis-base-url", solisDefaultURL, "SolisCloud API base URL")
	solisInterval := lflag.Duration("solis-min-interval", solisMinInterval, "Minimum delay between SolisCloud calls")
	foxessURL := lflag.String("foxess-base-url", foxessDefaultURL, "FoxESS OpenAPI base URL")
	growattURL := lflag.String("growatt-base-url", growattDefaultURL, "Growatt ShineServer base URL")
	solaredgeURL := lflag.String("solaredge-base-url", solaredgeDefaultURL, "SolarEdge monitoring API base URL")
	hoymilesURL := lflag.String("hoymiles-base-url", hoymilesDefaultURL, "Hoymiles S-Miles cloud base URL")
	huaweiURL := lflag.String("huawei-base-url", huaweiDefaultURL, "Huawei FusionSolar northbound API base URL")

	lflag.Do(func() {
		cfg := func(base string) Config {
			retries := maxRetries
			return Config{BaseURL: base, Timeout: *timeout, MaxRetries: &retries}
		}
		r.Register(SolarmanID, func() Adapter { return NewSolarman(cfg(*solarmanURL)) })
		r.Register(SolisID, func() Adapter { return NewSolis(cfg(*solisURL), *solisInterval) })
		r.Register(FoxESSID, func() Adapter { return NewFoxESS(cfg(*foxessURL)) })
		r.Register(GrowattID, func() Adapter { return NewGrowatt(cfg(*growattURL)) })
		r.Register(SolarEdgeID, func() Adapter { return NewSolarEdge(cfg(*solaredgeURL)) })
		r.Register(HoymilesID, func() Adapter { return NewHoymiles(cfg(*hoymilesURL)) })
		r.RegisterLegacy(HuaweiID, NewHuaweiLegacy(cfg(*huaweiURL)))
	})

	return r
}

// Register sets the canonical factory for id. Tests use it to swap in fakes.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// RegisterLegacy sets the legacy implementation for id.
func (r *Registry) RegisterLegacy(id string, l Legacy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.legacy[id] = l
}

// Get returns a new canonical adapter for id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// Legacy returns the legacy implementation for id.
func (r *Registry) Legacy(id string) (Legacy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.legacy[id]
	return l, ok
}

// Info returns the provider description for id from either table.
func (r *Registry) Info(id string) (types.ProviderInfo, bool) {
	if a, ok := r.Get(id); ok {
		return describe(a), true
	}
	if l, ok := r.Legacy(id); ok {
		return l.Info, true
	}
	return types.ProviderInfo{}, false
}

// List describes every registered provider sorted by id. Hidden providers are
// left out unless showHidden is set.
func (r *Registry) List(showHidden bool) []types.ProviderInfo {
	r.mu.RLock()
	ids := make([]string, 0, len(r.factories)+len(r.legacy))
	for id := range r.factories {
		ids = append(ids, id)
	}
	for id := range r.legacy {
		if _, ok := r.factories[id]; !ok {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]types.ProviderInfo, 0, len(ids))
	for _, id := range ids {
		info, ok := r.Info(id)
		if !ok || (info.Hidden && !showHidden) {
			continue
		}
		out = append(out, info)
	}
	return out
}

func describe(a Adapter) types.ProviderInfo {
	info := a.Info()
	_, info.SupportsRefresh = a.(TokenRefresher)
	return info
}

// RunHealthCheck probes an authenticated adapter by listing plants.
func RunHealthCheck(ctx context.Context, a Adapter, auth types.AuthResult) types.HealthCheckResult {
	start := time.Now()
	_, err := a.FetchPlants(ctx, auth)
	res := types.HealthCheckResult{
		Provider:   a.Info().ID,
		AuthOK:     true,
		EndpointOK: err == nil,
		LatencyMs:  time.Since(start).Milliseconds(),
		CheckedAt:  start.UTC(),
	}
	if err != nil {
		pe := perr.Normalize(err, res.Provider)
		res.AuthOK = pe.Category != perr.CategoryAuth
		res.Error = pe.Message
	}
	switch {
	case res.AuthOK && res.EndpointOK:
		res.Status = types.HealthOK
	case res.AuthOK:
		res.Status = types.HealthDegraded
	default:
		res.Status = types.HealthFail
	}
	return res
}
