// Package provider holds the vendor adapters that turn monitoring-cloud APIs
// into canonical plants, devices, alarms and daily metrics.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/raterudder/solarsync/pkg/httpclient"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/types"
)

// Adapter is implemented by every canonical vendor integration.
type Adapter interface {
	// Info describes the provider and its capabilities.
	Info() types.ProviderInfo

	// ValidateCredentials checks required fields before any network I/O.
	ValidateCredentials(creds types.Credentials) error

	// Authenticate performs the vendor handshake. A rejection is a
	// *perr.Error with category AUTH.
	Authenticate(ctx context.Context, creds types.Credentials) (types.AuthResult, error)

	// FetchPlants lists every plant, following pagination to the end.
	FetchPlants(ctx context.Context, auth types.AuthResult) ([]types.NormalizedPlant, error)

	// FetchMetrics returns today's metrics for a plant. A vendor "no data"
	// answer is not an error: the result carries null values and a reason.
	FetchMetrics(ctx context.Context, auth types.AuthResult, externalPlantID string) (types.DailyMetrics, error)
}

// TokenRefresher is implemented by adapters whose sessions expire.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, tokens types.Tokens, creds types.Credentials) (types.AuthResult, error)
}

// DeviceFetcher is implemented by adapters that can list devices.
type DeviceFetcher interface {
	FetchDevices(ctx context.Context, auth types.AuthResult) ([]types.NormalizedDeviceGroup, error)
}

// AlarmFetcher is implemented by adapters that can list alarms.
type AlarmFetcher interface {
	FetchAlarms(ctx context.Context, auth types.AuthResult) ([]types.NormalizedAlarm, error)
}

// SessionRenewer is implemented by adapters that may log in again mid-sync.
// RenewedTokens returns the new tokens when that happened.
type SessionRenewer interface {
	RenewedTokens() (types.Tokens, bool)
}

// ErrMissingCredential is wrapped by ValidateCredentials failures.
var ErrMissingCredential = errors.New("missing required credential")

// Config is shared by all adapters. Zero values fall back to defaults.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries *int
	// Sleep replaces the retry backoff sleeper, used by tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func (c Config) client(provider, defaultURL string) *httpclient.Client {
	base := c.BaseURL
	if base == "" {
		base = defaultURL
	}
	var opts []httpclient.Option
	if c.HTTPClient != nil {
		opts = append(opts, httpclient.WithHTTPClient(c.HTTPClient))
	}
	if c.Timeout > 0 {
		opts = append(opts, httpclient.WithTimeout(c.Timeout))
	}
	if c.MaxRetries != nil {
		opts = append(opts, httpclient.WithMaxRetries(*c.MaxRetries))
	}
	if c.Sleep != nil {
		opts = append(opts, httpclient.WithSleep(c.Sleep))
	}
	return httpclient.New(provider, base, opts...)
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// validateFields returns an error naming the first required field that is
// empty.
func validateFields(info types.ProviderInfo, creds types.Credentials) error {
	for _, f := range info.Credentials {
		if f.Required && creds[f.Field] == "" {
			return fmt.Errorf("%s: %w: %s", info.ID, ErrMissingCredential, f.Field)
		}
	}
	return nil
}

// authRejected turns a failed handshake into an AUTH error unless the failure
// is transient.
func authRejected(provider string, err error) error {
	pe := perr.Normalize(err, provider)
	if pe.Retryable || pe.Category == perr.CategoryAuth || pe.Category == perr.CategoryPermission {
		return pe
	}
	out := perr.New(perr.CategoryAuth, provider, pe.Message)
	out.StatusCode = pe.StatusCode
	out.ProviderCode = pe.ProviderCode
	return out
}

// paginate calls fetch with page numbers starting at 1 until the reported
// total is reached or a page comes back empty. A total <= 0 means the vendor
// did not report one, in which case a short page ends the loop.
func paginate[T any](ctx context.Context, pageSize int, fetch func(ctx context.Context, page int) ([]T, int, error)) ([]T, error) {
	const maxPages = 1000
	var all []T
	for page := 1; page <= maxPages; page++ {
		items, total, err := fetch(ctx, page)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) == 0 {
			break
		}
		if total > 0 && len(all) >= total {
			break
		}
		if total <= 0 && len(items) < pageSize {
			break
		}
	}
	return all, nil
}

func groupDevices(order []string, byStation map[string][]types.NormalizedDevice) []types.NormalizedDeviceGroup {
	groups := make([]types.NormalizedDeviceGroup, 0, len(order))
	for _, id := range order {
		groups = append(groups, types.NormalizedDeviceGroup{StationID: id, Devices: byStation[id]})
	}
	return groups
}
