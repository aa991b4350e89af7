package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/raterudder/solarsync/pkg/types"
)

var (
	ErrIntegrationNotFound = errors.New("integration not found")
	ErrPlantNotFound       = errors.New("plant not found")
	ErrMetricsNotFound     = errors.New("metrics not found")
)

// Database persists integrations and the canonical entities synced for them.
// Every upsert is keyed so that repeating it with the same input leaves the
// store unchanged.
type Database interface {
	// Integrations, keyed by (tenant, provider)
	GetIntegration(ctx context.Context, tenantID, provider string) (types.Integration, error)
	UpsertIntegration(ctx context.Context, integration types.Integration) error
	// ListIntegrations returns integrations of every tenant whose status is
	// one of statuses, or all of them when statuses is empty.
	ListIntegrations(ctx context.Context, statuses ...types.IntegrationStatus) ([]types.Integration, error)
	ListTenantIntegrations(ctx context.Context, tenantID string) ([]types.Integration, error)

	// Plants, devices and alarms
	UpsertPlant(ctx context.Context, plant types.PlantRecord) error
	GetPlant(ctx context.Context, tenantID, provider, externalID string) (types.PlantRecord, error)
	ListPlants(ctx context.Context, tenantID, provider string) ([]types.PlantRecord, error)
	UpsertDevice(ctx context.Context, device types.DeviceRecord) error
	UpsertAlarm(ctx context.Context, alarm types.AlarmRecord) error

	// Daily metrics, keyed by (tenant, provider, plant, date)
	UpsertDailyMetrics(ctx context.Context, metrics types.MetricsRecord) error
	GetDailyMetrics(ctx context.Context, tenantID, provider, plantExternalID, date string) (types.MetricsRecord, error)

	// Append-only trails
	AppendRawPayload(ctx context.Context, payload types.RawPayload) error
	AppendReading(ctx context.Context, reading types.RealtimeReading) error
	InsertAuditEvent(ctx context.Context, event types.AuditEvent) error

	// Lifecycle
	Close() error
}

// docKey joins escaped parts into a single id that is safe as a document id
// or map key.
func docKey(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Join(escaped, "~")
}
