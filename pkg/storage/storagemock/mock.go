package storagemock

import (
	"context"

	"github.com/raterudder/solarsync/pkg/storage"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetIntegration(ctx context.Context, tenantID, provider string) (types.Integration, error) {
	args := m.Called(ctx, tenantID, provider)
	return args.Get(0).(types.Integration), args.Error(1)
}

func (m *MockDatabase) UpsertIntegration(ctx context.Context, integration types.Integration) error {
	args := m.Called(ctx, integration)
	return args.Error(0)
}

func (m *MockDatabase) ListIntegrations(ctx context.Context, statuses ...types.IntegrationStatus) ([]types.Integration, error) {
	args := m.Called(ctx, statuses)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Integration), args.Error(1)
}

func (m *MockDatabase) ListTenantIntegrations(ctx context.Context, tenantID string) ([]types.Integration, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Integration), args.Error(1)
}

func (m *MockDatabase) UpsertPlant(ctx context.Context, plant types.PlantRecord) error {
	args := m.Called(ctx, plant)
	return args.Error(0)
}

func (m *MockDatabase) GetPlant(ctx context.Context, tenantID, provider, externalID string) (types.PlantRecord, error) {
	args := m.Called(ctx, tenantID, provider, externalID)
	return args.Get(0).(types.PlantRecord), args.Error(1)
}

func (m *MockDatabase) ListPlants(ctx context.Context, tenantID, provider string) ([]types.PlantRecord, error) {
	args := m.Called(ctx, tenantID, provider)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.PlantRecord), args.Error(1)
}

func (m *MockDatabase) UpsertDevice(ctx context.Context, device types.DeviceRecord) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

func (m *MockDatabase) UpsertAlarm(ctx context.Context, alarm types.AlarmRecord) error {
	args := m.Called(ctx, alarm)
	return args.Error(0)
}

func (m *MockDatabase) UpsertDailyMetrics(ctx context.Context, metrics types.MetricsRecord) error {
	args := m.Called(ctx, metrics)
	return args.Error(0)
}

func (m *MockDatabase) GetDailyMetrics(ctx context.Context, tenantID, provider, plantExternalID, date string) (types.MetricsRecord, error) {
	args := m.Called(ctx, tenantID, provider, plantExternalID, date)
	return args.Get(0).(types.MetricsRecord), args.Error(1)
}

func (m *MockDatabase) AppendRawPayload(ctx context.Context, payload types.RawPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func (m *MockDatabase) AppendReading(ctx context.Context, reading types.RealtimeReading) error {
	args := m.Called(ctx, reading)
	return args.Error(0)
}

func (m *MockDatabase) InsertAuditEvent(ctx context.Context, event types.AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
