package storage

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/raterudder/solarsync/pkg/types"
)

// Memory is an in-process Database for local development and tests.
type Memory struct {
	mu           sync.RWMutex
	integrations map[string]types.Integration
	plants       map[string]types.PlantRecord
	devices      map[string]types.DeviceRecord
	alarms       map[string]types.AlarmRecord
	metrics      map[string]types.MetricsRecord
	raw          []types.RawPayload
	readings     []types.RealtimeReading
	audit        []types.AuditEvent
}

var _ Database = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		integrations: make(map[string]types.Integration),
		plants:       make(map[string]types.PlantRecord),
		devices:      make(map[string]types.DeviceRecord),
		alarms:       make(map[string]types.AlarmRecord),
		metrics:      make(map[string]types.MetricsRecord),
	}
}

func (m *Memory) GetIntegration(ctx context.Context, tenantID, provider string) (types.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.integrations[docKey(tenantID, provider)]
	if !ok {
		return types.Integration{}, ErrIntegrationNotFound
	}
	return cloneIntegration(in), nil
}

func (m *Memory) UpsertIntegration(ctx context.Context, integration types.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integrations[docKey(integration.TenantID, integration.Provider)] = cloneIntegration(integration)
	return nil
}

func (m *Memory) ListIntegrations(ctx context.Context, statuses ...types.IntegrationStatus) ([]types.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Integration
	for _, in := range m.integrations {
		if len(statuses) == 0 || slices.Contains(statuses, in.Status) {
			out = append(out, cloneIntegration(in))
		}
	}
	sortIntegrations(out)
	return out, nil
}

func (m *Memory) ListTenantIntegrations(ctx context.Context, tenantID string) ([]types.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Integration
	for _, in := range m.integrations {
		if in.TenantID == tenantID {
			out = append(out, cloneIntegration(in))
		}
	}
	sortIntegrations(out)
	return out, nil
}

func (m *Memory) UpsertPlant(ctx context.Context, plant types.PlantRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plants[docKey(plant.TenantID, plant.Provider, plant.Plant.ExternalID)] = plant
	return nil
}

func (m *Memory) GetPlant(ctx context.Context, tenantID, provider, externalID string) (types.PlantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plants[docKey(tenantID, provider, externalID)]
	if !ok {
		return types.PlantRecord{}, ErrPlantNotFound
	}
	return p, nil
}

func (m *Memory) ListPlants(ctx context.Context, tenantID, provider string) ([]types.PlantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.PlantRecord
	for _, p := range m.plants {
		if p.TenantID == tenantID && p.Provider == provider {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Plant.ExternalID < out[j].Plant.ExternalID
	})
	return out, nil
}

func (m *Memory) UpsertDevice(ctx context.Context, device types.DeviceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[docKey(device.TenantID, device.Provider, device.Device.ProviderDeviceID)] = device
	return nil
}

func (m *Memory) UpsertAlarm(ctx context.Context, alarm types.AlarmRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alarms[docKey(alarm.TenantID, alarm.Provider, alarm.Alarm.ProviderEventID)] = alarm
	return nil
}

func (m *Memory) UpsertDailyMetrics(ctx context.Context, metrics types.MetricsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[docKey(metrics.TenantID, metrics.Provider, metrics.PlantExternalID, metrics.Date)] = metrics
	return nil
}

func (m *Memory) GetDailyMetrics(ctx context.Context, tenantID, provider, plantExternalID, date string) (types.MetricsRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.metrics[docKey(tenantID, provider, plantExternalID, date)]
	if !ok {
		return types.MetricsRecord{}, ErrMetricsNotFound
	}
	return rec, nil
}

func (m *Memory) AppendRawPayload(ctx context.Context, payload types.RawPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = append(m.raw, payload)
	return nil
}

func (m *Memory) AppendReading(ctx context.Context, reading types.RealtimeReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, reading)
	return nil
}

func (m *Memory) InsertAuditEvent(ctx context.Context, event types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, event)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Devices returns every stored device sorted by device id.
func (m *Memory) Devices() []types.DeviceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.DeviceRecord, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Device.ProviderDeviceID < out[j].Device.ProviderDeviceID
	})
	return out
}

// Alarms returns every stored alarm sorted by event id.
func (m *Memory) Alarms() []types.AlarmRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.AlarmRecord, 0, len(m.alarms))
	for _, a := range m.alarms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Alarm.ProviderEventID < out[j].Alarm.ProviderEventID
	})
	return out
}

// MetricsCount returns the number of stored daily metrics records.
func (m *Memory) MetricsCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.metrics)
}

// RawPayloads returns the raw payload trail in insertion order.
func (m *Memory) RawPayloads() []types.RawPayload {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.raw)
}

// Readings returns the realtime readings in insertion order.
func (m *Memory) Readings() []types.RealtimeReading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.readings)
}

// AuditEvents returns the audit events in insertion order.
func (m *Memory) AuditEvents() []types.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.audit)
}

func cloneIntegration(in types.Integration) types.Integration {
	in.EncryptedCredentials = slices.Clone(in.EncryptedCredentials)
	in.EncryptedTokens = slices.Clone(in.EncryptedTokens)
	in.SelectedPlantIDs = slices.Clone(in.SelectedPlantIDs)
	return in
}

func sortIntegrations(list []types.Integration) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].TenantID != list[j].TenantID {
			return list[i].TenantID < list[j].TenantID
		}
		return list[i].Provider < list[j].Provider
	})
}
