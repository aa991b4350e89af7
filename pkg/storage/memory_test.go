package storage

import (
	"context"
	"testing"
	"time"

	"github.com/raterudder/solarsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	t.Run("Integrations", func(t *testing.T) {
		_, err := m.GetIntegration(ctx, "t1", "solis")
		assert.ErrorIs(t, err, ErrIntegrationNotFound)

		in := types.Integration{ID: "i1", TenantID: "t1", Provider: "solis", Status: types.StatusConnected, SelectedPlantIDs: []string{"a"}, UpdatedAt: now}
		require.NoError(t, m.UpsertIntegration(ctx, in))
		require.NoError(t, m.UpsertIntegration(ctx, types.Integration{ID: "i2", TenantID: "t2", Provider: "foxess", Status: types.StatusBlocked}))
		require.NoError(t, m.UpsertIntegration(ctx, types.Integration{ID: "i3", TenantID: "t1", Provider: "growatt", Status: types.StatusError}))

		got, err := m.GetIntegration(ctx, "t1", "solis")
		require.NoError(t, err)
		assert.Equal(t, in, got)

		got.SelectedPlantIDs[0] = "changed"
		again, err := m.GetIntegration(ctx, "t1", "solis")
		require.NoError(t, err)
		assert.Equal(t, "a", again.SelectedPlantIDs[0], "returned values must not alias the store")

		all, err := m.ListIntegrations(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		some, err := m.ListIntegrations(ctx, types.StatusConnected, types.StatusError)
		require.NoError(t, err)
		require.Len(t, some, 2)
		assert.Equal(t, "growatt", some[0].Provider)
		assert.Equal(t, "solis", some[1].Provider)

		mine, err := m.ListTenantIntegrations(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, mine, 2)
	})

	t.Run("Plants Upsert Idempotent", func(t *testing.T) {
		rec := types.PlantRecord{TenantID: "t1", Provider: "solis", Plant: types.NormalizedPlant{ExternalID: "p2", Name: "B"}, UpdatedAt: now}
		require.NoError(t, m.UpsertPlant(ctx, rec))
		require.NoError(t, m.UpsertPlant(ctx, rec))
		require.NoError(t, m.UpsertPlant(ctx, types.PlantRecord{TenantID: "t1", Provider: "solis", Plant: types.NormalizedPlant{ExternalID: "p1", Name: "A"}}))
		require.NoError(t, m.UpsertPlant(ctx, types.PlantRecord{TenantID: "t1", Provider: "other", Plant: types.NormalizedPlant{ExternalID: "p1"}}))

		plants, err := m.ListPlants(ctx, "t1", "solis")
		require.NoError(t, err)
		require.Len(t, plants, 2)
		assert.Equal(t, "p1", plants[0].Plant.ExternalID)

		p, err := m.GetPlant(ctx, "t1", "solis", "p2")
		require.NoError(t, err)
		assert.Equal(t, rec, p)
		_, err = m.GetPlant(ctx, "t1", "solis", "nope")
		assert.ErrorIs(t, err, ErrPlantNotFound)
	})

	t.Run("Metrics Update In Place", func(t *testing.T) {
		rec := types.MetricsRecord{TenantID: "t1", Provider: "solis", PlantExternalID: "p1", Date: "2026-03-14", Metrics: types.DailyMetrics{EnergyKWh: types.Float(1)}}
		require.NoError(t, m.UpsertDailyMetrics(ctx, rec))
		rec.Metrics.EnergyKWh = types.Float(2)
		require.NoError(t, m.UpsertDailyMetrics(ctx, rec))
		assert.Equal(t, 1, m.MetricsCount())

		got, err := m.GetDailyMetrics(ctx, "t1", "solis", "p1", "2026-03-14")
		require.NoError(t, err)
		assert.Equal(t, 2.0, *got.Metrics.EnergyKWh)

		_, err = m.GetDailyMetrics(ctx, "t1", "solis", "p1", "2026-03-13")
		assert.ErrorIs(t, err, ErrMetricsNotFound)
	})

	t.Run("Append Only", func(t *testing.T) {
		require.NoError(t, m.AppendRawPayload(ctx, types.RawPayload{ID: "r1"}))
		require.NoError(t, m.AppendRawPayload(ctx, types.RawPayload{ID: "r1"}))
		assert.Len(t, m.RawPayloads(), 2)

		require.NoError(t, m.AppendReading(ctx, types.RealtimeReading{ID: "x"}))
		assert.Len(t, m.Readings(), 1)

		require.NoError(t, m.InsertAuditEvent(ctx, types.AuditEvent{ID: "a", Action: types.AuditSync}))
		assert.Len(t, m.AuditEvents(), 1)
	})

	t.Run("Devices And Alarms", func(t *testing.T) {
		require.NoError(t, m.UpsertDevice(ctx, types.DeviceRecord{TenantID: "t1", Provider: "solis", Device: types.NormalizedDevice{ProviderDeviceID: "d2"}}))
		require.NoError(t, m.UpsertDevice(ctx, types.DeviceRecord{TenantID: "t1", Provider: "solis", Device: types.NormalizedDevice{ProviderDeviceID: "d1"}}))
		require.NoError(t, m.UpsertDevice(ctx, types.DeviceRecord{TenantID: "t1", Provider: "solis", Device: types.NormalizedDevice{ProviderDeviceID: "d1", Model: "X"}}))
		devices := m.Devices()
		require.Len(t, devices, 2)
		assert.Equal(t, "X", devices[0].Device.Model)

		require.NoError(t, m.UpsertAlarm(ctx, types.AlarmRecord{TenantID: "t1", Provider: "solis", Alarm: types.NormalizedAlarm{ProviderEventID: "e1", IsOpen: true}}))
		require.NoError(t, m.UpsertAlarm(ctx, types.AlarmRecord{TenantID: "t1", Provider: "solis", Alarm: types.NormalizedAlarm{ProviderEventID: "e1"}}))
		alarms := m.Alarms()
		require.Len(t, alarms, 1)
		assert.False(t, alarms[0].Alarm.IsOpen)
	})

	assert.NoError(t, m.Close())
}

func TestDocKey(t *testing.T) {
	assert.Equal(t, "t1~solis", docKey("t1", "solis"))
	assert.Equal(t, "t%2F1~a~b", docKey("t/1", "a", "b"))
	assert.NotEqual(t, docKey("a~b", "c"), docKey("a", "b~c"))
}
