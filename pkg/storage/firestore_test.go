package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/raterudder/solarsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("Integrations", func(t *testing.T) {
		_, err := f.GetIntegration(ctx, "tenant-1", "solis")
		assert.ErrorIs(t, err, ErrIntegrationNotFound)

		in := types.Integration{
			ID:                   "int-1",
			TenantID:             "tenant-1",
			Provider:             "solis",
			Status:               types.StatusConnected,
			EncryptedCredentials: []byte{1, 2, 3},
			SelectedPlantIDs:     []string{"p1"},
			UpdatedAt:            time.Now().UTC().Truncate(time.Second),
		}
		require.NoError(t, f.UpsertIntegration(ctx, in))
		require.NoError(t, f.UpsertIntegration(ctx, types.Integration{TenantID: "tenant-2", Provider: "foxess", Status: types.StatusBlocked}))

		got, err := f.GetIntegration(ctx, "tenant-1", "solis")
		require.NoError(t, err)
		assert.Equal(t, in.EncryptedCredentials, got.EncryptedCredentials)
		assert.Equal(t, in.SelectedPlantIDs, got.SelectedPlantIDs)

		connected, err := f.ListIntegrations(ctx, types.StatusConnected)
		require.NoError(t, err)
		require.Len(t, connected, 1)
		assert.Equal(t, "tenant-1", connected[0].TenantID)

		mine, err := f.ListTenantIntegrations(ctx, "tenant-2")
		require.NoError(t, err)
		require.Len(t, mine, 1)
	})

	t.Run("Plants And Metrics", func(t *testing.T) {
		rec := types.PlantRecord{TenantID: "tenant-1", Provider: "solis", Plant: types.NormalizedPlant{ExternalID: "p1", Name: "Roof"}}
		require.NoError(t, f.UpsertPlant(ctx, rec))
		require.NoError(t, f.UpsertPlant(ctx, rec))

		plants, err := f.ListPlants(ctx, "tenant-1", "solis")
		require.NoError(t, err)
		require.Len(t, plants, 1)
		assert.Equal(t, "Roof", plants[0].Plant.Name)

		m := types.MetricsRecord{TenantID: "tenant-1", Provider: "solis", PlantExternalID: "p1", Date: "2026-03-14", Metrics: types.DailyMetrics{EnergyKWh: types.Float(4)}}
		require.NoError(t, f.UpsertDailyMetrics(ctx, m))
		got, err := f.GetDailyMetrics(ctx, "tenant-1", "solis", "p1", "2026-03-14")
		require.NoError(t, err)
		assert.Equal(t, 4.0, *got.Metrics.EnergyKWh)
	})

	t.Run("Append Only", func(t *testing.T) {
		require.NoError(t, f.AppendRawPayload(ctx, types.RawPayload{TenantID: "tenant-1", Payload: []byte(`{}`)}))
		require.NoError(t, f.InsertAuditEvent(ctx, types.AuditEvent{ID: "evt-1", TenantID: "tenant-1", Action: types.AuditSync}))
		assert.Error(t, f.InsertAuditEvent(ctx, types.AuditEvent{ID: "evt-1", TenantID: "tenant-1", Action: types.AuditSync}), "events are never overwritten")
	})

	t.Run("EmptyTenantID", func(t *testing.T) {
		_, err := f.ListPlants(ctx, "", "solis")
		assert.ErrorContains(t, err, "tenantID cannot be empty")
	})
}
