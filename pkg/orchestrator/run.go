package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/storage"
	"github.com/raterudder/solarsync/pkg/types"
)

// syncRun is the state of one sync invocation. Every entity write goes
// through it so failures are collected instead of aborting the run.
type syncRun struct {
	o        *Orchestrator
	tenantID string
	provider string
	mode     types.SyncMode
	auth     types.AuthResult
	selected []string
	now      time.Time
	date     string
	issues   *issues
	result   *types.SyncResult
}

func (r *syncRun) isSelected(externalID string) bool {
	return len(r.selected) == 0 || slices.Contains(r.selected, externalID)
}

// upsertPlants writes the selected plants and returns the ones written.
func (r *syncRun) upsertPlants(ctx context.Context, plants []types.NormalizedPlant) []types.NormalizedPlant {
	kept := make([]types.NormalizedPlant, 0, len(plants))
	for _, p := range plants {
		if !r.isSelected(p.ExternalID) {
			continue
		}
		err := r.o.db.UpsertPlant(ctx, types.PlantRecord{
			TenantID:  r.tenantID,
			Provider:  r.provider,
			Plant:     p,
			UpdatedAt: r.now,
		})
		if err != nil {
			r.issues.add("plant", p.ExternalID, err)
			continue
		}
		r.result.PlantsUpserted++
		kept = append(kept, p)
	}
	return kept
}

// knownPlants returns the ids of stored plants that are selected.
func (r *syncRun) knownPlants(ctx context.Context) ([]string, error) {
	records, err := r.o.db.ListPlants(ctx, r.tenantID, r.provider)
	if err != nil {
		return nil, fmt.Errorf("listing stored plants: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if r.isSelected(rec.Plant.ExternalID) {
			ids = append(ids, rec.Plant.ExternalID)
		}
	}
	return ids, nil
}

func (r *syncRun) upsertMetrics(ctx context.Context, plantID string, m types.DailyMetrics) {
	if len(m.Raw) > 0 {
		r.archive(ctx, plantID, "metrics", m.Raw)
	}
	if m.Blocked() {
		msg, _ := m.Metadata["detail"].(string)
		if msg == "" {
			msg = "metrics are not available for this account"
		}
		r.issues.add("metrics", plantID, perr.New(perr.CategoryPermission, r.provider, msg))
		return
	}
	if !m.HasData() {
		log.Ctx(ctx).DebugContext(ctx, "no metrics for plant", slog.String("plant", plantID), slog.Any("metadata", m.Metadata))
		return
	}

	err := r.o.db.UpsertDailyMetrics(ctx, types.MetricsRecord{
		TenantID:        r.tenantID,
		Provider:        r.provider,
		PlantExternalID: plantID,
		Date:            r.date,
		Metrics:         m,
		UpdatedAt:       r.now,
	})
	if err != nil {
		r.issues.add("metrics", plantID, err)
		return
	}
	r.result.MetricsUpserted++

	err = r.o.db.AppendReading(ctx, types.RealtimeReading{
		ID:              uuid.NewString(),
		TenantID:        r.tenantID,
		Provider:        r.provider,
		PlantExternalID: plantID,
		PowerKW:         m.PowerKW,
		EnergyKWh:       m.EnergyKWh,
		TotalEnergyKWh:  m.TotalEnergyKWh,
		ReadAt:          r.now,
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to append reading", slog.String("plant", plantID), slog.Any("error", err))
	}
}

// archive appends a raw payload to the trail. Failures are only logged.
func (r *syncRun) archive(ctx context.Context, plantID, kind string, payload json.RawMessage) {
	err := r.o.trail.Record(ctx, types.RawPayload{
		ID:              uuid.NewString(),
		TenantID:        r.tenantID,
		Provider:        r.provider,
		PlantExternalID: plantID,
		Kind:            kind,
		Date:            r.date,
		Payload:         payload,
		CapturedAt:      r.now,
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to archive raw payload", slog.String("plant", plantID), slog.Any("error", err))
	}
}

// ensurePlant makes sure a plant record exists for a device's station,
// preferring the plant listed in this run over a bare placeholder.
func (r *syncRun) ensurePlant(ctx context.Context, stationID string, listed map[string]types.NormalizedPlant) error {
	_, err := r.o.db.GetPlant(ctx, r.tenantID, r.provider, stationID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrPlantNotFound) {
		return err
	}
	p, ok := listed[stationID]
	if !ok {
		p = types.NormalizedPlant{ExternalID: stationID, Name: stationID, Status: types.PlantStatusUnknown}
	}
	err = r.o.db.UpsertPlant(ctx, types.PlantRecord{
		TenantID:  r.tenantID,
		Provider:  r.provider,
		Plant:     p,
		UpdatedAt: r.now,
	})
	if err != nil {
		return err
	}
	r.result.PlantsUpserted++
	return nil
}

func (r *syncRun) upsertDevices(ctx context.Context, groups []types.NormalizedDeviceGroup, listed []types.NormalizedPlant) {
	byID := make(map[string]types.NormalizedPlant, len(listed))
	for _, p := range listed {
		byID[p.ExternalID] = p
	}
	for _, g := range groups {
		if !r.isSelected(g.StationID) {
			continue
		}
		if err := r.ensurePlant(ctx, g.StationID, byID); err != nil {
			r.issues.add("plant", g.StationID, err)
			continue
		}
		for _, d := range g.Devices {
			err := r.o.db.UpsertDevice(ctx, types.DeviceRecord{
				TenantID:        r.tenantID,
				Provider:        r.provider,
				PlantExternalID: g.StationID,
				Device:          d,
				UpdatedAt:       r.now,
			})
			if err != nil {
				r.issues.add("device", d.ProviderDeviceID, err)
				continue
			}
			r.result.DevicesUpserted++
		}
	}
}

func (r *syncRun) upsertAlarms(ctx context.Context, alarms []types.NormalizedAlarm) {
	for _, a := range alarms {
		if !r.isSelected(a.ProviderPlantID) {
			continue
		}
		_, err := r.o.db.GetPlant(ctx, r.tenantID, r.provider, a.ProviderPlantID)
		if errors.Is(err, storage.ErrPlantNotFound) {
			log.Ctx(ctx).DebugContext(ctx, "skipping alarm for unknown plant", slog.String("plant", a.ProviderPlantID), slog.String("alarm", a.ProviderEventID))
			continue
		}
		if err != nil {
			r.issues.add("alarm", a.ProviderEventID, err)
			continue
		}
		err = r.o.db.UpsertAlarm(ctx, types.AlarmRecord{
			TenantID:  r.tenantID,
			Provider:  r.provider,
			Alarm:     a,
			UpdatedAt: r.now,
		})
		if err != nil {
			r.issues.add("alarm", a.ProviderEventID, err)
			continue
		}
		r.result.AlarmsUpserted++
	}
}
