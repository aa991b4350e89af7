package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/provider"
	"github.com/raterudder/solarsync/pkg/secrets"
	"github.com/raterudder/solarsync/pkg/storage"
	"github.com/raterudder/solarsync/pkg/types"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	box := secrets.Configured()
	tenantID := lflag.String("tenant", "demo", "Tenant to seed")
	window := lflag.Duration("window", 14*24*time.Hour, "How far back daily metrics are seeded per plant")
	lflag.Configure()

	ctx := context.Background()
	days := int(*window / (24 * time.Hour))

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data", "tenant", *tenantID)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now().UTC()

	creds, err := box.Seal(ctx, map[string]string{"keyId": "demo-key", "keySecret": "demo-secret"})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seal credentials", "error", err)
		os.Exit(1)
	}
	tokens, err := box.Seal(ctx, map[string]string{})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seal tokens", "error", err)
		os.Exit(1)
	}

	if err := s.UpsertIntegration(ctx, types.Integration{
		ID:                   uuid.NewString(),
		TenantID:             *tenantID,
		Provider:             provider.SolisID,
		Status:               types.StatusConnected,
		EncryptedCredentials: creds,
		EncryptedTokens:      tokens,
		LastSyncAt:           now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed integration", "error", err)
		os.Exit(1)
	}

	plants := []struct {
		id, name   string
		capacityKW float64
	}{
		{"1001", "Roof East", 8.2},
		{"1002", "Barn Array", 24.5},
		{"1003", "Carport", 5.6},
	}

	for _, p := range plants {
		if err := s.UpsertPlant(ctx, types.PlantRecord{
			TenantID: *tenantID,
			Provider: provider.SolisID,
			Plant: types.NormalizedPlant{
				ExternalID: p.id,
				Name:       p.name,
				CapacityKW: types.Float(p.capacityKW),
				Status:     types.PlantStatusNormal,
			},
			UpdatedAt: now,
		}); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed plant", "error", err)
			os.Exit(1)
		}

		// lifetime counter before the seeded window
		total := p.capacityKW * 1100 * (1 + rng.Float64())
		for d := days - 1; d >= 0; d-- {
			day := now.AddDate(0, 0, -d)

			// clear sky yield scaled by season and a random cloud factor
			season := 0.75 + 0.25*math.Cos(2*math.Pi*float64(day.YearDay()-172)/365)
			cloud := 0.35 + 0.65*rng.Float64()
			energy := math.Round(p.capacityKW*4.5*season*cloud*10) / 10
			total += energy

			power := 0.0
			if h := day.Hour(); d == 0 && h > 6 && h < 19 {
				dist := math.Abs(float64(h) - 13.0)
				power = p.capacityKW * cloud * math.Exp(-(dist*dist)/12.0)
			}

			if err := s.UpsertDailyMetrics(ctx, types.MetricsRecord{
				TenantID:        *tenantID,
				Provider:        provider.SolisID,
				PlantExternalID: p.id,
				Date:            day.Format(time.DateOnly),
				Metrics: types.DailyMetrics{
					PowerKW:        types.Float(math.Round(power*100) / 100),
					EnergyKWh:      types.Float(energy),
					TotalEnergyKWh: types.Float(math.Round(total*10) / 10),
				},
				UpdatedAt: now,
			}); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to seed metrics", "error", err)
				os.Exit(1)
			}

			fmt.Printf("Seeded %s %s: %.1f kWh (total %.0f kWh)\n", p.name, day.Format(time.DateOnly), energy, total)
		}
	}

	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
