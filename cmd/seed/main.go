// seed fills the firestore emulator with a week of synthetic half-hourly
// consumption for one electricity and one gas meter, for local development
// without real credentials.
package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/eonbridge/eonbridge/pkg/log"
	"github.com/eonbridge/eonbridge/pkg/storage"
	"github.com/eonbridge/eonbridge/pkg/types"
	"github.com/levenlabs/go-lflag"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	settings := types.Settings{
		PollIntervalMinutes: 60,
		FetchWindowDays:     7,
		BackfillDays:        90,
	}
	if err := s.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", "error", err)
		os.Exit(1)
	}

	meters := []types.Meter{
		{
			Fuel:           types.FuelElectricity,
			Serial:         "21E1234567",
			ID:             "3456789",
			MeterPointID:   "2345678",
			SupplyPointRef: "1012345678901",
		},
		{
			Fuel:           types.FuelGas,
			Serial:         "G4A12345678901",
			ID:             "4567890",
			MeterPointID:   "3456789",
			SupplyPointRef: "8812345678",
		},
	}

	now := time.Now().UTC().Truncate(30 * time.Minute)
	start := now.AddDate(0, 0, -7)

	for _, meter := range meters {
		if err := s.UpsertMeter(ctx, meter); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed meter", "serial", meter.Serial, "error", err)
			os.Exit(1)
		}

		var readings []types.Reading
		for t := start; t.Before(now); t = t.Add(30 * time.Minute) {
			hour := float64(t.Hour()) + float64(t.Minute())/60

			var kwh float64
			switch meter.Fuel {
			case types.FuelElectricity:
				// base load with morning and evening peaks
				kwh = 0.08
				dist := math.Abs(hour - 7.5)
				kwh += 0.3 * math.Exp(-(dist*dist)/2)
				dist = math.Abs(hour - 19)
				kwh += 0.6 * math.Exp(-(dist*dist)/4)
			case types.FuelGas:
				// heating in the morning and evening, pilot load otherwise
				kwh = 0.05
				if hour >= 6 && hour < 9 {
					kwh += 1.8
				} else if hour >= 17 && hour < 22 {
					kwh += 1.2
				}
			}
			// Jitter
			kwh += rng.Float64() * 0.05

			readings = append(readings, types.Reading{
				TSStart:        t,
				TSEnd:          t.Add(30 * time.Minute),
				ConsumptionKWH: math.Round(kwh*1000) / 1000,
			})
		}

		if err := s.UpsertReadings(ctx, meter.Serial, readings, types.CurrentReadingVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed readings", "serial", meter.Serial, "error", err)
			os.Exit(1)
		}
		log.Ctx(ctx).InfoContext(ctx, "seeded meter", "serial", meter.Serial, "readings", len(readings))
	}

	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "seeding complete")
}
