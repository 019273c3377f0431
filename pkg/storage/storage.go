package storage

import (
	"context"
	"errors"
	"time"

	"github.com/eonbridge/eonbridge/pkg/types"
)

var ErrMeterNotFound = errors.New("meter not found")

// Database defines the interface for persisting data and retrieving settings.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Meters
	UpsertMeter(ctx context.Context, meter types.Meter) error
	GetMeter(ctx context.Context, serial string) (types.Meter, error)
	ListMeters(ctx context.Context) ([]types.Meter, error)

	// Consumption
	// UpsertReadings adds or updates half-hourly consumption records for a
	// meter.
	UpsertReadings(ctx context.Context, serial string, readings []types.Reading, version int) error
	GetConsumptionHistory(ctx context.Context, serial string, start, end time.Time) ([]types.Reading, error)
	GetLatestReadingTime(ctx context.Context, serial string) (time.Time, int, error)

	// Lifecycle
	Close() error
}
