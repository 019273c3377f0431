package storagemock

import (
	"context"
	"time"

	"github.com/eonbridge/eonbridge/pkg/storage"
	"github.com/eonbridge/eonbridge/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) UpsertMeter(ctx context.Context, meter types.Meter) error {
	args := m.Called(ctx, meter)
	return args.Error(0)
}

func (m *MockDatabase) GetMeter(ctx context.Context, serial string) (types.Meter, error) {
	args := m.Called(ctx, serial)
	if len(args) > 0 {
		return args.Get(0).(types.Meter), args.Error(1)
	}
	return types.Meter{}, nil
}

func (m *MockDatabase) ListMeters(ctx context.Context) ([]types.Meter, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.Meter), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertReadings(ctx context.Context, serial string, readings []types.Reading, version int) error {
	args := m.Called(ctx, serial, readings, version)
	return args.Error(0)
}

func (m *MockDatabase) GetConsumptionHistory(ctx context.Context, serial string, start, end time.Time) ([]types.Reading, error) {
	args := m.Called(ctx, serial, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Reading), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestReadingTime(ctx context.Context, serial string) (time.Time, int, error) {
	args := m.Called(ctx, serial)
	if len(args) > 0 {
		return args.Get(0).(time.Time), args.Int(1), args.Error(2)
	}
	return time.Time{}, 0, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
