package eonnextmock

import (
	"context"
	"time"

	"github.com/eonbridge/eonbridge/pkg/eonnext"
	"github.com/eonbridge/eonbridge/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockAPI struct {
	mock.Mock
}

var _ eonnext.API = (*MockAPI)(nil)

func (m *MockAPI) Authenticate(ctx context.Context, creds types.EONCredentials) (types.EONCredentials, bool, error) {
	args := m.Called(ctx, creds)
	if len(args) > 0 {
		return args.Get(0).(types.EONCredentials), args.Bool(1), args.Error(2)
	}
	return creds, false, nil
}

func (m *MockAPI) AccountNumbers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]string), args.Error(1)
	}
	return nil, nil
}

func (m *MockAPI) Meters(ctx context.Context, accountNumber string) ([]types.Meter, error) {
	args := m.Called(ctx, accountNumber)
	if len(args) > 0 {
		return args.Get(0).([]types.Meter), args.Error(1)
	}
	return nil, nil
}

func (m *MockAPI) Consumption(ctx context.Context, accountNumber, meterID string, fuel types.Fuel, start, end time.Time) ([]types.Reading, error) {
	args := m.Called(ctx, accountNumber, meterID, fuel, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Reading), args.Error(1)
	}
	return nil, nil
}
