package eonnext

import (
	"context"
	"time"

	"github.com/eonbridge/eonbridge/pkg/types"
)

// API is the surface of the E.ON Next client consumed by the poller and the
// server. Client implements it against the real Kraken API.
type API interface {
	// Authenticate applies credentials and returns them updated with any new
	// tokens, plus whether they changed and should be persisted.
	Authenticate(ctx context.Context, creds types.EONCredentials) (types.EONCredentials, bool, error)

	// AccountNumbers returns the account numbers visible to the user.
	AccountNumbers(ctx context.Context) ([]string, error)

	// Meters returns all active meters on the account.
	Meters(ctx context.Context, accountNumber string) ([]types.Meter, error)

	// Consumption returns half-hourly readings for a meter, oldest first.
	Consumption(ctx context.Context, accountNumber, meterID string, fuel types.Fuel, start, end time.Time) ([]types.Reading, error)
}

var _ API = (*Client)(nil)
