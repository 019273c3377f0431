package types

import "time"

// CurrentReadingVersion is the current version of stored consumption readings.
// Increment this value when the way readings are fetched or mapped changes in
// a way that requires a backfill.
const CurrentReadingVersion = 1

// Fuel identifies which supply a meter belongs to.
type Fuel string

const (
	FuelElectricity Fuel = "electricity"
	FuelGas         Fuel = "gas"
)

// Valid reports whether f is a known fuel.
func (f Fuel) Valid() bool {
	return f == FuelElectricity || f == FuelGas
}

// Register is a single register on a meter.
type Register struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Meter describes a single physical meter on an account.
type Meter struct {
	Fuel   Fuel   `json:"fuel"`
	Serial string `json:"serial"`
	// ID is the upstream API's identifier for the meter.
	ID string `json:"id"`
	// MeterPointID is the upstream identifier of the meter point the meter
	// hangs off.
	MeterPointID string `json:"meterPointID"`
	// SupplyPointRef is the MPAN for electricity meter points and the MPRN
	// for gas meter points.
	SupplyPointRef string     `json:"supplyPointRef"`
	Registers      []Register `json:"registers,omitempty"`
}

// Reading is a single half-hourly consumption interval.
type Reading struct {
	TSStart time.Time `json:"tsStart"`
	TSEnd   time.Time `json:"tsEnd"`
	// ConsumptionKWH is the energy used in the interval. The upstream API
	// reports both fuels in kWh.
	ConsumptionKWH float64 `json:"consumptionKWH"`
}

// MeterSnapshot is the result of a poll cycle for one meter.
type MeterSnapshot struct {
	AccountNumber string    `json:"accountNumber"`
	Meter         Meter     `json:"meter"`
	LatestReading *Reading  `json:"latestReading,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
	// Stale is set when the most recent poll cycle failed and the snapshot
	// carries data from an earlier cycle.
	Stale bool `json:"stale,omitempty"`
}
