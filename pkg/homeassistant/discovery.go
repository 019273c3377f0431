package homeassistant

import (
	"fmt"
	"time"

	"github.com/eonbridge/eonbridge/pkg/types"
)

// DeviceClass is a Home Assistant sensor device class.
type DeviceClass string

const (
	// gas consumption comes back in kWh too so both fuels use energy
	DeviceClassEnergy DeviceClass = "energy"
)

// StateClass is a Home Assistant sensor state class.
type StateClass string

const (
	StateClassMeasurement StateClass = "measurement"
)

// Unit is a Home Assistant unit of measurement.
type Unit string

const (
	UnitKWH Unit = "kWh"
)

// Device groups sensors under one device in the Home Assistant UI.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// SensorConfig is the MQTT discovery payload published to
// <discovery prefix>/sensor/<unique id>/config.
type SensorConfig struct {
	Name                string      `json:"name"`
	UniqueID            string      `json:"unique_id"`
	StateTopic          string      `json:"state_topic"`
	JSONAttributesTopic string      `json:"json_attributes_topic,omitempty"`
	AvailabilityTopic   string      `json:"availability_topic,omitempty"`
	DeviceClass         DeviceClass `json:"device_class,omitempty"`
	StateClass          StateClass  `json:"state_class,omitempty"`
	UnitOfMeasurement   Unit        `json:"unit_of_measurement,omitempty"`
	Device              Device      `json:"device"`
}

// SensorAttributes is the extra state attribute payload for a meter sensor.
type SensorAttributes struct {
	Serial        string    `json:"serial"`
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	AccountNumber string    `json:"account_number,omitempty"`
	ReadingStart  time.Time `json:"reading_start"`
	ReadingEnd    time.Time `json:"reading_end"`
	Stale         bool      `json:"stale,omitempty"`
}

// SensorID returns the unique (and object) ID for a meter's latest
// consumption sensor.
func SensorID(m types.Meter) string {
	return fmt.Sprintf("eon_next_%s_%s_latest", m.Serial, m.Fuel)
}

// SensorName returns the friendly name for a meter's latest consumption
// sensor.
func SensorName(m types.Meter) string {
	fuel := "Electricity"
	if m.Fuel == types.FuelGas {
		fuel = "Gas"
	}
	return fmt.Sprintf("E.ON Next %s (%s)", fuel, m.Serial)
}

func sensorConfig(m types.Meter, stateTopic, attributesTopic, availabilityTopic string) SensorConfig {
	return SensorConfig{
		Name:                SensorName(m),
		UniqueID:            SensorID(m),
		StateTopic:          stateTopic,
		JSONAttributesTopic: attributesTopic,
		AvailabilityTopic:   availabilityTopic,
		DeviceClass:         DeviceClassEnergy,
		StateClass:          StateClassMeasurement,
		UnitOfMeasurement:   UnitKWH,
		Device: Device{
			Identifiers:  []string{"eon_next_" + m.Serial},
			Name:         SensorName(m),
			Manufacturer: "E.ON Next",
		},
	}
}

func sensorAttributes(snap types.MeterSnapshot) SensorAttributes {
	attrs := SensorAttributes{
		Serial:        snap.Meter.Serial,
		Type:          string(snap.Meter.Fuel),
		ID:            snap.Meter.ID,
		AccountNumber: snap.AccountNumber,
		Stale:         snap.Stale,
	}
	if snap.LatestReading != nil {
		attrs.ReadingStart = snap.LatestReading.TSStart
		attrs.ReadingEnd = snap.LatestReading.TSEnd
	}
	return attrs
}
