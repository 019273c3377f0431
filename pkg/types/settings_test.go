package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateSettings(t *testing.T) {
	t.Run("v1: initial defaults", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{}, 0)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 60, s.PollIntervalMinutes)
		assert.Equal(t, 7, s.FetchWindowDays)
	})

	t.Run("v1 to v2: backfill days", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{
			PollIntervalMinutes: 30,
			FetchWindowDays:     3,
		}, 1)
		require.NoError(t, err)
		assert.True(t, changed)
		// existing values survive the migration
		assert.Equal(t, 30, s.PollIntervalMinutes)
		assert.Equal(t, 3, s.FetchWindowDays)
		assert.Equal(t, 90, s.BackfillDays)
	})

	t.Run("no change: current version", func(t *testing.T) {
		current := Settings{
			PollIntervalMinutes: 60,
			FetchWindowDays:     7,
			BackfillDays:        90,
		}
		s, changed, err := MigrateSettings(current, CurrentSettingsVersion)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, current, s)
	})

	t.Run("unknown version", func(t *testing.T) {
		_, _, err := MigrateSettings(Settings{}, -10)
		require.Error(t, err)
	})
}

func TestFuelValid(t *testing.T) {
	assert.True(t, FuelElectricity.Valid())
	assert.True(t, FuelGas.Valid())
	assert.False(t, Fuel("oil").Valid())
	assert.False(t, Fuel("").Valid())
}
