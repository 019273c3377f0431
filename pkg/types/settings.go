package types

import (
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 2

// Settings represents the configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	// Pause stops the poller from running cycles without unloading anything.
	Pause bool `json:"pause"`

	// PollIntervalMinutes is how often a poll cycle runs.
	PollIntervalMinutes int `json:"pollIntervalMinutes"`

	// FetchWindowDays is how far back each cycle fetches consumption. The
	// upstream publishes half-hourly data with a delay of up to a couple of
	// days, so we re-fetch a window rather than just the newest interval.
	FetchWindowDays int `json:"fetchWindowDays"`

	// BackfillDays is how far back the first sync for a meter reaches.
	BackfillDays int `json:"backfillDays"`

	// Credentials for the upstream API (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`

	// AuthStatus tracks authentication failures so we can back off instead of
	// hammering the upstream with bad credentials.
	AuthStatus AuthStatus `json:"authStatus"`
}

// AuthStatus records the outcome of recent authentication attempts.
type AuthStatus struct {
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastAttempt         time.Time `json:"lastAttempt"`
}

// Credentials for external systems
type Credentials struct {
	EON *EONCredentials `json:"eon,omitempty"`
}

// Has reports which credentials are present without exposing them.
func (c Credentials) Has() map[string]bool {
	return map[string]bool{
		"eon": c.EON != nil,
	}
}

// EONCredentials holds the E.ON Next login and the cached token pair. The
// tokens are stored alongside the login so we can skip a password login on
// every cycle and only re-authenticate when the refresh token has expired.
type EONCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`

	Token          string `json:"token,omitempty"`
	RefreshToken   string `json:"refreshToken,omitempty"`
	TokenExpires   int64  `json:"tokenExpires,omitempty"`
	RefreshExpires int64  `json:"refreshExpires,omitempty"`
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.PollIntervalMinutes == 0 {
				s.PollIntervalMinutes = 60
				migrated = true
			}
			if s.FetchWindowDays == 0 {
				s.FetchWindowDays = 7
				migrated = true
			}
		case 2:
			// version 2: add backfill window for the first sync
			if s.BackfillDays == 0 {
				s.BackfillDays = 90
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
