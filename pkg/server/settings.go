package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eonbridge/eonbridge/pkg/crypt"
	"github.com/eonbridge/eonbridge/pkg/log"
	"github.com/eonbridge/eonbridge/pkg/types"
)

type settingsWithVersion struct {
	types.Settings
	version int
}

func (s *Server) getSettingsWithMigration(ctx context.Context) (settingsWithVersion, types.Credentials, error) {
	settings, version, err := s.storage.GetSettings(ctx)
	if err != nil {
		return settingsWithVersion{}, types.Credentials{}, err
	}
	sv := settingsWithVersion{
		Settings: settings,
		version:  version,
	}

	// Check for migration
	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		newSettings, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			// Log error but return settings as is (best effort)
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			sv.Settings = newSettings
			sv.version = types.CurrentSettingsVersion
			if err := s.storage.SetSettings(ctx, newSettings, types.CurrentSettingsVersion); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
				// Return migrated settings even if save failed, so current request works with new defaults
			} else {
				log.Ctx(ctx).InfoContext(ctx, "saved migrated settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
			}
		}
	}

	var creds types.Credentials
	if len(settings.EncryptedCredentials) > 0 {
		creds, err = crypt.DecryptCredentials(ctx, s.encryptionKey, settings.EncryptedCredentials)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
			return settingsWithVersion{}, types.Credentials{}, err
		}
	}

	return sv, creds, nil
}

// SettingsRes is the response type for GetSettings
type SettingsRes struct {
	types.Settings
	HasCredentials map[string]bool `json:"hasCredentials"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, creds, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	// remove encrypted credentials from response
	settings.EncryptedCredentials = nil

	resp := SettingsRes{
		Settings:       settings.Settings,
		HasCredentials: creds.Has(),
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		types.Settings
		Credentials *types.Credentials `json:"credentials,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	newSettings := req.Settings

	if newSettings.PollIntervalMinutes < 1 {
		writeJSONError(w, "poll interval must be at least 1 minute", http.StatusBadRequest)
		return
	}
	if newSettings.FetchWindowDays < 1 {
		writeJSONError(w, "fetch window must be at least 1 day", http.StatusBadRequest)
		return
	}
	if newSettings.BackfillDays < newSettings.FetchWindowDays {
		writeJSONError(w, "backfill days cannot be less than the fetch window", http.StatusBadRequest)
		return
	}

	// Get existing settings to preserve fields not in the request
	existing, _, err := s.storage.GetSettings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	newSettings.AuthStatus = existing.AuthStatus

	// Handle credentials update
	if req.Credentials != nil && req.Credentials.EON != nil {
		var existingCreds types.Credentials
		if len(existing.EncryptedCredentials) > 0 {
			existingCreds, err = crypt.DecryptCredentials(ctx, s.encryptionKey, existing.EncryptedCredentials)
			if err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
				writeJSONError(w, "failed to decrypt credentials", http.StatusInternalServerError)
				return
			}
		}

		submitted := *req.Credentials.EON
		if submitted.Email == "" {
			writeJSONError(w, "email is required", http.StatusBadRequest)
			return
		}
		// allow updating the email while keeping the stored password
		if submitted.Password == "" {
			if existingCreds.EON == nil {
				writeJSONError(w, "password is required", http.StatusBadRequest)
				return
			}
			submitted.Password = existingCreds.EON.Password
		}

		credentialsActuallyChanged := existingCreds.EON == nil ||
			existingCreds.EON.Email != submitted.Email ||
			req.Credentials.EON.Password != ""

		// a new password is a reason to retry sooner than the backoff allows
		if credentialsActuallyChanged && newSettings.AuthStatus.ConsecutiveFailures > 0 {
			newSettings.AuthStatus.ConsecutiveFailures--
			newSettings.AuthStatus.LastAttempt = time.Time{}
		}

		if newSettings.AuthStatus.ConsecutiveFailures >= 5 {
			writeJSONError(w, "authentication locked due to too many consecutive failures", http.StatusTooManyRequests)
			return
		}
		if newSettings.AuthStatus.ConsecutiveFailures > 0 {
			backoff := time.Duration(newSettings.AuthStatus.ConsecutiveFailures*5) * time.Minute
			if time.Since(newSettings.AuthStatus.LastAttempt) < backoff {
				writeJSONError(w, "authentication rate limited, try again later", http.StatusTooManyRequests)
				return
			}
		}

		// Verify the credentials with a real login before persisting
		verified, _, err := s.api.Authenticate(ctx, submitted)
		now := time.Now().UTC()
		if err != nil {
			newSettings.AuthStatus.ConsecutiveFailures++
			newSettings.AuthStatus.LastAttempt = now
			newSettings.EncryptedCredentials = existing.EncryptedCredentials
			if dbErr := s.storage.SetSettings(ctx, newSettings, types.CurrentSettingsVersion); dbErr != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to update settings auth status", slog.Any("error", dbErr))
			}
			log.Ctx(ctx).WarnContext(ctx, "failed to verify credentials", slog.Any("error", err))
			writeJSONError(w, fmt.Sprintf("failed to verify credentials: %v", err), http.StatusBadRequest)
			return
		}

		if newSettings.AuthStatus.ConsecutiveFailures > 0 {
			newSettings.AuthStatus.ConsecutiveFailures = 0
			newSettings.AuthStatus.LastAttempt = now
		}

		// store the verified credentials, including the tokens the login minted
		existingCreds.EON = &verified
		encrypted, err := crypt.EncryptCredentials(ctx, s.encryptionKey, existingCreds)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt credentials", slog.Any("error", err))
			writeJSONError(w, "failed to encrypt credentials", http.StatusInternalServerError)
			return
		}
		newSettings.EncryptedCredentials = encrypted
	} else {
		// Preserve existing encrypted credentials if not updating
		newSettings.EncryptedCredentials = existing.EncryptedCredentials
	}

	if err := s.storage.SetSettings(ctx, newSettings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "settings updated")

	w.WriteHeader(http.StatusOK)
}
