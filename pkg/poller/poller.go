// Package poller runs the periodic sync cycle: authenticate with E.ON Next,
// rediscover accounts and meters, fetch recent half-hourly consumption, and
// fan the results out to storage and Home Assistant.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eonbridge/eonbridge/pkg/crypt"
	"github.com/eonbridge/eonbridge/pkg/eonnext"
	"github.com/eonbridge/eonbridge/pkg/homeassistant"
	"github.com/eonbridge/eonbridge/pkg/log"
	"github.com/eonbridge/eonbridge/pkg/storage"
	"github.com/eonbridge/eonbridge/pkg/types"
	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentMeters caps how many meters we fetch consumption for at once.
const maxConcurrentMeters = 4

// Poller drives the sync cycle. Cycles never overlap: Run's ticker and the
// API's manual trigger share a mutex.
type Poller struct {
	api eonnext.API
	db  storage.Database
	ha  *homeassistant.Publisher

	encryptionKey string
	interval      time.Duration

	mu sync.Mutex

	snapMu    sync.RWMutex
	snapshots map[string]types.MeterSnapshot

	now func() time.Time
}

// Summary reports what a poll cycle did.
type Summary struct {
	Status   string `json:"status"`
	Accounts int    `json:"accounts"`
	Meters   int    `json:"meters"`
	Readings int    `json:"readings"`
}

// New creates a Poller with the default hourly interval. Most callers want
// Configured.
func New(api eonnext.API, db storage.Database, ha *homeassistant.Publisher) *Poller {
	return &Poller{
		api:       api,
		db:        db,
		ha:        ha,
		interval:  time.Hour,
		snapshots: make(map[string]types.MeterSnapshot),
		now:       time.Now,
	}
}

// Configured sets up the Poller based on flags.
func Configured(api eonnext.API, db storage.Database, ha *homeassistant.Publisher) *Poller {
	interval := lflag.Duration("poll-interval", time.Hour, "Default interval between poll cycles (settings can override)")

	p := New(api, db, ha)

	lflag.Do(func() {
		p.interval = *interval
	})

	return p
}

// SetEncryptionKey sets the key used to decrypt stored credentials. The
// server owns the flag for it, so main wires it over after configuration.
func (p *Poller) SetEncryptionKey(key string) {
	p.encryptionKey = key
}

// Snapshots returns the latest per-meter snapshots, sorted by serial.
func (p *Poller) Snapshots() []types.MeterSnapshot {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	snaps := make([]types.MeterSnapshot, 0, len(p.snapshots))
	for _, s := range p.snapshots {
		snaps = append(snaps, s)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Meter.Serial < snaps[j].Meter.Serial
	})
	return snaps
}

// Run polls immediately and then on an interval until the context is
// canceled. Poll errors are logged, not fatal: the upstream API has regular
// outages and the next cycle usually succeeds.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if _, err := p.Poll(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "poll cycle failed", slog.Any("error", err))
		}

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Poll runs a single sync cycle.
func (p *Poller) Poll(ctx context.Context) (Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.now()
	log.Ctx(ctx).DebugContext(ctx, "poll cycle started")

	settings, version, err := p.getSettingsWithMigration(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to get settings: %w", err)
	}

	if settings.PollIntervalMinutes > 0 {
		p.interval = time.Duration(settings.PollIntervalMinutes) * time.Minute
	}

	if settings.Pause {
		log.Ctx(ctx).InfoContext(ctx, "poll cycle paused")
		return Summary{Status: "paused"}, nil
	}

	settings, err = p.authenticate(ctx, settings, version)
	if err != nil {
		p.markStale(ctx)
		return Summary{}, err
	}

	accounts, err := p.api.AccountNumbers(ctx)
	if err != nil {
		p.markStale(ctx)
		return Summary{}, fmt.Errorf("failed to list accounts: %w", err)
	}
	if len(accounts) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no accounts found")
	}

	summary := Summary{Status: "success", Accounts: len(accounts)}
	for _, account := range accounts {
		meters, err := p.api.Meters(ctx, account)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to list meters",
				slog.String("accountNumber", account),
				slog.Any("error", err),
			)
			continue
		}
		summary.Meters += len(meters)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrentMeters)
		var readingsMu sync.Mutex
		for _, meter := range meters {
			g.Go(func() error {
				n, err := p.syncMeter(gctx, account, meter, settings)
				if err != nil {
					log.Ctx(gctx).ErrorContext(gctx, "failed to sync meter",
						slog.String("serial", meter.Serial),
						slog.String("fuel", string(meter.Fuel)),
						slog.Any("error", err),
					)
					p.markMeterStale(account, meter)
					// don't cancel the other meters
					return nil
				}
				readingsMu.Lock()
				summary.Readings += n
				readingsMu.Unlock()
				return nil
			})
		}
		// errors are handled per-meter above
		_ = g.Wait()
	}

	log.Ctx(ctx).InfoContext(ctx, "poll cycle finished",
		slog.Int("accounts", summary.Accounts),
		slog.Int("meters", summary.Meters),
		slog.Int("readings", summary.Readings),
		slog.Duration("took", p.now().Sub(start)),
	)
	return summary, nil
}

func (p *Poller) getSettingsWithMigration(ctx context.Context) (types.Settings, int, error) {
	settings, version, err := p.db.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, 0, err
	}

	if version < types.CurrentSettingsVersion {
		newSettings, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			settings = newSettings
			version = types.CurrentSettingsVersion
			if err := p.db.SetSettings(ctx, settings, version); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
				// keep going with the migrated defaults in memory
			}
		}
	}

	return settings, version, nil
}

// authenticate logs in with the stored credentials, backing off after
// repeated failures so we never hammer the upstream with a bad password.
func (p *Poller) authenticate(ctx context.Context, settings types.Settings, version int) (types.Settings, error) {
	creds, err := crypt.DecryptCredentials(ctx, p.encryptionKey, settings.EncryptedCredentials)
	if err != nil {
		return settings, err
	}
	if creds.EON == nil {
		return settings, eonnext.ErrMissingCredentials
	}

	if settings.AuthStatus.ConsecutiveFailures >= 5 {
		return settings, errors.New("authentication locked due to too many consecutive failures")
	}
	if settings.AuthStatus.ConsecutiveFailures > 0 {
		backoff := time.Duration(settings.AuthStatus.ConsecutiveFailures*5) * time.Minute
		if p.now().Sub(settings.AuthStatus.LastAttempt) < backoff {
			return settings, errors.New("authentication rate limited, try again later")
		}
	}

	newCreds, updated, err := p.api.Authenticate(ctx, *creds.EON)
	now := p.now().UTC()
	if err != nil {
		settings.AuthStatus.ConsecutiveFailures++
		settings.AuthStatus.LastAttempt = now
		if dbErr := p.db.SetSettings(ctx, settings, version); dbErr != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to update settings auth status", slog.Any("error", dbErr))
		}
		return settings, fmt.Errorf("failed to authenticate: %w", err)
	}

	authStatusChanged := false
	if settings.AuthStatus.ConsecutiveFailures > 0 {
		settings.AuthStatus.ConsecutiveFailures = 0
		settings.AuthStatus.LastAttempt = now
		authStatusChanged = true
	}

	if updated {
		log.Ctx(ctx).DebugContext(ctx, "credentials updated during authentication")
		creds.EON = &newCreds
		encrypted, err := crypt.EncryptCredentials(ctx, p.encryptionKey, creds)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt credentials", slog.Any("error", err))
		} else {
			settings.EncryptedCredentials = encrypted
			if err := p.db.SetSettings(ctx, settings, version); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
			}
		}
	} else if authStatusChanged {
		if dbErr := p.db.SetSettings(ctx, settings, version); dbErr != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to update settings auth status", slog.Any("error", dbErr))
		}
	}

	return settings, nil
}

// syncMeter fetches recent consumption for one meter, persists it, and
// publishes the latest reading. Returns the number of readings fetched.
func (p *Poller) syncMeter(ctx context.Context, account string, meter types.Meter, settings types.Settings) (int, error) {
	if err := p.db.UpsertMeter(ctx, meter); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to upsert meter", slog.String("serial", meter.Serial), slog.Any("error", err))
	}

	lastTime, lastVersion, err := p.db.GetLatestReadingTime(ctx, meter.Serial)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get latest reading time", slog.String("serial", meter.Serial), slog.Any("error", err))
	}

	now := p.now()
	// always re-fetch the whole window: the upstream revises half-hourly data
	// for up to a couple of days after first publishing it
	syncStart := truncateDay(now.AddDate(0, 0, -settings.FetchWindowDays))
	if lastTime.IsZero() || lastVersion < types.CurrentReadingVersion {
		syncStart = truncateDay(now.AddDate(0, 0, -settings.BackfillDays))
		log.Ctx(ctx).InfoContext(ctx, "backfilling consumption",
			slog.String("serial", meter.Serial),
			slog.Time("since", syncStart),
			slog.Int("lastVersion", lastVersion),
		)
	}

	readings, err := p.api.Consumption(ctx, account, meter.ID, meter.Fuel, syncStart, now)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch consumption: %w", err)
	}

	if len(readings) > 0 {
		if err := p.db.UpsertReadings(ctx, meter.Serial, readings, types.CurrentReadingVersion); err != nil {
			return 0, fmt.Errorf("failed to store readings: %w", err)
		}
	}

	snap := types.MeterSnapshot{
		AccountNumber: account,
		Meter:         meter,
		UpdatedAt:     now,
	}
	if len(readings) > 0 {
		latest := readings[len(readings)-1]
		snap.LatestReading = &latest
	} else {
		// keep the previous reading if this cycle returned nothing
		p.snapMu.RLock()
		if prev, ok := p.snapshots[meter.Serial]; ok {
			snap.LatestReading = prev.LatestReading
		}
		p.snapMu.RUnlock()
	}

	p.snapMu.Lock()
	p.snapshots[meter.Serial] = snap
	p.snapMu.Unlock()

	if err := p.ha.PublishSnapshot(ctx, snap); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish snapshot",
			slog.String("serial", meter.Serial),
			slog.Any("error", err),
		)
	}

	return len(readings), nil
}

// markStale flags every snapshot as stale after a cycle-level failure so
// consumers know the data is from an earlier cycle.
func (p *Poller) markStale(ctx context.Context) {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	for serial, snap := range p.snapshots {
		snap.Stale = true
		p.snapshots[serial] = snap
	}
	if len(p.snapshots) > 0 {
		log.Ctx(ctx).DebugContext(ctx, "marked snapshots stale", slog.Int("count", len(p.snapshots)))
	}
}

func (p *Poller) markMeterStale(account string, meter types.Meter) {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	snap, ok := p.snapshots[meter.Serial]
	if !ok {
		snap = types.MeterSnapshot{AccountNumber: account, Meter: meter}
	}
	snap.Stale = true
	p.snapshots[meter.Serial] = snap
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
