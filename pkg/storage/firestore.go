package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/eonbridge/eonbridge/pkg/log"
	"github.com/eonbridge/eonbridge/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. It persists settings, meters, and consumption history.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) meterConsumption(serial string) (*firestore.CollectionRef, error) {
	if serial == "" {
		return nil, fmt.Errorf("serial cannot be empty")
	}
	return f.client.Collection("meters").Doc(serial).Collection("consumption"), nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings"
// document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.client.Collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Return default settings if not found
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "settings doc missing json")
		return types.Settings{}, 0, fmt.Errorf("settings document missing 'json' field: %w", err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "settings doc json not string")
		return types.Settings{}, 0, fmt.Errorf("settings 'json' field is not a string")
	}

	var s types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal settings json", slog.Any("err", err))
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings"
// document. It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	_, err = f.client.Collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// UpsertMeter adds or updates a meter document in the "meters" collection,
// keyed by serial number.
func (f *FirestoreProvider) UpsertMeter(ctx context.Context, meter types.Meter) error {
	if meter.Serial == "" {
		return fmt.Errorf("meter missing serial")
	}
	jsonBytes, err := json.Marshal(meter)
	if err != nil {
		return fmt.Errorf("failed to marshal meter: %w", err)
	}
	_, err = f.client.Collection("meters").Doc(meter.Serial).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
		"fuel": string(meter.Fuel),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to upsert meter %s: %w", meter.Serial, err)
	}
	return nil
}

// GetMeter retrieves a meter from the "meters" collection.
func (f *FirestoreProvider) GetMeter(ctx context.Context, serial string) (types.Meter, error) {
	doc, err := f.client.Collection("meters").Doc(serial).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Meter{}, fmt.Errorf("%w: %s", ErrMeterNotFound, serial)
		}
		return types.Meter{}, fmt.Errorf("failed to get meter %s: %w", serial, err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "meter doc missing json", slog.String("serial", serial))
		return types.Meter{}, fmt.Errorf("meter %s missing json: %w", serial, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "meter doc json not string", slog.String("serial", serial))
		return types.Meter{}, fmt.Errorf("meter %s json not string", serial)
	}

	var m types.Meter
	if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
		return types.Meter{}, fmt.Errorf("failed to unmarshal meter %s: %w", serial, err)
	}
	return m, nil
}

// ListMeters retrieves all meters from the "meters" collection.
func (f *FirestoreProvider) ListMeters(ctx context.Context) ([]types.Meter, error) {
	iter := f.client.Collection("meters").Documents(ctx)
	defer iter.Stop()

	var meters []types.Meter
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating meters: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "meter doc missing json", slog.String("serial", doc.Ref.ID))
			// Skip malformed documents
			continue
		}
		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "meter doc json not string", slog.String("serial", doc.Ref.ID))
			continue
		}

		var m types.Meter
		if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal meter", slog.String("serial", doc.Ref.ID), slog.Any("err", err))
			// Skip malformed JSON
			continue
		}
		meters = append(meters, m)
	}
	return meters, nil
}

// UpsertReadings adds or updates consumption records in the "consumption"
// sub-collection of the meter. The document ID is the RFC3339 timestamp of
// TSStart for efficient range queries.
func (f *FirestoreProvider) UpsertReadings(ctx context.Context, serial string, readings []types.Reading, version int) error {
	coll, err := f.meterConsumption(serial)
	if err != nil {
		return err
	}

	for _, r := range readings {
		if r.TSStart.IsZero() {
			return fmt.Errorf("reading missing tsStart")
		}
		jsonBytes, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal reading: %w", err)
		}

		docID := r.TSStart.UTC().Format(time.RFC3339)
		_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": r.TSStart,
			"version":   version,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert reading: %w", err)
		}
	}
	return nil
}

// GetConsumptionHistory retrieves consumption records within the specified
// time range for a meter. Uses document ID range queries for efficient
// filtering without reading all documents.
func (f *FirestoreProvider) GetConsumptionHistory(ctx context.Context, serial string, start, end time.Time) ([]types.Reading, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.meterConsumption(serial)
	if err != nil {
		return nil, err
	}

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var readings []types.Reading
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating readings: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "reading doc missing json", slog.String("docID", doc.Ref.ID), slog.String("serial", serial), slog.Any("err", err))
			return nil, fmt.Errorf("reading document %s missing 'json' field: %w", doc.Ref.ID, err)
		}

		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "reading doc json not string", slog.String("docID", doc.Ref.ID), slog.String("serial", serial))
			return nil, fmt.Errorf("reading document %s 'json' field is not string", doc.Ref.ID)
		}

		var r types.Reading
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal reading", slog.String("docID", doc.Ref.ID), slog.String("serial", serial), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal reading (id=%s): %w", doc.Ref.ID, err)
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// GetLatestReadingTime retrieves the timestamp of the last stored consumption
// record for a meter.
func (f *FirestoreProvider) GetLatestReadingTime(ctx context.Context, serial string) (time.Time, int, error) {
	coll, err := f.meterConsumption(serial)
	if err != nil {
		return time.Time{}, 0, err
	}

	// firestore automatically creates indexes for top-level fields
	iter := coll.
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, 0, nil
	}
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to get latest reading doc: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid reading doc id %s: %w", doc.Ref.ID, err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	return ts, version, nil
}
