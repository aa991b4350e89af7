package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Database using Google Cloud Firestore.
// Integrations live in the top-level "integrations" collection; everything
// synced for a tenant lives in sub-collections of "tenants/{tenantID}".
// Records are stored as JSON blobs next to the fields queries need.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

var _ Database = (*FirestoreProvider)(nil)

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
	// an empty project id is inferred from the environment
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

func (f *FirestoreProvider) getCollection(tenantID, name string) (*firestore.CollectionRef, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID cannot be empty")
	}
	return f.client.Collection("tenants").Doc(tenantID).Collection(name), nil
}

// decodeDoc reads the "json" field of doc into a T.
func decodeDoc[T any](ctx context.Context, doc *firestore.DocumentSnapshot, kind string) (T, error) {
	var out T
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return out, fmt.Errorf("%s document %s missing 'json' field: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc json not string", slog.String("docID", doc.Ref.ID))
		return out, fmt.Errorf("%s document %s 'json' field is not a string", kind, doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal "+kind, slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return out, fmt.Errorf("failed to unmarshal %s (id=%s): %w", kind, doc.Ref.ID, err)
	}
	return out, nil
}

// decodeAll drains iter, skipping malformed documents.
func decodeAll[T any](ctx context.Context, iter *firestore.DocumentIterator, kind string) ([]T, error) {
	defer iter.Stop()
	var out []T
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating %s documents: %w", kind, err)
		}
		v, err := decodeDoc[T](ctx, doc, kind)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *FirestoreProvider) set(ctx context.Context, ref *firestore.DocumentRef, kind string, v any, fields map[string]interface{}) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	data := map[string]interface{}{"json": string(jsonBytes)}
	for k, fv := range fields {
		data[k] = fv
	}
	if _, err := ref.Set(ctx, data); err != nil {
		return fmt.Errorf("failed to save %s: %w", kind, err)
	}
	return nil
}

// GetIntegration retrieves the integration of tenantID with provider.
func (f *FirestoreProvider) GetIntegration(ctx context.Context, tenantID, provider string) (types.Integration, error) {
	doc, err := f.client.Collection("integrations").Doc(docKey(tenantID, provider)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Integration{}, fmt.Errorf("%w: %s/%s", ErrIntegrationNotFound, tenantID, provider)
		}
		return types.Integration{}, fmt.Errorf("failed to get integration %s/%s: %w", tenantID, provider, err)
	}
	return decodeDoc[types.Integration](ctx, doc, "integration")
}

// UpsertIntegration creates or replaces an integration document.
func (f *FirestoreProvider) UpsertIntegration(ctx context.Context, in types.Integration) error {
	if in.TenantID == "" || in.Provider == "" {
		return fmt.Errorf("integration needs a tenant and provider")
	}
	ref := f.client.Collection("integrations").Doc(docKey(in.TenantID, in.Provider))
	return f.set(ctx, ref, "integration", in, map[string]interface{}{
		"tenantID":  in.TenantID,
		"provider":  in.Provider,
		"status":    string(in.Status),
		"updatedAt": in.UpdatedAt,
	})
}

// ListIntegrations retrieves integrations across tenants, filtered by status.
func (f *FirestoreProvider) ListIntegrations(ctx context.Context, statuses ...types.IntegrationStatus) ([]types.Integration, error) {
	q := f.client.Collection("integrations").Query
	if len(statuses) > 0 {
		in := make([]string, len(statuses))
		for i, s := range statuses {
			in[i] = string(s)
		}
		q = q.Where("status", "in", in)
	}
	return decodeAll[types.Integration](ctx, q.OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx), "integration")
}

// ListTenantIntegrations retrieves every integration of tenantID.
func (f *FirestoreProvider) ListTenantIntegrations(ctx context.Context, tenantID string) ([]types.Integration, error) {
	iter := f.client.Collection("integrations").
		Where("tenantID", "==", tenantID).
		Documents(ctx)
	return decodeAll[types.Integration](ctx, iter, "integration")
}

// UpsertPlant adds or updates a plant in the "plants" sub-collection.
func (f *FirestoreProvider) UpsertPlant(ctx context.Context, p types.PlantRecord) error {
	coll, err := f.getCollection(p.TenantID, "plants")
	if err != nil {
		return err
	}
	return f.set(ctx, coll.Doc(docKey(p.Provider, p.Plant.ExternalID)), "plant", p, map[string]interface{}{
		"provider":   p.Provider,
		"externalID": p.Plant.ExternalID,
	})
}

// GetPlant retrieves a single plant.
func (f *FirestoreProvider) GetPlant(ctx context.Context, tenantID, provider, externalID string) (types.PlantRecord, error) {
	coll, err := f.getCollection(tenantID, "plants")
	if err != nil {
		return types.PlantRecord{}, err
	}
	doc, err := coll.Doc(docKey(provider, externalID)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.PlantRecord{}, fmt.Errorf("%w: %s", ErrPlantNotFound, externalID)
		}
		return types.PlantRecord{}, fmt.Errorf("failed to get plant %s: %w", externalID, err)
	}
	return decodeDoc[types.PlantRecord](ctx, doc, "plant")
}

// ListPlants retrieves the plants of tenantID synced from provider.
func (f *FirestoreProvider) ListPlants(ctx context.Context, tenantID, provider string) ([]types.PlantRecord, error) {
	coll, err := f.getCollection(tenantID, "plants")
	if err != nil {
		return nil, err
	}
	iter := coll.Where("provider", "==", provider).OrderBy("externalID", firestore.Asc).Documents(ctx)
	return decodeAll[types.PlantRecord](ctx, iter, "plant")
}

// UpsertDevice adds or updates a device in the "devices" sub-collection.
func (f *FirestoreProvider) UpsertDevice(ctx context.Context, d types.DeviceRecord) error {
	coll, err := f.getCollection(d.TenantID, "devices")
	if err != nil {
		return err
	}
	return f.set(ctx, coll.Doc(docKey(d.Provider, d.Device.ProviderDeviceID)), "device", d, map[string]interface{}{
		"provider":        d.Provider,
		"plantExternalID": d.PlantExternalID,
	})
}

// UpsertAlarm adds or updates an alarm keyed by the vendor event id.
func (f *FirestoreProvider) UpsertAlarm(ctx context.Context, a types.AlarmRecord) error {
	coll, err := f.getCollection(a.TenantID, "alarms")
	if err != nil {
		return err
	}
	return f.set(ctx, coll.Doc(docKey(a.Provider, a.Alarm.ProviderEventID)), "alarm", a, map[string]interface{}{
		"provider":        a.Provider,
		"plantExternalID": a.Alarm.ProviderPlantID,
		"isOpen":          a.Alarm.IsOpen,
		"startsAt":        a.Alarm.StartsAt,
	})
}

// UpsertDailyMetrics adds or updates the metrics of a plant for one date.
func (f *FirestoreProvider) UpsertDailyMetrics(ctx context.Context, m types.MetricsRecord) error {
	coll, err := f.getCollection(m.TenantID, "daily_metrics")
	if err != nil {
		return err
	}
	return f.set(ctx, coll.Doc(docKey(m.Provider, m.PlantExternalID, m.Date)), "metrics", m, map[string]interface{}{
		"provider":        m.Provider,
		"plantExternalID": m.PlantExternalID,
		"date":            m.Date,
	})
}

// GetDailyMetrics retrieves the metrics of a plant for one date.
func (f *FirestoreProvider) GetDailyMetrics(ctx context.Context, tenantID, provider, plantExternalID, date string) (types.MetricsRecord, error) {
	coll, err := f.getCollection(tenantID, "daily_metrics")
	if err != nil {
		return types.MetricsRecord{}, err
	}
	doc, err := coll.Doc(docKey(provider, plantExternalID, date)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.MetricsRecord{}, fmt.Errorf("%w: %s %s", ErrMetricsNotFound, plantExternalID, date)
		}
		return types.MetricsRecord{}, fmt.Errorf("failed to get metrics %s %s: %w", plantExternalID, date, err)
	}
	return decodeDoc[types.MetricsRecord](ctx, doc, "metrics")
}

// create writes a new document and never overwrites one.
func (f *FirestoreProvider) create(ctx context.Context, tenantID, collection, id, kind string, v any, at time.Time) error {
	coll, err := f.getCollection(tenantID, collection)
	if err != nil {
		return err
	}
	if id == "" {
		id = uuid.NewString()
	}
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	_, err = coll.Doc(id).Create(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": at,
	})
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", kind, err)
	}
	return nil
}

// AppendRawPayload inserts into the "raw_payloads" sub-collection.
func (f *FirestoreProvider) AppendRawPayload(ctx context.Context, p types.RawPayload) error {
	return f.create(ctx, p.TenantID, "raw_payloads", p.ID, "raw payload", p, p.CapturedAt)
}

// AppendReading inserts into the "readings" sub-collection.
func (f *FirestoreProvider) AppendReading(ctx context.Context, r types.RealtimeReading) error {
	return f.create(ctx, r.TenantID, "readings", r.ID, "reading", r, r.ReadAt)
}

// InsertAuditEvent inserts into the "audit" sub-collection.
func (f *FirestoreProvider) InsertAuditEvent(ctx context.Context, e types.AuditEvent) error {
	return f.create(ctx, e.TenantID, "audit", e.ID, "audit event", e, e.At)
}
