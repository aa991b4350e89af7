// Package archive keeps the append-only trail of raw vendor payloads.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/raterudder/solarsync/pkg/storage"
	"github.com/raterudder/solarsync/pkg/types"
)

// Trail records raw payloads. Records are never updated or deleted.
type Trail interface {
	Record(ctx context.Context, payload types.RawPayload) error
}

// Database writes payloads into the raw payload table of the store.
type Database struct {
	DB storage.Database
}

func (d Database) Record(ctx context.Context, payload types.RawPayload) error {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	return d.DB.AppendRawPayload(ctx, payload)
}

// Discard drops every payload.
type Discard struct{}

func (Discard) Record(context.Context, types.RawPayload) error { return nil }

type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectStore writes each payload as its own object, so the trail can grow
// without touching the primary database.
type ObjectStore struct {
	client objectPutter
	bucket string
	prefix string
}

// NewObjectStore returns a trail writing to bucket through an S3 compatible
// client.
func NewObjectStore(client *minio.Client, bucket, prefix string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket, prefix: prefix}
}

// objectName is prefix/tenant/provider/date/plant/id.json.
func (o *ObjectStore) objectName(p types.RawPayload) string {
	return path.Join(o.prefix, p.TenantID, p.Provider, p.Date, p.PlantExternalID, p.ID+".json")
}

func (o *ObjectStore) Record(ctx context.Context, payload types.RawPayload) error {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	_, err := o.client.PutObject(ctx, o.bucket, o.objectName(payload), bytes.NewReader(payload.Payload), int64(len(payload.Payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"kind":        payload.Kind,
			"captured-at": payload.CapturedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload raw payload: %w", err)
	}
	return nil
}

// Configured sets up the trail based on flags.
func Configured(db storage.Database) Trail {
	kind := lflag.String("raw-archive", "database", "Where raw vendor payloads are kept (available: database, minio, none)")
	endpoint := lflag.String("minio-endpoint", "", "S3 compatible endpoint for the raw payload archive")
	accessKey := lflag.String("minio-access-key", "", "Access key for the raw payload archive")
	secretKey := lflag.String("minio-secret-key", "", "Secret key for the raw payload archive")
	bucket := lflag.String("minio-bucket", "solarsync-raw", "Bucket for the raw payload archive")
	prefix := lflag.String("minio-prefix", "raw", "Object name prefix for the raw payload archive")
	useSSL := lflag.Bool("minio-use-ssl", true, "Use TLS when talking to the raw payload archive")

	var t struct{ Trail }

	lflag.Do(func() {
		switch *kind {
		case "database":
			t.Trail = Database{DB: db}
		case "none":
			t.Trail = Discard{}
		case "minio":
			if *endpoint == "" {
				panic("--minio-endpoint is required with --raw-archive=minio")
			}
			client, err := minio.New(*endpoint, &minio.Options{
				Creds:  credentials.NewStaticV4(*accessKey, *secretKey, ""),
				Secure: *useSSL,
			})
			if err != nil {
				panic(fmt.Sprintf("failed to create minio client: %v", err))
			}
			t.Trail = NewObjectStore(client, *bucket, *prefix)
		default:
			panic(fmt.Sprintf("unknown raw archive: %s", *kind))
		}
	})

	return &t
}
