package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/raterudder/solarsync/pkg/storage"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	bucket, name string
	body         []byte
	opts         minio.PutObjectOptions
	err          error
}

func (f *fakePutter) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	f.bucket, f.name, f.opts = bucketName, objectName, opts
	b, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.body = b
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: objectSize}, nil
}

func TestObjectStore(t *testing.T) {
	payload := types.RawPayload{
		ID:              "r-1",
		TenantID:        "t1",
		Provider:        "solis",
		PlantExternalID: "p1",
		Kind:            "metrics",
		Date:            "2026-03-14",
		Payload:         []byte(`{"power":1}`),
		CapturedAt:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	t.Run("Uploads", func(t *testing.T) {
		fp := &fakePutter{}
		o := &ObjectStore{client: fp, bucket: "raw-bucket", prefix: "raw"}
		require.NoError(t, o.Record(context.Background(), payload))
		assert.Equal(t, "raw-bucket", fp.bucket)
		assert.Equal(t, "raw/t1/solis/2026-03-14/p1/r-1.json", fp.name)
		assert.Equal(t, `{"power":1}`, string(fp.body))
		assert.Equal(t, "application/json", fp.opts.ContentType)
		assert.Equal(t, "metrics", fp.opts.UserMetadata["kind"])
	})

	t.Run("Generates ID", func(t *testing.T) {
		fp := &fakePutter{}
		o := &ObjectStore{client: fp, bucket: "b"}
		p := payload
		p.ID = ""
		require.NoError(t, o.Record(context.Background(), p))
		assert.Regexp(t, `^t1/solis/2026-03-14/p1/[0-9a-f-]{36}\.json$`, fp.name)
	})

	t.Run("Error", func(t *testing.T) {
		o := &ObjectStore{client: &fakePutter{err: errors.New("denied")}, bucket: "b"}
		assert.ErrorContains(t, o.Record(context.Background(), payload), "denied")
	})
}

func TestDatabase(t *testing.T) {
	mem := storage.NewMemory()
	require.NoError(t, Database{DB: mem}.Record(context.Background(), types.RawPayload{TenantID: "t1"}))
	got := mem.RawPayloads()
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)

	assert.NoError(t, Discard{}.Record(context.Background(), types.RawPayload{}))
}
