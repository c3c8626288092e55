package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/outflowhq/outflow/pkg/schema"
)

// MinIOConfig configures the object-store archiver.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

const putTimeout = 15 * time.Second

// MinIOArchiver writes dispatch records to an S3-compatible bucket.
type MinIOArchiver struct {
	client *minio.Client
	bucket string
}

// NewMinIOArchiver connects to the object store and ensures the bucket
// exists.
func NewMinIOArchiver(ctx context.Context, cfg MinIOConfig) (*MinIOArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "failed to create object store client").WithCause(err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "failed to check archive bucket %q", cfg.Bucket).WithCause(err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "failed to create archive bucket %q", cfg.Bucket).WithCause(err)
		}
	}

	return &MinIOArchiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *MinIOArchiver) Archive(ctx context.Context, rec Record) error {
	if rec.DispatchedAt.IsZero() {
		rec.DispatchedAt = time.Now().UTC()
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "failed to marshal dispatch record").WithCause(err)
	}

	putCtx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	_, err = a.client.PutObject(
		putCtx,
		a.bucket,
		ObjectKey(rec),
		bytes.NewReader(body),
		int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "failed to archive dispatch for contact %q", rec.ContactID).WithCause(err)
	}
	return nil
}
