package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
)

// ObjectConfig holds object storage connection parameters
type ObjectConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	UseTLS    bool   `json:"use_tls"`
	Bucket    string `json:"bucket"`
	BasePath  string `json:"base_path"`
}

// ObjectWriter stores each batch as one JSONL object, partitioned by
// date so downstream batch jobs can prune by prefix.
type ObjectWriter struct {
	client   *minio.Client
	bucket   string
	basePath string
}

// NewObjectWriter connects to the object store and ensures the bucket
func NewObjectWriter(ctx context.Context, config ObjectConfig) (*ObjectWriter, error) {
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, errors.Wrap(errors.ErrMissingConfig, "ObjectWriter", "NewObjectWriter", "endpoint and bucket required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseTLS,
	})
	if err != nil {
		return nil, errors.Wrap(err, "ObjectWriter", "NewObjectWriter", "create client")
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, errors.WrapTransient(err, "ObjectWriter", "NewObjectWriter", "check bucket")
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.WrapTransient(err, "ObjectWriter", "NewObjectWriter", "create bucket")
		}
	}

	basePath := config.BasePath
	if basePath == "" {
		basePath = "telemetry"
	}

	return &ObjectWriter{
		client:   client,
		bucket:   config.Bucket,
		basePath: basePath,
	}, nil
}

var _ BatchWriter = (*ObjectWriter)(nil)

// WriteBatch uploads the batch as a single object. A single PutObject is
// atomic on the store side, which gives the batch its all-or-nothing
// property.
func (w *ObjectWriter) WriteBatch(ctx context.Context, batch []*message.Envelope) error {
	var buf bytes.Buffer
	for _, env := range batch {
		data, err := env.MarshalJSON()
		if err != nil {
			return errors.WrapTerminal(err, "ObjectWriter", "WriteBatch", "encode envelope")
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	name := w.objectPath(time.Now().UTC())
	_, err := w.client.PutObject(ctx, w.bucket, name, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return errors.WrapTransient(err, "ObjectWriter", "WriteBatch", "put object")
	}
	return nil
}

// Close is a no-op; the client holds no persistent connection
func (w *ObjectWriter) Close() error { return nil }

func (w *ObjectWriter) objectPath(t time.Time) string {
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/batch-%s.jsonl",
		w.basePath, t.Year(), t.Month(), t.Day(), uuid.New().String())
}
