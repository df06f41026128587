package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/docflow/keygate/internal/config"
	"github.com/docflow/keygate/internal/database"
	"github.com/docflow/keygate/internal/logging"
	"github.com/docflow/keygate/pkg/models"
)

const exportBatchSize = 1000

// Store pages through ledger entries for export.
type Store interface {
	ListUsageRecords(ctx context.Context, filter database.UsageFilter) ([]*models.UsageRecord, error)
}

// Archive exports closed ledger periods to object storage so the hot table
// can be pruned without losing the billing trail.
type Archive struct {
	client     *minio.Client
	bucketName string
	store      Store
	logger     *logging.Logger
}

// New creates a new archive client
func New(cfg config.StorageConfig, store Store, logger *logging.Logger) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	// Ensure bucket exists
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Archive{
		client:     client,
		bucketName: cfg.BucketName,
		store:      store,
		logger:     logger,
	}, nil
}

// ObjectName returns the archive object key for a month.
func ObjectName(month time.Time) string {
	return fmt.Sprintf("usage/%s.jsonl", month.Format("2006-01"))
}

// ExportMonth writes every ledger entry of the given calendar month to one
// JSONL object. Re-running an export overwrites the previous object, so the
// job is safe to repeat.
func (a *Archive) ExportMonth(ctx context.Context, month time.Time) (string, int, error) {
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	total := 0

	for offset := 0; ; offset += exportBatchSize {
		records, err := a.store.ListUsageRecords(ctx, database.UsageFilter{
			From:   from,
			To:     to,
			Limit:  exportBatchSize,
			Offset: offset,
		})
		if err != nil {
			return "", 0, fmt.Errorf("failed to page ledger entries: %w", err)
		}
		for _, record := range records {
			if err := encoder.Encode(record); err != nil {
				return "", 0, fmt.Errorf("failed to encode ledger entry: %w", err)
			}
		}
		total += len(records)
		if len(records) < exportBatchSize {
			break
		}
	}

	objectName := ObjectName(from)
	_, err := a.client.PutObject(ctx, a.bucketName, objectName,
		bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
			ContentType: "application/x-ndjson",
		})
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload archive: %w", err)
	}

	if a.logger != nil {
		a.logger.Infof("archived %d ledger entries to %s", total, objectName)
	}
	return objectName, total, nil
}

// List lists existing archive objects.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	var objects []string

	for object := range a.client.ListObjects(ctx, a.bucketName, minio.ListObjectsOptions{
		Prefix:    "usage/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list archives: %w", object.Err)
		}
		objects = append(objects, object.Key)
	}

	return objects, nil
}

// PresignedURL returns a temporary download URL for an archive object.
func (a *Archive) PresignedURL(ctx context.Context, objectName string) (string, error) {
	url, err := a.client.PresignedGetObject(ctx, a.bucketName, objectName, time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate URL: %w", err)
	}

	return url.String(), nil
}
