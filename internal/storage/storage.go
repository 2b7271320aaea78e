package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/linolazarous/app/internal/config"
	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/pkg/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const archivePrefix = "billing-events"

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Storage archives verified billing payloads in object storage
type Storage struct {
	client     *minio.Client
	bucketName string
	logger     *logging.Logger
	now        func() time.Time
}

// New creates a new storage client
func New(cfg config.StorageConfig, logger *logging.Logger) (*Storage, error) {
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

	return &Storage{
		client:     client,
		bucketName: cfg.BucketName,
		logger:     logger.WithComponent("storage"),
		now:        time.Now,
	}, nil
}

// ArchiveKey is billing-events/<yyyy>/<mm>/<dd>/<event id>.json, dated by
// the event creation time or at when the event carries none.
func ArchiveKey(event *models.BillingEvent, at time.Time) string {
	day := event.CreatedAt
	if day.IsZero() {
		day = at
	}
	day = day.UTC()
	id := unsafeKeyChars.ReplaceAllString(event.ID, "_")
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json", archivePrefix, day.Year(), day.Month(), day.Day(), id)
}

// ArchiveEvent writes the raw verified payload of event
func (s *Storage) ArchiveEvent(ctx context.Context, event *models.BillingEvent) error {
	key := ArchiveKey(event, s.now())
	start := time.Now()

	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(event.Raw), int64(len(event.Raw)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"event-type": event.Type,
			"account-id": event.AccountID,
		},
	})
	duration := time.Since(start)
	s.logger.LogStorageOperation("archive", s.bucketName, key, int64(len(event.Raw)), duration, err)
	if err != nil {
		metrics.RecordStorageOperation("archive", "error", duration.Seconds())
		return fmt.Errorf("failed to archive billing event: %w", err)
	}

	metrics.RecordStorageOperation("archive", "success", duration.Seconds())
	return nil
}

// ReadArchived returns an archived payload by key
func (s *Storage) ReadArchived(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// ListArchived lists archived payload keys for one day
func (s *Storage) ListArchived(ctx context.Context, day time.Time) ([]string, error) {
	day = day.UTC()
	prefix := fmt.Sprintf("%s/%04d/%02d/%02d/", archivePrefix, day.Year(), day.Month(), day.Day())

	var keys []string
	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		keys = append(keys, object.Key)
	}

	return keys, nil
}

// Health checks that the archive bucket is reachable
func (s *Storage) Health(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucketName); err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}
	return nil
}
