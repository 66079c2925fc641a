package quarantine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/haven-id/haven/pkg/drive"
)

// S3Archive stores quarantined parts in an S3-compatible bucket under
// {keyPrefix}{stateItemId}/{partName}. Useful when the quarantine must
// survive host storage, or be reviewable from outside the host.
//
// Quarantined parts are small (they are single multipart sections already
// bounded by the perimeter's size caps), so each Put is a single PutObject
// with the body buffered in memory; no multipart upload machinery.
type S3Archive struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// S3ArchiveConfig configures the S3 quarantine backend.
type S3ArchiveConfig struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket must already exist; the archive does not create it
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	KeyPrefix string
}

// NewS3Archive verifies bucket access and returns the archive.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &S3Archive{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

func (a *S3Archive) key(stateItemID uuid.UUID, partName string) string {
	return a.keyPrefix + stateItemID.String() + "/" + partName
}

func (a *S3Archive) Put(ctx context.Context, stateItemID uuid.UUID, partName string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read part for quarantine: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(stateItemID, partName)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to write quarantined part to S3: %w", err)
	}
	return nil
}

func (a *S3Archive) Open(ctx context.Context, stateItemID uuid.UUID, partName string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(stateItemID, partName)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, drive.NewNotFound("quarantined part not found", a.key(stateItemID, partName))
		}
		return nil, fmt.Errorf("failed to read quarantined part from S3: %w", err)
	}
	return out.Body, nil
}

func (a *S3Archive) List(ctx context.Context, stateItemID uuid.UUID) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := a.key(stateItemID, "")
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})

	var entries []Entry
	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list quarantined parts: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			partName := strings.TrimPrefix(*obj.Key, prefix)

			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			var archivedAt time.Time
			if obj.LastModified != nil {
				archivedAt = *obj.LastModified
			}

			entries = append(entries, Entry{
				StateItemID: stateItemID,
				PartName:    partName,
				Size:        size,
				ArchivedAt:  archivedAt,
			})
		}
	}
	return entries, nil
}
