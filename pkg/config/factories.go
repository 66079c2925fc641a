package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/haven-id/haven/internal/logger"
	"github.com/haven-id/haven/internal/ratelimiter"
	"github.com/haven-id/haven/internal/transit"
	"github.com/haven-id/haven/pkg/drive"
	"github.com/haven-id/haven/pkg/drive/query"
	"github.com/haven-id/haven/pkg/drive/storage"
	"github.com/haven-id/haven/pkg/gc"
	"github.com/haven-id/haven/pkg/quarantine"
)

// InitializeRegistry creates a storage registry with every configured drive
// mounted. Drive root directories are created on the way.
func InitializeRegistry(cfg *Config) (*storage.Registry, error) {
	registry := storage.NewRegistry()

	for i, dc := range cfg.Drives {
		descriptor, err := buildDrive(dc)
		if err != nil {
			return nil, fmt.Errorf("drives[%d]: %w", i, err)
		}
		if err := registry.AddDrive(descriptor); err != nil {
			return nil, fmt.Errorf("drives[%d]: %w", i, err)
		}
		logger.Info("Mounted drive %q (%s)", descriptor.Name, descriptor.ID)
	}

	return registry, nil
}

// buildDrive converts a drive definition into its runtime descriptor.
func buildDrive(dc DriveConfig) (*drive.StorageDrive, error) {
	id, err := uuid.Parse(dc.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid drive id %q: %w", dc.ID, err)
	}
	alias, err := uuid.Parse(dc.Alias)
	if err != nil {
		return nil, fmt.Errorf("invalid drive alias %q: %w", dc.Alias, err)
	}
	driveType, err := uuid.Parse(dc.Type)
	if err != nil {
		return nil, fmt.Errorf("invalid drive type %q: %w", dc.Type, err)
	}

	return &drive.StorageDrive{
		ID:                  id,
		TargetDriveInfo:     drive.TargetDrive{Alias: alias, Type: driveType},
		Name:                dc.Name,
		LongTermRoot:        dc.LongTermRoot,
		TempRoot:            dc.TempRoot,
		AllowAnonymousReads: dc.AllowAnonymousReads,
	}, nil
}

// CreateIndex opens the file index database.
func CreateIndex(ctx context.Context, cfg *Config) (*query.Index, error) {
	return query.NewIndex(ctx, cfg.Index)
}

// CreateQuarantineArchive creates a quarantine archive based on configuration.
//
// This factory function uses the Type field to determine which backend to
// create, then decodes the backend-specific configuration from the
// corresponding map and passes it to the backend's constructor.
//
// Supported types:
//   - "filesystem": local directory archive
//   - "s3": Amazon S3 or compatible object storage
func CreateQuarantineArchive(ctx context.Context, cfg *QuarantineConfig) (quarantine.Archive, error) {
	switch cfg.Type {
	case "filesystem":
		return createFilesystemArchive(cfg.Filesystem)
	case "s3":
		return createS3Archive(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown quarantine archive type: %q", cfg.Type)
	}
}

// createFilesystemArchive creates a directory-backed quarantine archive.
func createFilesystemArchive(options map[string]any) (quarantine.Archive, error) {
	type FilesystemArchiveOptions struct {
		Root string `mapstructure:"root"`
	}

	var opts FilesystemArchiveOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem quarantine config: %w", err)
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("filesystem quarantine: root is required")
	}

	archive, err := quarantine.NewFilesystemArchive(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem quarantine archive: %w", err)
	}
	return archive, nil
}

// createS3Archive creates an S3-backed quarantine archive.
func createS3Archive(ctx context.Context, options map[string]any) (quarantine.Archive, error) {
	type S3ArchiveOptions struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var opts S3ArchiveOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode S3 quarantine config: %w", err)
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 quarantine: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("S3 quarantine: region is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(opts.Region))

	// Custom endpoint support for MinIO, Localstack, etc.
	if opts.Endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	// Static credentials if provided, otherwise the default credential chain
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for MinIO/Localstack compatibility
		if opts.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	archive, err := quarantine.NewS3Archive(ctx, quarantine.S3ArchiveConfig{
		Client:    client,
		Bucket:    opts.Bucket,
		KeyPrefix: opts.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 quarantine archive: %w", err)
	}

	logger.Info("S3 quarantine archive initialized: bucket=%s, region=%s, prefix=%s",
		opts.Bucket, opts.Region, opts.KeyPrefix)

	return archive, nil
}

// CreateTransitFilters assembles the perimeter filter pipeline from
// configuration. Filter order matters: cheap policy checks run before
// anything that inspects content.
func CreateTransitFilters(cfg *TransitConfig) []transit.Filter {
	var filters []transit.Filter

	if cfg.RequireConnectedSender {
		filters = append(filters, transit.SenderMustBeConnectedFilter{})
	}
	if cfg.MaxMetadataBytes > 0 || cfg.MaxPayloadBytes > 0 {
		filters = append(filters, transit.PartSizeFilter{
			MaxMetadataBytes: cfg.MaxMetadataBytes,
			MaxPayloadBytes:  cfg.MaxPayloadBytes,
		})
	}

	return filters
}

// CreateStagingCollector builds the staging-area sweeper over the mounted
// drives.
func CreateStagingCollector(registry *storage.Registry, cfg *GCConfig) *gc.Collector {
	return gc.NewCollector(registry, gc.Config{
		Enabled:  cfg.Enabled,
		Interval: cfg.Interval,
		MaxAge:   cfg.MaxAge,
		DryRun:   cfg.DryRun,
	})
}

// CreateRateLimiter builds the per-sender rate limiter, or nil when
// throttling is disabled.
func CreateRateLimiter(cfg *RateLimitConfig) *ratelimiter.KeyedLimiter {
	if cfg.RequestsPerSecond == 0 {
		return nil
	}
	return ratelimiter.NewKeyed(cfg.RequestsPerSecond, cfg.Burst)
}
