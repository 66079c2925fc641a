package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-id/haven/internal/transit"
	"github.com/haven-id/haven/pkg/drive"
	"github.com/haven-id/haven/pkg/quarantine"
)

func TestInitializeRegistry(t *testing.T) {
	root := t.TempDir()
	alias, driveType := uuid.New(), uuid.New()
	cfg := &Config{
		Drives: []DriveConfig{
			{
				ID:           uuid.New().String(),
				Alias:        alias.String(),
				Type:         driveType.String(),
				Name:         "chat",
				LongTermRoot: filepath.Join(root, "chat", "longterm"),
				TempRoot:     filepath.Join(root, "chat", "temp"),
			},
			{
				ID:           uuid.New().String(),
				Alias:        uuid.New().String(),
				Type:         uuid.New().String(),
				Name:         "mail",
				LongTermRoot: filepath.Join(root, "mail", "longterm"),
				TempRoot:     filepath.Join(root, "mail", "temp"),
			},
		},
	}

	registry, err := InitializeRegistry(cfg)
	require.NoError(t, err)
	assert.Len(t, registry.ListDrives(), 2)

	d, err := registry.ByTarget(drive.TargetDrive{Alias: alias, Type: driveType})
	require.NoError(t, err)
	assert.Equal(t, "chat", d.Name)

	// mounting created the storage roots
	assert.DirExists(t, filepath.Join(root, "mail", "longterm"))
	assert.DirExists(t, filepath.Join(root, "mail", "temp"))
}

func TestInitializeRegistryRejectsBadID(t *testing.T) {
	cfg := &Config{
		Drives: []DriveConfig{
			{ID: "nope", Alias: uuid.New().String(), Type: uuid.New().String(), Name: "x", LongTermRoot: "/a", TempRoot: "/b"},
		},
	}

	_, err := InitializeRegistry(cfg)
	assert.Error(t, err)
}

func TestCreateQuarantineArchiveFilesystem(t *testing.T) {
	archive, err := CreateQuarantineArchive(context.Background(), &QuarantineConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{"root": t.TempDir()},
	})
	require.NoError(t, err)
	assert.IsType(t, &quarantine.FilesystemArchive{}, archive)
}

func TestCreateQuarantineArchiveRequiresRoot(t *testing.T) {
	_, err := CreateQuarantineArchive(context.Background(), &QuarantineConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{},
	})
	assert.Error(t, err)
}

func TestCreateQuarantineArchiveUnknownType(t *testing.T) {
	_, err := CreateQuarantineArchive(context.Background(), &QuarantineConfig{Type: "tape"})
	assert.Error(t, err)
}

func TestCreateTransitFilters(t *testing.T) {
	filters := CreateTransitFilters(&TransitConfig{})
	assert.Empty(t, filters)

	filters = CreateTransitFilters(&TransitConfig{
		RequireConnectedSender: true,
		MaxPayloadBytes:        1 << 20,
	})
	require.Len(t, filters, 2)
	assert.IsType(t, transit.SenderMustBeConnectedFilter{}, filters[0])
	assert.IsType(t, transit.PartSizeFilter{}, filters[1])
}

func TestCreateRateLimiter(t *testing.T) {
	assert.Nil(t, CreateRateLimiter(&RateLimitConfig{}))

	limiter := CreateRateLimiter(&RateLimitConfig{RequestsPerSecond: 10, Burst: 10})
	require.NotNil(t, limiter)
	assert.True(t, limiter.Allow("peer.example.com"))
}
