package query

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-id/haven/pkg/drive"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	index, err := NewIndex(context.Background(), IndexConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })
	return index
}

func indexHeader(fileID drive.FileID, driveID drive.DriveID) *drive.ServerFileHeader {
	return &drive.ServerFileHeader{
		EncryptedKeyHeader: &drive.EncryptedKeyHeader{
			EncryptionVersion: 1,
			IV:                make([]byte, 16),
			EncryptedAESKey:   make([]byte, 48),
		},
		FileMetadata: &drive.FileMetadata{
			File:      drive.InternalFileID{DriveID: driveID, FileID: fileID},
			FileState: drive.FileStateActive,
			Updated:   time.Now().UnixMilli(),
		},
		ServerMetadata: &drive.ServerMetadata{},
	}
}

func TestIndexUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	index := newTestIndex(t)
	driveID := uuid.New()
	fileID := drive.NewFileID()

	header := indexHeader(fileID, driveID)
	header.FileMetadata.AppData.FileType = 7
	require.NoError(t, index.Upsert(ctx, driveID, header))

	record, err := index.GetRecord(ctx, driveID, fileID)
	require.NoError(t, err)
	assert.Equal(t, fileID, record.FileID)
	assert.Equal(t, 7, record.FileType)

	_, err = index.GetRecord(ctx, driveID, drive.NewFileID())
	assert.True(t, drive.IsNotFound(err))
}

func TestIndexUpsertReplacesStaleEntries(t *testing.T) {
	ctx := context.Background()
	index := newTestIndex(t)
	driveID := uuid.New()
	fileID := drive.NewFileID()

	oldUniqueID := uuid.New()
	header := indexHeader(fileID, driveID)
	header.FileMetadata.AppData.UniqueID = &oldUniqueID
	require.NoError(t, index.Upsert(ctx, driveID, header))

	newUniqueID := uuid.New()
	header.FileMetadata.AppData.UniqueID = &newUniqueID
	header.FileMetadata.Updated = header.FileMetadata.Updated + 1000
	require.NoError(t, index.Upsert(ctx, driveID, header))

	got, err := index.LookupUniqueID(ctx, driveID, newUniqueID)
	require.NoError(t, err)
	assert.Equal(t, fileID, got)

	_, err = index.LookupUniqueID(ctx, driveID, oldUniqueID)
	assert.True(t, drive.IsNotFound(err), "old uniqueId entry must be gone")

	// only one modified-scan entry remains
	var visited int
	err = index.ScanModifiedSince(ctx, driveID, 0, func(*IndexRecord) (bool, error) {
		visited++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, visited)
}

func TestIndexRemove(t *testing.T) {
	ctx := context.Background()
	index := newTestIndex(t)
	driveID := uuid.New()
	fileID := drive.NewFileID()

	uniqueID := uuid.New()
	transitID := uuid.New()
	header := indexHeader(fileID, driveID)
	header.FileMetadata.AppData.UniqueID = &uniqueID
	header.FileMetadata.GlobalTransitID = &transitID
	require.NoError(t, index.Upsert(ctx, driveID, header))

	require.NoError(t, index.Remove(ctx, driveID, fileID))

	_, err := index.GetRecord(ctx, driveID, fileID)
	assert.True(t, drive.IsNotFound(err))
	_, err = index.LookupUniqueID(ctx, driveID, uniqueID)
	assert.True(t, drive.IsNotFound(err))
	_, err = index.LookupGlobalTransitID(ctx, driveID, transitID)
	assert.True(t, drive.IsNotFound(err))

	// removing again is a no-op
	assert.NoError(t, index.Remove(ctx, driveID, fileID))
}

func TestIndexDoNotIndex(t *testing.T) {
	ctx := context.Background()
	index := newTestIndex(t)
	driveID := uuid.New()
	fileID := drive.NewFileID()

	header := indexHeader(fileID, driveID)
	require.NoError(t, index.Upsert(ctx, driveID, header))

	// flipping DoNotIndex on an indexed file removes it
	header.ServerMetadata.DoNotIndex = true
	require.NoError(t, index.Upsert(ctx, driveID, header))

	_, err := index.GetRecord(ctx, driveID, fileID)
	assert.True(t, drive.IsNotFound(err))
}

func TestIndexDrivesAreDisjoint(t *testing.T) {
	ctx := context.Background()
	index := newTestIndex(t)
	driveA := uuid.New()
	driveB := uuid.New()
	fileID := drive.NewFileID()

	require.NoError(t, index.Upsert(ctx, driveA, indexHeader(fileID, driveA)))

	_, err := index.GetRecord(ctx, driveB, fileID)
	assert.True(t, drive.IsNotFound(err))

	var visited int
	err = index.ScanNewestFirst(ctx, driveB, nil, func(*IndexRecord) (bool, error) {
		visited++
		return true, nil
	})
	require.NoError(t, err)
	assert.Zero(t, visited)
}
