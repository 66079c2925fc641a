package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-id/haven/pkg/drive"
)

func newTestDrive(t *testing.T) *drive.StorageDrive {
	t.Helper()
	root := t.TempDir()
	return &drive.StorageDrive{
		ID: uuid.New(),
		TargetDriveInfo: drive.TargetDrive{
			Alias: uuid.New(),
			Type:  uuid.New(),
		},
		Name:         "test-drive",
		LongTermRoot: filepath.Join(root, "longterm"),
		TempRoot:     filepath.Join(root, "temp"),
	}
}

func newTestManager(t *testing.T) *LongTermStorageManager {
	t.Helper()
	m, err := NewLongTermStorageManager(newTestDrive(t))
	require.NoError(t, err)
	return m
}

func newTestHeader(fileID drive.FileID, driveID drive.DriveID) *drive.ServerFileHeader {
	return &drive.ServerFileHeader{
		EncryptedKeyHeader: &drive.EncryptedKeyHeader{
			EncryptionVersion: 1,
			Type:              drive.EncryptionVersionAesCbc,
			IV:                make([]byte, 16),
			EncryptedAESKey:   make([]byte, 48),
		},
		FileMetadata: &drive.FileMetadata{
			File: drive.InternalFileID{
				DriveID: driveID,
				FileID:  fileID,
			},
			FileState:   drive.FileStateActive,
			ContentType: "application/json",
			AppData: drive.AppFileMetaData{
				FileType:          10,
				ContentIsComplete: true,
				JsonContent:       `{"hello":"world"}`,
			},
		},
		ServerMetadata: &drive.ServerMetadata{
			AccessControlList: drive.AccessControlList{
				RequiredSecurityGroup: drive.SecurityGroupOwner,
			},
		},
	}
}

func writePart(t *testing.T, m *LongTermStorageManager, fileID drive.FileID, part drive.FilePart, content string) {
	t.Helper()
	err := m.WritePartStream(context.Background(), fileID, part, strings.NewReader(content))
	require.NoError(t, err)
}

func readPart(t *testing.T, m *LongTermStorageManager, fileID drive.FileID, part drive.FilePart, chunk *FileChunk) string {
	t.Helper()
	rc, err := m.GetFilePartStream(context.Background(), fileID, part, chunk)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestWriteAndReadPart(t *testing.T) {
	m := newTestManager(t)
	fileID := m.CreateFileID()

	writePart(t, m, fileID, drive.FilePartPayload, "payload bytes")
	assert.Equal(t, "payload bytes", readPart(t, m, fileID, drive.FilePartPayload, nil))
}

func TestPartLandsInShardPath(t *testing.T) {
	m := newTestManager(t)
	at := time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC)
	fileID := drive.NewFileIDAt(at)

	writePart(t, m, fileID, drive.FilePartPayload, "x")

	expected := filepath.Join(m.Drive().LongTermRoot, "2024", "03", "07", "14",
		fileID.String()+".payload")
	_, err := os.Stat(expected)
	require.NoError(t, err, "part should live under year/month/day/hour shard")
}

func TestWriteReplacesExistingAtomically(t *testing.T) {
	m := newTestManager(t)
	fileID := m.CreateFileID()

	writePart(t, m, fileID, drive.FilePartPayload, "first version")
	writePart(t, m, fileID, drive.FilePartPayload, "second")

	assert.Equal(t, "second", readPart(t, m, fileID, drive.FilePartPayload, nil))

	// no temp files left behind
	var leftovers []string
	err := filepath.WalkDir(m.Drive().LongTermRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".tmp") {
			leftovers = append(leftovers, path)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestConcurrentReplaceIsAtomic(t *testing.T) {
	m := newTestManager(t)
	fileID := m.CreateFileID()

	oldContent := strings.Repeat("a", 64*1024)
	newContent := strings.Repeat("b", 64*1024)
	writePart(t, m, fileID, drive.FilePartPayload, oldContent)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 25; i++ {
			content := newContent
			if i%2 == 1 {
				content = oldContent
			}
			if err := m.WritePartStream(context.Background(), fileID, drive.FilePartPayload, strings.NewReader(content)); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// a reader racing the replacements must only ever observe the
	// fully-old or the fully-new content, never a mix or a truncation
	for {
		select {
		case <-done:
			return
		default:
		}
		got := readPart(t, m, fileID, drive.FilePartPayload, nil)
		if got != oldContent && got != newContent {
			t.Fatalf("reader observed a partial write of %d bytes", len(got))
		}
	}
}

func TestLockTableShrinksAfterWrites(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 10; i++ {
		fileID := m.CreateFileID()
		writePart(t, m, fileID, drive.FilePartPayload, "content")
		writePart(t, m, fileID, drive.FilePartPayload, "replaced")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.locks, "per-path locks must be released with their writes")
}

func TestChunkedReads(t *testing.T) {
	m := newTestManager(t)
	fileID := m.CreateFileID()
	writePart(t, m, fileID, drive.FilePartPayload, "0123456789")

	tests := []struct {
		name  string
		chunk FileChunk
		want  string
	}{
		{"middle", FileChunk{Start: 2, Length: 4}, "2345"},
		{"from start", FileChunk{Start: 0, Length: 3}, "012"},
		{"truncated at end", FileChunk{Start: 8, Length: 100}, "89"},
		{"start at length", FileChunk{Start: 10, Length: 5}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk := tt.chunk
			assert.Equal(t, tt.want, readPart(t, m, fileID, drive.FilePartPayload, &chunk))
		})
	}
}

func TestChunkBoundsRejected(t *testing.T) {
	m := newTestManager(t)
	fileID := m.CreateFileID()
	writePart(t, m, fileID, drive.FilePartPayload, "0123456789")

	tests := []struct {
		name  string
		chunk FileChunk
		code  drive.ErrorCode
	}{
		{"negative start", FileChunk{Start: -1, Length: 4}, drive.ErrInvalidChunkStart},
		{"negative length", FileChunk{Start: 0, Length: -1}, drive.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk := tt.chunk
			_, err := m.GetFilePartStream(context.Background(), fileID, drive.FilePartPayload, &chunk)
			var de *drive.DriveError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.code, de.Code)
		})
	}
}

func TestChunkStartBeyondLength(t *testing.T) {
	m := newTestManager(t)
	fileID := m.CreateFileID()
	writePart(t, m, fileID, drive.FilePartPayload, "0123456789")

	_, err := m.GetFilePartStream(context.Background(), fileID, drive.FilePartPayload, &FileChunk{Start: 11, Length: 1})
	require.Error(t, err)

	var de *drive.DriveError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, drive.ErrInvalidChunkStart, de.Code)
}

func TestReadMissingPart(t *testing.T) {
	m := newTestManager(t)

	_, err := m.GetFilePartStream(context.Background(), m.CreateFileID(), drive.FilePartPayload, nil)
	assert.True(t, drive.IsNotFound(err))
}

func TestHeaderRoundTrip(t *testing.T) {
	m := newTestManager(t)
	fileID := m.CreateFileID()
	header := newTestHeader(fileID, m.Drive().ID)

	require.NoError(t, m.WriteServerFileHeader(context.Background(), header))

	got, err := m.GetServerFileHeader(context.Background(), fileID)
	require.NoError(t, err)
	assert.Equal(t, fileID, got.FileMetadata.File.FileID)
	assert.Equal(t, `{"hello":"world"}`, got.FileMetadata.AppData.JsonContent)
	assert.NotEqual(t, uuid.Nil, got.FileMetadata.ConcurrencyToken)
	assert.NotZero(t, got.FileMetadata.Updated)
}

func TestHeaderWriteBumpsConcurrencyToken(t *testing.T) {
	m := newTestManager(t)
	fileID := m.CreateFileID()
	header := newTestHeader(fileID, m.Drive().ID)

	require.NoError(t, m.WriteServerFileHeader(context.Background(), header))
	first := header.FileMetadata.ConcurrencyToken

	require.NoError(t, m.WriteServerFileHeader(context.Background(), header))
	assert.NotEqual(t, first, header.FileMetadata.ConcurrencyToken)
}

func TestCorruptHeader(t *testing.T) {
	m := newTestManager(t)
	fileID := m.CreateFileID()

	writePart(t, m, fileID, drive.FilePartHeader, "this is not json{")

	_, err := m.GetServerFileHeader(context.Background(), fileID)
	require.Error(t, err)

	var de *drive.DriveError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, drive.ErrCorruptHeader, de.Code)
}

func TestFileValidity(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	fileID := m.CreateFileID()

	// no header yet
	assert.False(t, m.FileExists(ctx, fileID))
	err := m.AssertFileIsValid(ctx, fileID)
	var de *drive.DriveError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, drive.ErrMissingUploadData, de.Code)

	// content incomplete and payload missing
	header := newTestHeader(fileID, m.Drive().ID)
	header.FileMetadata.AppData.ContentIsComplete = false
	require.NoError(t, m.WriteServerFileHeader(ctx, header))
	assert.False(t, m.FileExists(ctx, fileID))

	// payload arrives
	writePart(t, m, fileID, drive.FilePartPayload, "payload")
	assert.True(t, m.FileExists(ctx, fileID))
	assert.NoError(t, m.AssertFileIsValid(ctx, fileID))
}

func TestAssertFileIsValidNilID(t *testing.T) {
	m := newTestManager(t)

	err := m.AssertFileIsValid(context.Background(), uuid.Nil)
	var de *drive.DriveError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, drive.ErrInvalidArgument, de.Code)
}

func TestSoftDeleteKeepsHeader(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	fileID := m.CreateFileID()

	require.NoError(t, m.WriteServerFileHeader(ctx, newTestHeader(fileID, m.Drive().ID)))
	writePart(t, m, fileID, drive.FilePartPayload, "payload")
	require.NoError(t, m.WriteThumbnail(ctx, fileID, 100, 100, strings.NewReader("thumb")))

	require.NoError(t, m.SoftDelete(ctx, fileID))

	_, err := m.GetServerFileHeader(ctx, fileID)
	assert.NoError(t, err, "header survives a soft delete")

	_, err = m.GetFilePartStream(ctx, fileID, drive.FilePartPayload, nil)
	assert.True(t, drive.IsNotFound(err))
	_, err = m.GetThumbnail(ctx, fileID, 100, 100)
	assert.True(t, drive.IsNotFound(err))

	// idempotent
	assert.NoError(t, m.SoftDelete(ctx, fileID))
}

func TestHardDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	fileID := m.CreateFileID()

	require.NoError(t, m.WriteServerFileHeader(ctx, newTestHeader(fileID, m.Drive().ID)))
	writePart(t, m, fileID, drive.FilePartPayload, "payload")

	require.NoError(t, m.HardDelete(ctx, fileID))

	_, err := m.GetServerFileHeader(ctx, fileID)
	assert.True(t, drive.IsNotFound(err))

	// idempotent
	assert.NoError(t, m.HardDelete(ctx, fileID))
}

func TestThumbnailRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	fileID := m.CreateFileID()

	require.NoError(t, m.WriteThumbnail(ctx, fileID, 320, 240, strings.NewReader("small")))
	require.NoError(t, m.WriteThumbnail(ctx, fileID, 1024, 768, strings.NewReader("large")))

	rc, err := m.GetThumbnail(ctx, fileID, 320, 240)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "small", string(data))

	require.NoError(t, m.DeleteThumbnail(ctx, fileID, 320, 240))
	_, err = m.GetThumbnail(ctx, fileID, 320, 240)
	assert.True(t, drive.IsNotFound(err))

	// deleting a missing rendition is fine
	assert.NoError(t, m.DeleteThumbnail(ctx, fileID, 320, 240))
}

func TestReconcileThumbnailsOnDisk(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	fileID := m.CreateFileID()

	require.NoError(t, m.WriteThumbnail(ctx, fileID, 100, 100, strings.NewReader("a")))
	require.NoError(t, m.WriteThumbnail(ctx, fileID, 200, 200, strings.NewReader("b")))
	require.NoError(t, m.WriteThumbnail(ctx, fileID, 300, 300, strings.NewReader("c")))

	keep := []drive.ThumbnailHeader{{PixelWidth: 200, PixelHeight: 200}}
	require.NoError(t, m.ReconcileThumbnailsOnDisk(ctx, fileID, keep))

	_, err := m.GetThumbnail(ctx, fileID, 200, 200)
	assert.NoError(t, err)
	_, err = m.GetThumbnail(ctx, fileID, 100, 100)
	assert.True(t, drive.IsNotFound(err))
	_, err = m.GetThumbnail(ctx, fileID, 300, 300)
	assert.True(t, drive.IsNotFound(err))
}

func TestMoveToLongTerm(t *testing.T) {
	ctx := context.Background()
	d := newTestDrive(t)
	m, err := NewLongTermStorageManager(d)
	require.NoError(t, err)
	tmp, err := NewTempStorageManager(d)
	require.NoError(t, err)

	fileID := m.CreateFileID()
	_, err = tmp.WriteStream(ctx, fileID, "payload", strings.NewReader("staged payload"))
	require.NoError(t, err)

	require.NoError(t, m.MoveToLongTerm(ctx, fileID, tmp.Path(fileID, "payload"), drive.FilePartPayload))

	assert.Equal(t, "staged payload", readPart(t, m, fileID, drive.FilePartPayload, nil))
	assert.False(t, tmp.Exists(fileID, "payload"), "staged file consumed by the move")
}

func TestMoveThumbnailToLongTerm(t *testing.T) {
	ctx := context.Background()
	d := newTestDrive(t)
	m, err := NewLongTermStorageManager(d)
	require.NoError(t, err)
	tmp, err := NewTempStorageManager(d)
	require.NoError(t, err)

	fileID := m.CreateFileID()
	_, err = tmp.WriteStream(ctx, fileID, "thumb0", strings.NewReader("thumb data"))
	require.NoError(t, err)

	require.NoError(t, m.MoveThumbnailToLongTerm(ctx, fileID, tmp.Path(fileID, "thumb0"), 640, 480))

	rc, err := m.GetThumbnail(ctx, fileID, 640, 480)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "thumb data", string(data))
}

func TestGetServerFileHeadersWalk(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	// spread files across shards
	times := []time.Time{
		time.Date(2023, 11, 2, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 15, 20, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 30, 3, 0, 0, 0, time.UTC),
	}
	want := make(map[drive.FileID]bool)
	for _, at := range times {
		fileID := drive.NewFileIDAt(at)
		require.NoError(t, m.WriteServerFileHeader(ctx, newTestHeader(fileID, m.Drive().ID)))
		want[fileID] = true
	}

	headers, err := m.GetServerFileHeaders(ctx)
	require.NoError(t, err)
	require.Len(t, headers, len(want))
	for _, h := range headers {
		assert.True(t, want[h.FileMetadata.File.FileID])
	}
}

func TestParseThumbnailFilename(t *testing.T) {
	fileID := drive.NewFileID()

	w, h, err := parseThumbnailFilename(thumbnailFilename(fileID, 320, 240))
	require.NoError(t, err)
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)

	_, _, err = parseThumbnailFilename("garbage.thumb")
	assert.Error(t, err)
}
