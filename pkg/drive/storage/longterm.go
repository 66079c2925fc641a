package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haven-id/haven/internal/logger"
	"github.com/haven-id/haven/pkg/drive"
)

const writeChunkSize = 64 * 1024

// Thumbnail naming: {fileId}_{width}x{height}.thumb. The delimiter characters
// are reserved and must not appear elsewhere in the naming scheme, so the
// "{fileId}_*x*" pattern can enumerate every thumbnail of a file.
const (
	thumbnailDelimiter     = "_"
	thumbnailSizeDelimiter = "x"
)

// FileChunk requests a byte range of a file part, with HTTP range semantics:
// a Start beyond the current length is a client error, and reads truncate to
// the bytes actually available.
type FileChunk struct {
	Start  int64
	Length int64
}

// LongTermStorageManager owns the durable on-disk representation of a
// drive's files: header, payload, and thumbnail blobs, sharded by the
// FileID's creation time into {year}/{month}/{day}/{hour} directories.
//
// Thread Safety:
// Writes to the same target path are serialized by a per-path lock so the
// atomic-replace sequence for one file never races with a concurrent write
// to the same file. Writes to different files proceed independently. Readers
// never take the lock; they rely on the filesystem's atomic rename to see
// either the fully-old or fully-new content.
type LongTermStorageManager struct {
	drive *drive.StorageDrive

	mu    sync.Mutex
	locks map[string]*pathLock
}

// NewLongTermStorageManager creates a manager for one drive, ensuring its
// storage directories exist.
func NewLongTermStorageManager(d *drive.StorageDrive) (*LongTermStorageManager, error) {
	if d == nil {
		return nil, fmt.Errorf("storage drive is required")
	}
	if err := d.EnsureDirectories(); err != nil {
		return nil, err
	}

	return &LongTermStorageManager{
		drive: d,
		locks: make(map[string]*pathLock),
	}, nil
}

// Drive returns the descriptor of the drive this manager owns.
func (m *LongTermStorageManager) Drive() *drive.StorageDrive {
	return m.drive
}

// CreateFileID returns a fresh time-ordered FileID. Never reused; determines
// both the storage shard path and the natural newest-first sort order.
func (m *LongTermStorageManager) CreateFileID() drive.FileID {
	return drive.NewFileID()
}

// WritePartStream durably writes one part of a file using the atomic write
// protocol: content goes to a freshly named temp file in the target
// directory, then atomically replaces the target if one exists. Temp files
// are removed on both success and failure.
func (m *LongTermStorageManager) WritePartStream(ctx context.Context, fileID drive.FileID, part drive.FilePart, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := m.partPath(fileID, part, true)
	if err != nil {
		return err
	}
	return m.writeFileAtomic(target, r)
}

// GetFilePartStream opens a part for reading. A nil chunk returns the whole
// part; a chunk returns at most chunk.Length bytes starting at chunk.Start,
// truncated to the bytes available. chunk.Start beyond the part's current
// length is a client error with code ErrInvalidChunkStart.
func (m *LongTermStorageManager) GetFilePartStream(ctx context.Context, fileID drive.FileID, part drive.FilePart, chunk *FileChunk) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := m.partPath(fileID, part, false)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, drive.NewNotFound("file part not found", path)
		}
		return nil, fmt.Errorf("failed to open file part: %w", err)
	}

	if chunk == nil {
		return f, nil
	}
	defer f.Close()

	if chunk.Start < 0 {
		return nil, &drive.DriveError{
			Code:    drive.ErrInvalidChunkStart,
			Message: "chunk start position is negative",
		}
	}
	if chunk.Length < 0 {
		return nil, drive.NewInvalidArgument("chunk length is negative")
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file part: %w", err)
	}
	if chunk.Start > info.Size() {
		return nil, &drive.DriveError{
			Code:    drive.ErrInvalidChunkStart,
			Message: "chunk start position is greater than length",
		}
	}

	// the allocation is bounded by the bytes actually available, not the
	// requested length
	length := chunk.Length
	if remaining := info.Size() - chunk.Start; length > remaining {
		length = remaining
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, chunk.Start)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}

	return io.NopCloser(bytes.NewReader(buf[:n])), nil
}

// WriteThumbnail durably writes one thumbnail rendition using the atomic
// write protocol.
func (m *LongTermStorageManager) WriteThumbnail(ctx context.Context, fileID drive.FileID, width, height int, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := m.shardDir(fileID, true)
	if err != nil {
		return err
	}
	return m.writeFileAtomic(filepath.Join(dir, thumbnailFilename(fileID, width, height)), r)
}

// GetThumbnail opens one thumbnail rendition for reading.
func (m *LongTermStorageManager) GetThumbnail(ctx context.Context, fileID drive.FileID, width, height int) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := m.shardDir(fileID, false)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, thumbnailFilename(fileID, width, height))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, drive.NewNotFound("thumbnail not found", path)
		}
		return nil, fmt.Errorf("failed to open thumbnail: %w", err)
	}
	return f, nil
}

// DeleteThumbnail removes one thumbnail rendition. Removing a rendition that
// does not exist is not an error.
func (m *LongTermStorageManager) DeleteThumbnail(ctx context.Context, fileID drive.FileID, width, height int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := m.shardDir(fileID, false)
	if err != nil {
		return err
	}

	err = os.Remove(filepath.Join(dir, thumbnailFilename(fileID, width, height)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete thumbnail: %w", err)
	}
	return nil
}

// ReconcileThumbnailsOnDisk deletes any on-disk thumbnail of fileID whose
// exact width x height is not present in keep. Used after an update changes
// which renditions an app wants retained.
func (m *LongTermStorageManager) ReconcileThumbnailsOnDisk(ctx context.Context, fileID drive.FileID, keep []drive.ThumbnailHeader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	paths, err := m.listThumbnails(fileID)
	if err != nil {
		return err
	}

	for _, p := range paths {
		width, height, err := parseThumbnailFilename(filepath.Base(p))
		if err != nil {
			logger.Warn("Skipping unparseable thumbnail file %s: %v", p, err)
			continue
		}

		keepIt := false
		for _, t := range keep {
			if t.PixelWidth == width && t.PixelHeight == height {
				keepIt = true
				break
			}
		}
		if !keepIt {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove thumbnail %s: %w", p, err)
			}
		}
	}
	return nil
}

// AssertFileIsValid fails with a client error unless the file's header
// exists and, when the header declares content incomplete, its payload blob
// exists as well.
func (m *LongTermStorageManager) AssertFileIsValid(ctx context.Context, fileID drive.FileID) error {
	if fileID == uuid.Nil {
		return drive.NewInvalidArgument("no file specified")
	}

	valid, err := m.isFileValid(ctx, fileID)
	if err != nil {
		return err
	}
	if !valid {
		return &drive.DriveError{
			Code:    drive.ErrMissingUploadData,
			Message: "file does not contain all parts",
		}
	}
	return nil
}

// FileExists reports whether the file is usable: existence is defined as
// validity, so FileExists(id) == IsFileValid(id) for all ids.
func (m *LongTermStorageManager) FileExists(ctx context.Context, fileID drive.FileID) bool {
	valid, err := m.isFileValid(ctx, fileID)
	if err != nil {
		return false
	}
	return valid
}

func (m *LongTermStorageManager) isFileValid(ctx context.Context, fileID drive.FileID) (bool, error) {
	header, err := m.GetServerFileHeader(ctx, fileID)
	if err != nil {
		if drive.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if header == nil {
		return false, nil
	}

	if !header.FileMetadata.AppData.ContentIsComplete {
		payloadPath, err := m.partPath(fileID, drive.FilePartPayload, false)
		if err != nil {
			return false, err
		}
		if _, err := os.Stat(payloadPath); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to stat payload: %w", err)
		}
	}
	return true, nil
}

// SoftDelete removes all thumbnails and the payload, leaving the header in
// place. The caller separately sets FileState=Deleted on the header and
// rewrites it. Idempotent: a second call is a no-op.
func (m *LongTermStorageManager) SoftDelete(ctx context.Context, fileID drive.FileID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.deleteAllThumbnails(fileID); err != nil {
		return err
	}
	return m.deletePayload(fileID)
}

// HardDelete removes all blobs of the file, header included.
func (m *LongTermStorageManager) HardDelete(ctx context.Context, fileID drive.FileID) error {
	if err := m.SoftDelete(ctx, fileID); err != nil {
		return err
	}

	headerPath, err := m.partPath(fileID, drive.FilePartHeader, false)
	if err != nil {
		return err
	}
	if err := os.Remove(headerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete header: %w", err)
	}
	return nil
}

// MoveToLongTerm promotes a staged temp file into the sharded long-term path
// for the target part, creating directories as needed. This is the join
// point between the temp staging area and long-term storage.
func (m *LongTermStorageManager) MoveToLongTerm(ctx context.Context, fileID drive.FileID, sourcePath string, part drive.FilePart) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dest, err := m.partPath(fileID, part, true)
	if err != nil {
		return err
	}

	unlock := m.lockPath(dest)
	defer unlock()

	if err := os.Rename(sourcePath, dest); err != nil {
		return fmt.Errorf("failed to move %s to long-term storage: %w", sourcePath, err)
	}
	logger.Debug("Moved staged part to %s", dest)
	return nil
}

// MoveThumbnailToLongTerm promotes a staged thumbnail into the sharded
// long-term path for its width x height rendition.
func (m *LongTermStorageManager) MoveThumbnailToLongTerm(ctx context.Context, fileID drive.FileID, sourcePath string, width, height int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := m.shardDir(fileID, true)
	if err != nil {
		return err
	}
	dest := filepath.Join(dir, thumbnailFilename(fileID, width, height))

	unlock := m.lockPath(dest)
	defer unlock()

	if err := os.Rename(sourcePath, dest); err != nil {
		return fmt.Errorf("failed to move thumbnail %s to long-term storage: %w", sourcePath, err)
	}
	return nil
}

// GetServerFileHeader reads and parses the header blob. Returns a not-found
// client error when no header exists, and ErrCorruptHeader when a blob
// exists but does not parse into a valid header.
func (m *LongTermStorageManager) GetServerFileHeader(ctx context.Context, fileID drive.FileID) (*drive.ServerFileHeader, error) {
	rc, err := m.GetFilePartStream(ctx, fileID, drive.FilePartHeader, nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var header drive.ServerFileHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, &drive.DriveError{
			Code:    drive.ErrCorruptHeader,
			Message: "header blob does not parse: " + err.Error(),
		}
	}
	if !header.IsValid() {
		return nil, &drive.DriveError{
			Code:    drive.ErrCorruptHeader,
			Message: "header blob is missing required sections",
		}
	}
	return &header, nil
}

// WriteServerFileHeader persists a header using the atomic write protocol.
// Every successful write assigns a new ConcurrencyToken and Updated
// timestamp, so callers holding a stale token can detect lost updates.
func (m *LongTermStorageManager) WriteServerFileHeader(ctx context.Context, header *drive.ServerFileHeader) error {
	if !header.IsValid() {
		return drive.NewInvalidArgument("header is missing required sections")
	}
	if !header.FileMetadata.File.IsValid() {
		return drive.NewInvalidArgument("header file id is not set")
	}

	header.FileMetadata.ConcurrencyToken = uuid.New()
	header.FileMetadata.Updated = time.Now().UnixMilli()

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}

	return m.WritePartStream(ctx, header.FileMetadata.File.FileID, drive.FilePartHeader, bytes.NewReader(data))
}

// GetServerFileHeaders walks the whole drive and deserializes every header.
// O(n) over all files; the query index is built on top of this primitive
// rather than relying on it for hot paths.
func (m *LongTermStorageManager) GetServerFileHeaders(ctx context.Context) ([]*drive.ServerFileHeader, error) {
	var headers []*drive.ServerFileHeader

	suffix := "." + string(drive.FilePartHeader)
	err := filepath.WalkDir(m.drive.LongTermRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(path, suffix) {
			return nil
		}

		fileID, parseErr := uuid.Parse(strings.TrimSuffix(filepath.Base(path), suffix))
		if parseErr != nil {
			logger.Warn("Skipping header with unparseable file id: %s", path)
			return nil
		}

		header, readErr := m.GetServerFileHeader(ctx, fileID)
		if readErr != nil {
			return readErr
		}
		headers = append(headers, header)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}

// writeFileAtomic implements the atomic write protocol from the package doc:
// when the target exists, write to a temp file in the same directory and
// atomically rename it over the target; when it does not, write directly.
// Readers only ever observe a missing file, the fully-old content, or the
// fully-new content.
func (m *LongTermStorageManager) writeFileAtomic(target string, r io.Reader) error {
	unlock := m.lockPath(target)
	defer unlock()

	if _, err := os.Stat(target); os.IsNotExist(err) {
		return writeStream(target, r)
	}

	tempPath := filepath.Join(filepath.Dir(target), uuid.New().String()+".tmp")
	defer func() {
		// cleanup on failure; on success the rename already consumed it
		if _, err := os.Stat(tempPath); err == nil {
			_ = os.Remove(tempPath)
		}
	}()

	if err := writeStream(tempPath, r); err != nil {
		return err
	}
	if err := os.Rename(tempPath, target); err != nil {
		return fmt.Errorf("failed to replace %s: %w", target, err)
	}
	return nil
}

func writeStream(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", path, err)
	}

	buf := make([]byte, writeChunkSize)
	if _, err := io.CopyBuffer(f, r, buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// lockPath acquires the lock serializing writes to one target path and
// returns its release function. The table is reference counted: the entry
// is dropped when the last holder releases it, so the map stays bounded by
// the number of in-flight writes rather than growing with every path ever
// touched.
func (m *LongTermStorageManager) lockPath(path string) func() {
	m.mu.Lock()
	lock, ok := m.locks[path]
	if !ok {
		lock = &pathLock{}
		m.locks[path] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, path)
		}
		m.mu.Unlock()
	}
}

// shardDir returns the {root}/{year}/{month}/{day}/{hour} directory for a
// file, decoded from the FileID's byte layout.
func (m *LongTermStorageManager) shardDir(fileID drive.FileID, ensureExists bool) (string, error) {
	year, month, day, hour := drive.ShardComponents(fileID)
	dir := filepath.Join(m.drive.LongTermRoot, year, month, day, hour)

	if ensureExists {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create shard directory: %w", err)
		}
	}
	return dir, nil
}

func (m *LongTermStorageManager) partPath(fileID drive.FileID, part drive.FilePart, ensureDirExists bool) (string, error) {
	dir, err := m.shardDir(fileID, ensureDirExists)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileID.String()+"."+string(part)), nil
}

func (m *LongTermStorageManager) listThumbnails(fileID drive.FileID) ([]string, error) {
	dir, err := m.shardDir(fileID, false)
	if err != nil {
		return nil, err
	}

	// fileId_*x*.thumb enumerates every rendition of one file
	pattern := filepath.Join(dir, fileID.String()+thumbnailDelimiter+"*"+thumbnailSizeDelimiter+"*."+string(drive.FilePartThumb))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate thumbnails: %w", err)
	}
	return paths, nil
}

func (m *LongTermStorageManager) deletePayload(fileID drive.FileID) error {
	path, err := m.partPath(fileID, drive.FilePartPayload, false)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	return nil
}

func (m *LongTermStorageManager) deleteAllThumbnails(fileID drive.FileID) error {
	paths, err := m.listThumbnails(fileID)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete thumbnail %s: %w", p, err)
		}
	}
	return nil
}

func thumbnailFilename(fileID drive.FileID, width, height int) string {
	return fileID.String() +
		thumbnailDelimiter + strconv.Itoa(width) +
		thumbnailSizeDelimiter + strconv.Itoa(height) +
		"." + string(drive.FilePartThumb)
}

// parseThumbnailFilename recovers width and height from a thumbnail
// filename of the form {fileId}_{width}x{height}.thumb.
func parseThumbnailFilename(name string) (width, height int, err error) {
	base := strings.TrimSuffix(name, "."+string(drive.FilePartThumb))
	idx := strings.LastIndex(base, thumbnailDelimiter)
	if idx < 0 {
		return 0, 0, fmt.Errorf("no size suffix in %q", name)
	}

	parts := strings.Split(base[idx+1:], thumbnailSizeDelimiter)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed size suffix in %q", name)
	}

	width, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed width in %q", name)
	}
	height, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed height in %q", name)
	}
	return width, height, nil
}
