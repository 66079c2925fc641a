package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/haven-id/haven/pkg/drive"
)

// TempStorageManager stages incoming parts in a flat per-drive directory
// before they are promoted to long-term storage. Staged files are keyed by
// FileID plus a caller-chosen extension, so one transfer's parts never
// collide with another's.
type TempStorageManager struct {
	drive *drive.StorageDrive
}

// NewTempStorageManager creates a manager for one drive's staging area,
// ensuring the temp directory exists.
func NewTempStorageManager(d *drive.StorageDrive) (*TempStorageManager, error) {
	if d == nil {
		return nil, fmt.Errorf("storage drive is required")
	}
	if err := d.EnsureDirectories(); err != nil {
		return nil, err
	}
	return &TempStorageManager{drive: d}, nil
}

// WriteStream stages data under the given file id and extension,
// overwriting any previous content for the same key.
func (m *TempStorageManager) WriteStream(ctx context.Context, fileID drive.FileID, extension string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	path := m.drive.TempPath(fileID, extension)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open temp file: %w", err)
	}

	buf := make([]byte, writeChunkSize)
	n, err := io.CopyBuffer(f, r, buf)
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	return n, nil
}

// GetStream opens a staged file for reading.
func (m *TempStorageManager) GetStream(ctx context.Context, fileID drive.FileID, extension string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := m.drive.TempPath(fileID, extension)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, drive.NewNotFound("staged file not found", path)
		}
		return nil, fmt.Errorf("failed to open staged file: %w", err)
	}
	return f, nil
}

// GetBytes reads a staged file in one call. Intended for small parts such
// as headers and metadata.
func (m *TempStorageManager) GetBytes(ctx context.Context, fileID drive.FileID, extension string) ([]byte, error) {
	rc, err := m.GetStream(ctx, fileID, extension)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged file: %w", err)
	}
	return data, nil
}

// Exists reports whether a staged file is present for the key.
func (m *TempStorageManager) Exists(fileID drive.FileID, extension string) bool {
	_, err := os.Stat(m.drive.TempPath(fileID, extension))
	return err == nil
}

// Path returns the on-disk location of a staged file, for promotion into
// long-term storage via MoveToLongTerm.
func (m *TempStorageManager) Path(fileID drive.FileID, extension string) string {
	return m.drive.TempPath(fileID, extension)
}

// Delete removes one staged file. Deleting a missing file is not an error.
func (m *TempStorageManager) Delete(ctx context.Context, fileID drive.FileID, extension string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(m.drive.TempPath(fileID, extension))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete staged file: %w", err)
	}
	return nil
}

// DeleteMany removes a set of staged files sharing one file id.
func (m *TempStorageManager) DeleteMany(ctx context.Context, fileID drive.FileID, extensions []string) error {
	for _, ext := range extensions {
		if err := m.Delete(ctx, fileID, ext); err != nil {
			return err
		}
	}
	return nil
}
