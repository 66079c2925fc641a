package quarantine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/haven-id/haven/pkg/drive"
)

// FilesystemArchive stores quarantined parts under
// {root}/{stateItemId}/{partName}. This is the default backend.
type FilesystemArchive struct {
	root string
}

// NewFilesystemArchive creates the archive root if needed.
func NewFilesystemArchive(root string) (*FilesystemArchive, error) {
	if root == "" {
		return nil, fmt.Errorf("quarantine root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create quarantine root: %w", err)
	}
	return &FilesystemArchive{root: root}, nil
}

func (a *FilesystemArchive) Put(ctx context.Context, stateItemID uuid.UUID, partName string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(a.root, stateItemID.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create quarantine directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, partName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open quarantine file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write quarantine file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close quarantine file: %w", err)
	}
	return nil
}

func (a *FilesystemArchive) Open(ctx context.Context, stateItemID uuid.UUID, partName string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(a.root, stateItemID.String(), partName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, drive.NewNotFound("quarantined part not found", path)
		}
		return nil, fmt.Errorf("failed to open quarantined part: %w", err)
	}
	return f, nil
}

func (a *FilesystemArchive) List(ctx context.Context, stateItemID uuid.UUID) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(a.root, stateItemID.String())
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list quarantine directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat quarantined part: %w", err)
		}
		entries = append(entries, Entry{
			StateItemID: stateItemID,
			PartName:    de.Name(),
			Size:        info.Size(),
			ArchivedAt:  info.ModTime(),
		})
	}
	return entries, nil
}
