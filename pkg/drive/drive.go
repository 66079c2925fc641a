package drive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DriveID is the host-local opaque identity of a drive. Remote hosts never
// see DriveIDs; they address drives by TargetDrive and the access gate
// resolves the mapping per caller.
type DriveID = uuid.UUID

// TargetDrive identifies a drive in a way that is stable across hosts.
type TargetDrive struct {
	// Alias is the drive instance identity
	Alias uuid.UUID `json:"alias"`

	// Type groups drives with the same purpose (e.g. "profile", "chat")
	Type uuid.UUID `json:"type"`
}

// IsValid reports whether both components are set.
func (t TargetDrive) IsValid() bool {
	return t.Alias != uuid.Nil && t.Type != uuid.Nil
}

func (t TargetDrive) String() string {
	return t.Alias.String() + ":" + t.Type.String()
}

// InternalFileID is the full host-local address of a file.
type InternalFileID struct {
	DriveID DriveID `json:"driveId"`
	FileID  FileID  `json:"fileId"`
}

// IsValid reports whether both components are set.
func (f InternalFileID) IsValid() bool {
	return f.DriveID != uuid.Nil && f.FileID != uuid.Nil
}

func (f InternalFileID) String() string {
	return f.DriveID.String() + "/" + f.FileID.String()
}

// StorageDrive is the static descriptor of a drive: its identity, where its
// blobs live on disk, and whether anonymous reads are permitted. It carries
// no mutable state; all file lifecycle goes through the storage managers.
type StorageDrive struct {
	// ID is the host-local drive identity
	ID DriveID `json:"id"`

	// TargetDriveInfo is the cross-host identity of this drive
	TargetDriveInfo TargetDrive `json:"targetDrive"`

	// Name is a human-readable label, not used for addressing
	Name string `json:"name"`

	// LongTermRoot is the root directory for sharded long-term storage
	LongTermRoot string `json:"longTermRoot"`

	// TempRoot is the root directory for staged upload/transfer parts
	TempRoot string `json:"tempRoot"`

	// AllowAnonymousReads permits ACL evaluation to grant reads to the
	// anonymous security group on this drive
	AllowAnonymousReads bool `json:"allowAnonymousReads"`
}

// EnsureDirectories creates the drive's storage roots if they do not exist.
func (d *StorageDrive) EnsureDirectories() error {
	for _, dir := range []string{d.LongTermRoot, d.TempRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create drive directory %s: %w", dir, err)
		}
	}
	return nil
}

// TempPath returns the staging path for a named part of a file being
// assembled. Extensions distinguish parts of the same staged file.
func (d *StorageDrive) TempPath(fileID FileID, extension string) string {
	return filepath.Join(d.TempRoot, fileID.String()+"."+extension)
}
