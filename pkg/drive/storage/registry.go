package storage

import (
	"sync"

	"github.com/haven-id/haven/pkg/drive"
)

// Registry holds every mounted drive's storage managers, keyed by the
// host-local drive id. It is the single place components resolve a drive id
// to its on-disk machinery; the query service and the transit perimeter
// both go through it.
//
// Thread safety: drives are registered at startup and looked up for the
// whole process lifetime; a read-write mutex keeps late registration safe.
type Registry struct {
	mu     sync.RWMutex
	drives map[drive.DriveID]*mountedDrive
}

type mountedDrive struct {
	descriptor *drive.StorageDrive
	longTerm   *LongTermStorageManager
	temp       *TempStorageManager
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{drives: make(map[drive.DriveID]*mountedDrive)}
}

// AddDrive mounts a drive: creates its storage managers (ensuring the
// on-disk directories exist) and registers them. Re-adding an already
// mounted drive id is a client error.
func (r *Registry) AddDrive(d *drive.StorageDrive) error {
	longTerm, err := NewLongTermStorageManager(d)
	if err != nil {
		return err
	}
	temp, err := NewTempStorageManager(d)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drives[d.ID]; exists {
		return drive.NewInvalidArgument("drive already mounted: " + d.ID.String())
	}
	r.drives[d.ID] = &mountedDrive{
		descriptor: d,
		longTerm:   longTerm,
		temp:       temp,
	}
	return nil
}

// Drive returns the descriptor of a mounted drive.
func (r *Registry) Drive(driveID drive.DriveID) (*drive.StorageDrive, error) {
	d, err := r.get(driveID)
	if err != nil {
		return nil, err
	}
	return d.descriptor, nil
}

// LongTerm returns the long-term storage manager of a mounted drive.
func (r *Registry) LongTerm(driveID drive.DriveID) (*LongTermStorageManager, error) {
	d, err := r.get(driveID)
	if err != nil {
		return nil, err
	}
	return d.longTerm, nil
}

// Temp returns the temp storage manager of a mounted drive.
func (r *Registry) Temp(driveID drive.DriveID) (*TempStorageManager, error) {
	d, err := r.get(driveID)
	if err != nil {
		return nil, err
	}
	return d.temp, nil
}

// ByTarget resolves a cross-host drive identity to its descriptor. Note
// this is a host-side lookup over mounted drives; callers' TargetDrive to
// DriveID resolution still goes through their permission context.
func (r *Registry) ByTarget(target drive.TargetDrive) (*drive.StorageDrive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.drives {
		if d.descriptor.TargetDriveInfo == target {
			return d.descriptor, nil
		}
	}
	return nil, &drive.DriveError{
		Code:    drive.ErrUnknownDrive,
		Message: "no mounted drive for target " + target.String(),
	}
}

// ListDrives returns the descriptors of all mounted drives.
func (r *Registry) ListDrives() []*drive.StorageDrive {
	r.mu.RLock()
	defer r.mu.RUnlock()

	drives := make([]*drive.StorageDrive, 0, len(r.drives))
	for _, d := range r.drives {
		drives = append(drives, d.descriptor)
	}
	return drives
}

func (r *Registry) get(driveID drive.DriveID) (*mountedDrive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drives[driveID]
	if !ok {
		return nil, &drive.DriveError{
			Code:    drive.ErrUnknownDrive,
			Message: "drive not mounted: " + driveID.String(),
		}
	}
	return d, nil
}
