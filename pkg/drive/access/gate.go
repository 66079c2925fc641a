// Package access decides whether a caller may touch a drive or a file.
//
// Every read and write is mediated by a PermissionContext resolved by the
// host's authentication layer. The gate itself is pure: it looks things up
// in the context and the file's access control list, it never performs I/O.
package access

import (
	"github.com/google/uuid"

	"github.com/haven-id/haven/pkg/drive"
)

// Permission is the bitmask of operations a drive grant authorizes.
type Permission int

const (
	PermissionRead Permission = 1 << iota
	PermissionWrite
)

// DriveGrant maps one TargetDrive the caller may see to its host-local
// DriveID and the operations permitted on it.
type DriveGrant struct {
	DriveID    drive.DriveID
	Permission Permission
}

// PermissionContext is everything known about a caller for the duration of
// one request: identity, trust level, circle memberships, and the set of
// drives granted to them. Remote hosts never see DriveIDs; resolution from
// TargetDrive happens only through this context.
type PermissionContext struct {
	// CallerOdinID is the caller's identity; empty for anonymous callers
	CallerOdinID string

	// IsOwner marks the tenant owner, who bypasses ACL evaluation
	IsOwner bool

	SecurityGroup drive.SecurityGroup

	// Circles are the caller's circle memberships on this host
	Circles []uuid.UUID

	// DriveGrants maps each visible TargetDrive to its grant
	DriveGrants map[drive.TargetDrive]DriveGrant
}

// NewAnonymousContext returns the minimal context for an unauthenticated
// caller with the given drive grants.
func NewAnonymousContext(grants map[drive.TargetDrive]DriveGrant) *PermissionContext {
	return &PermissionContext{
		SecurityGroup: drive.SecurityGroupAnonymous,
		DriveGrants:   grants,
	}
}

// GetDriveID resolves a TargetDrive through the caller's grants. A
// TargetDrive with no grant is a client error, not a silent empty result.
func (c *PermissionContext) GetDriveID(target drive.TargetDrive) (drive.DriveID, error) {
	grant, ok := c.DriveGrants[target]
	if !ok {
		return uuid.Nil, &drive.DriveError{
			Code:    drive.ErrUnknownDrive,
			Message: "unknown drive: " + target.String(),
		}
	}
	return grant.DriveID, nil
}

// HasDrivePermission reports whether the caller's grant for the target
// authorizes the requested operations. No grant means deny.
func (c *PermissionContext) HasDrivePermission(target drive.TargetDrive, p Permission) bool {
	grant, ok := c.DriveGrants[target]
	return ok && grant.Permission&p == p
}

// CanAccessFile evaluates a file's ACL against the caller. Owners bypass
// the ACL entirely. Everyone else must meet the required security group
// and, when the ACL names circles, be a member of at least one. The
// drive-level grant is evaluated separately by AssertCanReadFile; passing
// the ACL alone is not sufficient to read.
func (c *PermissionContext) CanAccessFile(acl drive.AccessControlList) bool {
	if c.IsOwner {
		return true
	}
	if c.SecurityGroup < acl.RequiredSecurityGroup {
		return false
	}
	if len(acl.CircleIDList) > 0 && !c.memberOfAny(acl.CircleIDList) {
		return false
	}
	return true
}

// AssertCanReadFile is the full read check: the drive grant must authorize
// reads on the target AND the file's ACL must admit the caller. Absence of
// a grant denies even when the ACL alone would allow.
func (c *PermissionContext) AssertCanReadFile(target drive.TargetDrive, acl drive.AccessControlList) error {
	if !c.HasDrivePermission(target, PermissionRead) {
		return &drive.DriveError{
			Code:    drive.ErrAccessDenied,
			Message: "no read grant for drive " + target.String(),
		}
	}
	if !c.CanAccessFile(acl) {
		return &drive.DriveError{
			Code:    drive.ErrAccessDenied,
			Message: "access control list denies caller",
		}
	}
	return nil
}

// AssertCanWriteToDrive is the write-side gate used by transit
// finalization and local uploads.
func (c *PermissionContext) AssertCanWriteToDrive(target drive.TargetDrive) error {
	if !c.HasDrivePermission(target, PermissionWrite) {
		return &drive.DriveError{
			Code:    drive.ErrAccessDenied,
			Message: "no write grant for drive " + target.String(),
		}
	}
	return nil
}

func (c *PermissionContext) memberOfAny(circles []uuid.UUID) bool {
	for _, required := range circles {
		for _, member := range c.Circles {
			if required == member {
				return true
			}
		}
	}
	return false
}
