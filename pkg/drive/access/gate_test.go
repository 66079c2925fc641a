package access

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-id/haven/pkg/drive"
)

func newTarget() drive.TargetDrive {
	return drive.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
}

func TestGetDriveID(t *testing.T) {
	target := newTarget()
	driveID := uuid.New()
	ctx := &PermissionContext{
		DriveGrants: map[drive.TargetDrive]DriveGrant{
			target: {DriveID: driveID, Permission: PermissionRead},
		},
	}

	got, err := ctx.GetDriveID(target)
	require.NoError(t, err)
	assert.Equal(t, driveID, got)

	_, err = ctx.GetDriveID(newTarget())
	var de *drive.DriveError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, drive.ErrUnknownDrive, de.Code)
}

func TestHasDrivePermission(t *testing.T) {
	readOnly := newTarget()
	readWrite := newTarget()
	ctx := &PermissionContext{
		DriveGrants: map[drive.TargetDrive]DriveGrant{
			readOnly:  {DriveID: uuid.New(), Permission: PermissionRead},
			readWrite: {DriveID: uuid.New(), Permission: PermissionRead | PermissionWrite},
		},
	}

	assert.True(t, ctx.HasDrivePermission(readOnly, PermissionRead))
	assert.False(t, ctx.HasDrivePermission(readOnly, PermissionWrite))
	assert.True(t, ctx.HasDrivePermission(readWrite, PermissionRead|PermissionWrite))
	assert.False(t, ctx.HasDrivePermission(newTarget(), PermissionRead))
}

func TestOwnerBypassesACL(t *testing.T) {
	ctx := &PermissionContext{IsOwner: true, SecurityGroup: drive.SecurityGroupOwner}

	acl := drive.AccessControlList{
		RequiredSecurityGroup: drive.SecurityGroupConnected,
		CircleIDList:          []uuid.UUID{uuid.New()},
	}
	assert.True(t, ctx.CanAccessFile(acl), "owner ignores group and circle requirements")
}

func TestSecurityGroupOrdering(t *testing.T) {
	tests := []struct {
		caller   drive.SecurityGroup
		required drive.SecurityGroup
		want     bool
	}{
		{drive.SecurityGroupAnonymous, drive.SecurityGroupAnonymous, true},
		{drive.SecurityGroupAnonymous, drive.SecurityGroupAuthenticated, false},
		{drive.SecurityGroupAuthenticated, drive.SecurityGroupAnonymous, true},
		{drive.SecurityGroupAuthenticated, drive.SecurityGroupConnected, false},
		{drive.SecurityGroupConnected, drive.SecurityGroupConnected, true},
		{drive.SecurityGroupConnected, drive.SecurityGroupOwner, false},
	}

	for _, tt := range tests {
		t.Run(tt.caller.String()+" vs "+tt.required.String(), func(t *testing.T) {
			ctx := &PermissionContext{SecurityGroup: tt.caller}
			got := ctx.CanAccessFile(drive.AccessControlList{RequiredSecurityGroup: tt.required})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCircleMembership(t *testing.T) {
	circleA := uuid.New()
	circleB := uuid.New()
	ctx := &PermissionContext{
		SecurityGroup: drive.SecurityGroupConnected,
		Circles:       []uuid.UUID{circleA},
	}

	acl := drive.AccessControlList{
		RequiredSecurityGroup: drive.SecurityGroupConnected,
		CircleIDList:          []uuid.UUID{circleA, circleB},
	}
	assert.True(t, ctx.CanAccessFile(acl), "membership in any named circle suffices")

	acl.CircleIDList = []uuid.UUID{circleB}
	assert.False(t, ctx.CanAccessFile(acl))

	// group requirement still applies alongside circles
	ctx.SecurityGroup = drive.SecurityGroupAuthenticated
	acl.CircleIDList = []uuid.UUID{circleA}
	assert.False(t, ctx.CanAccessFile(acl))
}

func TestAssertCanReadFileRequiresGrantAndACL(t *testing.T) {
	target := newTarget()
	acl := drive.AccessControlList{RequiredSecurityGroup: drive.SecurityGroupAuthenticated}

	// ACL alone is not enough without a grant
	ctx := &PermissionContext{SecurityGroup: drive.SecurityGroupOwner}
	err := ctx.AssertCanReadFile(target, acl)
	var de *drive.DriveError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, drive.ErrAccessDenied, de.Code)

	// grant alone is not enough when the ACL denies
	ctx = &PermissionContext{
		SecurityGroup: drive.SecurityGroupAnonymous,
		DriveGrants: map[drive.TargetDrive]DriveGrant{
			target: {DriveID: uuid.New(), Permission: PermissionRead},
		},
	}
	err = ctx.AssertCanReadFile(target, acl)
	require.True(t, errors.As(err, &de))
	assert.Equal(t, drive.ErrAccessDenied, de.Code)

	// both together allow
	ctx.SecurityGroup = drive.SecurityGroupAuthenticated
	assert.NoError(t, ctx.AssertCanReadFile(target, acl))
}

func TestAssertCanWriteToDrive(t *testing.T) {
	target := newTarget()
	ctx := &PermissionContext{
		DriveGrants: map[drive.TargetDrive]DriveGrant{
			target: {DriveID: uuid.New(), Permission: PermissionRead},
		},
	}

	err := ctx.AssertCanWriteToDrive(target)
	var de *drive.DriveError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, drive.ErrAccessDenied, de.Code)

	grant := ctx.DriveGrants[target]
	grant.Permission |= PermissionWrite
	ctx.DriveGrants[target] = grant
	assert.NoError(t, ctx.AssertCanWriteToDrive(target))
}
