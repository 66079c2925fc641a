package drive

import (
	"github.com/google/uuid"
)

// SecurityGroup is the required trust level for accessing a file. Levels are
// ordered; a caller at a higher level satisfies any lower requirement.
type SecurityGroup int

const (
	SecurityGroupAnonymous SecurityGroup = iota
	SecurityGroupAuthenticated
	SecurityGroupConnected
	SecurityGroupOwner
)

func (g SecurityGroup) String() string {
	switch g {
	case SecurityGroupAnonymous:
		return "anonymous"
	case SecurityGroupAuthenticated:
		return "authenticated"
	case SecurityGroupConnected:
		return "connected"
	case SecurityGroupOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// AccessControlList is attached to every file. It names the minimum security
// group and, optionally, specific circles of which the caller must be a
// member of at least one.
type AccessControlList struct {
	RequiredSecurityGroup SecurityGroup `json:"requiredSecurityGroup"`

	// CircleIDList, when non-empty, restricts access to members of the named
	// circles (in addition to the security group requirement)
	CircleIDList []uuid.UUID `json:"circleIdList,omitempty"`
}
