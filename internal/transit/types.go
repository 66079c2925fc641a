// Package transit implements the host-to-host ingestion perimeter: a
// remote, untrusted host pushes a file as one streamed multipart exchange,
// every section passes a filter pipeline, and the file is durably committed
// only when every stage accepts. There is no partial acceptance; a blocked
// section aborts the whole transfer.
package transit

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/haven-id/haven/pkg/drive"
)

// Multipart section names, in their required order. Every section's
// Content-Disposition name must exactly match the expected name for its
// position; a mismatch is a protocol violation, not a policy decision.
const (
	PartTransferKeyHeader = "TransferKeyHeader"
	PartMetadata          = "Metadata"
	PartPayload           = "Payload"
	PartThumbnail         = "Thumbnail"
)

// TransferInstructionSet is the decrypted content of the TransferKeyHeader
// section: everything the perimeter needs to route and store the incoming
// file.
type TransferInstructionSet struct {
	// TargetDrive is the cross-host identity of the destination drive
	TargetDrive drive.TargetDrive `json:"targetDrive"`

	// KeyHeader wraps the symmetric content key under the shared secret
	KeyHeader drive.EncryptedKeyHeader `json:"sharedSecretEncryptedKeyHeader"`

	// GlobalTransitID correlates this file across identities; a transfer
	// carrying the id of an already received file overwrites it
	GlobalTransitID *uuid.UUID `json:"globalTransitId,omitempty"`

	FileSystemType drive.FileSystemType `json:"fileSystemType"`
}

// Validate checks the envelope is complete enough to allocate transfer
// state.
func (t *TransferInstructionSet) Validate() error {
	if t == nil {
		return drive.NewInvalidArgument("transfer instruction set is required")
	}
	if !t.TargetDrive.IsValid() {
		return drive.NewInvalidArgument("transfer instruction set names no target drive")
	}
	if !t.KeyHeader.IsValid() {
		return drive.NewInvalidArgument("transfer instruction set carries no key header")
	}
	return nil
}

// TransitResponseCode is the coded outcome reported to the sending host.
type TransitResponseCode int

const (
	// AcceptedIntoInbox means the file was committed to the target drive
	AcceptedIntoInbox TransitResponseCode = 1

	// Rejected means a policy filter (or the accept pipeline's catch-all)
	// refused the transfer
	Rejected TransitResponseCode = 2

	// QuarantinedPayload means content filtering archived the transfer for
	// review instead of committing it
	QuarantinedPayload TransitResponseCode = 3

	// QuarantinedSenderNotConnected means the sender's trust level was
	// below Connected and the transfer was archived
	QuarantinedSenderNotConnected TransitResponseCode = 4
)

// String maps a response code for logging and response bodies. An
// unrecognized code is a programming error and fails fast.
func (c TransitResponseCode) String() string {
	switch c {
	case AcceptedIntoInbox:
		return "AcceptedIntoInbox"
	case Rejected:
		return "Rejected"
	case QuarantinedPayload:
		return "QuarantinedPayload"
	case QuarantinedSenderNotConnected:
		return "QuarantinedSenderNotConnected"
	default:
		panic(fmt.Sprintf("unknown transit response code %d", int(c)))
	}
}

// TransitResponse is the JSON body returned to the sending host.
type TransitResponse struct {
	Code    TransitResponseCode `json:"code"`
	Message string              `json:"message"`
}

// FilterAction is a filter's verdict on one section.
type FilterAction int

const (
	FilterActionAccept FilterAction = iota
	FilterActionReject
	FilterActionQuarantine
)

// FilterResult carries the verdict plus, for quarantines, the response code
// the sender receives.
type FilterResult struct {
	Action FilterAction

	// QuarantineCode is consulted only when Action is FilterActionQuarantine
	QuarantineCode TransitResponseCode
}

// Accepted is the result every filter returns on the happy path.
var Accepted = FilterResult{Action: FilterActionAccept}

// PartStatus tracks one section through the state machine.
type PartStatus int

const (
	PartStatusNone PartStatus = iota
	PartStatusAccepted
	PartStatusRejected
	PartStatusQuarantined
)
