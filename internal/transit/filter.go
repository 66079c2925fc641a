package transit

import (
	"context"
	"io"

	"github.com/haven-id/haven/pkg/drive"
	"github.com/haven-id/haven/pkg/drive/access"
)

// PartContext is what a filter sees of one staged section: the transfer
// state, the caller, the section's identity and size, and a way to open the
// staged bytes for content inspection. Filters never receive the live
// network stream; sections are staged before filtering so a slow filter
// cannot stall the transport.
type PartContext struct {
	State    *TransferStateItem
	Caller   *access.PermissionContext
	PartName string
	Size     int64

	// Open returns the staged bytes; each call returns an independent reader
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// Filter is one stage of the perimeter pipeline. Every Metadata, Payload
// and Thumbnail section passes through every filter in order; the first
// non-accept verdict wins and aborts the transfer at finalize.
type Filter interface {
	Name() string
	Apply(ctx context.Context, part *PartContext) (FilterResult, error)
}

// SenderMustBeConnectedFilter quarantines transfers from callers whose
// trust level is below Connected. The content may be perfectly fine, which
// is why this is a quarantine (kept for review) and not a rejection.
type SenderMustBeConnectedFilter struct{}

func (SenderMustBeConnectedFilter) Name() string { return "sender-must-be-connected" }

func (SenderMustBeConnectedFilter) Apply(_ context.Context, part *PartContext) (FilterResult, error) {
	if part.Caller.SecurityGroup < drive.SecurityGroupConnected {
		return FilterResult{
			Action:         FilterActionQuarantine,
			QuarantineCode: QuarantinedSenderNotConnected,
		}, nil
	}
	return Accepted, nil
}

// PartSizeFilter rejects sections larger than a configured cap. Zero caps
// disable the check for that section kind.
type PartSizeFilter struct {
	// MaxMetadataBytes caps the Metadata section
	MaxMetadataBytes int64

	// MaxPayloadBytes caps the Payload section and each Thumbnail section
	MaxPayloadBytes int64
}

func (PartSizeFilter) Name() string { return "part-size" }

func (f PartSizeFilter) Apply(_ context.Context, part *PartContext) (FilterResult, error) {
	limit := f.MaxPayloadBytes
	if part.PartName == PartMetadata {
		limit = f.MaxMetadataBytes
	}
	if limit > 0 && part.Size > limit {
		return FilterResult{Action: FilterActionReject}, nil
	}
	return Accepted, nil
}
