package transit

import (
	"time"

	"github.com/google/uuid"

	"github.com/haven-id/haven/pkg/drive"
)

// stagedThumbnail records one thumbnail section staged in temp storage.
type stagedThumbnail struct {
	Width     int
	Height    int
	Extension string
	Status    PartStatus
}

// TransferStateItem is the transient state of one incoming transfer,
// allocated when the TransferKeyHeader section parses and discarded when
// the transfer finalizes or aborts. The ID doubles as the temp staging file
// id, so concurrent transfers never collide in the staging area.
type TransferStateItem struct {
	ID uuid.UUID

	// Sender is the authenticated identity of the pushing host, never
	// taken from the wire metadata
	Sender string

	Instruction *TransferInstructionSet
	DriveID     drive.DriveID
	CreatedAt   time.Time

	MetadataStatus PartStatus
	MetadataSize   int64
	PayloadStatus  PartStatus
	PayloadSize    int64
	Thumbnails     []stagedThumbnail

	// quarantineCode is set by the first quarantining filter and decides
	// the response code at finalize
	quarantineCode TransitResponseCode
}

func newTransferStateItem(sender string, instruction *TransferInstructionSet, driveID drive.DriveID) *TransferStateItem {
	return &TransferStateItem{
		ID:          uuid.New(),
		Sender:      sender,
		Instruction: instruction,
		DriveID:     driveID,
		CreatedAt:   time.Now(),
	}
}

// anyRejected reports whether any section was rejected.
func (s *TransferStateItem) anyRejected() bool {
	if s.MetadataStatus == PartStatusRejected || s.PayloadStatus == PartStatusRejected {
		return true
	}
	for _, t := range s.Thumbnails {
		if t.Status == PartStatusRejected {
			return true
		}
	}
	return false
}

// anyQuarantined reports whether any section was quarantined.
func (s *TransferStateItem) anyQuarantined() bool {
	if s.MetadataStatus == PartStatusQuarantined || s.PayloadStatus == PartStatusQuarantined {
		return true
	}
	for _, t := range s.Thumbnails {
		if t.Status == PartStatusQuarantined {
			return true
		}
	}
	return false
}

// stagedExtensions lists every temp-storage extension this transfer wrote,
// for cleanup and quarantine archiving.
func (s *TransferStateItem) stagedExtensions() []string {
	exts := []string{}
	if s.MetadataStatus != PartStatusNone {
		exts = append(exts, extMetadata)
	}
	if s.PayloadStatus != PartStatusNone {
		exts = append(exts, extPayload)
	}
	for _, t := range s.Thumbnails {
		exts = append(exts, t.Extension)
	}
	return exts
}
