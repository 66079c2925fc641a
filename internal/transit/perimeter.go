package transit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/haven-id/haven/internal/logger"
	"github.com/haven-id/haven/pkg/drive"
	"github.com/haven-id/haven/pkg/drive/access"
	"github.com/haven-id/haven/pkg/drive/query"
	"github.com/haven-id/haven/pkg/drive/storage"
	"github.com/haven-id/haven/pkg/quarantine"
)

// Temp-storage extensions for staged sections. Thumbnail extensions carry
// the rendition size so one transfer can stage several.
const (
	extMetadata = "transit.metadata"
	extPayload  = "transit.payload"
)

func extThumbnail(width, height int) string {
	return fmt.Sprintf("transit.thumb.%d.%d", width, height)
}

// IncomingFileMetadata is the wire form of the Metadata section: the
// sender's description of the file. System-owned fields (file id, sender
// identity, timestamps, concurrency token) are never taken from the wire;
// the perimeter assigns them at commit.
type IncomingFileMetadata struct {
	ContentType        string                `json:"contentType"`
	PayloadIsEncrypted bool                  `json:"payloadIsEncrypted"`
	AppData            drive.AppFileMetaData `json:"appData"`
}

// TransitPerimeterService runs the ingestion state machine. Stages report
// their outcome through the transfer state item rather than by failing;
// FinalizeTransfer inspects the accumulated statuses and either commits or
// drops everything staged.
type TransitPerimeterService struct {
	registry *storage.Registry
	index    *query.Index
	archive  quarantine.Archive
	filters  []Filter
}

// NewTransitPerimeterService assembles the perimeter. Filters run in the
// given order for every filtered section.
func NewTransitPerimeterService(
	registry *storage.Registry,
	index *query.Index,
	archive quarantine.Archive,
	filters ...Filter,
) *TransitPerimeterService {
	return &TransitPerimeterService{
		registry: registry,
		index:    index,
		archive:  archive,
		filters:  filters,
	}
}

// InitializeIncomingTransfer validates the instruction envelope, checks the
// caller may write to the target drive, and allocates the transfer state
// every later stage keys off of.
func (s *TransitPerimeterService) InitializeIncomingTransfer(
	ctx context.Context,
	caller *access.PermissionContext,
	instruction *TransferInstructionSet,
) (*TransferStateItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := instruction.Validate(); err != nil {
		return nil, err
	}

	driveID, err := caller.GetDriveID(instruction.TargetDrive)
	if err != nil {
		return nil, err
	}
	if err := caller.AssertCanWriteToDrive(instruction.TargetDrive); err != nil {
		return nil, err
	}
	if _, err := s.registry.Drive(driveID); err != nil {
		return nil, err
	}

	state := newTransferStateItem(caller.CallerOdinID, instruction, driveID)
	logger.Debug("Transfer %s initialized from %s to drive %s", state.ID, state.Sender, driveID)
	return state, nil
}

// FilterMetadata stages and filters the Metadata section.
func (s *TransitPerimeterService) FilterMetadata(
	ctx context.Context,
	caller *access.PermissionContext,
	state *TransferStateItem,
	r io.Reader,
) error {
	status, size, err := s.stageAndFilter(ctx, caller, state, PartMetadata, extMetadata, r)
	if err != nil {
		return err
	}
	state.MetadataStatus = status
	state.MetadataSize = size
	return nil
}

// FilterPayload stages and filters the Payload section.
func (s *TransitPerimeterService) FilterPayload(
	ctx context.Context,
	caller *access.PermissionContext,
	state *TransferStateItem,
	r io.Reader,
) error {
	status, size, err := s.stageAndFilter(ctx, caller, state, PartPayload, extPayload, r)
	if err != nil {
		return err
	}
	state.PayloadStatus = status
	state.PayloadSize = size
	return nil
}

// FilterThumbnail stages and filters one Thumbnail section for the given
// rendition size.
func (s *TransitPerimeterService) FilterThumbnail(
	ctx context.Context,
	caller *access.PermissionContext,
	state *TransferStateItem,
	width, height int,
	r io.Reader,
) error {
	if width <= 0 || height <= 0 {
		return drive.NewInvalidArgument("thumbnail size must be positive")
	}

	ext := extThumbnail(width, height)
	status, _, err := s.stageAndFilter(ctx, caller, state, PartThumbnail, ext, r)
	if err != nil {
		return err
	}
	state.Thumbnails = append(state.Thumbnails, stagedThumbnail{
		Width:     width,
		Height:    height,
		Extension: ext,
		Status:    status,
	})
	return nil
}

// stageAndFilter writes a section to the staging area and runs the filter
// pipeline over it. The returned status is the pipeline's verdict; an error
// means a system failure, not a policy decision.
func (s *TransitPerimeterService) stageAndFilter(
	ctx context.Context,
	caller *access.PermissionContext,
	state *TransferStateItem,
	partName, extension string,
	r io.Reader,
) (PartStatus, int64, error) {
	temp, err := s.registry.Temp(state.DriveID)
	if err != nil {
		return PartStatusNone, 0, err
	}

	size, err := temp.WriteStream(ctx, state.ID, extension, r)
	if err != nil {
		return PartStatusNone, 0, err
	}

	part := &PartContext{
		State:    state,
		Caller:   caller,
		PartName: partName,
		Size:     size,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return temp.GetStream(ctx, state.ID, extension)
		},
	}

	for _, filter := range s.filters {
		result, err := filter.Apply(ctx, part)
		if err != nil {
			return PartStatusNone, 0, err
		}

		switch result.Action {
		case FilterActionAccept:
			continue
		case FilterActionReject:
			logger.Info("Transfer %s: filter %s rejected %s", state.ID, filter.Name(), partName)
			return PartStatusRejected, size, nil
		case FilterActionQuarantine:
			logger.Info("Transfer %s: filter %s quarantined %s", state.ID, filter.Name(), partName)
			if state.quarantineCode == 0 {
				state.quarantineCode = result.QuarantineCode
			}
			return PartStatusQuarantined, size, nil
		default:
			panic(fmt.Sprintf("unknown filter action %d from %s", result.Action, filter.Name()))
		}
	}
	return PartStatusAccepted, size, nil
}

// IsFileValid reports whether the staged parts form a committable file:
// metadata present and, unless the metadata declares its content complete,
// a payload as well.
func (s *TransitPerimeterService) IsFileValid(ctx context.Context, state *TransferStateItem) bool {
	metadata, err := s.readIncomingMetadata(ctx, state)
	if err != nil {
		return false
	}
	if metadata.AppData.ContentIsComplete {
		return true
	}
	return state.PayloadStatus == PartStatusAccepted
}

// FinalizeTransfer resolves the accumulated section statuses into the
// transfer's single outcome: commit, quarantine, or drop. Any failure
// inside the accept pipeline becomes a Rejected response; the remote peer
// always receives a well-formed transit response, never an internal error.
func (s *TransitPerimeterService) FinalizeTransfer(ctx context.Context, state *TransferStateItem) *TransitResponse {
	if state.anyRejected() {
		s.cleanup(ctx, state)
		return &TransitResponse{Code: Rejected, Message: "transfer rejected"}
	}

	if state.anyQuarantined() {
		code := state.quarantineCode
		if code == 0 {
			code = QuarantinedPayload
		}
		if err := s.archiveStagedParts(ctx, state); err != nil {
			logger.Error("Transfer %s: failed to archive quarantined parts: %v", state.ID, err)
		}
		s.cleanup(ctx, state)
		return &TransitResponse{Code: code, Message: "transfer quarantined"}
	}

	if err := s.commit(ctx, state); err != nil {
		logger.Error("Transfer %s: commit failed: %v", state.ID, err)
		s.cleanup(ctx, state)
		return &TransitResponse{Code: Rejected, Message: "transfer rejected"}
	}

	s.cleanup(ctx, state)
	return &TransitResponse{Code: AcceptedIntoInbox, Message: ""}
}

// commit promotes the staged parts into long-term storage and indexes the
// new header. A transfer carrying the GlobalTransitID of an already
// received file overwrites that file in place, keeping its FileID and
// creation time.
func (s *TransitPerimeterService) commit(ctx context.Context, state *TransferStateItem) error {
	metadata, err := s.readIncomingMetadata(ctx, state)
	if err != nil {
		return err
	}

	payloadStaged := state.PayloadStatus == PartStatusAccepted
	if !metadata.AppData.ContentIsComplete && !payloadStaged {
		return &drive.DriveError{
			Code:    drive.ErrMissingUploadData,
			Message: "transfer is missing its payload",
		}
	}

	longTerm, err := s.registry.LongTerm(state.DriveID)
	if err != nil {
		return err
	}
	temp, err := s.registry.Temp(state.DriveID)
	if err != nil {
		return err
	}

	fileID, created, err := s.resolveTargetFile(ctx, state, longTerm)
	if err != nil {
		return err
	}

	if payloadStaged {
		if err := longTerm.MoveToLongTerm(ctx, fileID, temp.Path(state.ID, extPayload), drive.FilePartPayload); err != nil {
			return err
		}
	}
	// the header's thumbnail list reflects what actually landed on disk,
	// never what the wire metadata claimed
	metadata.AppData.AdditionalThumbnails = nil
	for _, t := range state.Thumbnails {
		if err := longTerm.MoveThumbnailToLongTerm(ctx, fileID, temp.Path(state.ID, t.Extension), t.Width, t.Height); err != nil {
			return err
		}
		metadata.AppData.AdditionalThumbnails = append(metadata.AppData.AdditionalThumbnails, drive.ThumbnailHeader{
			PixelWidth:  t.Width,
			PixelHeight: t.Height,
		})
	}

	header := &drive.ServerFileHeader{
		EncryptedKeyHeader: &state.Instruction.KeyHeader,
		FileMetadata: &drive.FileMetadata{
			File:               drive.InternalFileID{DriveID: state.DriveID, FileID: fileID},
			GlobalTransitID:    state.Instruction.GlobalTransitID,
			FileState:          drive.FileStateActive,
			Created:            created,
			ContentType:        metadata.ContentType,
			PayloadIsEncrypted: metadata.PayloadIsEncrypted,
			SenderOdinID:       state.Sender,
			PayloadSize:        state.PayloadSize,
			AppData:            metadata.AppData,
		},
		// received files land owner-visible; the owner widens the ACL
		// explicitly if the file should be served onward
		ServerMetadata: &drive.ServerMetadata{
			AccessControlList: drive.AccessControlList{
				RequiredSecurityGroup: drive.SecurityGroupOwner,
			},
			AllowDistribution: false,
			FileSystemType:    state.Instruction.FileSystemType,
		},
	}

	if err := longTerm.WriteServerFileHeader(ctx, header); err != nil {
		return err
	}
	if err := s.index.Upsert(ctx, state.DriveID, header); err != nil {
		return err
	}

	logger.Info("Transfer %s committed as file %s on drive %s", state.ID, fileID, state.DriveID)
	return nil
}

// resolveTargetFile picks the FileID the transfer commits to: the existing
// file when the GlobalTransitID is already known, a fresh one otherwise.
func (s *TransitPerimeterService) resolveTargetFile(
	ctx context.Context,
	state *TransferStateItem,
	longTerm *storage.LongTermStorageManager,
) (drive.FileID, int64, error) {
	now := time.Now().UnixMilli()

	if state.Instruction.GlobalTransitID == nil {
		return longTerm.CreateFileID(), now, nil
	}

	fileID, err := s.index.LookupGlobalTransitID(ctx, state.DriveID, *state.Instruction.GlobalTransitID)
	if err != nil {
		if drive.IsNotFound(err) {
			return longTerm.CreateFileID(), now, nil
		}
		return fileID, 0, err
	}

	existing, err := longTerm.GetServerFileHeader(ctx, fileID)
	if err != nil {
		if drive.IsNotFound(err) {
			return longTerm.CreateFileID(), now, nil
		}
		return fileID, 0, err
	}
	return fileID, existing.FileMetadata.Created, nil
}

// AcceptDeleteLinkedFileRequest handles a remote host asking that a file it
// previously pushed be removed. Only the original sender may delete its
// file; the deletion is a soft delete so the header remains as a tombstone.
func (s *TransitPerimeterService) AcceptDeleteLinkedFileRequest(
	ctx context.Context,
	caller *access.PermissionContext,
	target drive.TargetDrive,
	globalTransitID drive.FileID,
) *TransitResponse {
	driveID, err := caller.GetDriveID(target)
	if err != nil {
		return &TransitResponse{Code: Rejected, Message: "transfer rejected"}
	}
	if err := caller.AssertCanWriteToDrive(target); err != nil {
		return &TransitResponse{Code: Rejected, Message: "transfer rejected"}
	}

	fileID, err := s.index.LookupGlobalTransitID(ctx, driveID, globalTransitID)
	if err != nil {
		return &TransitResponse{Code: Rejected, Message: "transfer rejected"}
	}

	longTerm, err := s.registry.LongTerm(driveID)
	if err != nil {
		return &TransitResponse{Code: Rejected, Message: "transfer rejected"}
	}

	header, err := longTerm.GetServerFileHeader(ctx, fileID)
	if err != nil {
		return &TransitResponse{Code: Rejected, Message: "transfer rejected"}
	}
	if header.FileMetadata.SenderOdinID != caller.CallerOdinID {
		logger.Warn("Delete request from %s for file sent by %s refused",
			caller.CallerOdinID, header.FileMetadata.SenderOdinID)
		return &TransitResponse{Code: Rejected, Message: "transfer rejected"}
	}

	if err := longTerm.SoftDelete(ctx, fileID); err != nil {
		logger.Error("Soft delete of %s failed: %v", fileID, err)
		return &TransitResponse{Code: Rejected, Message: "transfer rejected"}
	}

	header.FileMetadata.FileState = drive.FileStateDeleted
	if err := longTerm.WriteServerFileHeader(ctx, header); err != nil {
		logger.Error("Tombstone write for %s failed: %v", fileID, err)
		return &TransitResponse{Code: Rejected, Message: "transfer rejected"}
	}
	if err := s.index.Upsert(ctx, driveID, header); err != nil {
		logger.Error("Index update for deleted file %s failed: %v", fileID, err)
		return &TransitResponse{Code: Rejected, Message: "transfer rejected"}
	}

	return &TransitResponse{Code: AcceptedIntoInbox, Message: ""}
}

func (s *TransitPerimeterService) readIncomingMetadata(ctx context.Context, state *TransferStateItem) (*IncomingFileMetadata, error) {
	if state.MetadataStatus != PartStatusAccepted {
		return nil, &drive.DriveError{
			Code:    drive.ErrMissingUploadData,
			Message: "transfer has no accepted metadata",
		}
	}

	temp, err := s.registry.Temp(state.DriveID)
	if err != nil {
		return nil, err
	}
	data, err := temp.GetBytes(ctx, state.ID, extMetadata)
	if err != nil {
		return nil, err
	}

	var metadata IncomingFileMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, drive.NewInvalidArgument("metadata section does not parse")
	}
	return &metadata, nil
}

// archiveStagedParts copies every staged section into the quarantine
// archive before the staging area is cleared.
func (s *TransitPerimeterService) archiveStagedParts(ctx context.Context, state *TransferStateItem) error {
	temp, err := s.registry.Temp(state.DriveID)
	if err != nil {
		return err
	}

	for _, ext := range state.stagedExtensions() {
		rc, err := temp.GetStream(ctx, state.ID, ext)
		if err != nil {
			if drive.IsNotFound(err) {
				continue
			}
			return err
		}
		err = s.archive.Put(ctx, state.ID, ext, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// cleanup drops whatever is left in the staging area. Parts already moved
// to long-term storage are gone from staging, so this is safe after both
// commit and abort.
func (s *TransitPerimeterService) cleanup(ctx context.Context, state *TransferStateItem) {
	temp, err := s.registry.Temp(state.DriveID)
	if err != nil {
		return
	}
	if err := temp.DeleteMany(ctx, state.ID, state.stagedExtensions()); err != nil {
		logger.Warn("Transfer %s: staging cleanup failed: %v", state.ID, err)
	}
}
