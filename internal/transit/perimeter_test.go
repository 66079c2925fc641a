package transit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-id/haven/pkg/drive"
	"github.com/haven-id/haven/pkg/drive/access"
	"github.com/haven-id/haven/pkg/drive/query"
	"github.com/haven-id/haven/pkg/drive/storage"
	"github.com/haven-id/haven/pkg/quarantine"
)

type perimeterFixture struct {
	service  *TransitPerimeterService
	registry *storage.Registry
	index    *query.Index
	archive  *quarantine.FilesystemArchive
	driveID  drive.DriveID
	target   drive.TargetDrive
	caller   *access.PermissionContext
}

func newPerimeterFixture(t *testing.T, filters ...Filter) *perimeterFixture {
	t.Helper()

	root := t.TempDir()
	driveID := uuid.New()
	target := drive.TargetDrive{Alias: uuid.New(), Type: uuid.New()}

	registry := storage.NewRegistry()
	require.NoError(t, registry.AddDrive(&drive.StorageDrive{
		ID:              driveID,
		TargetDriveInfo: target,
		Name:            "inbox",
		LongTermRoot:    filepath.Join(root, "longterm"),
		TempRoot:        filepath.Join(root, "temp"),
	}))

	index, err := query.NewIndex(context.Background(), query.IndexConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	archive, err := quarantine.NewFilesystemArchive(filepath.Join(root, "quarantine"))
	require.NoError(t, err)

	return &perimeterFixture{
		service:  NewTransitPerimeterService(registry, index, archive, filters...),
		registry: registry,
		index:    index,
		archive:  archive,
		driveID:  driveID,
		target:   target,
		caller: &access.PermissionContext{
			CallerOdinID:  "frodo.example.com",
			SecurityGroup: drive.SecurityGroupConnected,
			DriveGrants: map[drive.TargetDrive]access.DriveGrant{
				target: {DriveID: driveID, Permission: access.PermissionRead | access.PermissionWrite},
			},
		},
	}
}

// validInstruction builds an envelope the way a pushing host would: a
// fresh content key wrapped under the exchange's shared secret.
func validInstruction(target drive.TargetDrive) *TransferInstructionSet {
	keyHeader, err := drive.NewKeyHeader()
	if err != nil {
		panic(err)
	}
	wrapped, err := keyHeader.Encrypt(make([]byte, 16))
	if err != nil {
		panic(err)
	}
	return &TransferInstructionSet{
		TargetDrive: target,
		KeyHeader:   wrapped,
	}
}

func wireMetadata(t *testing.T, contentComplete bool) string {
	t.Helper()
	data, err := json.Marshal(IncomingFileMetadata{
		ContentType: "application/json",
		AppData: drive.AppFileMetaData{
			FileType:          42,
			ContentIsComplete: contentComplete,
			JsonContent:       `{"msg":"hi"}`,
		},
	})
	require.NoError(t, err)
	return string(data)
}

func TestInitializeIncomingTransfer(t *testing.T) {
	f := newPerimeterFixture(t)
	ctx := context.Background()

	state, err := f.service.InitializeIncomingTransfer(ctx, f.caller, validInstruction(f.target))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, state.ID)
	assert.Equal(t, "frodo.example.com", state.Sender)
	assert.Equal(t, f.driveID, state.DriveID)
}

func TestInitializeRejectsInvalidEnvelope(t *testing.T) {
	f := newPerimeterFixture(t)
	ctx := context.Background()

	// missing key header
	_, err := f.service.InitializeIncomingTransfer(ctx, f.caller, &TransferInstructionSet{TargetDrive: f.target})
	assert.Error(t, err)

	// unknown drive
	_, err = f.service.InitializeIncomingTransfer(ctx, f.caller, validInstruction(drive.TargetDrive{Alias: uuid.New(), Type: uuid.New()}))
	var de *drive.DriveError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, drive.ErrUnknownDrive, de.Code)

	// write grant required
	readOnly := &access.PermissionContext{
		CallerOdinID:  "sam.example.com",
		SecurityGroup: drive.SecurityGroupConnected,
		DriveGrants: map[drive.TargetDrive]access.DriveGrant{
			f.target: {DriveID: f.driveID, Permission: access.PermissionRead},
		},
	}
	_, err = f.service.InitializeIncomingTransfer(ctx, readOnly, validInstruction(f.target))
	require.True(t, errors.As(err, &de))
	assert.Equal(t, drive.ErrAccessDenied, de.Code)
}

func TestTransferCommitsAcceptedFile(t *testing.T) {
	f := newPerimeterFixture(t)
	ctx := context.Background()

	state, err := f.service.InitializeIncomingTransfer(ctx, f.caller, validInstruction(f.target))
	require.NoError(t, err)

	require.NoError(t, f.service.FilterMetadata(ctx, f.caller, state, strings.NewReader(wireMetadata(t, false))))
	require.NoError(t, f.service.FilterPayload(ctx, f.caller, state, strings.NewReader("payload bytes")))
	require.NoError(t, f.service.FilterThumbnail(ctx, f.caller, state, 100, 100, strings.NewReader("thumb")))

	assert.True(t, f.service.IsFileValid(ctx, state))

	response := f.service.FinalizeTransfer(ctx, state)
	require.Equal(t, AcceptedIntoInbox, response.Code)

	// one file landed, fully materialized
	longTerm, err := f.registry.LongTerm(f.driveID)
	require.NoError(t, err)
	headers, err := longTerm.GetServerFileHeaders(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 1)

	header := headers[0]
	assert.Equal(t, "frodo.example.com", header.FileMetadata.SenderOdinID)
	assert.Equal(t, 42, header.FileMetadata.AppData.FileType)
	assert.Equal(t, int64(len("payload bytes")), header.FileMetadata.PayloadSize)
	assert.Equal(t, drive.SecurityGroupOwner, header.ServerMetadata.AccessControlList.RequiredSecurityGroup)

	fileID := header.FileMetadata.File.FileID
	assert.True(t, longTerm.FileExists(ctx, fileID))
	_, err = longTerm.GetThumbnail(ctx, fileID, 100, 100)
	assert.NoError(t, err)

	// indexed
	_, err = f.index.GetRecord(ctx, f.driveID, fileID)
	assert.NoError(t, err)

	// staging area is clean
	temp, err := f.registry.Temp(f.driveID)
	require.NoError(t, err)
	assert.False(t, temp.Exists(state.ID, extMetadata))
	assert.False(t, temp.Exists(state.ID, extPayload))
}

func TestContentCompleteTransferNeedsNoPayload(t *testing.T) {
	f := newPerimeterFixture(t)
	ctx := context.Background()

	state, err := f.service.InitializeIncomingTransfer(ctx, f.caller, validInstruction(f.target))
	require.NoError(t, err)

	require.NoError(t, f.service.FilterMetadata(ctx, f.caller, state, strings.NewReader(wireMetadata(t, true))))
	assert.True(t, f.service.IsFileValid(ctx, state))

	response := f.service.FinalizeTransfer(ctx, state)
	assert.Equal(t, AcceptedIntoInbox, response.Code)
}

func TestMissingPayloadIsRejected(t *testing.T) {
	f := newPerimeterFixture(t)
	ctx := context.Background()

	state, err := f.service.InitializeIncomingTransfer(ctx, f.caller, validInstruction(f.target))
	require.NoError(t, err)

	require.NoError(t, f.service.FilterMetadata(ctx, f.caller, state, strings.NewReader(wireMetadata(t, false))))
	assert.False(t, f.service.IsFileValid(ctx, state))

	response := f.service.FinalizeTransfer(ctx, state)
	assert.Equal(t, Rejected, response.Code)
}

type rejectPayloadFilter struct{}

func (rejectPayloadFilter) Name() string { return "reject-payload" }
func (rejectPayloadFilter) Apply(_ context.Context, part *PartContext) (FilterResult, error) {
	if part.PartName == PartPayload {
		return FilterResult{Action: FilterActionReject}, nil
	}
	return Accepted, nil
}

func TestRejectedTransferDropsEverything(t *testing.T) {
	f := newPerimeterFixture(t, rejectPayloadFilter{})
	ctx := context.Background()

	state, err := f.service.InitializeIncomingTransfer(ctx, f.caller, validInstruction(f.target))
	require.NoError(t, err)

	require.NoError(t, f.service.FilterMetadata(ctx, f.caller, state, strings.NewReader(wireMetadata(t, false))))
	require.NoError(t, f.service.FilterPayload(ctx, f.caller, state, strings.NewReader("bad payload")))
	assert.Equal(t, PartStatusRejected, state.PayloadStatus)

	response := f.service.FinalizeTransfer(ctx, state)
	assert.Equal(t, Rejected, response.Code)

	// nothing committed, staging clean
	longTerm, err := f.registry.LongTerm(f.driveID)
	require.NoError(t, err)
	headers, err := longTerm.GetServerFileHeaders(ctx)
	require.NoError(t, err)
	assert.Empty(t, headers)

	temp, err := f.registry.Temp(f.driveID)
	require.NoError(t, err)
	assert.False(t, temp.Exists(state.ID, extPayload))
}

func TestDisconnectedSenderIsQuarantined(t *testing.T) {
	f := newPerimeterFixture(t, SenderMustBeConnectedFilter{})
	ctx := context.Background()

	stranger := &access.PermissionContext{
		CallerOdinID:  "stranger.example.com",
		SecurityGroup: drive.SecurityGroupAuthenticated,
		DriveGrants: map[drive.TargetDrive]access.DriveGrant{
			f.target: {DriveID: f.driveID, Permission: access.PermissionWrite},
		},
	}

	state, err := f.service.InitializeIncomingTransfer(ctx, stranger, validInstruction(f.target))
	require.NoError(t, err)

	require.NoError(t, f.service.FilterMetadata(ctx, stranger, state, strings.NewReader(wireMetadata(t, true))))
	assert.Equal(t, PartStatusQuarantined, state.MetadataStatus)

	response := f.service.FinalizeTransfer(ctx, state)
	assert.Equal(t, QuarantinedSenderNotConnected, response.Code)

	// the staged part was archived for review
	entries, err := f.archive.List(ctx, state.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, extMetadata, entries[0].PartName)

	// and nothing reached long-term storage
	longTerm, err := f.registry.LongTerm(f.driveID)
	require.NoError(t, err)
	headers, err := longTerm.GetServerFileHeaders(ctx)
	require.NoError(t, err)
	assert.Empty(t, headers)
}

func TestPartSizeFilter(t *testing.T) {
	f := newPerimeterFixture(t, PartSizeFilter{MaxPayloadBytes: 4})
	ctx := context.Background()

	state, err := f.service.InitializeIncomingTransfer(ctx, f.caller, validInstruction(f.target))
	require.NoError(t, err)

	require.NoError(t, f.service.FilterMetadata(ctx, f.caller, state, strings.NewReader(wireMetadata(t, false))))
	require.NoError(t, f.service.FilterPayload(ctx, f.caller, state, strings.NewReader("way too large")))
	assert.Equal(t, PartStatusRejected, state.PayloadStatus)
}

func TestGlobalTransitIDOverwrites(t *testing.T) {
	f := newPerimeterFixture(t)
	ctx := context.Background()

	transitID := uuid.New()
	push := func(payload string) *TransitResponse {
		instruction := validInstruction(f.target)
		instruction.GlobalTransitID = &transitID

		state, err := f.service.InitializeIncomingTransfer(ctx, f.caller, instruction)
		require.NoError(t, err)
		require.NoError(t, f.service.FilterMetadata(ctx, f.caller, state, strings.NewReader(wireMetadata(t, false))))
		require.NoError(t, f.service.FilterPayload(ctx, f.caller, state, strings.NewReader(payload)))
		return f.service.FinalizeTransfer(ctx, state)
	}

	require.Equal(t, AcceptedIntoInbox, push("version one").Code)
	require.Equal(t, AcceptedIntoInbox, push("version two").Code)

	// still exactly one file, holding the second payload
	longTerm, err := f.registry.LongTerm(f.driveID)
	require.NoError(t, err)
	headers, err := longTerm.GetServerFileHeaders(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 1)

	rc, err := longTerm.GetFilePartStream(ctx, headers[0].FileMetadata.File.FileID, drive.FilePartPayload, nil)
	require.NoError(t, err)
	data := make([]byte, 32)
	n, _ := rc.Read(data)
	rc.Close()
	assert.Equal(t, "version two", string(data[:n]))
}

func TestAcceptDeleteLinkedFileRequest(t *testing.T) {
	f := newPerimeterFixture(t)
	ctx := context.Background()

	transitID := uuid.New()
	instruction := validInstruction(f.target)
	instruction.GlobalTransitID = &transitID

	state, err := f.service.InitializeIncomingTransfer(ctx, f.caller, instruction)
	require.NoError(t, err)
	require.NoError(t, f.service.FilterMetadata(ctx, f.caller, state, strings.NewReader(wireMetadata(t, false))))
	require.NoError(t, f.service.FilterPayload(ctx, f.caller, state, strings.NewReader("payload")))
	require.Equal(t, AcceptedIntoInbox, f.service.FinalizeTransfer(ctx, state).Code)

	// a different sender may not delete frodo's file
	other := &access.PermissionContext{
		CallerOdinID:  "gollum.example.com",
		SecurityGroup: drive.SecurityGroupConnected,
		DriveGrants:   f.caller.DriveGrants,
	}
	response := f.service.AcceptDeleteLinkedFileRequest(ctx, other, f.target, transitID)
	assert.Equal(t, Rejected, response.Code)

	// the original sender may
	response = f.service.AcceptDeleteLinkedFileRequest(ctx, f.caller, f.target, transitID)
	require.Equal(t, AcceptedIntoInbox, response.Code)

	longTerm, err := f.registry.LongTerm(f.driveID)
	require.NoError(t, err)
	headers, err := longTerm.GetServerFileHeaders(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, drive.FileStateDeleted, headers[0].FileMetadata.FileState)

	// payload is gone, header tombstone remains
	_, err = longTerm.GetFilePartStream(ctx, headers[0].FileMetadata.File.FileID, drive.FilePartPayload, nil)
	assert.True(t, drive.IsNotFound(err))
}

// headerReaderResolver adapts the registry for the query service the way
// the server package does.
type headerReaderResolver struct {
	registry *storage.Registry
}

func (r headerReaderResolver) HeaderReader(driveID drive.DriveID) (query.HeaderReader, error) {
	longTerm, err := r.registry.LongTerm(driveID)
	if err != nil {
		return nil, err
	}
	return longTerm, nil
}

// The full life of a pushed file: it arrives through the perimeter, is
// found by a tag query, streams back byte-identical, and after the sender
// retracts it the payload is gone while the tombstone header remains
// visible to an unfiltered query.
func TestReceivedFileLifecycle(t *testing.T) {
	f := newPerimeterFixture(t)
	ctx := context.Background()

	tag := uuid.New()
	globalTransitID := uuid.New()
	payload := "the once and future payload"

	instruction := validInstruction(f.target)
	instruction.GlobalTransitID = &globalTransitID

	state, err := f.service.InitializeIncomingTransfer(ctx, f.caller, instruction)
	require.NoError(t, err)

	metadata, err := json.Marshal(IncomingFileMetadata{
		ContentType: "application/json",
		AppData: drive.AppFileMetaData{
			FileType:    42,
			Tags:        []uuid.UUID{tag},
			JsonContent: `{"msg":"hi"}`,
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.service.FilterMetadata(ctx, f.caller, state, strings.NewReader(string(metadata))))
	require.NoError(t, f.service.FilterPayload(ctx, f.caller, state, strings.NewReader(payload)))
	require.Equal(t, AcceptedIntoInbox, f.service.FinalizeTransfer(ctx, state).Code)

	owner := &access.PermissionContext{
		CallerOdinID:  "owner.example.com",
		IsOwner:       true,
		SecurityGroup: drive.SecurityGroupOwner,
		DriveGrants: map[drive.TargetDrive]access.DriveGrant{
			f.target: {DriveID: f.driveID, Permission: access.PermissionRead | access.PermissionWrite},
		},
	}
	queryService := query.NewDriveQueryService(f.index, headerReaderResolver{registry: f.registry})

	// the tag query finds exactly the received file
	result, err := queryService.QueryBatch(ctx, owner, f.target, query.FileQueryParams{
		TagsMatchAtLeastOne: []uuid.UUID{tag},
	}, query.QueryBatchResultOptions{IncludeMetadataHeader: true})
	require.NoError(t, err)
	require.Len(t, result.SearchResults, 1)
	header := result.SearchResults[0]
	fileID := header.FileMetadata.File.FileID
	assert.Equal(t, "frodo.example.com", header.FileMetadata.SenderOdinID)

	// the payload streams back byte-identical
	longTerm, err := f.registry.LongTerm(f.driveID)
	require.NoError(t, err)
	rc, err := longTerm.GetFilePartStream(ctx, fileID, drive.FilePartPayload, nil)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, string(got))

	// the sender retracts the file
	response := f.service.AcceptDeleteLinkedFileRequest(ctx, f.caller, f.target, globalTransitID)
	require.Equal(t, AcceptedIntoInbox, response.Code)

	_, err = longTerm.GetFilePartStream(ctx, fileID, drive.FilePartPayload, nil)
	assert.True(t, drive.IsNotFound(err))

	// a query filtered to active files no longer sees it
	result, err = queryService.QueryBatch(ctx, owner, f.target, query.FileQueryParams{
		FileState: []drive.FileState{drive.FileStateActive},
	}, query.QueryBatchResultOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.SearchResults)

	// an unfiltered query still returns the tombstone header
	result, err = queryService.QueryBatch(ctx, owner, f.target, query.FileQueryParams{}, query.QueryBatchResultOptions{})
	require.NoError(t, err)
	require.Len(t, result.SearchResults, 1)
	assert.Equal(t, drive.FileStateDeleted, result.SearchResults[0].FileMetadata.FileState)
	assert.Equal(t, fileID, result.SearchResults[0].FileMetadata.File.FileID)
}
