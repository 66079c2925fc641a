package query

import (
	"context"

	"github.com/google/uuid"

	"github.com/haven-id/haven/internal/logger"
	"github.com/haven-id/haven/pkg/drive"
	"github.com/haven-id/haven/pkg/drive/access"
)

// defaultMaxRecords bounds a page when the caller does not.
const defaultMaxRecords = 100

// HeaderReader is the slice of the storage manager the query service needs:
// headers are read back on demand for every emitted result, so the index
// never serves file content it could have gotten stale.
type HeaderReader interface {
	GetServerFileHeader(ctx context.Context, fileID drive.FileID) (*drive.ServerFileHeader, error)
}

// DriveResolver maps a host-local drive id to its storage manager.
type DriveResolver interface {
	HeaderReader(driveID drive.DriveID) (HeaderReader, error)
}

// TimeRange is an inclusive [Start, End] range of unix-millisecond
// timestamps. A zero End means unbounded.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// FileQueryParams is the predicate surface of all query operations.
// Categories are AND-combined; within a category the listed values are
// alternatives (OR). An empty category matches everything.
type FileQueryParams struct {
	FileSystemType drive.FileSystemType `json:"fileSystemType"`

	FileType       []int             `json:"fileType,omitempty"`
	DataType       []int             `json:"dataType,omitempty"`
	FileState      []drive.FileState `json:"fileState,omitempty"`
	ArchivalStatus []int             `json:"archivalStatus,omitempty"`
	Sender         []string          `json:"sender,omitempty"`
	GroupID        []uuid.UUID       `json:"groupId,omitempty"`
	UserDate       *TimeRange        `json:"userDate,omitempty"`

	ClientUniqueIDAtLeastOne []uuid.UUID `json:"clientUniqueIdAtLeastOne,omitempty"`
	GlobalTransitID          []uuid.UUID `json:"globalTransitId,omitempty"`

	// TagsMatchAtLeastOne matches files whose tag set intersects the list;
	// TagsMatchAll requires the list to be a subset of the file's tags
	TagsMatchAtLeastOne []uuid.UUID `json:"tagsMatchAtLeastOne,omitempty"`
	TagsMatchAll        []uuid.UUID `json:"tagsMatchAll,omitempty"`
}

// QueryBatchSortField selects the timestamp a batch scan is ordered by.
type QueryBatchSortField int

const (
	// SortFieldFileID orders by file id, which is creation order
	SortFieldFileID QueryBatchSortField = iota

	// SortFieldUserDate orders by the app-assigned UserDate, falling back
	// to creation time for files without one
	SortFieldUserDate
)

// QueryBatchSortOrder selects the scan direction.
type QueryBatchSortOrder int

const (
	SortOrderNewestFirst QueryBatchSortOrder = iota
	SortOrderOldestFirst
)

// QueryBatchResultOptions controls sorting, paging and redaction for
// QueryBatch. The zero value pages newest-first by file id.
type QueryBatchResultOptions struct {
	// Cursor resumes a previous scan; empty starts from the top of the
	// requested sort order. A cursor is only valid for the sort it was
	// issued under.
	Cursor string `json:"cursor"`

	MaxRecords int `json:"maxRecords"`

	SortField QueryBatchSortField `json:"sortField"`
	SortOrder QueryBatchSortOrder `json:"sortOrder"`

	// IncludeMetadataHeader false strips inline content and the preview
	// thumbnail from every result
	IncludeMetadataHeader bool `json:"includeMetadataHeader"`
}

// QueryModifiedResultOptions controls paging for QueryModified.
type QueryModifiedResultOptions struct {
	Cursor     string `json:"cursor"`
	MaxRecords int    `json:"maxRecords"`

	// MaxDate, when non-zero, excludes files modified after it
	MaxDate int64 `json:"maxDate"`

	IncludeMetadataHeader bool `json:"includeMetadataHeader"`
}

// QueryBatchResult is one page of results plus the cursor for the next.
// An empty page still carries a valid cursor.
type QueryBatchResult struct {
	SearchResults []*drive.ServerFileHeader `json:"searchResults"`
	Cursor        string                    `json:"cursor"`
}

// QueryModifiedResult is one page of modified files plus the timestamp
// cursor for the next page.
type QueryModifiedResult struct {
	SearchResults []*drive.ServerFileHeader `json:"searchResults"`
	Cursor        string                    `json:"cursor"`
}

// NamedQueryRequest is one sub-query of a QueryBatchCollection call.
type NamedQueryRequest struct {
	Name        string                  `json:"name"`
	TargetDrive drive.TargetDrive       `json:"targetDrive"`
	Params      FileQueryParams         `json:"queryParams"`
	Options     QueryBatchResultOptions `json:"resultOptions"`
}

// DriveQueryService answers paginated, filtered, sorted views over a
// drive's headers. Results are always mediated by the caller's permission
// context: a file the caller may not see is silently omitted so that batch
// responses never leak existence through error-versus-empty differences.
type DriveQueryService struct {
	index  *Index
	drives DriveResolver
}

// NewDriveQueryService creates a query service over the given index.
func NewDriveQueryService(index *Index, drives DriveResolver) *DriveQueryService {
	return &DriveQueryService{index: index, drives: drives}
}

// QueryBatch returns one page of files matching the predicate set, ordered
// per the requested sort (newest-first by file id unless the options say
// otherwise). The returned cursor resumes strictly past the last visited
// file, so repeated calls never duplicate results even under concurrent
// inserts.
func (s *DriveQueryService) QueryBatch(
	ctx context.Context,
	caller *access.PermissionContext,
	target drive.TargetDrive,
	params FileQueryParams,
	opts QueryBatchResultOptions,
) (*QueryBatchResult, error) {
	driveID, reader, err := s.resolveForRead(caller, target)
	if err != nil {
		return nil, err
	}

	if opts.SortField != SortFieldFileID && opts.SortField != SortFieldUserDate {
		return nil, drive.NewInvalidArgument("unknown sort field")
	}
	if opts.SortOrder != SortOrderNewestFirst && opts.SortOrder != SortOrderOldestFirst {
		return nil, drive.NewInvalidArgument("unknown sort order")
	}

	cur, err := decodeBatchCursor(opts.Cursor)
	if err != nil {
		return nil, err
	}
	if cur != nil && opts.SortField == SortFieldUserDate && cur.Date == nil {
		return nil, drive.NewInvalidArgument("cursor does not match the requested sort")
	}

	maxRecords := opts.MaxRecords
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}

	result := &QueryBatchResult{
		SearchResults: []*drive.ServerFileHeader{},
		Cursor:        opts.Cursor,
	}
	var lastVisited *batchCursorState

	visit := func(record *IndexRecord) (bool, error) {
		next := batchCursorState{Before: record.FileID}
		if opts.SortField == SortFieldUserDate {
			d := record.sortDate()
			next.Date = &d
		}
		lastVisited = &next

		if !matchesParams(record, &params) {
			return true, nil
		}

		header, include, err := s.loadCandidate(ctx, caller, reader, record, opts.IncludeMetadataHeader)
		if err != nil {
			return false, err
		}
		if include {
			result.SearchResults = append(result.SearchResults, header)
		}
		return len(result.SearchResults) < maxRecords, nil
	}

	switch opts.SortField {
	case SortFieldUserDate:
		var boundary *userDateBoundary
		if cur != nil {
			boundary = &userDateBoundary{Date: *cur.Date, FileID: cur.Before}
		}
		err = s.index.ScanUserDate(ctx, driveID, opts.SortOrder == SortOrderOldestFirst, boundary, visit)
	default:
		var boundary *drive.FileID
		if cur != nil {
			before := cur.Before
			boundary = &before
		}
		if opts.SortOrder == SortOrderOldestFirst {
			err = s.index.ScanOldestFirst(ctx, driveID, boundary, visit)
		} else {
			err = s.index.ScanNewestFirst(ctx, driveID, boundary, visit)
		}
	}
	if err != nil {
		return nil, err
	}

	if lastVisited != nil {
		result.Cursor = encodeBatchCursor(*lastVisited)
	}
	return result, nil
}

// QueryModified returns one page of files modified since the cursor's
// timestamp boundary, in ascending modification order. The boundary is a
// plain timestamp with no tie-breaker: files sharing the boundary
// timestamp that did not fit in the page are skipped on resume, and
// out-of-order updates from clock skew are not corrected for. Callers
// treat this as a best-effort change feed.
func (s *DriveQueryService) QueryModified(
	ctx context.Context,
	caller *access.PermissionContext,
	target drive.TargetDrive,
	params FileQueryParams,
	opts QueryModifiedResultOptions,
) (*QueryModifiedResult, error) {
	driveID, reader, err := s.resolveForRead(caller, target)
	if err != nil {
		return nil, err
	}

	since, err := decodeModifiedCursor(opts.Cursor)
	if err != nil {
		return nil, err
	}

	maxRecords := opts.MaxRecords
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}

	result := &QueryModifiedResult{
		SearchResults: []*drive.ServerFileHeader{},
		Cursor:        opts.Cursor,
	}
	lastVisited := int64(0)

	err = s.index.ScanModifiedSince(ctx, driveID, since, func(record *IndexRecord) (bool, error) {
		if opts.MaxDate > 0 && record.Updated > opts.MaxDate {
			return false, nil
		}
		lastVisited = record.Updated

		if !matchesParams(record, &params) {
			return true, nil
		}

		header, include, err := s.loadCandidate(ctx, caller, reader, record, opts.IncludeMetadataHeader)
		if err != nil {
			return false, err
		}
		if include {
			result.SearchResults = append(result.SearchResults, header)
		}
		return len(result.SearchResults) < maxRecords, nil
	})
	if err != nil {
		return nil, err
	}

	if lastVisited > 0 {
		result.Cursor = encodeModifiedCursor(lastVisited)
	}
	return result, nil
}

// QueryBatchCollection executes independent named QueryBatch operations in
// one round trip. Sub-queries share nothing: each has its own predicates
// and its own cursor.
func (s *DriveQueryService) QueryBatchCollection(
	ctx context.Context,
	caller *access.PermissionContext,
	requests []NamedQueryRequest,
) (map[string]*QueryBatchResult, error) {
	results := make(map[string]*QueryBatchResult, len(requests))
	for _, req := range requests {
		if req.Name == "" {
			return nil, drive.NewInvalidArgument("query name is required")
		}
		result, err := s.QueryBatch(ctx, caller, req.TargetDrive, req.Params, req.Options)
		if err != nil {
			return nil, err
		}
		results[req.Name] = result
	}
	return results, nil
}

// GetFileByClientUniqueID resolves a client-assigned idempotency key to its
// file header. Unlike batch queries, the caller names an exact file, so a
// denied read surfaces an explicit access error instead of an omission.
func (s *DriveQueryService) GetFileByClientUniqueID(
	ctx context.Context,
	caller *access.PermissionContext,
	target drive.TargetDrive,
	uniqueID uuid.UUID,
) (*drive.ServerFileHeader, error) {
	driveID, reader, err := s.resolveForRead(caller, target)
	if err != nil {
		return nil, err
	}

	fileID, err := s.index.LookupUniqueID(ctx, driveID, uniqueID)
	if err != nil {
		return nil, err
	}
	return s.getGatedHeader(ctx, caller, target, reader, fileID)
}

// GetFileByGlobalTransitID resolves a cross-identity correlation key to its
// file header, with the same explicit-denial semantics as
// GetFileByClientUniqueID.
func (s *DriveQueryService) GetFileByGlobalTransitID(
	ctx context.Context,
	caller *access.PermissionContext,
	target drive.TargetDrive,
	globalTransitID uuid.UUID,
) (*drive.ServerFileHeader, error) {
	driveID, reader, err := s.resolveForRead(caller, target)
	if err != nil {
		return nil, err
	}

	fileID, err := s.index.LookupGlobalTransitID(ctx, driveID, globalTransitID)
	if err != nil {
		return nil, err
	}
	return s.getGatedHeader(ctx, caller, target, reader, fileID)
}

func (s *DriveQueryService) resolveForRead(caller *access.PermissionContext, target drive.TargetDrive) (drive.DriveID, HeaderReader, error) {
	driveID, err := caller.GetDriveID(target)
	if err != nil {
		return uuid.Nil, nil, err
	}
	if !caller.HasDrivePermission(target, access.PermissionRead) {
		return uuid.Nil, nil, &drive.DriveError{
			Code:    drive.ErrAccessDenied,
			Message: "no read grant for drive " + target.String(),
		}
	}

	reader, err := s.drives.HeaderReader(driveID)
	if err != nil {
		return uuid.Nil, nil, err
	}
	return driveID, reader, nil
}

// loadCandidate reads a matched record's header back from storage and
// applies the access gate. A header missing from storage means the index
// ran ahead of a delete; the candidate is skipped, not an error.
func (s *DriveQueryService) loadCandidate(
	ctx context.Context,
	caller *access.PermissionContext,
	reader HeaderReader,
	record *IndexRecord,
	includeMetadataHeader bool,
) (*drive.ServerFileHeader, bool, error) {
	header, err := reader.GetServerFileHeader(ctx, record.FileID)
	if err != nil {
		if drive.IsNotFound(err) {
			logger.Debug("Index entry without header for file %s, skipping", record.FileID)
			return nil, false, nil
		}
		return nil, false, err
	}

	if !caller.CanAccessFile(header.ServerMetadata.AccessControlList) {
		return nil, false, nil
	}

	if !includeMetadataHeader {
		redactHeader(header)
	}
	return header, true, nil
}

func (s *DriveQueryService) getGatedHeader(
	ctx context.Context,
	caller *access.PermissionContext,
	target drive.TargetDrive,
	reader HeaderReader,
	fileID drive.FileID,
) (*drive.ServerFileHeader, error) {
	header, err := reader.GetServerFileHeader(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := caller.AssertCanReadFile(target, header.ServerMetadata.AccessControlList); err != nil {
		return nil, err
	}
	return header, nil
}

// redactHeader strips app content that IncludeMetadataHeader=false callers
// must not receive. Headers are freshly parsed per request, so in-place
// mutation is safe.
func redactHeader(header *drive.ServerFileHeader) {
	header.FileMetadata.AppData.JsonContent = ""
	header.FileMetadata.AppData.PreviewThumbnail = nil
}

// matchesParams evaluates the AND of every non-empty predicate category.
func matchesParams(r *IndexRecord, p *FileQueryParams) bool {
	if r.FileSystemType != p.FileSystemType {
		return false
	}
	if len(p.FileType) > 0 && !containsInt(p.FileType, r.FileType) {
		return false
	}
	if len(p.DataType) > 0 && !containsInt(p.DataType, r.DataType) {
		return false
	}
	if len(p.FileState) > 0 && !containsFileState(p.FileState, r.FileState) {
		return false
	}
	if len(p.ArchivalStatus) > 0 && !containsInt(p.ArchivalStatus, r.ArchivalStatus) {
		return false
	}
	if len(p.Sender) > 0 && !containsString(p.Sender, r.Sender) {
		return false
	}
	if len(p.GroupID) > 0 && (r.GroupID == nil || !containsUUID(p.GroupID, *r.GroupID)) {
		return false
	}
	if p.UserDate != nil {
		if r.UserDate == nil || *r.UserDate < p.UserDate.Start {
			return false
		}
		if p.UserDate.End > 0 && *r.UserDate > p.UserDate.End {
			return false
		}
	}
	if len(p.ClientUniqueIDAtLeastOne) > 0 && (r.UniqueID == nil || !containsUUID(p.ClientUniqueIDAtLeastOne, *r.UniqueID)) {
		return false
	}
	if len(p.GlobalTransitID) > 0 && (r.GlobalTransitID == nil || !containsUUID(p.GlobalTransitID, *r.GlobalTransitID)) {
		return false
	}
	if len(p.TagsMatchAtLeastOne) > 0 && !tagsIntersect(r.Tags, p.TagsMatchAtLeastOne) {
		return false
	}
	if len(p.TagsMatchAll) > 0 && !tagsSubset(r.Tags, p.TagsMatchAll) {
		return false
	}
	return true
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsFileState(list []drive.FileState, v drive.FileState) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsUUID(list []uuid.UUID, v uuid.UUID) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// tagsIntersect reports whether the tag sets share at least one element.
func tagsIntersect(tags, wanted []uuid.UUID) bool {
	for _, w := range wanted {
		if containsUUID(tags, w) {
			return true
		}
	}
	return false
}

// tagsSubset reports whether every wanted tag is present.
func tagsSubset(tags, wanted []uuid.UUID) bool {
	for _, w := range wanted {
		if !containsUUID(tags, w) {
			return false
		}
	}
	return true
}
