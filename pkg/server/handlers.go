package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/haven-id/haven/internal/logger"
	"github.com/haven-id/haven/pkg/drive"
	"github.com/haven-id/haven/pkg/drive/access"
	"github.com/haven-id/haven/pkg/drive/query"
	"github.com/haven-id/haven/pkg/drive/storage"
)

// queryRequest is the body shared by the batch and modified endpoints.
type queryRequest struct {
	TargetDrive drive.TargetDrive     `json:"targetDrive"`
	Params      query.FileQueryParams `json:"queryParams"`
}

type queryBatchRequest struct {
	queryRequest
	Options query.QueryBatchResultOptions `json:"resultOptions"`
}

type queryModifiedRequest struct {
	queryRequest
	Options query.QueryModifiedResultOptions `json:"resultOptions"`
}

type queryBatchCollectionRequest struct {
	Queries []query.NamedQueryRequest `json:"queries"`
}

func (s *HavenServer) handleQueryBatch(w http.ResponseWriter, r *http.Request) {
	var req queryBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, drive.NewInvalidArgument("request body does not parse"))
		return
	}

	result, err := s.query.QueryBatch(r.Context(), s.caller(r), req.TargetDrive, req.Params, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *HavenServer) handleQueryModified(w http.ResponseWriter, r *http.Request) {
	var req queryModifiedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, drive.NewInvalidArgument("request body does not parse"))
		return
	}

	result, err := s.query.QueryModified(r.Context(), s.caller(r), req.TargetDrive, req.Params, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *HavenServer) handleQueryBatchCollection(w http.ResponseWriter, r *http.Request) {
	var req queryBatchCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, drive.NewInvalidArgument("request body does not parse"))
		return
	}

	results, err := s.query.QueryBatchCollection(r.Context(), s.caller(r), req.Queries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, results)
}

// handleGetFileHeader serves a single file header addressed by fileId,
// uniqueId, or globalTransitId within a target drive.
func (s *HavenServer) handleGetFileHeader(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)
	target, err := parseTargetDrive(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	switch {
	case q.Get("fileId") != "":
		header, err := s.readFileHeader(r, caller, target, q.Get("fileId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, header)

	case q.Get("uniqueId") != "":
		uniqueID, err := uuid.Parse(q.Get("uniqueId"))
		if err != nil {
			writeError(w, drive.NewInvalidArgument("malformed uniqueId"))
			return
		}
		header, err := s.query.GetFileByClientUniqueID(r.Context(), caller, target, uniqueID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, header)

	case q.Get("globalTransitId") != "":
		transitID, err := uuid.Parse(q.Get("globalTransitId"))
		if err != nil {
			writeError(w, drive.NewInvalidArgument("malformed globalTransitId"))
			return
		}
		header, err := s.query.GetFileByGlobalTransitID(r.Context(), caller, target, transitID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, header)

	default:
		writeError(w, drive.NewInvalidArgument("one of fileId, uniqueId, globalTransitId is required"))
	}
}

// handleGetPayload streams a file's payload, optionally a chunk of it.
func (s *HavenServer) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)
	target, err := parseTargetDrive(r)
	if err != nil {
		writeError(w, err)
		return
	}

	header, longTerm, err := s.authorizeFileRead(r, caller, target, r.URL.Query().Get("fileId"))
	if err != nil {
		writeError(w, err)
		return
	}

	chunk, err := parseChunk(r)
	if err != nil {
		writeError(w, err)
		return
	}

	rc, err := longTerm.GetFilePartStream(r.Context(), header.FileMetadata.File.FileID, drive.FilePartPayload, chunk)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	if header.FileMetadata.ContentType != "" {
		w.Header().Set("Content-Type", header.FileMetadata.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if _, err := io.Copy(w, rc); err != nil {
		logger.Warn("Payload stream interrupted: %v", err)
	}
}

// handleGetThumbnail streams one thumbnail rendition.
func (s *HavenServer) handleGetThumbnail(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)
	target, err := parseTargetDrive(r)
	if err != nil {
		writeError(w, err)
		return
	}

	header, longTerm, err := s.authorizeFileRead(r, caller, target, r.URL.Query().Get("fileId"))
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	width, werr := strconv.Atoi(q.Get("width"))
	height, herr := strconv.Atoi(q.Get("height"))
	if werr != nil || herr != nil || width <= 0 || height <= 0 {
		writeError(w, drive.NewInvalidArgument("width and height must be positive integers"))
		return
	}

	rc, err := longTerm.GetThumbnail(r.Context(), header.FileMetadata.File.FileID, width, height)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		logger.Warn("Thumbnail stream interrupted: %v", err)
	}
}

// readFileHeader loads a header by fileId with the same access semantics as
// the point lookups: the caller needs a read grant on the drive and must
// pass the file's ACL, and denial is surfaced rather than masked.
func (s *HavenServer) readFileHeader(
	r *http.Request,
	caller *access.PermissionContext,
	target drive.TargetDrive,
	fileIDParam string,
) (*drive.ServerFileHeader, error) {
	header, _, err := s.authorizeFileRead(r, caller, target, fileIDParam)
	return header, err
}

func (s *HavenServer) authorizeFileRead(
	r *http.Request,
	caller *access.PermissionContext,
	target drive.TargetDrive,
	fileIDParam string,
) (*drive.ServerFileHeader, *storage.LongTermStorageManager, error) {
	fileID, err := drive.ParseFileID(fileIDParam)
	if err != nil {
		return nil, nil, drive.NewInvalidArgument("malformed fileId")
	}

	driveID, err := caller.GetDriveID(target)
	if err != nil {
		return nil, nil, err
	}
	longTerm, err := s.registry.LongTerm(driveID)
	if err != nil {
		return nil, nil, err
	}

	header, err := longTerm.GetServerFileHeader(r.Context(), fileID)
	if err != nil {
		return nil, nil, err
	}
	if err := caller.AssertCanReadFile(target, header.ServerMetadata.AccessControlList); err != nil {
		return nil, nil, err
	}
	return header, longTerm, nil
}

// parseTargetDrive reads the drive's cross-host identity from query
// parameters.
func parseTargetDrive(r *http.Request) (drive.TargetDrive, error) {
	q := r.URL.Query()
	alias, err := uuid.Parse(q.Get("alias"))
	if err != nil {
		return drive.TargetDrive{}, drive.NewInvalidArgument("malformed drive alias")
	}
	driveType, err := uuid.Parse(q.Get("type"))
	if err != nil {
		return drive.TargetDrive{}, drive.NewInvalidArgument("malformed drive type")
	}
	return drive.TargetDrive{Alias: alias, Type: driveType}, nil
}

// parseChunk reads optional chunk bounds. Absent parameters mean a whole
// part read.
func parseChunk(r *http.Request) (*storage.FileChunk, error) {
	q := r.URL.Query()
	if q.Get("start") == "" && q.Get("length") == "" {
		return nil, nil
	}

	start, err := strconv.ParseInt(q.Get("start"), 10, 64)
	if err != nil || start < 0 {
		return nil, drive.NewInvalidArgument("malformed chunk start")
	}
	length, err := strconv.ParseInt(q.Get("length"), 10, 64)
	if err != nil || length <= 0 {
		return nil, drive.NewInvalidArgument("malformed chunk length")
	}
	return &storage.FileChunk{Start: start, Length: length}, nil
}

// writeJSON writes a 200 response with a JSON body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response: %v", err)
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// writeError translates domain errors to HTTP status codes. Unrecognized
// errors are reported as 500 without leaking their message.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	if de, ok := err.(*drive.DriveError); ok {
		message = de.Message
		switch de.Code {
		case drive.ErrNotFound:
			status = http.StatusNotFound
		case drive.ErrUnknownDrive, drive.ErrAccessDenied:
			status = http.StatusForbidden
		case drive.ErrInvalidArgument, drive.ErrInvalidChunkStart, drive.ErrMissingUploadData:
			status = http.StatusBadRequest
		case drive.ErrVersionMismatch:
			status = http.StatusConflict
		default:
			status = http.StatusInternalServerError
			message = "internal error"
		}
	}

	if status == http.StatusInternalServerError {
		logger.Error("Request failed: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}
