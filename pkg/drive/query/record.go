package query

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/haven-id/haven/pkg/drive"
)

// IndexRecord is the predicate projection of one header. It exists so a
// range scan can evaluate query predicates without touching disk; the
// header itself stays exclusively owned by the storage manager and is read
// back on demand for every emitted result. The record is rebuilt wholesale
// on every header write, never patched.
type IndexRecord struct {
	FileID          uuid.UUID            `json:"fileId"`
	UniqueID        *uuid.UUID           `json:"uniqueId,omitempty"`
	GlobalTransitID *uuid.UUID           `json:"globalTransitId,omitempty"`
	FileState       drive.FileState      `json:"fileState"`
	FileSystemType  drive.FileSystemType `json:"fileSystemType"`
	FileType        int                  `json:"fileType"`
	DataType        int                  `json:"dataType"`
	GroupID         *uuid.UUID           `json:"groupId,omitempty"`
	UserDate        *int64               `json:"userDate,omitempty"`
	Tags            []uuid.UUID          `json:"tags,omitempty"`
	Sender          string               `json:"sender,omitempty"`
	IsArchived      bool                 `json:"isArchived"`
	ArchivalStatus  int                  `json:"archivalStatus"`
	Created         int64                `json:"created"`
	Updated         int64                `json:"updated"`
}

// sortDate is the timestamp the UserDate sort order is keyed on. Files
// without an app-assigned UserDate sort by their creation time.
func (r *IndexRecord) sortDate() int64 {
	if r.UserDate != nil {
		return *r.UserDate
	}
	return r.Created
}

// projectHeader derives the index record from a header.
func projectHeader(header *drive.ServerFileHeader) IndexRecord {
	md := header.FileMetadata
	return IndexRecord{
		FileID:          md.File.FileID,
		UniqueID:        md.AppData.UniqueID,
		GlobalTransitID: md.GlobalTransitID,
		FileState:       md.FileState,
		FileSystemType:  header.ServerMetadata.FileSystemType,
		FileType:        md.AppData.FileType,
		DataType:        md.AppData.DataType,
		GroupID:         md.AppData.GroupID,
		UserDate:        md.AppData.UserDate,
		Tags:            md.AppData.Tags,
		Sender:          md.SenderOdinID,
		IsArchived:      md.AppData.IsArchived,
		ArchivalStatus:  md.AppData.ArchivalStatus,
		Created:         md.Created,
		Updated:         md.Updated,
	}
}

func encodeRecord(r *IndexRecord) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode index record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*IndexRecord, error) {
	var r IndexRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode index record: %w", err)
	}
	return &r, nil
}
