package drive

import (
	"github.com/google/uuid"
)

// FilePart names the blobs persisted per file. Part names are lowercased
// into file extensions on disk.
type FilePart string

const (
	FilePartHeader  FilePart = "header"
	FilePartPayload FilePart = "payload"
	FilePartThumb   FilePart = "thumb"
)

// FileState tracks the lifecycle of a file.
type FileState int

const (
	FileStateActive  FileState = 1
	FileStateDeleted FileState = 2
)

// FileSystemType partitions files into logically distinct kinds that share
// storage and query machinery but must not cross-contaminate. The value is
// resolved once per request and threaded explicitly.
type FileSystemType int

const (
	FileSystemStandard FileSystemType = 0
	FileSystemComment  FileSystemType = 1
)

// EncryptionVersion tags the scheme used to wrap the key header.
type EncryptionVersion int

const (
	// EncryptionVersionAesCbc is AES-CBC under a transport shared secret
	EncryptionVersionAesCbc EncryptionVersion = 1
)

// EncryptedKeyHeader carries the symmetric content key, itself encrypted
// under a transport or shared-secret key. It is never persisted or
// transmitted in plaintext; decryption happens transiently in memory.
type EncryptedKeyHeader struct {
	EncryptionVersion EncryptionVersion `json:"encryptionVersion"`
	Type              EncryptionVersion `json:"type"`
	IV                []byte            `json:"iv"`
	EncryptedAESKey   []byte            `json:"encryptedAesKey"`
}

// IsValid reports whether the envelope carries both an IV and key material.
func (h *EncryptedKeyHeader) IsValid() bool {
	return h != nil && len(h.IV) > 0 && len(h.EncryptedAESKey) > 0
}

// ThumbnailHeader describes one stored thumbnail rendition.
type ThumbnailHeader struct {
	PixelWidth  int    `json:"pixelWidth"`
	PixelHeight int    `json:"pixelHeight"`
	ContentType string `json:"contentType"`
}

// AppFileMetaData is the app-owned description of a file's payload.
type AppFileMetaData struct {
	// UniqueID is an optional client-assigned idempotency key, unique per
	// drive while the file is active
	UniqueID *uuid.UUID `json:"uniqueId,omitempty"`

	// Tags is an unordered set of app-defined GUIDs used as query predicates
	Tags []uuid.UUID `json:"tags,omitempty"`

	// FileType and DataType are app-defined integers used as query predicates
	FileType int `json:"fileType"`
	DataType int `json:"dataType"`

	GroupID  *uuid.UUID `json:"groupId,omitempty"`
	UserDate *int64     `json:"userDate,omitempty"`

	// ContentIsComplete is true when JsonContent carries the whole content
	// and no separate payload blob is required
	ContentIsComplete bool `json:"contentIsComplete"`

	// JsonContent is small inline content delivered with the header
	JsonContent string `json:"jsonContent,omitempty"`

	PreviewThumbnail     *ThumbnailHeader  `json:"previewThumbnail,omitempty"`
	AdditionalThumbnails []ThumbnailHeader `json:"additionalThumbnails,omitempty"`

	ArchivalStatus int  `json:"archivalStatus"`
	IsArchived     bool `json:"isArchived"`
}

// FileMetadata is the system-owned record describing a file.
type FileMetadata struct {
	// File is set before the record is ever persisted
	File InternalFileID `json:"file"`

	// GlobalTransitID correlates the same logical file across identities
	GlobalTransitID *uuid.UUID `json:"globalTransitId,omitempty"`

	FileState FileState `json:"fileState"`

	// Created and Updated are unix milliseconds
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`

	ContentType        string `json:"contentType"`
	PayloadIsEncrypted bool   `json:"payloadIsEncrypted"`

	// SenderOdinID is empty when the file was authored locally
	SenderOdinID string `json:"senderOdinId,omitempty"`

	PayloadSize           int64    `json:"payloadSize"`
	OriginalRecipientList []string `json:"originalRecipientList,omitempty"`

	// ConcurrencyToken changes on every successful mutation; callers wanting
	// optimistic-lock semantics compare it before writing
	ConcurrencyToken uuid.UUID `json:"concurrencyToken"`

	AppData AppFileMetaData `json:"appData"`
}

// ServerMetadata is the host-owned portion of a header.
type ServerMetadata struct {
	AccessControlList AccessControlList `json:"accessControlList"`
	DoNotIndex        bool              `json:"doNotIndex"`
	AllowDistribution bool              `json:"allowDistribution"`
	FileSystemType    FileSystemType    `json:"fileSystemType"`
}

// ServerFileHeader is the persisted record describing a file; it is the unit
// of existence. A file exists iff its header blob parses into a valid
// ServerFileHeader.
type ServerFileHeader struct {
	EncryptedKeyHeader *EncryptedKeyHeader `json:"encryptedKeyHeader"`
	FileMetadata       *FileMetadata       `json:"fileMetadata"`
	ServerMetadata     *ServerMetadata     `json:"serverMetadata"`
}

// IsValid reports whether all three constituent parts are present.
func (h *ServerFileHeader) IsValid() bool {
	return h != nil &&
		h.EncryptedKeyHeader != nil &&
		h.FileMetadata != nil &&
		h.ServerMetadata != nil
}
