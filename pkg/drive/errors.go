package drive

// DriveError represents a domain error from drive operations.
//
// These are business logic errors (file not found, unknown drive, invalid
// chunk bounds, etc.) as opposed to infrastructure errors (disk failure,
// corrupt database). Transport handlers translate DriveError codes to
// HTTP status codes and transit response codes.
type DriveError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the filesystem path related to the error (if applicable)
	Path string
}

// Error implements the error interface.
func (e *DriveError) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// ErrorCode represents the category of a drive error.
type ErrorCode int

const (
	// ErrNotFound indicates the requested file or part doesn't exist
	ErrNotFound ErrorCode = iota

	// ErrUnknownDrive indicates the caller named a TargetDrive that is not
	// mapped in their permission context
	ErrUnknownDrive

	// ErrAccessDenied indicates the access gate denied the operation
	ErrAccessDenied

	// ErrInvalidArgument indicates invalid parameters were provided
	// Examples: zero file id, negative chunk bounds, malformed thumbnail size
	ErrInvalidArgument

	// ErrInvalidChunkStart indicates a chunked read starting beyond the
	// current length of the file part
	ErrInvalidChunkStart

	// ErrMissingUploadData indicates a file that does not contain all
	// required parts (header absent, or payload absent while the header
	// declares the content incomplete)
	ErrMissingUploadData

	// ErrVersionMismatch indicates an optimistic-concurrency check failed:
	// the caller's ConcurrencyToken no longer matches the stored header
	ErrVersionMismatch

	// ErrIOError indicates an I/O error reading or writing drive storage
	ErrIOError

	// ErrCorruptHeader indicates a header blob that exists on disk but does
	// not parse into a valid ServerFileHeader
	ErrCorruptHeader
)

// NewNotFound returns a DriveError carrying ErrNotFound.
func NewNotFound(message, path string) *DriveError {
	return &DriveError{Code: ErrNotFound, Message: message, Path: path}
}

// NewInvalidArgument returns a DriveError carrying ErrInvalidArgument.
func NewInvalidArgument(message string) *DriveError {
	return &DriveError{Code: ErrInvalidArgument, Message: message}
}

// IsNotFound reports whether err is a DriveError with code ErrNotFound.
func IsNotFound(err error) bool {
	de, ok := err.(*DriveError)
	return ok && de.Code == ErrNotFound
}
